package journal

import (
	"errors"
	"fmt"
	"os"
)

// VerifyDir checks the chain saved under dir: every event links to the one
// before it, every hash matches its event, and the persisted chain head is
// the last event. It returns the verified events in chain order.
func VerifyDir(dir, chainKey string) ([]Event, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	if chainKey == "" {
		chainKey = RunInfo{}.ChainKey()
	}

	events, err := (&FileBackup{dir: dir}).Load(chainKey)
	if err != nil {
		return nil, err
	}
	if err := VerifyChain(events); err != nil {
		return nil, fmt.Errorf("chain %s: %w", chainKey, err)
	}

	ct, err := NewChainTracker(dir)
	if err != nil {
		return nil, err
	}
	head, err := ct.GetHead(chainKey)
	switch {
	case errors.Is(err, ErrNoChainHead):
		if len(events) > 0 {
			return nil, fmt.Errorf("chain %s: %d events but no recorded head", chainKey, len(events))
		}
	case len(events) == 0:
		return nil, fmt.Errorf("chain %s: head %s recorded but no events found", chainKey, head)
	case events[len(events)-1].Chain.EventHash != head:
		return nil, fmt.Errorf("chain %s: last event %s does not match recorded head %s",
			chainKey, events[len(events)-1].Chain.EventHash, head)
	}
	return events, nil
}
