package journal

import (
	"time"
)

// Event types.
const (
	EventRunCompleted      = "run_completed"
	EventRunShortCircuited = "run_short_circuited"
	EventRunFailed         = "run_failed"
)

// SchemaVersion is the version of the event format.
const SchemaVersion = "1.0"

// Event is one journal entry for a run outcome.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Run       RunInfo                 `json:"run"`
	Artifacts map[string]ArtifactInfo `json:"artifacts,omitempty"`
	Failure   *FailureInfo            `json:"failure,omitempty"`
	Producer  ProducerInfo            `json:"producer"`
	Chain     ChainInfo               `json:"chain"`
}

// RunInfo identifies the run being journaled.
type RunInfo struct {
	Namespace               string `json:"namespace"`
	RunID                   string `json:"run_id"`
	FullHash                string `json:"full_hash"`
	DatasetFingerprint      string `json:"dataset_fingerprint"`
	CanonicalizationVersion string `json:"canonicalization_version"`
	ArtifactRoot            string `json:"artifact_root,omitempty"`
}

// ArtifactInfo describes one committed artifact.
type ArtifactInfo struct {
	Stage    string `json:"stage"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
	URI      string `json:"uri"`
}

// FailureInfo describes why a run failed.
type FailureInfo struct {
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// ProducerInfo identifies the software that produced the run.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo links events into a tamper-evident log.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the chain an event belongs to. There is one chain per
// namespace.
func (r RunInfo) ChainKey() string {
	if r.Namespace == "" {
		return "default"
	}
	return r.Namespace
}

// SetChainHashes links the event to prev and computes its own hash.
func (e *Event) SetChainHashes(prev string) {
	e.Chain.PrevEventHash = prev
	e.Chain.EventHash = ComputeEventHash(e)
}
