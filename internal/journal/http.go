package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/obsrvr-run-engine/internal/metrics"
)

// HTTPEmitter posts events to an endpoint and keeps a local file backup.
type HTTPEmitter struct {
	mu           sync.Mutex
	endpoint     string
	retries      uint64
	retryDelay   time.Duration
	client       *http.Client
	chainTracker *ChainTracker
	backup       *FileBackup
	log          *slog.Logger
}

// NewHTTPEmitter creates an HTTP emitter from cfg.
func NewHTTPEmitter(cfg Config) (*HTTPEmitter, error) {
	chainTracker, err := NewChainTracker(cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}

	backup, err := NewFileBackup(cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 3
	}

	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	return &HTTPEmitter{
		endpoint:     cfg.Endpoint,
		retries:      uint64(retries),
		retryDelay:   delay,
		client:       &http.Client{Timeout: timeout},
		chainTracker: chainTracker,
		backup:       backup,
		log:          slog.With("component", "journal", "emitter", "http"),
	}, nil
}

// Emit links evt into its chain, backs it up and posts it.
func (e *HTTPEmitter) Emit(ctx context.Context, evt *Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	chainKey := evt.Run.ChainKey()
	prevHash, _ := e.chainTracker.GetHead(chainKey)
	evt.SetChainHashes(prevHash)

	e.log.Info("emitting journal event",
		"event_type", evt.EventType,
		"run_id", evt.Run.RunID,
		"prev_event_hash", prevHash,
		"event_hash", evt.Chain.EventHash,
	)

	// Backup always comes first; the POST is the primary path.
	if err := e.backup.Save(evt); err != nil {
		e.log.Warn("journal backup failed", "error", err)
	}

	if err := e.postWithRetry(ctx, evt); err != nil {
		return fmt.Errorf("journal emit failed: %w", err)
	}

	if err := e.chainTracker.SetHead(chainKey, evt.Chain.EventHash); err != nil {
		e.log.Warn("failed to update chain head", "error", err)
	}
	return nil
}

func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.retryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, e.retries-1), ctx)

	return backoff.RetryNotify(func() error {
		return e.post(ctx, body)
	}, policy, func(err error, d time.Duration) {
		metrics.Get().IncRetryAttempts(metrics.Labels{Operation: "journal_post"})
		e.log.Warn("journal post failed, retrying", "error", err, "delay", d)
	})
}

func (e *HTTPEmitter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.log.Debug("journal event posted", "status", resp.StatusCode)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
