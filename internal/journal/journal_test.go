package journal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-run-engine/internal/fingerprint"
	"github.com/withObsrvr/obsrvr-run-engine/internal/identity"
	"github.com/withObsrvr/obsrvr-run-engine/internal/storage"
)

func testIdentity(fill string) identity.RunIdentity {
	full := "0123456789ab" + strings.Repeat(fill, 52)
	return identity.RunIdentity{
		FullHash:                full,
		RunID:                   full[:12],
		DatasetFingerprint:      fingerprint.DatasetFingerprint(strings.Repeat("e", 64)),
		CanonicalizationVersion: "1.0.0",
	}
}

func testEvent(fill string) *Event {
	evt := NewEvent(EventRunCompleted, "training_runs", testIdentity(fill), storage.ProducerInfo{Name: "run-engine", Version: "test"})
	evt.Timestamp = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	evt.EventID = "evt_fixed_" + fill
	return evt.WithManifest(&storage.RunManifest{
		ArtifactRoot: "file:///runs/training_runs/" + evt.Run.RunID,
		Artifacts: []storage.Artifact{
			{Stage: "train", Name: "model.bin", Checksum: "sha256:abc", Size: 3, URI: "file:///runs/model.bin"},
		},
	})
}

func TestComputeEventHash(t *testing.T) {
	evt := testEvent("1")
	evt.SetChainHashes("")

	if !strings.HasPrefix(evt.Chain.EventHash, "sha256:") {
		t.Errorf("EventHash should start with 'sha256:', got: %s", evt.Chain.EventHash)
	}
	if evt.Chain.PrevEventHash != "" {
		t.Errorf("PrevEventHash should be empty for first in chain, got: %s", evt.Chain.PrevEventHash)
	}
}

func TestHashChainDeterminism(t *testing.T) {
	a := testEvent("1")
	a.SetChainHashes("sha256:prev")
	b := testEvent("1")
	b.SetChainHashes("sha256:prev")

	if a.Chain.EventHash != b.Chain.EventHash {
		t.Errorf("identical events hash differently: %s vs %s", a.Chain.EventHash, b.Chain.EventHash)
	}

	c := testEvent("1")
	c.SetChainHashes("sha256:other")
	if c.Chain.EventHash == a.Chain.EventHash {
		t.Error("prev_event_hash must affect the event hash")
	}

	d := testEvent("1")
	d.Artifacts["model.bin"] = ArtifactInfo{Stage: "train", Checksum: "sha256:def", Size: 3}
	d.SetChainHashes("sha256:prev")
	if d.Chain.EventHash == a.Chain.EventHash {
		t.Error("artifact checksum must affect the event hash")
	}
}

func TestFileEmitterChain(t *testing.T) {
	dir := t.TempDir()
	emitter := NewEmitter(Config{Enabled: true, BackupDir: dir})
	defer emitter.Close()

	ctx := context.Background()
	for _, fill := range []string{"1", "2", "3"} {
		if err := emitter.Emit(ctx, testEvent(fill)); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	backup, err := NewFileBackup(dir)
	if err != nil {
		t.Fatalf("NewFileBackup: %v", err)
	}
	events, err := backup.Load("training_runs")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if err := VerifyChain(events); err != nil {
		t.Errorf("VerifyChain: %v", err)
	}

	events[1].Artifacts["model.bin"] = ArtifactInfo{Checksum: "sha256:tampered"}
	if err := VerifyChain(events); err == nil {
		t.Error("tampered chain should fail verification")
	}
}

func TestChainHeadPersists(t *testing.T) {
	dir := t.TempDir()

	first, err := NewFileEmitter(dir)
	if err != nil {
		t.Fatalf("NewFileEmitter: %v", err)
	}
	evt := testEvent("1")
	if err := first.Emit(evt); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	second, err := NewFileEmitter(dir)
	if err != nil {
		t.Fatalf("NewFileEmitter: %v", err)
	}
	next := testEvent("2")
	if err := second.Emit(next); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if next.Chain.PrevEventHash != evt.Chain.EventHash {
		t.Errorf("chain not continued across restarts: %s != %s", next.Chain.PrevEventHash, evt.Chain.EventHash)
	}
}

func TestHTTPEmitterRetries(t *testing.T) {
	var calls atomic.Int32
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	dir := t.TempDir()
	emitter, err := NewHTTPEmitter(Config{
		Enabled:    true,
		Endpoint:   srv.URL,
		BackupDir:  dir,
		Retries:    3,
		RetryDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHTTPEmitter: %v", err)
	}
	defer emitter.Close()

	evt := testEvent("1")
	if err := emitter.Emit(context.Background(), evt); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 requests, got %d", calls.Load())
	}
	if received.Chain.EventHash != evt.Chain.EventHash {
		t.Errorf("posted event hash = %s", received.Chain.EventHash)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "training_runs_*.json"))
	if len(files) != 1 {
		t.Errorf("expected one backup file, got %d", len(files))
	}
}

func TestHTTPEmitterClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad event", http.StatusBadRequest)
	}))
	defer srv.Close()

	emitter, err := NewHTTPEmitter(Config{
		Enabled:    true,
		Endpoint:   srv.URL,
		BackupDir:  t.TempDir(),
		Retries:    5,
		RetryDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHTTPEmitter: %v", err)
	}

	err = emitter.Emit(context.Background(), testEvent("1"))
	if err == nil || !strings.Contains(err.Error(), "bad event") {
		t.Fatalf("expected client error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("client errors must not be retried, got %d requests", calls.Load())
	}
}

func TestNewEmitterDisabled(t *testing.T) {
	if _, ok := NewEmitter(Config{}).(NoopEmitter); !ok {
		t.Error("disabled journal should use the no-op emitter")
	}
}

func TestWithFailure(t *testing.T) {
	evt := NewEvent(EventRunFailed, "", testIdentity("1"), storage.ProducerInfo{}).
		WithFailure("stage_failed", os.ErrDeadlineExceeded)
	if evt.Failure == nil || evt.Failure.Reason != "stage_failed" || evt.Failure.Error == "" {
		t.Errorf("failure = %+v", evt.Failure)
	}
	if evt.Run.ChainKey() != "default" {
		t.Errorf("chain key = %s", evt.Run.ChainKey())
	}
}

func TestVerifyDir(t *testing.T) {
	dir := t.TempDir()
	emitter, err := NewFileEmitter(dir)
	if err != nil {
		t.Fatalf("NewFileEmitter: %v", err)
	}
	for _, fill := range []string{"1", "2", "3"} {
		if err := emitter.Emit(testEvent(fill)); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	events, err := VerifyDir(dir, "training_runs")
	if err != nil {
		t.Fatalf("VerifyDir: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	eventFile := func(fill string) string {
		return filepath.Join(dir, "training_runs_0123456789ab_run_completed_evt_fixed_"+fill+".json")
	}

	t.Run("edited event", func(t *testing.T) {
		path := eventFile("2")
		orig, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		t.Cleanup(func() { os.WriteFile(path, orig, 0o644) })

		var evt Event
		if err := json.Unmarshal(orig, &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		evt.Artifacts["model.bin"] = ArtifactInfo{Checksum: "sha256:tampered"}
		data, _ := json.Marshal(evt)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := VerifyDir(dir, "training_runs"); err == nil {
			t.Error("edited event should fail verification")
		}
	})

	t.Run("truncated chain", func(t *testing.T) {
		if err := os.Remove(eventFile("3")); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if _, err := VerifyDir(dir, "training_runs"); err == nil {
			t.Error("missing last event should not match the recorded head")
		}
	})
}

func TestVerifyDirMissing(t *testing.T) {
	if _, err := VerifyDir(filepath.Join(t.TempDir(), "nope"), ""); err == nil {
		t.Error("expected error for a missing journal dir")
	}
}
