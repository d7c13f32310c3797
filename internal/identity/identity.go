// Package identity derives run identities from a canonical config and a
// dataset fingerprint.
//
// Resolve is a pure function of its two arguments. It must not read the
// clock, the environment or any process state.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/withObsrvr/obsrvr-run-engine/internal/canonical"
	"github.com/withObsrvr/obsrvr-run-engine/internal/fingerprint"
)

// RunIDLength is the number of hex characters of the full hash kept as run_id.
const RunIDLength = 12

// DefaultNamespace groups training runs under the artifact root.
const DefaultNamespace = "training_runs"

// RunIdentity is the content-derived identity of one run.
type RunIdentity struct {
	FullHash                string                         `json:"full_hash"`
	RunID                   string                         `json:"run_id"`
	DatasetFingerprint      fingerprint.DatasetFingerprint `json:"dataset_fingerprint"`
	CanonicalizationVersion string                         `json:"canonicalization_version"`
}

// Resolve hashes the canonical config bytes, a newline and the fingerprint.
func Resolve(cfg *canonical.CanonicalConfig, fp fingerprint.DatasetFingerprint) (RunIdentity, error) {
	if cfg == nil {
		return RunIdentity{}, errors.New("resolve identity: nil canonical config")
	}
	if err := fp.Validate(); err != nil {
		return RunIdentity{}, fmt.Errorf("resolve identity: %w", err)
	}

	full := FullHash(cfg.Bytes(), fp)
	return RunIdentity{
		FullHash:                full,
		RunID:                   full[:RunIDLength],
		DatasetFingerprint:      fp,
		CanonicalizationVersion: cfg.Version(),
	}, nil
}

// FullHash returns sha256(canonical + "\n" + fingerprint) as lowercase hex.
func FullHash(canonicalBytes []byte, fp fingerprint.DatasetFingerprint) string {
	h := sha256.New()
	h.Write(canonicalBytes)
	h.Write([]byte{'\n'})
	h.Write([]byte(fp))
	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks the shape of an identity read back from storage.
func (id RunIdentity) Validate() error {
	if !isLowerHex(id.FullHash, sha256.Size*2) {
		return fmt.Errorf("invalid full hash %q", id.FullHash)
	}
	if id.RunID != id.FullHash[:RunIDLength] {
		return fmt.Errorf("run_id %q is not a prefix of full hash", id.RunID)
	}
	return nil
}

// ValidateRunID checks that s looks like a run_id.
func ValidateRunID(s string) error {
	if !isLowerHex(s, RunIDLength) {
		return fmt.Errorf("invalid run_id %q", s)
	}
	return nil
}

// ArtifactRoot returns {rootURI}/{namespace}/{runID}.
func ArtifactRoot(rootURI, namespace, runID string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	root := rootURI
	if !strings.HasSuffix(root, "://") {
		root = strings.TrimRight(root, "/") + "/"
	}
	return root + strings.Trim(namespace, "/") + "/" + runID
}

func isLowerHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
