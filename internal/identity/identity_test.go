package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-run-engine/internal/canonical"
	"github.com/withObsrvr/obsrvr-run-engine/internal/fingerprint"
)

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestResolve_ScenarioA(t *testing.T) {
	cfg, err := canonical.Canonicalize(
		canonical.RawConfig{"a": "1", "b": " x,y,x "},
		canonical.AllowlistOf("a", "b"),
		canonical.CurrentVersion,
	)
	require.NoError(t, err)

	fp, err := fingerprint.Digest([]fingerprint.Object{{Path: "f", Token: "abc", Size: 10}})
	require.NoError(t, err)
	require.Equal(t, sha("f:abc:10"), fp.String())

	id, err := Resolve(cfg, fp)
	require.NoError(t, err)

	want := sha(`{"a":1,"b":["x","y"]}` + "\n" + sha("f:abc:10"))
	assert.Equal(t, want, id.FullHash)
	assert.Equal(t, want[:12], id.RunID)
	assert.Equal(t, fp, id.DatasetFingerprint)
	assert.Equal(t, "1.0.0", id.CanonicalizationVersion)
	assert.NoError(t, id.Validate())
}

func TestResolve_Pure(t *testing.T) {
	cfg, err := canonical.Canonicalize(canonical.RawConfig{"k": "v"}, canonical.AllowlistOf("k"), "")
	require.NoError(t, err)
	fp := fingerprint.DatasetFingerprint(sha("data"))

	a, err := Resolve(cfg, fp)
	require.NoError(t, err)
	b, err := Resolve(cfg, fp)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := Resolve(cfg, fingerprint.DatasetFingerprint(sha("data2")))
	require.NoError(t, err)
	assert.NotEqual(t, a.RunID, other.RunID)
}

func TestResolve_RejectsBadInput(t *testing.T) {
	cfg, err := canonical.Canonicalize(canonical.RawConfig{}, canonical.AllowlistOf("k"), "")
	require.NoError(t, err)

	_, err = Resolve(cfg, "not-a-fingerprint")
	assert.Error(t, err)

	_, err = Resolve(nil, fingerprint.DatasetFingerprint(sha("x")))
	assert.Error(t, err)
}

func TestArtifactRoot(t *testing.T) {
	tests := []struct {
		root, ns, id, want string
	}{
		{"gs://bucket/pipelines", "ml8s_training_runs", "abcdef012345", "gs://bucket/pipelines/ml8s_training_runs/abcdef012345"},
		{"gs://bucket/pipelines/", "", "abcdef012345", "gs://bucket/pipelines/training_runs/abcdef012345"},
		{"/var/runs", "/ns/", "abcdef012345", "/var/runs/ns/abcdef012345"},
		{"mem://", "ns", "abcdef012345", "mem://ns/abcdef012345"},
		{"file:///srv/runs", "ns", "abcdef012345", "file:///srv/runs/ns/abcdef012345"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ArtifactRoot(tt.root, tt.ns, tt.id))
	}
}

func TestValidateRunID(t *testing.T) {
	assert.NoError(t, ValidateRunID("abcdef012345"))
	assert.Error(t, ValidateRunID("ABCDEF012345"))
	assert.Error(t, ValidateRunID("abc"))
	assert.Error(t, ValidateRunID("../../etc/pa"))
}
