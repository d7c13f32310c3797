package tables

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"
)

// ChecksumPrefix tags checksums produced by this package.
const ChecksumPrefix = "sha256:"

// ComputeChecksum computes a SHA256 checksum for the given data.
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return ChecksumPrefix + hex.EncodeToString(hash[:])
}

// ReaderChecksum streams r and returns its checksum and length.
func ReaderChecksum(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return format(h), n, nil
}

// ValidChecksum reports whether s is a well formed checksum.
func ValidChecksum(s string) bool {
	hexPart, ok := strings.CutPrefix(s, ChecksumPrefix)
	if !ok || len(hexPart) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil && strings.ToLower(hexPart) == hexPart
}

func format(h hash.Hash) string {
	return ChecksumPrefix + hex.EncodeToString(h.Sum(nil))
}
