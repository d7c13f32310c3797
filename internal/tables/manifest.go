package tables

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/withObsrvr/obsrvr-run-engine/internal/fingerprint"
)

// DatasetManifestName is the artifact name of the dataset manifest.
const DatasetManifestName = "dataset_manifest.parquet"

// BuildDatasetManifest encodes the fingerprinted listing as parquet, sorted
// by path the same way the fingerprint was computed. Equal inputs produce
// equal bytes.
func BuildDatasetManifest(cfg ParquetConfig, runID string, fp fingerprint.DatasetFingerprint, objects []fingerprint.Object) ([]byte, error) {
	sorted := make([]fingerprint.Object, len(objects))
	copy(sorted, objects)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	rows := make([]DatasetObjectRow, len(sorted))
	for i, o := range sorted {
		rows[i] = DatasetObjectRow{
			RunID:              runID,
			DatasetFingerprint: fp.String(),
			Path:               o.Path,
			Token:              o.Token,
			Size:               o.Size,
		}
	}

	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[DatasetObjectRow](&buf,
		parquet.Compression(codec),
		parquet.KeyValueMetadata(schemaVersionKey, SchemaVersion),
	)
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("write dataset manifest rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close dataset manifest writer: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadDatasetManifest decodes a manifest produced by BuildDatasetManifest.
// Files written under a different schema version are rejected.
func ReadDatasetManifest(data []byte) ([]DatasetObjectRow, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open dataset manifest: %w", err)
	}
	if v, _ := f.Lookup(schemaVersionKey); v != SchemaVersion {
		return nil, fmt.Errorf("dataset manifest schema version %q, want %q", v, SchemaVersion)
	}
	rows, err := parquet.Read[DatasetObjectRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read dataset manifest: %w", err)
	}
	return rows, nil
}

// VerifyDatasetManifest checks that the rows belong to runID and recomputes
// the fingerprint from them.
func VerifyDatasetManifest(rows []DatasetObjectRow, runID string, want fingerprint.DatasetFingerprint) error {
	objects := make([]fingerprint.Object, len(rows))
	for i, r := range rows {
		if r.RunID != runID || r.DatasetFingerprint != want.String() {
			return fmt.Errorf("dataset manifest row %s recorded for run %s fingerprint %s", r.Path, r.RunID, r.DatasetFingerprint)
		}
		objects[i] = fingerprint.Object{Path: r.Path, Token: r.Token, Size: r.Size}
	}
	got, err := fingerprint.Digest(objects)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("dataset manifest fingerprint %s does not match %s", got, want)
	}
	return nil
}

func compressionCodec(name string) (compress.Codec, error) {
	switch name {
	case "", "snappy":
		return &parquet.Snappy, nil
	case "zstd":
		return &parquet.Zstd, nil
	case "gzip":
		return &parquet.Gzip, nil
	case "none":
		return &parquet.Uncompressed, nil
	default:
		return nil, fmt.Errorf("unknown parquet compression %q", name)
	}
}
