package tables

// DatasetObjectRow is one row of the dataset manifest written with every run.
// It records exactly which objects the run's fingerprint was computed over.
// Rows carry no timestamps, so the manifest bytes depend only on the run.
type DatasetObjectRow struct {
	RunID              string `parquet:"run_id"`
	DatasetFingerprint string `parquet:"dataset_fingerprint"`

	Path  string `parquet:"path"`
	Token string `parquet:"token"`
	Size  int64  `parquet:"size"`
}

// ParquetConfig configures parquet output generation.
type ParquetConfig struct {
	Compression string // "snappy" | "zstd" | "none"
}

// DefaultParquetConfig returns sensible defaults.
func DefaultParquetConfig() ParquetConfig {
	return ParquetConfig{
		Compression: "snappy",
	}
}

// SchemaVersion is stored in the dataset manifest's key/value metadata.
// Increment this when making breaking changes.
const SchemaVersion = "1.0.0"

const schemaVersionKey = "schema_version"
