package engine

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/withObsrvr/obsrvr-run-engine/internal/config"
	"github.com/withObsrvr/obsrvr-run-engine/internal/gate"
	"github.com/withObsrvr/obsrvr-run-engine/internal/journal"
	"github.com/withObsrvr/obsrvr-run-engine/internal/registry"
	"github.com/withObsrvr/obsrvr-run-engine/internal/storage"
	"github.com/withObsrvr/obsrvr-run-engine/internal/tables"
)

// RegistryDirName is the directory of the default file registry below a
// local artifact root.
const RegistryDirName = "_registry"

// Open builds an engine from platform configuration.
func Open(ctx context.Context, cfg *config.Config, producer storage.ProducerInfo) (*Engine, error) {
	store, err := storage.Open(ctx, storage.Config{RootURI: cfg.RootURI, Namespace: cfg.Namespace})
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	reg, err := registry.Open(ctx, RegistryDSN(cfg))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open registry: %w", err)
	}

	locker, err := gate.NewLocker(gate.LockConfig{Enabled: cfg.LockEnabled, Dir: cfg.LockDir})
	if err != nil {
		reg.Close()
		store.Close()
		return nil, err
	}

	emitter := journal.NewEmitter(journal.Config{
		Enabled:   cfg.JournalEnabled,
		Endpoint:  cfg.JournalEndpoint,
		BackupDir: cfg.JournalDir,
		Strict:    cfg.JournalStrict,
		Timeout:   cfg.JournalTimeout,
	})

	e, err := New(Options{
		Store:              store,
		Registry:           reg,
		Locker:             locker,
		Journal:            emitter,
		JournalStrict:      cfg.JournalStrict,
		Namespace:          cfg.Namespace,
		Version:            cfg.CanonicalizationVersion,
		FingerprintWorkers: cfg.FingerprintWorkers,
		FingerprintTimeout: cfg.FingerprintTimeout,
		Producer:           producer,
		Parquet:            tables.ParquetConfig{Compression: cfg.ParquetCompression},
	})
	if err != nil {
		emitter.Close()
		reg.Close()
		store.Close()
		return nil, err
	}
	e.closers = []func() error{emitter.Close, reg.Close, store.Close}
	return e, nil
}

// RegistryDSN returns the configured registry DSN. Without one, local roots
// get a file registry beside the runs and remote roots an in-memory one.
func RegistryDSN(cfg *config.Config) string {
	if cfg.RegistryDSN != "" {
		return cfg.RegistryDSN
	}
	u, err := url.Parse(cfg.RootURI)
	switch {
	case err != nil || u.Scheme == "" || len(u.Scheme) == 1:
		return filepath.Join(cfg.RootURI, RegistryDirName)
	case u.Scheme == "file":
		return filepath.Join(u.Path, RegistryDirName)
	default:
		return "mem://"
	}
}
