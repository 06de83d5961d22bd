package migrate

import (
	"github.com/beyondbrewing/brewery-logdb/pkg/logger"
	"github.com/cockroachdb/pebble/vfs"
)

// DefaultColumnFamily is the column family used when none is given. It
// matches the prefix layout of databases written by the pebble-backed
// header indexer.
const DefaultColumnFamily = "default"

// Config holds the tunables for a migration. Use functional [Option]
// values rather than constructing a Config directly.
type Config struct {
	// ColumnFamily selects the "cf\x00" key range on the pebble side.
	// Keys outside it are neither read nor written.
	ColumnFamily string

	// BatchSize is the number of keys per logdb transaction on import
	// and per pebble batch on export.
	BatchSize int

	// SyncWrites syncs each pebble batch on export.
	SyncWrites bool

	// FS is the filesystem used by the *Dir helpers. Nil means the OS
	// filesystem.
	FS vfs.FS

	// Logger receives progress messages. If not set, the global
	// logger.Default() is used.
	Logger logger.Logger
}

// DefaultConfig returns a Config with the default column family and a
// batch size of 1000 keys.
func DefaultConfig() *Config {
	return &Config{
		ColumnFamily: DefaultColumnFamily,
		BatchSize:    1000,
	}
}

// Option is a functional option for configuring a migration.
type Option func(*Config)

// WithColumnFamily selects the pebble column family.
func WithColumnFamily(cf string) Option {
	return func(c *Config) { c.ColumnFamily = cf }
}

// WithBatchSize sets the number of keys per batch. Values below 1 are
// ignored.
func WithBatchSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.BatchSize = n
		}
	}
}

// WithSyncWrites syncs every pebble batch commit on export.
func WithSyncWrites(sync bool) Option {
	return func(c *Config) { c.SyncWrites = sync }
}

// WithFS sets the filesystem used to open pebble directories.
func WithFS(fs vfs.FS) Option {
	return func(c *Config) { c.FS = fs }
}

// WithLogger sets a structured logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}
