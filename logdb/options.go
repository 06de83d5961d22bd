package logdb

import (
	"os"

	"github.com/beyondbrewing/brewery-logdb/codec"
	"github.com/beyondbrewing/brewery-logdb/pkg/logger"
)

// Config holds all tunable parameters for a [File].
// Use functional [Option] values with [New] or [Open] rather than
// constructing a Config directly.
type Config struct {
	// CreateIfMissing lets [Open] create an absent log file. Ignored for
	// read-only files, which never create.
	CreateIfMissing bool

	// ReadOnly opens the log without write access. Handles attached to a
	// read-only File refuse every mutation and the file is never modified,
	// not even to cut a damaged tail.
	ReadOnly bool

	// SyncWrites fsyncs after every append. false (default) leaves
	// durability to Flush, Close and the last handle release.
	SyncWrites bool

	// StrictReplay makes a damaged or truncated tail an open failure
	// instead of the effective end of the log.
	StrictReplay bool

	// MaxFieldSize bounds the length of a single key or value. Replay uses
	// the same bound, so lowering it can make existing logs unreadable.
	MaxFieldSize uint32

	// FileMode is the permission used when the log file is created.
	FileMode os.FileMode

	// Logger receives structured operational log messages.
	// If not set, the global logger.Default() is used.
	Logger logger.Logger

	// Metrics, when set, is updated on every append, flush and commit.
	Metrics *Metrics
}

// DefaultConfig returns a Config suited to a single-process chainstate log.
func DefaultConfig() *Config {
	return &Config{
		CreateIfMissing: true,
		MaxFieldSize:    codec.MaxFieldSize,
		FileMode:        0o644,
	}
}

// Option is a functional option applied to [Config].
type Option func(*Config)

// WithCreateIfMissing controls whether Open creates an absent file.
func WithCreateIfMissing(create bool) Option {
	return func(c *Config) { c.CreateIfMissing = create }
}

// WithReadOnly opens the log read-only.
func WithReadOnly(ro bool) Option {
	return func(c *Config) { c.ReadOnly = ro }
}

// WithSyncWrites enables per-append durability (fsync). Significantly
// reduces throughput.
func WithSyncWrites(sync bool) Option {
	return func(c *Config) { c.SyncWrites = sync }
}

// WithStrictReplay refuses to open a log whose tail cannot be replayed.
func WithStrictReplay(strict bool) Option {
	return func(c *Config) { c.StrictReplay = strict }
}

// WithMaxFieldSize sets the largest accepted key or value in bytes.
func WithMaxFieldSize(n uint32) Option {
	return func(c *Config) { c.MaxFieldSize = n }
}

// WithFileMode sets the permission bits for a newly created log file.
func WithFileMode(mode os.FileMode) Option {
	return func(c *Config) { c.FileMode = mode }
}

// WithLogger sets a custom logger.
// If not set, the global logger.Default() is used.
func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithMetrics attaches Prometheus collectors to the File.
func WithMetrics(m *Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}
