// Package migrate copies key/value data between a logdb log and a Pebble
// database. Pebble keys are namespaced by column family the same way the
// header indexer laid them out: "cf\x00" + key.
package migrate

import (
	"errors"
	"fmt"

	"github.com/beyondbrewing/brewery-logdb/logdb"
	"github.com/beyondbrewing/brewery-logdb/pkg/logger"
	"github.com/cockroachdb/pebble"
)

// ErrEmptyColumnFamily is returned when the configured column family is "".
var ErrEmptyColumnFamily = errors.New("migrate: column family must not be empty")

// Result summarises a finished migration.
type Result struct {
	Keys    int
	Batches int
}

func newConfig(opts []Option) (*Config, logger.Logger, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	if cfg.ColumnFamily == "" {
		return nil, nil, ErrEmptyColumnFamily
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	return cfg, log.With("component", "migrate", "cf", cfg.ColumnFamily), nil
}

// ---------------------------------------------------------------------------
// Pebble -> logdb
// ---------------------------------------------------------------------------

// Import copies every key of the configured column family from src into
// dst, overwriting existing keys. Keys are written in BatchSize-sized
// transactions, so an error leaves the batches committed before it in
// place.
func Import(src *pebble.DB, dst *logdb.Handle, opts ...Option) (Result, error) {
	cfg, log, err := newConfig(opts)
	if err != nil {
		return Result{}, err
	}

	prefix := cfPrefix(cfg.ColumnFamily)
	iter, err := src.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: cfUpperBound(cfg.ColumnFamily),
	})
	if err != nil {
		return Result{}, fmt.Errorf("migrate: new iterator failed: %w", err)
	}
	defer iter.Close()

	var res Result
	pending := 0
	commit := func() error {
		if pending == 0 {
			return nil
		}
		if err := dst.TxnCommit(); err != nil {
			return fmt.Errorf("migrate: commit batch %d: %w", res.Batches+1, err)
		}
		res.Keys += pending
		res.Batches++
		pending = 0
		log.Debug("batch imported", "batch", res.Batches, "keys", res.Keys)
		return nil
	}

	for iter.First(); iter.Valid(); iter.Next() {
		if pending == 0 {
			if err := dst.TxnBegin(); err != nil {
				return res, fmt.Errorf("migrate: begin: %w", err)
			}
		}

		val, err := iter.ValueAndErr()
		if err != nil {
			dst.TxnAbort()
			return res, fmt.Errorf("migrate: read value: %w", err)
		}
		// Handle.Write copies both slices.
		if err := dst.Write(iter.Key()[len(prefix):], val, true); err != nil {
			dst.TxnAbort()
			return res, fmt.Errorf("migrate: write %x: %w", iter.Key()[len(prefix):], err)
		}
		pending++

		if pending >= cfg.BatchSize {
			if err := commit(); err != nil {
				return res, err
			}
		}
	}
	if err := iter.Error(); err != nil {
		dst.TxnAbort()
		return res, fmt.Errorf("migrate: iterate: %w", err)
	}
	if err := commit(); err != nil {
		return res, err
	}

	log.Info("import finished", "keys", res.Keys, "batches", res.Batches)
	return res, nil
}

// ImportDir opens the pebble database at dir read-only and imports it
// into dst.
func ImportDir(dir string, dst *logdb.Handle, opts ...Option) (Result, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	db, err := pebble.Open(dir, &pebble.Options{ReadOnly: true, FS: cfg.FS})
	if err != nil {
		return Result{}, fmt.Errorf("migrate: failed to open %s: %w", dir, err)
	}
	defer db.Close()

	return Import(db, dst, opts...)
}

// ---------------------------------------------------------------------------
// logdb -> Pebble
// ---------------------------------------------------------------------------

// Export writes every committed entry of src into the configured column
// family of dst. Existing pebble keys are overwritten and keys missing
// from src are left alone.
func Export(src *logdb.Handle, dst *pebble.DB, opts ...Option) (Result, error) {
	cfg, log, err := newConfig(opts)
	if err != nil {
		return Result{}, err
	}

	writeOpts := pebble.NoSync
	if cfg.SyncWrites {
		writeOpts = pebble.Sync
	}

	prefix := cfPrefix(cfg.ColumnFamily)
	batch := dst.NewBatch()
	defer func() { _ = batch.Close() }()

	var res Result
	flush := func() error {
		n := int(batch.Count())
		if n == 0 {
			return nil
		}
		if err := batch.Commit(writeOpts); err != nil {
			return fmt.Errorf("migrate: batch commit failed: %w", err)
		}
		res.Keys += n
		res.Batches++
		log.Debug("batch exported", "batch", res.Batches, "keys", res.Keys)

		_ = batch.Close()
		batch = dst.NewBatch()
		return nil
	}

	err = src.ForEach(func(key, value []byte) error {
		if err := batch.Set(prefixedKey(prefix, key), value, nil); err != nil {
			return fmt.Errorf("migrate: batch put failed: %w", err)
		}
		if int(batch.Count()) >= cfg.BatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	if err := flush(); err != nil {
		return res, err
	}

	log.Info("export finished", "keys", res.Keys, "batches", res.Batches)
	return res, nil
}

// ExportDir creates or opens the pebble database at dir, exports src into
// it, and closes it again.
func ExportDir(dir string, src *logdb.Handle, opts ...Option) (res Result, err error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	db, err := pebble.Open(dir, &pebble.Options{FS: cfg.FS})
	if err != nil {
		return Result{}, fmt.Errorf("migrate: failed to open %s: %w", dir, err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("migrate: close failed: %w", cerr)
		}
	}()

	if res, err = Export(src, db, opts...); err != nil {
		return res, err
	}
	if err = db.Flush(); err != nil {
		return res, fmt.Errorf("migrate: flush failed: %w", err)
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// cfPrefix builds the key prefix for a column family: "cf\x00".
func cfPrefix(cf string) []byte {
	b := make([]byte, len(cf)+1)
	copy(b, cf)
	b[len(cf)] = 0x00
	return b
}

// cfUpperBound builds the exclusive upper bound for iteration: "cf\x01".
func cfUpperBound(cf string) []byte {
	b := make([]byte, len(cf)+1)
	copy(b, cf)
	b[len(cf)] = 0x01
	return b
}

// prefixedKey concatenates a CF prefix and a user key into a single
// storage key: prefix + key.
func prefixedKey(prefix, key []byte) []byte {
	pk := make([]byte, len(prefix)+len(key))
	copy(pk, prefix)
	copy(pk[len(prefix):], key)
	return pk
}
