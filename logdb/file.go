package logdb

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"

	"github.com/beyondbrewing/brewery-logdb/pkg/logger"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// File is the log file manager. It owns the physical append-only file, the
// materialized key/value state rebuilt from it, a dirty-key set, counters,
// and a running SHA-256 digest of every byte the log holds.
//
// Two locks protect a File and their critical sections never overlap:
// mu guards the file and all state derived from it; refMu guards only the
// handle reference count, so attaching and releasing handles never waits
// behind reads or appends.
//
// Methods with a trailing underscore expect the caller to hold mu (the
// shared side for reads, the exclusive side for everything else).
type File struct {
	mu sync.RWMutex

	fd       *os.File
	path     string
	size     int64               // bytes of valid log content
	data     map[string][]byte   // materialized state
	dirty    map[string]struct{} // keys mutated since the last flush
	used     int                 // len(data), kept alongside every mutation
	written  int                 // ops appended since open, replay included
	digest   hash.Hash           // SHA-256 over the valid log content
	recovery Recovery

	refMu sync.Mutex
	refs  int

	// onLastRelease runs after the reference count drops to zero.
	onLastRelease func()

	cfg     *Config
	logger  logger.Logger
	metrics *Metrics
}

// New returns a closed File configured with opts.
func New(opts ...Option) *File {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	if cfg.MaxFieldSize == 0 {
		cfg.MaxFieldSize = DefaultConfig().MaxFieldSize
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	f := &File{
		data:    make(map[string][]byte),
		dirty:   make(map[string]struct{}),
		digest:  sha256.New(),
		cfg:     cfg,
		logger:  log.With("component", "logdb"),
		metrics: cfg.Metrics,
	}
	f.onLastRelease = f.flushOnLastRelease
	return f
}

// Open creates a File with opts and opens the log at path, creating it when
// absent unless [WithCreateIfMissing](false) or [WithReadOnly] is given.
func Open(path string, opts ...Option) (*File, error) {
	f := New(opts...)
	if err := f.Open(path, f.cfg.CreateIfMissing); err != nil {
		return nil, err
	}
	return f, nil
}

// Open closes any log this File already holds, opens path, and replays it.
// Writable files are opened in append mode and never truncated, except to
// cut a tail that could not be replayed. Read-only files are never created.
//
// A damaged or truncated tail is not an error (unless StrictReplay is set):
// replay keeps everything before it and [File.Recovery] reports the loss.
// On error the File is left closed.
func (f *File) Open(path string, create bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.close_(); err != nil {
		f.logger.Warn("closing previous log failed", "path", f.path, "error", err)
	}

	flag := os.O_RDWR | os.O_APPEND
	if f.cfg.ReadOnly {
		flag = os.O_RDONLY
	} else if create {
		flag |= os.O_CREATE
	}

	fd, err := os.OpenFile(path, flag, f.cfg.FileMode)
	if err != nil {
		f.logger.Error("open failed", "path", path, "error", err)
		return fmt.Errorf("logdb: failed to open %s: %w", path, err)
	}

	f.fd = fd
	f.path = path
	f.reset()

	if err := f.load_(); err != nil {
		_ = fd.Close()
		f.fd = nil
		f.reset()
		return err
	}

	f.logger.Info("log opened",
		"path", path,
		"records", f.recovery.Records,
		"live", f.used,
		"bytes", f.size,
		"read_only", f.cfg.ReadOnly,
	)
	return nil
}

// Close flushes and releases the file. Closing a closed File succeeds.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.close_()
}

// Flush makes every appended byte durable and clears the dirty set.
func (f *File) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fd == nil {
		return ErrClosed
	}
	return f.flush_()
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// Path returns the path of the open log, or the last one opened.
func (f *File) Path() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.path
}

// IsOpen reports whether the File currently holds a log.
func (f *File) IsOpen() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fd != nil
}

// ReadOnly reports whether the File was configured read-only.
func (f *File) ReadOnly() bool { return f.cfg.ReadOnly }

// Stats returns a snapshot of the File's counters.
func (f *File) Stats() Stats {
	f.mu.RLock()
	s := Stats{
		Path:     f.path,
		Live:     f.used,
		Written:  f.written,
		Dirty:    len(f.dirty),
		Size:     f.size,
		ReadOnly: f.cfg.ReadOnly,
	}
	f.mu.RUnlock()

	s.Refs = f.Refs()
	return s
}

// Refs returns the number of attached handles.
func (f *File) Refs() int {
	f.refMu.Lock()
	defer f.refMu.Unlock()
	return f.refs
}

// Recovery reports what the most recent replay found.
func (f *File) Recovery() Recovery {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.recovery
}

// Digest returns the SHA-256 of every byte in the log, accumulated as the
// log was replayed and appended to. It is evidence of tampering or silent
// corruption when compared with a digest computed from the file on disk
// (see [File.Verify]); it is not an access-control mechanism.
func (f *File) Digest() chainhash.Hash {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var h chainhash.Hash
	copy(h[:], f.digest.Sum(nil))
	return h
}

// ---------------------------------------------------------------------------
// Reference counting
// ---------------------------------------------------------------------------

func (f *File) acquire() int {
	f.refMu.Lock()
	defer f.refMu.Unlock()
	f.refs++
	f.metrics.setHandles(f.refs)
	return f.refs
}

func (f *File) release() {
	f.refMu.Lock()
	f.refs--
	last := f.refs == 0
	f.metrics.setHandles(f.refs)
	f.refMu.Unlock()

	if last {
		f.onLastRelease()
	}
}

func (f *File) flushOnLastRelease() {
	if f.cfg.ReadOnly {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fd == nil {
		return
	}
	if err := f.flush_(); err != nil {
		f.logger.Error("flush on last release failed", "path", f.path, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Locked primitives
// ---------------------------------------------------------------------------

// reset empties all state derived from the log.
func (f *File) reset() {
	f.data = make(map[string][]byte)
	f.dirty = make(map[string]struct{})
	f.used = 0
	f.written = 0
	f.size = 0
	f.digest = sha256.New()
	f.recovery = Recovery{}
	f.metrics.setCounts(0, 0)
}

// load_ replays the log from the start. Replay stops at end of file or at
// the first record that is cut short or fails validation.
func (f *File) load_() error {
	if _, err := f.fd.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("logdb: seek %s: %w", f.path, err)
	}

	var (
		r       = bufio.NewReaderSize(f.fd, 64<<10)
		records int
		damage  error
	)
	for {
		ops, raw, err := readRecord(r, f.cfg.MaxFieldSize)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errMalformed) {
			damage = err
			break
		}
		if err != nil {
			return fmt.Errorf("logdb: replay %s: %w", f.path, err)
		}

		for _, op := range ops {
			switch op.kind {
			case opUpsert:
				_ = f.write_(op.key, op.value, true, true)
			case opTombstone:
				_ = f.erase_(op.key, true)
			}
		}
		f.written += len(ops)
		f.digest.Write(raw)
		f.size += int64(len(raw))
		records++
	}
	f.used = len(f.data)

	info, err := f.fd.Stat()
	if err != nil {
		return fmt.Errorf("logdb: stat %s: %w", f.path, err)
	}

	f.recovery = Recovery{
		Records:        records,
		ValidBytes:     f.size,
		DiscardedBytes: info.Size() - f.size,
		Truncated:      damage != nil,
	}
	f.metrics.setCounts(f.used, f.written)

	if damage == nil {
		return nil
	}

	if f.cfg.StrictReplay {
		return fmt.Errorf("%w: %s at offset %d: %v", ErrCorrupt, f.path, f.size, damage)
	}

	f.logger.Warn("log tail could not be replayed",
		"path", f.path,
		"offset", f.size,
		"discarded_bytes", f.recovery.DiscardedBytes,
		"reason", damage,
	)

	if !f.cfg.ReadOnly {
		// New records must follow the last good one or replay would never
		// reach them.
		if err := f.fd.Truncate(f.size); err != nil {
			return fmt.Errorf("logdb: cut damaged tail of %s: %w", f.path, err)
		}
	}
	return nil
}

// append_ writes ops as one record. Nothing in memory changes unless the
// whole record reached the file.
func (f *File) append_(ops []logOp) error {
	if f.fd == nil {
		return ErrClosed
	}
	if f.cfg.ReadOnly {
		return ErrReadOnly
	}

	var buf bytes.Buffer
	if err := encodeRecord(&buf, ops); err != nil {
		return err
	}

	n, err := f.fd.Write(buf.Bytes())
	if err == nil && n != buf.Len() {
		err = io.ErrShortWrite
	}
	if err == nil && f.cfg.SyncWrites {
		err = f.fd.Sync()
	}
	if err != nil {
		if n > 0 {
			if terr := f.fd.Truncate(f.size); terr != nil {
				f.logger.Error("rollback of partial append failed", "path", f.path, "error", terr)
			}
		}
		f.metrics.appendFailed()
		return fmt.Errorf("logdb: append to %s failed: %w", f.path, err)
	}

	f.size += int64(n)
	f.digest.Write(buf.Bytes())
	f.written += len(ops)

	kind := ops[0].kind
	if len(ops) > 1 {
		kind = opBatch
	}
	f.metrics.appended(kind, n)
	return nil
}

func (f *File) checkOp(key, value []byte) error {
	if key == nil {
		return ErrNilKey
	}
	if uint64(len(key)) > uint64(f.cfg.MaxFieldSize) || uint64(len(value)) > uint64(f.cfg.MaxFieldSize) {
		return fmt.Errorf("%w: limit is %d bytes", ErrRecordTooLarge, f.cfg.MaxFieldSize)
	}
	return nil
}

// write_ upserts key. Outside replay it refuses to replace an existing key
// unless overwrite is set, and appends before touching memory.
func (f *File) write_(key, value []byte, overwrite, replay bool) error {
	k := string(key)
	if !replay {
		if err := f.checkOp(key, value); err != nil {
			return err
		}
		if _, ok := f.data[k]; ok && !overwrite {
			return ErrKeyExists
		}
		if err := f.append_([]logOp{{kind: opUpsert, key: key, value: value}}); err != nil {
			return err
		}
		f.dirty[k] = struct{}{}
	}

	f.data[k] = bytes.Clone(nonNil(value))
	f.used = len(f.data)
	if !replay {
		f.metrics.setCounts(f.used, f.written)
	}
	return nil
}

func (f *File) read_(key []byte) ([]byte, bool) {
	v, ok := f.data[string(key)]
	if !ok {
		return nil, false
	}
	return bytes.Clone(v), true
}

func (f *File) exists_(key []byte) bool {
	_, ok := f.data[string(key)]
	return ok
}

// erase_ removes key. Outside replay an absent key is an error and a
// tombstone is appended first. Replayed tombstones for absent keys are
// ignored.
func (f *File) erase_(key []byte, replay bool) error {
	if !replay && key == nil {
		return ErrNilKey
	}

	k := string(key)
	if _, ok := f.data[k]; !ok {
		if replay {
			return nil
		}
		return ErrKeyNotFound
	}

	if !replay {
		if err := f.append_([]logOp{{kind: opTombstone, key: key}}); err != nil {
			return err
		}
		f.dirty[k] = struct{}{}
	}

	delete(f.data, k)
	f.used = len(f.data)
	if !replay {
		f.metrics.setCounts(f.used, f.written)
	}
	return nil
}

// commit_ applies ops as one all-or-nothing record. Every op is validated
// against committed state, in order, before anything is appended.
func (f *File) commit_(ops []txnOp) error {
	if f.fd == nil {
		return ErrClosed
	}
	if len(ops) == 0 {
		return nil
	}

	shadow := make(map[string]bool, len(ops))
	has := func(k string) bool {
		if v, ok := shadow[k]; ok {
			return v
		}
		_, ok := f.data[k]
		return ok
	}

	records := make([]logOp, 0, len(ops))
	for _, op := range ops {
		k := string(op.key)
		switch op.kind {
		case opUpsert:
			if err := f.checkOp(op.key, op.value); err != nil {
				return err
			}
			if !op.overwrite && has(k) {
				return fmt.Errorf("%w: %x", ErrKeyExists, op.key)
			}
			shadow[k] = true
		case opTombstone:
			if !has(k) {
				return fmt.Errorf("%w: %x", ErrKeyNotFound, op.key)
			}
			shadow[k] = false
		}
		records = append(records, logOp{kind: op.kind, key: op.key, value: op.value})
	}

	if err := f.append_(records); err != nil {
		return err
	}

	for _, op := range records {
		k := string(op.key)
		if op.kind == opUpsert {
			f.data[k] = bytes.Clone(nonNil(op.value))
		} else {
			delete(f.data, k)
		}
		f.dirty[k] = struct{}{}
	}
	f.used = len(f.data)
	f.metrics.setCounts(f.used, f.written)
	return nil
}

// flush_ makes appended bytes durable and clears the dirty set.
func (f *File) flush_() error {
	if !f.cfg.ReadOnly {
		if err := f.fd.Sync(); err != nil {
			return fmt.Errorf("logdb: flush %s: %w", f.path, err)
		}
	}
	clear(f.dirty)
	f.metrics.flushed()
	return nil
}

func (f *File) close_() error {
	if f.fd == nil {
		return nil
	}

	ferr := f.flush_()
	if ferr != nil {
		f.logger.Error("flush failed during close", "path", f.path, "error", ferr)
	}
	cerr := f.fd.Close()
	f.fd = nil
	f.reset()

	if cerr != nil {
		return fmt.Errorf("logdb: close %s: %w", f.path, cerr)
	}
	if ferr != nil {
		return ferr
	}

	f.logger.Info("log closed", "path", f.path)
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
