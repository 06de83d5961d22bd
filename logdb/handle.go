package logdb

import (
	"bytes"
	"sort"
	"sync"
)

// Handle is a view of a [File] with optional transactions. Any number of
// handles may share one File. A Handle is safe for concurrent use, but a
// transaction belongs to the handle, not to a goroutine.
//
// Outside a transaction every call goes straight to the File. Inside one,
// writes and erasures are buffered in a private overlay: point lookups
// (Read, Exists) on this handle see the overlay first, while iteration
// (NewIterator, ForEach) always shows committed state only. A handle in
// the middle of a transaction therefore iterates over pre-transaction
// values even though Read returns its own uncommitted writes.
//
// Call Release when done; releasing the last handle of a File flushes it.
type Handle struct {
	file     *File
	readOnly bool

	mu       sync.Mutex
	inTxn    bool
	overlay  map[string]*pending // empty whenever inTxn is false
	seq      uint64
	released bool
}

type pendingKind uint8

const (
	pendingUpsert pendingKind = iota + 1
	pendingDelete
)

// pending is the overlay state of one key. Keys absent from the overlay are
// unmodified.
type pending struct {
	kind      pendingKind
	value     []byte
	overwrite bool
	seq       uint64 // first time the key entered the overlay
}

// txnOp is one overlay entry handed to File.commit_.
type txnOp struct {
	kind      opKind
	key       []byte
	value     []byte
	overwrite bool
}

// NewHandle attaches a handle to an open File. Handles on a read-only File
// are always read-only.
func (f *File) NewHandle(readOnly bool) (*Handle, error) {
	f.mu.RLock()
	open := f.fd != nil
	f.mu.RUnlock()
	if !open {
		return nil, ErrClosed
	}

	f.acquire()
	return &Handle{
		file:     f,
		readOnly: readOnly || f.cfg.ReadOnly,
		overlay:  make(map[string]*pending),
	}, nil
}

// File returns the File this handle is bound to.
func (h *Handle) File() *File { return h.file }

// ReadOnly reports whether the handle refuses mutations.
func (h *Handle) ReadOnly() bool { return h.readOnly }

// InTxn reports whether a transaction is open.
func (h *Handle) InTxn() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inTxn
}

// Release aborts any open transaction and detaches the handle. The File is
// flushed when its last handle is released. Release is idempotent.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.abort()
	h.mu.Unlock()

	h.file.release()
}

// ---------------------------------------------------------------------------
// Raw access
// ---------------------------------------------------------------------------

// Write stores value under key. With overwrite false an existing key is
// left untouched and ErrKeyExists is returned.
func (h *Handle) Write(key, value []byte, overwrite bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkWritable(); err != nil {
		return err
	}
	if key == nil {
		return ErrNilKey
	}

	if !h.inTxn {
		h.file.mu.Lock()
		defer h.file.mu.Unlock()
		if h.file.fd == nil {
			return ErrClosed
		}
		return h.file.write_(key, value, overwrite, false)
	}

	if !overwrite {
		ok, err := h.visible(key)
		if err != nil {
			return err
		}
		if ok {
			return ErrKeyExists
		}
	}

	k := string(key)
	p := h.overlay[k]
	if p == nil {
		h.seq++
		p = &pending{seq: h.seq}
		h.overlay[k] = p
	}
	// Re-creating a key erased in this transaction replaces a committed
	// value, so it must be allowed to overwrite at commit.
	p.overwrite = p.overwrite || overwrite || p.kind == pendingDelete
	p.kind = pendingUpsert
	p.value = bytes.Clone(nonNil(value))
	return nil
}

// Read returns the value stored under key, or ErrKeyNotFound.
func (h *Handle) Read(key []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil, ErrReleased
	}
	if key == nil {
		return nil, ErrNilKey
	}

	if p, ok := h.overlay[string(key)]; ok {
		if p.kind == pendingDelete {
			return nil, ErrKeyNotFound
		}
		return bytes.Clone(p.value), nil
	}

	h.file.mu.RLock()
	defer h.file.mu.RUnlock()
	if h.file.fd == nil {
		return nil, ErrClosed
	}
	v, ok := h.file.read_(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

// Exists reports whether key is present.
func (h *Handle) Exists(key []byte) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return false, ErrReleased
	}
	if key == nil {
		return false, ErrNilKey
	}
	return h.visible(key)
}

// Erase removes key. Erasing an absent key returns ErrKeyNotFound.
func (h *Handle) Erase(key []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkWritable(); err != nil {
		return err
	}
	if key == nil {
		return ErrNilKey
	}

	if !h.inTxn {
		h.file.mu.Lock()
		defer h.file.mu.Unlock()
		if h.file.fd == nil {
			return ErrClosed
		}
		return h.file.erase_(key, false)
	}

	k := string(key)
	if p, ok := h.overlay[k]; ok {
		if p.kind == pendingDelete {
			return ErrKeyNotFound
		}
		committed, err := h.committed(key)
		if err != nil {
			return err
		}
		if !committed {
			// Created and erased inside this transaction: nothing to commit.
			delete(h.overlay, k)
			return nil
		}
		p.kind = pendingDelete
		p.value = nil
		return nil
	}

	committed, err := h.committed(key)
	if err != nil {
		return err
	}
	if !committed {
		return ErrKeyNotFound
	}
	h.seq++
	h.overlay[k] = &pending{kind: pendingDelete, seq: h.seq}
	return nil
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

// TxnBegin opens a transaction. Transactions do not nest.
func (h *Handle) TxnBegin() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return ErrReleased
	}
	if h.inTxn {
		return ErrTxnActive
	}
	h.inTxn = true
	return nil
}

// TxnCommit applies the overlay to the File under one exclusive lock and
// as one log record, then ends the transaction. Either every buffered
// write and erasure is applied or none is: if another handle changed a key
// in a way that makes an entry invalid (an overwrite-guarded key now
// exists, an erased key is gone), the commit fails with that entry's error
// and nothing is written. The transaction ends in both cases.
func (h *Handle) TxnCommit() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return ErrReleased
	}
	if !h.inTxn {
		return ErrNoTxn
	}

	ops := h.pendingOps()
	h.abort()
	if len(ops) == 0 {
		return nil
	}

	h.file.mu.Lock()
	err := h.file.commit_(ops)
	h.file.mu.Unlock()

	h.file.metrics.committed(err)
	if err != nil {
		h.file.logger.Warn("transaction commit failed", "ops", len(ops), "error", err)
	}
	return err
}

// TxnAbort discards the overlay and ends the transaction. It is a no-op
// outside a transaction.
func (h *Handle) TxnAbort() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.abort()
}

func (h *Handle) abort() {
	h.inTxn = false
	clear(h.overlay)
	h.seq = 0
}

// pendingOps returns the overlay in the order keys first entered it.
func (h *Handle) pendingOps() []txnOp {
	keys := make([]string, 0, len(h.overlay))
	for k := range h.overlay {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return h.overlay[keys[i]].seq < h.overlay[keys[j]].seq
	})

	ops := make([]txnOp, 0, len(keys))
	for _, k := range keys {
		p := h.overlay[k]
		op := txnOp{key: []byte(k), overwrite: p.overwrite}
		if p.kind == pendingDelete {
			op.kind = opTombstone
		} else {
			op.kind = opUpsert
			op.value = p.value
		}
		ops = append(ops, op)
	}
	return ops
}

// ---------------------------------------------------------------------------
// Iteration (committed state only)
// ---------------------------------------------------------------------------

// NewIterator returns an iterator over a sorted snapshot of the File's
// committed state. Any open transaction on this handle is ignored.
func (h *Handle) NewIterator() (Iterator, error) {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return nil, ErrReleased
	}

	return h.file.snapshot()
}

// ForEach calls fn for every committed entry in key order. Iteration stops
// at the first error fn returns, which ForEach passes through.
func (h *Handle) ForEach(fn func(key, value []byte) error) error {
	it, err := h.NewIterator()
	if err != nil {
		return err
	}
	defer it.Close()

	for it.SeekToFirst(); it.Valid(); it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Err()
}

// ---------------------------------------------------------------------------
// Helpers (caller holds h.mu)
// ---------------------------------------------------------------------------

func (h *Handle) checkWritable() error {
	if h.released {
		return ErrReleased
	}
	if h.readOnly {
		return ErrReadOnly
	}
	return nil
}

// visible reports whether key exists as seen by this handle: overlay first,
// then committed state.
func (h *Handle) visible(key []byte) (bool, error) {
	if p, ok := h.overlay[string(key)]; ok {
		return p.kind == pendingUpsert, nil
	}
	return h.committed(key)
}

func (h *Handle) committed(key []byte) (bool, error) {
	h.file.mu.RLock()
	defer h.file.mu.RUnlock()
	if h.file.fd == nil {
		return false, ErrClosed
	}
	return h.file.exists_(key), nil
}
