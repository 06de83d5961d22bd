// Package logdb is an embedded, append-only, log-structured key-value store.
//
// A [File] owns one log file. Every mutation is appended to the file as a
// self-delimiting record, and the whole key/value state is rebuilt by
// replaying the log on open. A [Handle] is a lightweight view bound to a
// File; it provides typed access through [Write], [Read], [Exists] and
// [Erase], and begin/commit/abort transactions buffered in a private
// overlay. Handles are reference counted: releasing the last one flushes
// the File.
//
//	f, err := logdb.Open("chainstate.log")
//	if err != nil { ... }
//	defer f.Close()
//
//	h, err := f.NewHandle(false)
//	if err != nil { ... }
//	defer h.Release()
//
//	err = logdb.Write(h, "bestblock", hash, true)
package logdb

import (
	"errors"
)

// Sentinel errors returned by File and Handle.
var (
	ErrClosed         = errors.New("logdb: file is closed")
	ErrNilKey         = errors.New("logdb: key must not be nil")
	ErrKeyNotFound    = errors.New("logdb: key not found")
	ErrKeyExists      = errors.New("logdb: key already exists")
	ErrReadOnly       = errors.New("logdb: read-only")
	ErrTxnActive      = errors.New("logdb: transaction already active")
	ErrNoTxn          = errors.New("logdb: no active transaction")
	ErrReleased       = errors.New("logdb: handle released")
	ErrCorrupt        = errors.New("logdb: corrupt log")
	ErrRecordTooLarge = errors.New("logdb: record too large")
)

// Iterator provides ordered traversal over a snapshot of committed state.
// Key and Value return copies that remain valid after the iterator advances.
type Iterator interface {
	// Seek positions the iterator at the first key >= target.
	Seek(target []byte)

	// SeekToFirst positions the iterator at the first key.
	SeekToFirst()

	// SeekToLast positions the iterator at the last key.
	SeekToLast()

	// Next advances the iterator by one key.
	Next()

	// Prev moves the iterator back by one key.
	Prev()

	// Valid reports whether the iterator is positioned at a valid entry.
	Valid() bool

	// Key returns a copy of the current key.
	// Only valid when Valid() is true.
	Key() []byte

	// Value returns a copy of the current value.
	// Only valid when Valid() is true.
	Value() []byte

	// Err returns any accumulated error.
	Err() error

	// Close releases iterator resources.
	Close()
}

// Stats is a point-in-time view of a File's bookkeeping.
type Stats struct {
	Path     string
	Live     int   // keys in the materialized state
	Written  int   // operations appended since open (replayed ones included)
	Dirty    int   // keys mutated since the last flush
	Size     int64 // bytes of valid log content
	Refs     int   // attached handles
	ReadOnly bool
}

// Recovery describes what the last replay found on disk.
type Recovery struct {
	Records        int   // well-formed records replayed
	ValidBytes     int64 // length of the well-formed prefix
	DiscardedBytes int64 // bytes after the prefix that could not be replayed
	Truncated      bool  // replay stopped before end of file
}
