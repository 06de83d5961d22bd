package logdb

import (
	"bytes"
	"sort"
)

// snapshot copies the committed state, sorted by key, under the shared lock.
func (f *File) snapshot() (Iterator, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.fd == nil {
		return nil, ErrClosed
	}

	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]entry, len(keys))
	for i, k := range keys {
		entries[i] = entry{key: []byte(k), value: bytes.Clone(f.data[k])}
	}
	return &sliceIterator{entries: entries, pos: -1}, nil
}

type entry struct {
	key   []byte
	value []byte
}

// sliceIterator walks a sorted, private copy of the state.
type sliceIterator struct {
	entries []entry
	pos     int
}

func (it *sliceIterator) Seek(target []byte) {
	it.pos = sort.Search(len(it.entries), func(i int) bool {
		return bytes.Compare(it.entries[i].key, target) >= 0
	})
}

func (it *sliceIterator) SeekToFirst() { it.pos = 0 }
func (it *sliceIterator) SeekToLast()  { it.pos = len(it.entries) - 1 }
func (it *sliceIterator) Next()        { it.pos++ }
func (it *sliceIterator) Prev()        { it.pos-- }

func (it *sliceIterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.entries)
}

func (it *sliceIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return bytes.Clone(it.entries[it.pos].key)
}

func (it *sliceIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return bytes.Clone(it.entries[it.pos].value)
}

func (it *sliceIterator) Err() error { return nil }
func (it *sliceIterator) Close()     { it.entries = nil }
