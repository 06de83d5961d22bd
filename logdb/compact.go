package logdb

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// NeedsCompaction reports whether the log holds at least ratio operations
// per live key. Overwrites and erasures leave superseded records behind;
// a large ratio means most of the file is dead weight. It never triggers
// anything by itself.
func (f *File) NeedsCompaction(ratio float64) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.fd == nil || f.written <= f.used {
		return false
	}
	if f.used == 0 {
		return true
	}
	return float64(f.written) >= ratio*float64(f.used)
}

// Compact rewrites the log so it holds exactly one upsert per live key, in
// key order. The new log is written beside the old one, synced, and renamed
// over it. Afterwards the digest describes the new content and the written
// count equals the live count. Handles stay attached throughout.
func (f *File) Compact() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fd == nil {
		return ErrClosed
	}
	if f.cfg.ReadOnly {
		return ErrReadOnly
	}

	before := f.size
	tmp := f.path + ".compact"

	size, digest, err := f.writeCompacted(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("logdb: replace %s: %w", f.path, err)
	}
	syncDir(filepath.Dir(f.path))

	_ = f.fd.Close()
	fd, err := os.OpenFile(f.path, os.O_RDWR|os.O_APPEND, f.cfg.FileMode)
	if err != nil {
		f.fd = nil
		f.reset()
		f.logger.Error("reopen after compaction failed", "path", f.path, "error", err)
		return fmt.Errorf("logdb: reopen %s: %w", f.path, err)
	}

	f.fd = fd
	f.size = size
	f.digest = digest
	f.written = len(f.data)
	f.recovery = Recovery{Records: len(f.data), ValidBytes: size}
	clear(f.dirty)
	f.metrics.setCounts(f.used, f.written)
	f.metrics.compacted()

	f.logger.Info("log compacted",
		"path", f.path,
		"live", f.used,
		"bytes_before", before,
		"bytes_after", size,
	)
	return nil
}

// writeCompacted writes the live state to path and returns its length and
// digest.
func (f *File) writeCompacted(path string) (int64, hash.Hash, error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.cfg.FileMode)
	if err != nil {
		return 0, nil, fmt.Errorf("logdb: create %s: %w", path, err)
	}
	defer out.Close()

	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		w      = bufio.NewWriter(out)
		digest = sha256.New()
		buf    bytes.Buffer
		size   int64
	)
	for _, k := range keys {
		buf.Reset()
		if err := encodeRecord(&buf, []logOp{{kind: opUpsert, key: []byte(k), value: f.data[k]}}); err != nil {
			return 0, nil, err
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return 0, nil, fmt.Errorf("logdb: write %s: %w", path, err)
		}
		digest.Write(buf.Bytes())
		size += int64(buf.Len())
	}

	if err := w.Flush(); err != nil {
		return 0, nil, fmt.Errorf("logdb: write %s: %w", path, err)
	}
	if err := out.Sync(); err != nil {
		return 0, nil, fmt.Errorf("logdb: sync %s: %w", path, err)
	}
	return size, digest, nil
}

// Verify re-reads the valid prefix of the log from disk and checks it
// against the running digest. A mismatch, or a file shorter than the
// prefix, returns ErrCorrupt.
func (f *File) Verify() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.fd == nil {
		return ErrClosed
	}

	in, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("logdb: verify %s: %w", f.path, err)
	}
	defer in.Close()

	h := sha256.New()
	n, err := io.CopyN(h, in, f.size)
	if err != nil && err != io.EOF {
		return fmt.Errorf("logdb: verify %s: %w", f.path, err)
	}
	if n != f.size {
		return fmt.Errorf("%w: %s holds %d of %d bytes", ErrCorrupt, f.path, n, f.size)
	}
	if !bytes.Equal(h.Sum(nil), f.digest.Sum(nil)) {
		return fmt.Errorf("%w: %s digest mismatch", ErrCorrupt, f.path)
	}
	return nil
}

// syncDir makes a rename durable on filesystems that need it. Errors are
// ignored; not every platform supports syncing a directory.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
