package migrate

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/beyondbrewing/brewery-logdb/logdb"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPebble(t *testing.T, fs vfs.FS) *pebble.DB {
	t.Helper()
	db, err := pebble.Open("db", &pebble.Options{FS: fs})
	require.NoError(t, err)
	return db
}

func newLog(t *testing.T) *logdb.Handle {
	t.Helper()
	f, err := logdb.Open(filepath.Join(t.TempDir(), "data.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	h, err := f.NewHandle(false)
	require.NoError(t, err)
	t.Cleanup(h.Release)
	return h
}

func get(t *testing.T, db *pebble.DB, key string) (string, bool) {
	t.Helper()
	val, closer, err := db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return "", false
	}
	require.NoError(t, err)
	defer closer.Close()
	return string(val), true
}

func TestImport(t *testing.T) {
	db := newPebble(t, vfs.NewMem())
	defer db.Close()

	for i := 0; i < 25; i++ {
		require.NoError(t, db.Set([]byte(fmt.Sprintf("default\x00k%02d", i)), []byte{byte(i)}, pebble.NoSync))
	}
	require.NoError(t, db.Set([]byte("headers\x00h1"), []byte("other cf"), pebble.NoSync))
	require.NoError(t, db.Set([]byte("defaultx"), []byte("not a cf key"), pebble.NoSync))

	h := newLog(t)
	res, err := Import(db, h, WithBatchSize(10))
	require.NoError(t, err)
	assert.Equal(t, Result{Keys: 25, Batches: 3}, res)

	st := h.File().Stats()
	assert.Equal(t, 25, st.Live)
	assert.Equal(t, 25, st.Written)
	assert.False(t, h.InTxn())

	val, err := h.Read([]byte("k07"))
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, val)

	ok, err := h.Exists([]byte("h1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestImportColumnFamily(t *testing.T) {
	db := newPebble(t, vfs.NewMem())
	defer db.Close()
	require.NoError(t, db.Set([]byte("default\x00a"), []byte("1"), pebble.NoSync))
	require.NoError(t, db.Set([]byte("headers\x00h1"), []byte("x"), pebble.NoSync))
	require.NoError(t, db.Set([]byte("headers\x00h2"), []byte("y"), pebble.NoSync))

	h := newLog(t)
	res, err := Import(db, h, WithColumnFamily("headers"))
	require.NoError(t, err)
	assert.Equal(t, Result{Keys: 2, Batches: 1}, res)

	var keys []string
	require.NoError(t, h.ForEach(func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	}))
	assert.Equal(t, []string{"h1", "h2"}, keys)
}

func TestImportOverwrites(t *testing.T) {
	db := newPebble(t, vfs.NewMem())
	defer db.Close()
	require.NoError(t, db.Set([]byte("default\x00a"), []byte("new"), pebble.NoSync))

	h := newLog(t)
	require.NoError(t, h.Write([]byte("a"), []byte("old"), true))
	require.NoError(t, h.Write([]byte("b"), []byte("kept"), true))

	_, err := Import(db, h)
	require.NoError(t, err)

	val, err := h.Read([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(val))
	val, err = h.Read([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "kept", string(val))
}

func TestImportEmpty(t *testing.T) {
	db := newPebble(t, vfs.NewMem())
	defer db.Close()

	h := newLog(t)
	res, err := Import(db, h)
	require.NoError(t, err)
	assert.Zero(t, res)
	assert.False(t, h.InTxn())
	assert.Zero(t, h.File().Stats().Written)
}

func TestImportReadOnlyHandle(t *testing.T) {
	db := newPebble(t, vfs.NewMem())
	defer db.Close()
	require.NoError(t, db.Set([]byte("default\x00a"), []byte("1"), pebble.NoSync))

	f, err := logdb.Open(filepath.Join(t.TempDir(), "data.log"))
	require.NoError(t, err)
	defer f.Close()
	h, err := f.NewHandle(true)
	require.NoError(t, err)
	defer h.Release()

	_, err = Import(db, h)
	assert.ErrorIs(t, err, logdb.ErrReadOnly)
	assert.False(t, h.InTxn())
}

func TestImportActiveTxn(t *testing.T) {
	db := newPebble(t, vfs.NewMem())
	defer db.Close()
	require.NoError(t, db.Set([]byte("default\x00a"), []byte("1"), pebble.NoSync))

	h := newLog(t)
	require.NoError(t, h.TxnBegin())
	_, err := Import(db, h)
	assert.ErrorIs(t, err, logdb.ErrTxnActive)
}

func TestEmptyColumnFamily(t *testing.T) {
	db := newPebble(t, vfs.NewMem())
	defer db.Close()
	h := newLog(t)

	_, err := Import(db, h, WithColumnFamily(""))
	assert.ErrorIs(t, err, ErrEmptyColumnFamily)
	_, err = Export(h, db, WithColumnFamily(""))
	assert.ErrorIs(t, err, ErrEmptyColumnFamily)
}

func TestExport(t *testing.T) {
	h := newLog(t)
	for i := 0; i < 7; i++ {
		require.NoError(t, h.Write([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i)), true))
	}
	require.NoError(t, h.Erase([]byte("k3")))

	// Uncommitted writes are not exported.
	require.NoError(t, h.TxnBegin())
	require.NoError(t, h.Write([]byte("pending"), []byte("p"), true))

	db := newPebble(t, vfs.NewMem())
	defer db.Close()
	res, err := Export(h, db, WithBatchSize(4), WithColumnFamily("logdb"), WithSyncWrites(true))
	require.NoError(t, err)
	assert.Equal(t, Result{Keys: 6, Batches: 2}, res)

	v, ok := get(t, db, "logdb\x00k5")
	require.True(t, ok)
	assert.Equal(t, "v5", v)
	_, ok = get(t, db, "logdb\x00k3")
	assert.False(t, ok)
	_, ok = get(t, db, "logdb\x00pending")
	assert.False(t, ok)
	_, ok = get(t, db, "k5")
	assert.False(t, ok)
}

func TestDirRoundTrip(t *testing.T) {
	fs := vfs.NewMem()

	src := newLog(t)
	require.NoError(t, src.Write([]byte("alpha"), []byte("1"), true))
	require.NoError(t, src.Write([]byte("beta"), []byte{}, true))
	require.NoError(t, src.Write([]byte{0x00, 0xff}, []byte("bin"), true))

	res, err := ExportDir("export", src, WithFS(fs))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Keys)

	dst := newLog(t)
	res, err = ImportDir("export", dst, WithFS(fs))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Keys)

	assert.Equal(t, src.File().Stats().Live, dst.File().Stats().Live)
	require.NoError(t, src.ForEach(func(k, v []byte) error {
		got, err := dst.Read(k)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		return nil
	}))
}

func TestImportDirMissing(t *testing.T) {
	_, err := ImportDir("nope", newLog(t), WithFS(vfs.NewMem()))
	assert.Error(t, err)
}

func TestPrefixHelpers(t *testing.T) {
	assert.Equal(t, []byte("cf\x00"), cfPrefix("cf"))
	assert.Equal(t, []byte("cf\x01"), cfUpperBound("cf"))
	assert.Equal(t, []byte("cf\x00key"), prefixedKey(cfPrefix("cf"), []byte("key")))
}
