package logdb

import (
	"crypto/sha256"
	"os"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompact(t *testing.T) {
	f, path := openTemp(t)
	h := newHandle(t, f, false)

	for i := 0; i < 20; i++ {
		require.NoError(t, h.Write([]byte("hot"), []byte{byte(i)}, true))
	}
	require.NoError(t, h.Write([]byte("cold"), []byte("c"), true))
	require.NoError(t, h.Write([]byte("tmp"), []byte("t"), true))
	require.NoError(t, h.Erase([]byte("tmp")))

	st := f.Stats()
	assert.Equal(t, 2, st.Live)
	assert.Equal(t, 23, st.Written)
	assert.True(t, f.NeedsCompaction(4))
	assert.False(t, f.NeedsCompaction(20))

	require.NoError(t, f.Compact())

	after := f.Stats()
	assert.Equal(t, 2, after.Live)
	assert.Equal(t, 2, after.Written)
	assert.Equal(t, 0, after.Dirty)
	assert.Less(t, after.Size, st.Size)
	assert.False(t, f.NeedsCompaction(1.5))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, after.Size, len(content))
	assert.Equal(t, chainhash.Hash(sha256.Sum256(content)), f.Digest())
	require.NoError(t, f.Verify())

	_, err = os.Stat(path + ".compact")
	assert.True(t, os.IsNotExist(err))

	// Appends after compaction land in the new file.
	require.NoError(t, h.Write([]byte("new"), []byte("n"), true))

	require.NoError(t, f.Open(path, false))
	h2 := newHandle(t, f, false)
	assert.Equal(t, string([]byte{19}), mustRead(t, h2, "hot"))
	assert.Equal(t, "c", mustRead(t, h2, "cold"))
	assert.Equal(t, "n", mustRead(t, h2, "new"))
	ok, err := h2.Exists([]byte("tmp"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, f.Stats().Written)
}

func TestCompactEmptiedLog(t *testing.T) {
	f, path := openTemp(t)
	h := newHandle(t, f, false)
	require.NoError(t, h.Write([]byte("k"), []byte("v"), true))
	require.NoError(t, h.Erase([]byte("k")))

	assert.True(t, f.NeedsCompaction(2))
	require.NoError(t, f.Compact())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
	assert.Equal(t, chainhash.Hash(sha256.Sum256(nil)), f.Digest())
}

func TestCompactRefreshesRecovery(t *testing.T) {
	f, path := openTemp(t)
	h, err := f.NewHandle(false)
	require.NoError(t, err)
	require.NoError(t, h.Write([]byte("a"), []byte("1"), true))
	require.NoError(t, h.Write([]byte("a"), []byte("2"), true))
	require.NoError(t, h.Write([]byte("b"), []byte("3"), true))
	h.Release()
	require.NoError(t, f.Close())

	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = fd.Write([]byte{recordVersion, byte(opUpsert), 4, 'x'})
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	require.NoError(t, f.Open(path, false))
	rec := f.Recovery()
	require.True(t, rec.Truncated)
	assert.Equal(t, 3, rec.Records)
	assert.EqualValues(t, 4, rec.DiscardedBytes)

	require.NoError(t, f.Compact())

	assert.Equal(t, Recovery{Records: 2, ValidBytes: f.Stats().Size}, f.Recovery())
}

func TestCompactClosed(t *testing.T) {
	f := New()
	assert.ErrorIs(t, f.Compact(), ErrClosed)
	assert.False(t, f.NeedsCompaction(1))
	assert.ErrorIs(t, f.Verify(), ErrClosed)
}
