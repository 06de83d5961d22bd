package logdb

import (
	"bytes"
	"io"
	"testing"

	"github.com/beyondbrewing/brewery-logdb/codec"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeOps(t *testing.T, ops ...logOp) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, encodeRecord(&buf, ops))
	return buf.Bytes()
}

func TestRecordRoundTrip(t *testing.T) {
	var log bytes.Buffer
	log.Write(encodeOps(t, logOp{kind: opUpsert, key: []byte("a"), value: []byte("1")}))
	log.Write(encodeOps(t, logOp{kind: opTombstone, key: []byte("a")}))
	log.Write(encodeOps(t,
		logOp{kind: opUpsert, key: []byte("b"), value: []byte("2")},
		logOp{kind: opTombstone, key: []byte("c")},
	))
	total := log.Len()

	r := bytes.NewReader(log.Bytes())

	ops, raw, err := readRecord(r, codec.MaxFieldSize)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, opUpsert, ops[0].kind)
	assert.Equal(t, []byte("a"), ops[0].key)
	assert.Equal(t, []byte("1"), ops[0].value)
	consumed := len(raw)

	ops, raw, err = readRecord(r, codec.MaxFieldSize)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, opTombstone, ops[0].kind)
	assert.Nil(t, ops[0].value)
	consumed += len(raw)

	ops, raw, err = readRecord(r, codec.MaxFieldSize)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, []byte("b"), ops[0].key)
	assert.Equal(t, opTombstone, ops[1].kind)
	consumed += len(raw)

	assert.Equal(t, total, consumed)

	_, _, err = readRecord(r, codec.MaxFieldSize)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRecordLayout(t *testing.T) {
	b := encodeOps(t, logOp{kind: opUpsert, key: []byte("k"), value: []byte("vv")})
	// version, op, len(k), k, len(v), v, v, checksum
	require.Len(t, b, 2+2+3+checksumSize)
	assert.Equal(t, recordVersion, b[0])
	assert.Equal(t, byte(opUpsert), b[1])
	assert.Equal(t, []byte{1, 'k', 2, 'v', 'v'}, b[2:7])
}

func TestReadRecordMalformed(t *testing.T) {
	good := encodeOps(t, logOp{kind: opUpsert, key: []byte("key"), value: []byte("value")})

	cases := map[string][]byte{
		"truncated header":  good[:1],
		"truncated body":    good[:6],
		"missing checksum":  good[:len(good)-2],
		"bad version":       append([]byte{9}, good[1:]...),
		"unknown op":        append([]byte{recordVersion, 0x7f}, good[2:]...),
		"checksum mismatch": append(append([]byte{}, good[:len(good)-1]...), good[len(good)-1]^0xff),
		"nested batch op":   encodeBadBatch(t),
		"oversized key":     {recordVersion, byte(opTombstone), 0xfd, 0xff, 0xff},
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := readRecord(bytes.NewReader(b), 1024)
			assert.ErrorIs(t, err, errMalformed)
		})
	}
}

// encodeBadBatch builds a batch whose nested op is itself a batch, with a
// valid checksum.
func encodeBadBatch(t *testing.T) []byte {
	t.Helper()
	b := encodeOps(t,
		logOp{kind: opTombstone, key: []byte("x")},
		logOp{kind: opTombstone, key: []byte("y")},
	)
	body := append([]byte{}, b[:len(b)-checksumSize]...)
	body[3] = byte(opBatch) // first nested op tag
	var buf bytes.Buffer
	buf.Write(body)
	sum := chainhash.DoubleHashB(body)
	buf.Write(sum[:checksumSize])
	return buf.Bytes()
}

func TestEncodeRecordRejectsEmpty(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, encodeRecord(&buf, nil))
}
