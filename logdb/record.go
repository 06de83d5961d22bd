package logdb

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/beyondbrewing/brewery-logdb/codec"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// On-disk record layout:
//
//	version:u8 | op:u8 | body | checksum[4]
//
//	upsert    body = varbytes(key) varbytes(value)
//	tombstone body = varbytes(key)
//	batch     body = varint(n) { op:u8 upsert-or-tombstone body }*n
//
// varint and varbytes are Bitcoin CompactSize encodings. The checksum is the
// first four bytes of the double SHA-256 of everything before it, as in the
// Bitcoin message header. A batch is replayed entirely or not at all.
const (
	recordVersion uint8 = 1
	checksumSize        = 4
)

type opKind uint8

const (
	opUpsert    opKind = 1
	opTombstone opKind = 2
	opBatch     opKind = 3
)

func (k opKind) String() string {
	switch k {
	case opUpsert:
		return "upsert"
	case opTombstone:
		return "tombstone"
	case opBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// logOp is a single upsert or tombstone.
type logOp struct {
	kind  opKind
	key   []byte
	value []byte
}

// errMalformed marks a record that is cut short or fails validation.
var errMalformed = errors.New("malformed record")

// encodeRecord appends one record carrying ops to buf. More than one op is
// framed as a batch.
func encodeRecord(buf *bytes.Buffer, ops []logOp) error {
	if len(ops) == 0 {
		return errors.New("logdb: empty record")
	}
	start := buf.Len()

	buf.WriteByte(recordVersion)
	if len(ops) == 1 {
		buf.WriteByte(byte(ops[0].kind))
		if err := encodeOpBody(buf, ops[0]); err != nil {
			return err
		}
	} else {
		buf.WriteByte(byte(opBatch))
		if err := wire.WriteVarInt(buf, codec.Version, uint64(len(ops))); err != nil {
			return err
		}
		for _, op := range ops {
			buf.WriteByte(byte(op.kind))
			if err := encodeOpBody(buf, op); err != nil {
				return err
			}
		}
	}

	sum := chainhash.DoubleHashB(buf.Bytes()[start:])
	buf.Write(sum[:checksumSize])
	return nil
}

func encodeOpBody(buf *bytes.Buffer, op logOp) error {
	if err := wire.WriteVarBytes(buf, codec.Version, op.key); err != nil {
		return err
	}
	switch op.kind {
	case opUpsert:
		return wire.WriteVarBytes(buf, codec.Version, op.value)
	case opTombstone:
		return nil
	default:
		return fmt.Errorf("logdb: cannot encode op %s", op.kind)
	}
}

// readRecord reads the next record from r. It returns io.EOF only when r is
// exhausted exactly at a record boundary. A record that is cut short or
// fails validation yields an error wrapping errMalformed; any other error
// is an I/O failure. raw holds the record's bytes including the checksum.
func readRecord(r io.Reader, maxField uint32) (ops []logOp, raw []byte, err error) {
	var head [2]byte
	n, err := io.ReadFull(r, head[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, nil, io.EOF
		}
		return nil, nil, classify(err)
	}

	var seen bytes.Buffer
	seen.Write(head[:])
	tr := io.TeeReader(r, &seen)

	if head[0] != recordVersion {
		return nil, nil, fmt.Errorf("%w: unknown version %d", errMalformed, head[0])
	}

	switch kind := opKind(head[1]); kind {
	case opUpsert, opTombstone:
		op, err := readOpBody(tr, kind, maxField)
		if err != nil {
			return nil, nil, classify(err)
		}
		ops = []logOp{op}

	case opBatch:
		count, err := wire.ReadVarInt(tr, codec.Version)
		if err != nil {
			return nil, nil, classify(err)
		}
		if count == 0 || count > uint64(maxField) {
			return nil, nil, fmt.Errorf("%w: batch of %d ops", errMalformed, count)
		}
		ops = make([]logOp, 0, min(count, 1024))
		for i := uint64(0); i < count; i++ {
			var k [1]byte
			if _, err := io.ReadFull(tr, k[:]); err != nil {
				return nil, nil, classify(err)
			}
			nested := opKind(k[0])
			if nested != opUpsert && nested != opTombstone {
				return nil, nil, fmt.Errorf("%w: op %d inside batch", errMalformed, k[0])
			}
			op, err := readOpBody(tr, nested, maxField)
			if err != nil {
				return nil, nil, classify(err)
			}
			ops = append(ops, op)
		}

	default:
		return nil, nil, fmt.Errorf("%w: unknown op %d", errMalformed, head[1])
	}

	var sum [checksumSize]byte
	if _, err := io.ReadFull(r, sum[:]); err != nil {
		return nil, nil, classify(err)
	}
	want := chainhash.DoubleHashB(seen.Bytes())
	if !bytes.Equal(sum[:], want[:checksumSize]) {
		return nil, nil, fmt.Errorf("%w: checksum mismatch", errMalformed)
	}

	seen.Write(sum[:])
	return ops, seen.Bytes(), nil
}

func readOpBody(r io.Reader, kind opKind, maxField uint32) (logOp, error) {
	key, err := wire.ReadVarBytes(r, codec.Version, maxField, "key")
	if err != nil {
		return logOp{}, err
	}
	op := logOp{kind: kind, key: key}
	if kind == opUpsert {
		op.value, err = wire.ReadVarBytes(r, codec.Version, maxField, "value")
		if err != nil {
			return logOp{}, err
		}
	}
	return op, nil
}

// classify maps short reads and wire validation failures to errMalformed
// and passes anything else through as an I/O error.
func classify(err error) error {
	var msgErr *wire.MessageError
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: truncated", errMalformed)
	case errors.As(err, &msgErr):
		return fmt.Errorf("%w: %v", errMalformed, err)
	default:
		return err
	}
}
