// Package codec turns typed keys and values into the opaque byte strings
// stored by package logdb, and back.
//
// The encoding is the Bitcoin disk serialization: fixed-width integers are
// little-endian, byte slices and strings carry a CompactSize length prefix
// (btcd wire varint), fixed-size byte arrays such as [chainhash.Hash] are
// written raw, and structs are the concatenation of their exported fields in
// declaration order. Any type with Serialize/Deserialize methods (for example
// [wire.BlockHeader] or [wire.MsgTx]) encodes itself.
//
// Decoding is strict: trailing bytes, short input, or over-long length
// prefixes are reported as [ErrDecode] so that a schema mismatch is never
// mistaken for a valid value. Nil and empty slices share one encoding and
// both decode as nil.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"

	"github.com/btcsuite/btcd/wire"
)

// Version is the serialization version handed to btcd's wire helpers. It is
// part of the on-disk contract; readers pass the same value.
const Version uint32 = wire.ProtocolVersion

// MaxFieldSize bounds any single length-prefixed field or element count.
const MaxFieldSize = 32 << 20 // 32 MB

// maxPrealloc caps the capacity reserved for a decoded slice up front.
const maxPrealloc = 1024

// Sentinel errors.
var (
	ErrDecode          = errors.New("codec: cannot decode value")
	ErrUnsupportedType = errors.New("codec: unsupported type")
	ErrNilValue        = errors.New("codec: nil value")
)

// Serializer is implemented by types that write their own disk encoding.
type Serializer interface {
	Serialize(w io.Writer) error
}

// Deserializer is implemented by types that read their own disk encoding.
type Deserializer interface {
	Deserialize(r io.Reader) error
}

var (
	serializerType   = reflect.TypeOf((*Serializer)(nil)).Elem()
	deserializerType = reflect.TypeOf((*Deserializer)(nil)).Elem()
)

// Marshal returns the disk encoding of v.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into the value pointed to by v. All of data must be
// consumed.
func Unmarshal(data []byte, v any) error {
	r := bytes.NewReader(data)
	if err := Decode(r, v); err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrDecode, r.Len())
	}
	return nil
}

// Encode writes the disk encoding of v to w.
func Encode(w io.Writer, v any) error {
	if v == nil {
		return ErrNilValue
	}
	return encodeValue(w, reflect.ValueOf(v))
}

// Decode reads one value from r into the value pointed to by v.
func Decode(r io.Reader, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: decode target must be a non-nil pointer, got %T", ErrUnsupportedType, v)
	}
	err := decodeValue(r, rv.Elem())
	if err == nil || errors.Is(err, ErrUnsupportedType) || errors.Is(err, ErrDecode) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDecode, err)
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

func encodeValue(w io.Writer, rv reflect.Value) error {
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return fmt.Errorf("%w: nil %s", ErrNilValue, rv.Type())
		}
		if rv.Type().Implements(serializerType) {
			return rv.Interface().(Serializer).Serialize(w)
		}
		return encodeValue(w, rv.Elem())
	}

	if reflect.PointerTo(rv.Type()).Implements(serializerType) {
		p := reflect.New(rv.Type())
		p.Elem().Set(rv)
		return p.Interface().(Serializer).Serialize(w)
	}

	switch rv.Kind() {
	case reflect.Bool:
		var b [1]byte
		if rv.Bool() {
			b[0] = 1
		}
		_, err := w.Write(b[:])
		return err

	case reflect.Int8, reflect.Uint8:
		_, err := w.Write([]byte{byte(toUint64(rv))})
		return err

	case reflect.Int16, reflect.Uint16:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(toUint64(rv)))
		_, err := w.Write(b[:])
		return err

	case reflect.Int32, reflect.Uint32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(toUint64(rv)))
		_, err := w.Write(b[:])
		return err

	case reflect.Int64, reflect.Uint64, reflect.Int, reflect.Uint:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], toUint64(rv))
		_, err := w.Write(b[:])
		return err

	case reflect.Float32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(float32(rv.Float())))
		_, err := w.Write(b[:])
		return err

	case reflect.Float64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(rv.Float()))
		_, err := w.Write(b[:])
		return err

	case reflect.String:
		return wire.WriteVarString(w, Version, rv.String())

	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return wire.WriteVarBytes(w, Version, rv.Bytes())
		}
		if err := wire.WriteVarInt(w, Version, uint64(rv.Len())); err != nil {
			return err
		}
		for i := 0; i < rv.Len(); i++ {
			if err := encodeValue(w, rv.Index(i)); err != nil {
				return err
			}
		}
		return nil

	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			raw := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(raw), rv)
			_, err := w.Write(raw)
			return err
		}
		for i := 0; i < rv.Len(); i++ {
			if err := encodeValue(w, rv.Index(i)); err != nil {
				return err
			}
		}
		return nil

	case reflect.Struct:
		fields := exportedFields(rv.Type())
		if len(fields) == 0 {
			return fmt.Errorf("%w: %s has no exported fields", ErrUnsupportedType, rv.Type())
		}
		for _, i := range fields {
			if err := encodeValue(w, rv.Field(i)); err != nil {
				return err
			}
		}
		return nil
	}

	return fmt.Errorf("%w: %s", ErrUnsupportedType, rv.Type())
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// decodeValue fills rv, which must be settable.
func decodeValue(r io.Reader, rv reflect.Value) error {
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		if rv.Type().Implements(deserializerType) {
			return rv.Interface().(Deserializer).Deserialize(r)
		}
		return decodeValue(r, rv.Elem())
	}

	if rv.CanAddr() && reflect.PointerTo(rv.Type()).Implements(deserializerType) {
		return rv.Addr().Interface().(Deserializer).Deserialize(r)
	}

	switch rv.Kind() {
	case reflect.Bool:
		b, err := readN(r, 1)
		if err != nil {
			return err
		}
		switch b[0] {
		case 0:
			rv.SetBool(false)
		case 1:
			rv.SetBool(true)
		default:
			return fmt.Errorf("%w: invalid bool byte %#x", ErrDecode, b[0])
		}
		return nil

	case reflect.Int8, reflect.Uint8:
		b, err := readN(r, 1)
		if err != nil {
			return err
		}
		setUint64(rv, uint64(b[0]))
		return nil

	case reflect.Int16, reflect.Uint16:
		b, err := readN(r, 2)
		if err != nil {
			return err
		}
		setUint64(rv, uint64(binary.LittleEndian.Uint16(b)))
		return nil

	case reflect.Int32, reflect.Uint32:
		b, err := readN(r, 4)
		if err != nil {
			return err
		}
		setUint64(rv, uint64(binary.LittleEndian.Uint32(b)))
		return nil

	case reflect.Int64, reflect.Uint64, reflect.Int, reflect.Uint:
		b, err := readN(r, 8)
		if err != nil {
			return err
		}
		setUint64(rv, binary.LittleEndian.Uint64(b))
		return nil

	case reflect.Float32:
		b, err := readN(r, 4)
		if err != nil {
			return err
		}
		rv.SetFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(b))))
		return nil

	case reflect.Float64:
		b, err := readN(r, 8)
		if err != nil {
			return err
		}
		rv.SetFloat(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		return nil

	case reflect.String:
		s, err := wire.ReadVarString(r, Version)
		if err != nil {
			return err
		}
		rv.SetString(s)
		return nil

	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b, err := wire.ReadVarBytes(r, Version, MaxFieldSize, "bytes")
			if err != nil {
				return err
			}
			if len(b) == 0 {
				b = nil
			}
			rv.SetBytes(b)
			return nil
		}
		n, err := wire.ReadVarInt(r, Version)
		if err != nil {
			return err
		}
		if n > MaxFieldSize {
			return fmt.Errorf("%w: element count %d exceeds %d", ErrDecode, n, MaxFieldSize)
		}
		if n == 0 {
			rv.SetZero()
			return nil
		}
		// The count is untrusted; grow with the elements actually read.
		s := reflect.MakeSlice(rv.Type(), 0, int(min(n, maxPrealloc)))
		for i := uint64(0); i < n; i++ {
			e := reflect.New(rv.Type().Elem()).Elem()
			if err := decodeValue(r, e); err != nil {
				return err
			}
			s = reflect.Append(s, e)
		}
		rv.Set(s)
		return nil

	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b, err := readN(r, rv.Len())
			if err != nil {
				return err
			}
			reflect.Copy(rv, reflect.ValueOf(b))
			return nil
		}
		for i := 0; i < rv.Len(); i++ {
			if err := decodeValue(r, rv.Index(i)); err != nil {
				return err
			}
		}
		return nil

	case reflect.Struct:
		fields := exportedFields(rv.Type())
		if len(fields) == 0 {
			return fmt.Errorf("%w: %s has no exported fields", ErrUnsupportedType, rv.Type())
		}
		for _, i := range fields {
			if err := decodeValue(r, rv.Field(i)); err != nil {
				return err
			}
		}
		return nil
	}

	return fmt.Errorf("%w: %s", ErrUnsupportedType, rv.Type())
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func readN(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func toUint64(rv reflect.Value) uint64 {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uint64(rv.Int())
	default:
		return rv.Uint()
	}
}

// setUint64 stores u into an integer value, sign-extending from the width
// of rv's kind for signed integers.
func setUint64(rv reflect.Value, u uint64) {
	switch rv.Kind() {
	case reflect.Int8:
		rv.SetInt(int64(int8(u)))
	case reflect.Int16:
		rv.SetInt(int64(int16(u)))
	case reflect.Int32:
		rv.SetInt(int64(int32(u)))
	case reflect.Int, reflect.Int64:
		rv.SetInt(int64(u))
	default:
		rv.SetUint(u)
	}
}

func exportedFields(t reflect.Type) []int {
	idx := make([]int, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).IsExported() {
			idx = append(idx, i)
		}
	}
	return idx
}
