package clarity

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"unicode/utf8"
)

// maxDepth bounds nesting while decoding untrusted input.
const maxDepth = 32

// Serialize encodes v in Clarity consensus format.
func Serialize(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SerializeHex encodes v and renders it as 0x-prefixed hex, the form the
// Stacks node API expects for read-only call arguments.
func SerializeHex(v Value) (string, error) {
	b, err := Serialize(v)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b), nil
}

func writeValue(buf *bytes.Buffer, v Value) error {
	if v == nil {
		return fmt.Errorf("clarity: nil value")
	}

	switch t := v.(type) {
	case Int:
		buf.WriteByte(byte(TypeInt))
		return writeInt128(buf, t.V, true)
	case UInt:
		buf.WriteByte(byte(TypeUInt))
		return writeInt128(buf, t.V, false)
	case Buffer:
		buf.WriteByte(byte(TypeBuffer))
		writeUint32(buf, len(t))
		buf.Write(t)
	case Bool:
		buf.WriteByte(byte(t.Type()))
	case Principal:
		buf.WriteByte(byte(t.Type()))
		buf.WriteByte(t.Version)
		buf.Write(t.Hash160[:])
		if t.ContractName != "" {
			if err := ValidateContractName(t.ContractName); err != nil {
				return err
			}
			buf.WriteByte(byte(len(t.ContractName)))
			buf.WriteString(t.ContractName)
		}
	case ResponseOk:
		buf.WriteByte(byte(TypeResponseOk))
		return writeValue(buf, t.Value)
	case ResponseErr:
		buf.WriteByte(byte(TypeResponseErr))
		return writeValue(buf, t.Value)
	case None:
		buf.WriteByte(byte(TypeOptionalNone))
	case Some:
		buf.WriteByte(byte(TypeOptionalSome))
		return writeValue(buf, t.Value)
	case List:
		buf.WriteByte(byte(TypeList))
		writeUint32(buf, len(t))
		for _, item := range t {
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
	case Tuple:
		buf.WriteByte(byte(TypeTuple))
		writeUint32(buf, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if k == "" || len(k) > MaxTupleKeyLength {
				return fmt.Errorf("clarity: invalid tuple key %q", k)
			}
			buf.WriteByte(byte(len(k)))
			buf.WriteString(k)
			if err := writeValue(buf, t[k]); err != nil {
				return fmt.Errorf("tuple key %q: %w", k, err)
			}
		}
	case StringASCII:
		for i := 0; i < len(t); i++ {
			if t[i] > 0x7e || (t[i] < 0x20 && t[i] != '\t' && t[i] != '\n' && t[i] != '\r') {
				return fmt.Errorf("clarity: non-ascii byte 0x%02x in string-ascii", t[i])
			}
		}
		buf.WriteByte(byte(TypeStringASCII))
		writeUint32(buf, len(t))
		buf.WriteString(string(t))
	case StringUTF8:
		if !utf8.ValidString(string(t)) {
			return fmt.Errorf("clarity: invalid utf-8 in string-utf8")
		}
		buf.WriteByte(byte(TypeStringUTF8))
		writeUint32(buf, len(t))
		buf.WriteString(string(t))
	default:
		return fmt.Errorf("%w: %T", ErrUnknownType, v)
	}
	return nil
}

func writeUint32(buf *bytes.Buffer, n int) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	buf.Write(b[:])
}

// writeInt128 writes a 16-byte big-endian (two's complement when signed)
// integer.
func writeInt128(buf *bytes.Buffer, v *big.Int, signed bool) error {
	if v == nil {
		v = new(big.Int)
	}

	if signed {
		if v.Cmp(minInt128) < 0 || v.Cmp(maxInt128) > 0 {
			return ErrOutOfRange
		}
	} else if v.Sign() < 0 || v.Cmp(maxUInt128) > 0 {
		return ErrOutOfRange
	}

	n := new(big.Int).Set(v)
	if n.Sign() < 0 {
		n.Add(n, new(big.Int).Lsh(big.NewInt(1), 128))
	}

	var out [16]byte
	n.FillBytes(out[:])
	buf.Write(out[:])
	return nil
}

// Deserialize decodes a single value and rejects trailing bytes.
func Deserialize(b []byte) (Value, error) {
	r := &reader{data: b}
	v, err := r.value(0)
	if err != nil {
		return nil, err
	}
	if r.pos != len(r.data) {
		return nil, ErrTrailingData
	}
	return v, nil
}

// DeserializeHex decodes a hex string with or without the 0x prefix.
func DeserializeHex(s string) (Value, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("clarity: invalid hex: %w", err)
	}
	return Deserialize(b)
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || len(r.data)-r.pos < n {
		return nil, ErrTruncated
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) readByte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) length() (int, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(b)
	if int(n) > len(r.data)-r.pos {
		return 0, ErrTruncated
	}
	return int(n), nil
}

func (r *reader) value(depth int) (Value, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("clarity: value nested deeper than %d", maxDepth)
	}

	prefix, err := r.readByte()
	if err != nil {
		return nil, err
	}

	switch Type(prefix) {
	case TypeInt, TypeUInt:
		b, err := r.take(16)
		if err != nil {
			return nil, err
		}
		n := new(big.Int).SetBytes(b)
		if Type(prefix) == TypeUInt {
			return UInt{V: n}, nil
		}
		if b[0]&0x80 != 0 {
			n.Sub(n, new(big.Int).Lsh(big.NewInt(1), 128))
		}
		return Int{V: n}, nil

	case TypeBuffer:
		n, err := r.length()
		if err != nil {
			return nil, err
		}
		b, err := r.take(n)
		if err != nil {
			return nil, err
		}
		return Buffer(append([]byte{}, b...)), nil

	case TypeTrue:
		return Bool(true), nil
	case TypeFalse:
		return Bool(false), nil

	case TypeStandardPrincipal, TypeContractPrincipal:
		var p Principal
		if p.Version, err = r.readByte(); err != nil {
			return nil, err
		}
		hash, err := r.take(20)
		if err != nil {
			return nil, err
		}
		copy(p.Hash160[:], hash)
		if Type(prefix) == TypeContractPrincipal {
			n, err := r.readByte()
			if err != nil {
				return nil, err
			}
			name, err := r.take(int(n))
			if err != nil {
				return nil, err
			}
			p.ContractName = string(name)
			if err := ValidateContractName(p.ContractName); err != nil {
				return nil, err
			}
		}
		return p, nil

	case TypeResponseOk, TypeResponseErr, TypeOptionalSome:
		inner, err := r.value(depth + 1)
		if err != nil {
			return nil, err
		}
		switch Type(prefix) {
		case TypeResponseOk:
			return ResponseOk{Value: inner}, nil
		case TypeResponseErr:
			return ResponseErr{Value: inner}, nil
		default:
			return Some{Value: inner}, nil
		}

	case TypeOptionalNone:
		return None{}, nil

	case TypeList:
		n, err := r.length()
		if err != nil {
			return nil, err
		}
		list := make(List, 0, n)
		for i := 0; i < n; i++ {
			item, err := r.value(depth + 1)
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil

	case TypeTuple:
		n, err := r.length()
		if err != nil {
			return nil, err
		}
		tuple := make(Tuple, n)
		for i := 0; i < n; i++ {
			kl, err := r.readByte()
			if err != nil {
				return nil, err
			}
			key, err := r.take(int(kl))
			if err != nil {
				return nil, err
			}
			item, err := r.value(depth + 1)
			if err != nil {
				return nil, err
			}
			tuple[string(key)] = item
		}
		return tuple, nil

	case TypeStringASCII, TypeStringUTF8:
		n, err := r.length()
		if err != nil {
			return nil, err
		}
		b, err := r.take(n)
		if err != nil {
			return nil, err
		}
		if Type(prefix) == TypeStringASCII {
			return StringASCII(b), nil
		}
		if !utf8.Valid(b) {
			return nil, fmt.Errorf("clarity: invalid utf-8 in string-utf8")
		}
		return StringUTF8(b), nil
	}

	return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, prefix)
}
