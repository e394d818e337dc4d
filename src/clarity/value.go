// Package clarity implements the subset of the Clarity value model used to
// talk to subnet contracts: typed values, their consensus serialization and
// the c32check address codec used by Stacks principals.
package clarity

import (
	"errors"
	"fmt"
	"math/big"
)

// Type is the one-byte type prefix of a serialized Clarity value.
type Type byte

const (
	TypeInt               Type = 0x00
	TypeUInt              Type = 0x01
	TypeBuffer            Type = 0x02
	TypeTrue              Type = 0x03
	TypeFalse             Type = 0x04
	TypeStandardPrincipal Type = 0x05
	TypeContractPrincipal Type = 0x06
	TypeResponseOk        Type = 0x07
	TypeResponseErr       Type = 0x08
	TypeOptionalNone      Type = 0x09
	TypeOptionalSome      Type = 0x0a
	TypeList              Type = 0x0b
	TypeTuple             Type = 0x0c
	TypeStringASCII       Type = 0x0d
	TypeStringUTF8        Type = 0x0e
)

// MaxTupleKeyLength is the longest name a tuple key may carry.
const MaxTupleKeyLength = 128

var (
	ErrOutOfRange   = errors.New("clarity: integer out of 128-bit range")
	ErrTruncated    = errors.New("clarity: truncated input")
	ErrTrailingData = errors.New("clarity: trailing bytes after value")
	ErrUnknownType  = errors.New("clarity: unknown type prefix")
)

var (
	maxUInt128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	maxInt128  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minInt128  = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	maxUint64  = new(big.Int).SetUint64(^uint64(0))
)

// Value is any Clarity value.
type Value interface {
	Type() Type
}

// Int is a signed 128-bit integer.
type Int struct {
	V *big.Int
}

// UInt is an unsigned 128-bit integer.
type UInt struct {
	V *big.Int
}

// Buffer is a byte buffer (buff N).
type Buffer []byte

// Bool is true or false.
type Bool bool

// ResponseOk wraps the ok branch of a response.
type ResponseOk struct {
	Value Value
}

// ResponseErr wraps the err branch of a response.
type ResponseErr struct {
	Value Value
}

// None is the empty optional.
type None struct{}

// Some wraps a present optional.
type Some struct {
	Value Value
}

// List is an ordered list of values.
type List []Value

// Tuple maps names to values. Keys are serialized in sorted order.
type Tuple map[string]Value

// StringASCII is a string-ascii value.
type StringASCII string

// StringUTF8 is a string-utf8 value.
type StringUTF8 string

func (Int) Type() Type         { return TypeInt }
func (UInt) Type() Type        { return TypeUInt }
func (Buffer) Type() Type      { return TypeBuffer }
func (ResponseOk) Type() Type  { return TypeResponseOk }
func (ResponseErr) Type() Type { return TypeResponseErr }
func (None) Type() Type        { return TypeOptionalNone }
func (Some) Type() Type        { return TypeOptionalSome }
func (List) Type() Type        { return TypeList }
func (Tuple) Type() Type       { return TypeTuple }
func (StringASCII) Type() Type { return TypeStringASCII }
func (StringUTF8) Type() Type  { return TypeStringUTF8 }

func (b Bool) Type() Type {
	if b {
		return TypeTrue
	}
	return TypeFalse
}

// NewUInt builds a UInt from a uint64.
func NewUInt(v uint64) UInt {
	return UInt{V: new(big.Int).SetUint64(v)}
}

// NewInt builds an Int from an int64.
func NewInt(v int64) Int {
	return Int{V: big.NewInt(v)}
}

// Uint64 returns the value when it fits in 64 bits.
func (u UInt) Uint64() (uint64, error) {
	if u.V == nil {
		return 0, nil
	}
	if u.V.Sign() < 0 || u.V.Cmp(maxUint64) > 0 {
		return 0, fmt.Errorf("uint %s does not fit in 64 bits", u.V)
	}
	return u.V.Uint64(), nil
}

// Unwrap strips a response-ok wrapper. A response-err value is returned as an
// error carrying the serialized inner value.
func Unwrap(v Value) (Value, error) {
	switch r := v.(type) {
	case ResponseOk:
		return r.Value, nil
	case ResponseErr:
		return nil, fmt.Errorf("clarity: contract returned err %s", describe(r.Value))
	default:
		return v, nil
	}
}

// AsUint64 reads a uint, unwrapping a response-ok if present.
func AsUint64(v Value) (uint64, error) {
	inner, err := Unwrap(v)
	if err != nil {
		return 0, err
	}
	u, ok := inner.(UInt)
	if !ok {
		return 0, fmt.Errorf("clarity: expected uint, got type 0x%02x", byte(inner.Type()))
	}
	return u.Uint64()
}

// AsBool reads a bool, unwrapping a response-ok if present.
func AsBool(v Value) (bool, error) {
	inner, err := Unwrap(v)
	if err != nil {
		return false, err
	}
	b, ok := inner.(Bool)
	if !ok {
		return false, fmt.Errorf("clarity: expected bool, got type 0x%02x", byte(inner.Type()))
	}
	return bool(b), nil
}

func describe(v Value) string {
	switch t := v.(type) {
	case UInt:
		return "u" + t.V.String()
	case Int:
		return t.V.String()
	case StringASCII:
		return fmt.Sprintf("%q", string(t))
	case Principal:
		return t.String()
	default:
		return fmt.Sprintf("type 0x%02x", byte(v.Type()))
	}
}
