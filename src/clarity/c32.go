package clarity

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// Stacks address versions.
const (
	AddressVersionMainnetSingleSig byte = 22
	AddressVersionMainnetMultiSig  byte = 20
	AddressVersionTestnetSingleSig byte = 26
	AddressVersionTestnetMultiSig  byte = 21
)

var (
	ErrInvalidC32      = errors.New("clarity: invalid c32 character")
	ErrInvalidChecksum = errors.New("clarity: c32check checksum mismatch")
	ErrInvalidAddress  = errors.New("clarity: invalid stacks address")
)

var c32Normalizer = strings.NewReplacer("O", "0", "L", "1", "I", "1")

// C32Encode encodes data in Crockford-style base32. Each leading zero byte
// becomes a leading '0' character.
func C32Encode(data []byte) string {
	zeros := 0
	for zeros < len(data) && data[zeros] == 0 {
		zeros++
	}

	n := new(big.Int).SetBytes(data)
	base := big.NewInt(32)
	mod := new(big.Int)
	var digits []byte
	for n.Sign() > 0 {
		n.DivMod(n, base, mod)
		digits = append(digits, c32Alphabet[mod.Int64()])
	}

	out := make([]byte, 0, zeros+len(digits))
	for i := 0; i < zeros; i++ {
		out = append(out, c32Alphabet[0])
	}
	for i := len(digits) - 1; i >= 0; i-- {
		out = append(out, digits[i])
	}
	return string(out)
}

// C32Decode reverses C32Encode. Input is case-insensitive and the ambiguous
// characters O, L and I are read as 0, 1 and 1.
func C32Decode(s string) ([]byte, error) {
	s = c32Normalizer.Replace(strings.ToUpper(s))

	zeros := 0
	for zeros < len(s) && s[zeros] == c32Alphabet[0] {
		zeros++
	}

	n := new(big.Int)
	base := big.NewInt(32)
	for i := zeros; i < len(s); i++ {
		idx := strings.IndexByte(c32Alphabet, s[i])
		if idx < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidC32, s[i])
		}
		n.Mul(n, base)
		n.Add(n, big.NewInt(int64(idx)))
	}

	out := make([]byte, zeros, zeros+n.BitLen()/8+1)
	return append(out, n.Bytes()...), nil
}

func c32Checksum(version byte, data []byte) []byte {
	first := sha256.Sum256(append([]byte{version}, data...))
	second := sha256.Sum256(first[:])
	return second[:4]
}

// C32CheckEncode prefixes the version character and appends a 4-byte
// double-SHA256 checksum before encoding.
func C32CheckEncode(version byte, data []byte) (string, error) {
	if version >= 32 {
		return "", fmt.Errorf("%w: version %d", ErrInvalidAddress, version)
	}
	payload := append(append([]byte{}, data...), c32Checksum(version, data)...)
	return string(c32Alphabet[version]) + C32Encode(payload), nil
}

// C32CheckDecode splits a c32check string into its version and payload.
func C32CheckDecode(s string) (byte, []byte, error) {
	if len(s) < 2 {
		return 0, nil, fmt.Errorf("%w: too short", ErrInvalidAddress)
	}
	s = c32Normalizer.Replace(strings.ToUpper(s))

	version := strings.IndexByte(c32Alphabet, s[0])
	if version < 0 {
		return 0, nil, fmt.Errorf("%w: %q", ErrInvalidC32, s[0])
	}

	decoded, err := C32Decode(s[1:])
	if err != nil {
		return 0, nil, err
	}
	if len(decoded) < 4 {
		return 0, nil, fmt.Errorf("%w: payload too short", ErrInvalidAddress)
	}

	data, sum := decoded[:len(decoded)-4], decoded[len(decoded)-4:]
	if !bytes.Equal(sum, c32Checksum(byte(version), data)) {
		return 0, nil, ErrInvalidChecksum
	}
	return byte(version), data, nil
}

// EncodeAddress renders a hash160 as a Stacks address ("S" + c32check).
func EncodeAddress(version byte, hash160 [20]byte) (string, error) {
	body, err := C32CheckEncode(version, hash160[:])
	if err != nil {
		return "", err
	}
	return "S" + body, nil
}

// DecodeAddress parses a Stacks address into its version and hash160.
func DecodeAddress(address string) (byte, [20]byte, error) {
	var hash [20]byte
	if len(address) < 3 || (address[0] != 'S' && address[0] != 's') {
		return 0, hash, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	version, data, err := C32CheckDecode(address[1:])
	if err != nil {
		return 0, hash, err
	}
	if len(data) != len(hash) {
		return 0, hash, fmt.Errorf("%w: hash160 is %d bytes", ErrInvalidAddress, len(data))
	}
	copy(hash[:], data)
	return version, hash, nil
}

// IsValidAddress reports whether s decodes as a Stacks address.
func IsValidAddress(s string) bool {
	_, _, err := DecodeAddress(s)
	return err == nil
}
