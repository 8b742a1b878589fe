// Package felt decodes the fixed-width scalars carried in Starknet event data.
//
// A field element travels as a 32 byte big-endian unsigned integer. Short
// strings are ASCII bytes packed into a single element, most significant byte
// first. 256-bit quantities are split into two 128-bit limbs, low first.
package felt

import (
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

const (
	// Size is the width of a field element in bytes.
	Size = 32

	// MaxShortStringLen is the longest ASCII string one element can carry.
	MaxShortStringLen = 31

	limbSize = 16
)

// ErrDecode is wrapped by every codec failure.
var ErrDecode = errors.New("decode error")

// Felt is a field element in big-endian byte order.
type Felt [Size]byte

// Zero is the zero element.
var Zero Felt

func decodeErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrDecode, format, args...)
}

// FromHex parses a 0x-prefixed (or bare) hex string. Leading zeros are
// ignored; more than 64 significant digits is an error.
func FromHex(s string) (Felt, error) {
	var f Felt

	digits := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	digits = strings.TrimLeft(digits, "0")
	if len(digits) > Size*2 {
		return f, decodeErrorf("hex value %q exceeds %d bytes", s, Size)
	}
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}

	raw, err := hex.DecodeString(digits)
	if err != nil {
		return f, decodeErrorf("invalid hex value %q", s)
	}
	copy(f[Size-len(raw):], raw)
	return f, nil
}

// MustHex is FromHex for constants; it panics on malformed input.
func MustHex(s string) Felt {
	f, err := FromHex(s)
	if err != nil {
		panic(err)
	}
	return f
}

// FromBig converts a non-negative integer of at most 256 bits.
func FromBig(b *big.Int) (Felt, error) {
	var f Felt
	if b.Sign() < 0 {
		return f, decodeErrorf("negative value %s", b.String())
	}
	if b.BitLen() > Size*8 {
		return f, decodeErrorf("value %s exceeds %d bits", b.String(), Size*8)
	}
	b.FillBytes(f[:])
	return f, nil
}

// FromUint64 converts a machine integer.
func FromUint64(v uint64) Felt {
	var f Felt
	binary.BigEndian.PutUint64(f[Size-8:], v)
	return f
}

// FromShortString packs an ASCII string into one element.
func FromShortString(s string) (Felt, error) {
	var f Felt
	if len(s) > MaxShortStringLen {
		return f, decodeErrorf("short string of %d bytes exceeds %d", len(s), MaxShortStringLen)
	}
	for i := 0; i < len(s); i++ {
		if !printable(s[i]) {
			return f, decodeErrorf("byte 0x%02x at %d is not printable ASCII", s[i], i)
		}
	}
	copy(f[Size-len(s):], s)
	return f, nil
}

// Selector returns the Starknet selector of a name: keccak256 truncated to
// its low 250 bits. Event keys are the selectors of the event names.
func Selector(name string) Felt {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(name))

	var f Felt
	copy(f[:], h.Sum(nil))
	f[0] &= 0x03
	return f
}

// Big returns the element as an unsigned integer.
func (f Felt) Big() *big.Int {
	return new(big.Int).SetBytes(f[:])
}

// Hex returns the element as 0x followed by 64 lowercase hex digits.
func (f Felt) Hex() string {
	return "0x" + hex.EncodeToString(f[:])
}

func (f Felt) String() string {
	return f.Hex()
}

// IsZero reports whether every byte is zero.
func (f Felt) IsZero() bool {
	return f == Zero
}

// Uint64 narrows the element, failing when it does not fit.
func (f Felt) Uint64() (uint64, error) {
	for _, b := range f[:Size-8] {
		if b != 0 {
			return 0, decodeErrorf("value %s overflows uint64", f.Hex())
		}
	}
	return binary.BigEndian.Uint64(f[Size-8:]), nil
}

// ShortString unpacks an ASCII string. Leading zero bytes are padding.
func (f Felt) ShortString() (string, error) {
	start := 0
	for start < Size && f[start] == 0 {
		start++
	}
	if Size-start > MaxShortStringLen {
		return "", decodeErrorf("value %s is too wide for a short string", f.Hex())
	}

	packed := f[start:]
	for i, b := range packed {
		if !printable(b) {
			return "", decodeErrorf("byte 0x%02x at %d is not printable ASCII", b, i)
		}
	}
	return string(packed), nil
}

// MarshalText encodes the element as hex, which is also its JSON form.
func (f Felt) MarshalText() ([]byte, error) {
	return []byte(f.Hex()), nil
}

// UnmarshalText decodes a hex string.
func (f *Felt) UnmarshalText(text []byte) error {
	parsed, err := FromHex(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

func printable(b byte) bool {
	return b >= 0x20 && b <= 0x7e
}
