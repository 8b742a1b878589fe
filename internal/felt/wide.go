package felt

import (
	"math/big"
)

// Wide reconstructs a 256-bit integer from its (low, high) 128-bit limbs as
// low + high*2^128.
func Wide(low, high Felt) (*big.Int, error) {
	if !fitsLimb(low) {
		return nil, decodeErrorf("low limb %s exceeds 128 bits", low.Hex())
	}
	if !fitsLimb(high) {
		return nil, decodeErrorf("high limb %s exceeds 128 bits", high.Hex())
	}

	v := high.Big()
	v.Lsh(v, 128)
	return v.Add(v, low.Big()), nil
}

// WideUint64 reconstructs a two-limb integer that must fit in 64 bits.
func WideUint64(low, high Felt) (uint64, error) {
	v, err := Wide(low, high)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, decodeErrorf("wide value %s overflows uint64", v.String())
	}
	return v.Uint64(), nil
}

// SplitWide is the inverse of Wide.
func SplitWide(v *big.Int) (low, high Felt, err error) {
	if v.Sign() < 0 || v.BitLen() > 256 {
		return low, high, decodeErrorf("value %s is not a 256-bit unsigned integer", v.String())
	}

	mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	low, _ = FromBig(new(big.Int).And(v, mask))
	high, _ = FromBig(new(big.Int).Rsh(v, 128))
	return low, high, nil
}

func fitsLimb(f Felt) bool {
	for _, b := range f[:Size-limbSize] {
		if b != 0 {
			return false
		}
	}
	return true
}
