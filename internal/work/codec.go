package work

import (
	"errors"
	"fmt"
	"math"

	"github.com/holiman/uint256"
)

var (
	// ErrEncodingOverflow means packing the digits or adding the offset does
	// not fit in 128 bits. It points at a coordinator/worker protocol mismatch.
	ErrEncodingOverflow = errors.New("work: encoding overflows 128 bits")
	// ErrDigitRange means a digit does not fit in DigitBits.
	ErrDigitRange = errors.New("work: digit out of range")
	// ErrBatchTooLarge means the batch cannot be expressed as one dispatch.
	ErrBatchTooLarge = errors.New("work: batch size exceeds dispatch lane limit")
)

// MaxLanes is the largest lane count a single 1-D dispatch can carry.
const MaxLanes = uint64(math.MaxInt)

// Pack places the digits left aligned into a 128-bit value. A cursor starts
// at bit 128 and moves down DigitBits before each digit is OR-ed in.
func Pack(digits []uint16) (uint256.Int, error) {
	var acc uint256.Int
	shift := Width
	for i, d := range digits {
		if d > MaxDigit {
			return uint256.Int{}, fmt.Errorf("%w: digit %d is %d", ErrDigitRange, i, d)
		}
		shift -= DigitBits
		if shift < 0 {
			return uint256.Int{}, fmt.Errorf("%w: %d digits need %d bits", ErrEncodingOverflow, len(digits), len(digits)*DigitBits)
		}
		var v uint256.Int
		v.SetUint64(uint64(d))
		v.Lsh(&v, uint(shift))
		acc.Or(&acc, &v)
	}
	return acc, nil
}

// Decode turns an assignment into a Range. The offset is added to the packed
// digits without wrapping; a sum wider than 128 bits is ErrEncodingOverflow.
func Decode(a Assignment) (Range, error) {
	return DecodeWithLimit(a, MaxLanes)
}

// DecodeWithLimit is Decode with an explicit upper bound on BatchSize.
func DecodeWithLimit(a Assignment, maxLanes uint64) (Range, error) {
	if maxLanes == 0 || maxLanes > MaxLanes {
		maxLanes = MaxLanes
	}
	if a.BatchSize > maxLanes {
		return Range{}, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, a.BatchSize, maxLanes)
	}
	if a.Offset.BitLen() > Width {
		return Range{}, fmt.Errorf("%w: offset %s", ErrEncodingOverflow, a.Offset.Dec())
	}

	packed, err := Pack(a.Digits)
	if err != nil {
		return Range{}, err
	}

	var sum uint256.Int
	sum.Add(&packed, &a.Offset)
	if sum.BitLen() > Width {
		return Range{}, fmt.Errorf("%w: packed digits plus offset %s", ErrEncodingOverflow, a.Offset.Dec())
	}

	high, low := Split(sum)
	return Range{
		StartHigh: high,
		StartLow:  low,
		BatchSize: a.BatchSize,
		Offset:    a.Offset,
	}, nil
}

// Split returns the upper and lower 64-bit halves of a 128-bit value.
func Split(v uint256.Int) (high, low uint64) {
	return v[1], v[0]
}

// Join is the inverse of Split.
func Join(high, low uint64) uint256.Int {
	return uint256.Int{low, high, 0, 0}
}
