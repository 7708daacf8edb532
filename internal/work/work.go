// Package work describes the ranges of the search space handed out by the
// coordinator and the codec that turns them into dispatchable start values.
package work

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// DigitBits is the width of one mixed-radix digit (one wordlist entry).
	DigitBits = 11
	// MaxDigit is the largest value a digit may carry.
	MaxDigit = 1<<DigitBits - 1
	// Width is the bit width of a candidate value.
	Width = 128
	// MaxDigits is the number of digits that fit left aligned in Width bits.
	MaxDigits = Width / DigitBits
)

// Assignment is one work assignment issued by the coordinator. It is consumed
// by exactly one batch.
type Assignment struct {
	// Digits are the known mixed-radix digits, most significant first.
	Digits []uint16
	// Offset is the coordinator's absolute position counter for this range.
	Offset uint256.Int
	// BatchSize is the number of candidates (lanes) to scan.
	BatchSize uint64
}

// Range is the decoded, ready-to-dispatch form of an Assignment.
type Range struct {
	StartHigh uint64
	StartLow  uint64
	BatchSize uint64
	Offset    uint256.Int
}

// Start returns the 128-bit start value of the range.
func (r Range) Start() uint256.Int {
	return Join(r.StartHigh, r.StartLow)
}

func (r Range) String() string {
	return fmt.Sprintf("start=%016x%016x batch=%d offset=%s", r.StartHigh, r.StartLow, r.BatchSize, r.Offset.Dec())
}
