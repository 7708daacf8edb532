package coordinator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/holiman/uint256"
	"github.com/shizukutanaka/seedscan/internal/work"
)

// workResponse mirrors GET /work. Pointers distinguish absent fields from
// zero values.
type workResponse struct {
	Indices   *[]json.RawMessage `json:"indices"`
	Offset    json.RawMessage    `json:"offset"`
	BatchSize json.RawMessage    `json:"batch_size"`
}

type progressRequest struct {
	Offset string `json:"offset"`
	Secret string `json:"secret"`
}

type solutionRequest struct {
	Mnemonic string `json:"mnemonic"`
	Offset   string `json:"offset"`
	Secret   string `json:"secret"`
}

// parseAssignment validates a GET /work body and converts it to an
// Assignment. Every failure wraps ErrProtocol.
func parseAssignment(body []byte) (work.Assignment, error) {
	dec := json.NewDecoder(bytes.NewReader(body))

	var resp workResponse
	if err := dec.Decode(&resp); err != nil {
		return work.Assignment{}, fmt.Errorf("%w: decode work response: %v", ErrProtocol, err)
	}
	if resp.Indices == nil {
		return work.Assignment{}, fmt.Errorf("%w: missing indices", ErrProtocol)
	}
	if isNull(resp.Offset) {
		return work.Assignment{}, fmt.Errorf("%w: missing offset", ErrProtocol)
	}
	if isNull(resp.BatchSize) {
		return work.Assignment{}, fmt.Errorf("%w: missing batch_size", ErrProtocol)
	}

	digits := make([]uint16, len(*resp.Indices))
	for i, n := range *resp.Indices {
		v, err := parseNumber(n, 16)
		if err != nil || v > work.MaxDigit {
			return work.Assignment{}, fmt.Errorf("%w: indices[%d]=%s is not a digit in [0, %d]", ErrProtocol, i, n, work.MaxDigit)
		}
		digits[i] = uint16(v)
	}

	offset, err := parseUint128(resp.Offset)
	if err != nil {
		return work.Assignment{}, fmt.Errorf("%w: offset: %v", ErrProtocol, err)
	}

	batch, err := parseNumber(resp.BatchSize, 64)
	if err != nil {
		return work.Assignment{}, fmt.Errorf("%w: batch_size=%s: %v", ErrProtocol, resp.BatchSize, err)
	}
	if batch == 0 {
		return work.Assignment{}, fmt.Errorf("%w: batch_size is zero", ErrProtocol)
	}

	return work.Assignment{
		Digits:    digits,
		Offset:    offset,
		BatchSize: batch,
	}, nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// parseNumber accepts only a bare JSON number; quoted numerals are rejected.
func parseNumber(raw json.RawMessage, bits int) (uint64, error) {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || t[0] == '"' {
		return 0, fmt.Errorf("%s is not a JSON number", t)
	}
	return strconv.ParseUint(string(t), 10, bits)
}

// parseUint128 accepts a decimal either as a JSON string or a bare number.
func parseUint128(raw json.RawMessage) (uint256.Int, error) {
	s := string(bytes.TrimSpace(raw))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return uint256.Int{}, err
		}
		s = unq
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%q is not an unsigned decimal: %w", s, err)
	}
	if v.BitLen() > work.Width {
		return uint256.Int{}, fmt.Errorf("%s does not fit in %d bits", s, work.Width)
	}
	return *v, nil
}
