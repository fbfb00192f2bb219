package sheet

import (
	"fmt"
	"strconv"
)

// The scramble is a bijection on uint32: add, multiply by an odd constant,
// xor. mulTo and mulFrom are multiplicative inverses mod 2^32.
const (
	idMask    uint32 = 0b10100110_01101010_01001010_10101010
	idAdd     uint32 = 2740160927
	idMulTo   uint32 = 0x01000193
	idMulFrom uint32 = 0x359c449b
)

// CellID names a cell. It is derived from an allocation seed so that ids
// look unrelated to each other while staying reversible.
type CellID uint32

// IDFromSeed scrambles seed into a CellID.
func IDFromSeed(seed uint32) CellID {
	return CellID(((seed + idAdd) * idMulFrom) ^ idMask)
}

// Seed reverses IDFromSeed.
func (id CellID) Seed() uint32 {
	return (uint32(id)^idMask)*idMulTo - idAdd
}

// String renders the id as 8 lowercase hex digits.
func (id CellID) String() string {
	return fmt.Sprintf("%08x", uint32(id))
}

// Slot is the registry slot a cell's runs occupy.
func (id CellID) Slot() string {
	return "cell:" + id.String()
}

// ParseCellID parses the hex form produced by String.
func ParseCellID(s string) (CellID, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCellID, s)
	}
	return CellID(v), nil
}

// MarshalText implements encoding.TextMarshaler.
func (id CellID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *CellID) UnmarshalText(b []byte) error {
	v, err := ParseCellID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}
