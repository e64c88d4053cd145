package scan

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Default scan ranges. Security levels 0x43-0x60 are left out of the default auth
// range because some ECUs use them for end-of-life pyrotechnic deployment.
const (
	DefaultECURange       = "00-FF"
	DefaultDIDRange       = "F180-F1FF"
	DefaultSessionRange   = "02-7F"
	DefaultAuthRange      = "01-41,61-7D"
	DefaultKeyLengthRange = "01-20"
)

// Largest values accepted in each kind of range.
const (
	MaxECU       = 0xff
	MaxDID       = 0xffff
	MaxSession   = 0x7f
	MaxAuthLevel = 0x7d
	MaxKeyLength = 0xfff
)

// ErrBadRange is returned for a range that can't be parsed.
var ErrBadRange = errors.New("invalid range")

// Range is a sparse, ordered list of candidate values.
type Range []uint32

// ParseRange parses comma separated hex values and inclusive hex spans, like
// "01-41,61-7D" or "F190". Values above MaxDID are rejected.
func ParseRange(s string) (Range, error) {
	return parseRange(s, MaxDID)
}

func parseRange(s string, max uint32) (Range, error) {
	var r Range
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lo, hi := part, part
		if i := strings.Index(part, "-"); i != -1 {
			lo, hi = part[:i], part[i+1:]
		}
		start, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(lo), "0x"), 16, 32)
		if err != nil {
			return nil, errors.Wrapf(ErrBadRange, "%q", part)
		}
		end, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(hi), "0x"), 16, 32)
		if err != nil {
			return nil, errors.Wrapf(ErrBadRange, "%q", part)
		}
		if end < start {
			return nil, errors.Wrapf(ErrBadRange, "%q ends before it starts", part)
		}
		if end > uint64(max) {
			return nil, errors.Wrapf(ErrBadRange, "%q exceeds 0x%X", part, max)
		}
		for v := start; v <= end; v++ {
			r = append(r, uint32(v))
		}
	}
	if len(r) == 0 {
		return nil, errors.Wrapf(ErrBadRange, "%q is empty", s)
	}
	return r, nil
}

// ParseRangeMax parses s and checks that no value is above max.
func ParseRangeMax(s string, max uint32) (Range, error) {
	return parseRange(s, max)
}

// MustParseRange is like ParseRange but panics on error.
func MustParseRange(s string) Range {
	r, err := ParseRange(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Max returns the largest value in the range.
func (r Range) Max() uint32 {
	var m uint32
	for _, v := range r {
		if v > m {
			m = v
		}
	}
	return m
}

// String renders the range in the form ParseRange accepts.
func (r Range) String() string {
	var parts []string
	for i := 0; i < len(r); {
		j := i
		for j+1 < len(r) && r[j+1] == r[j]+1 {
			j++
		}
		if i == j {
			parts = append(parts, fmt.Sprintf("%X", r[i]))
		} else {
			parts = append(parts, fmt.Sprintf("%X-%X", r[i], r[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}

// ECUAddress is the pair of arbitration ids used to reach an ECU.
type ECUAddress struct {
	TxID uint32 `yaml:"tx"`
	RxID uint32 `yaml:"rx"`
	Ext  bool   `yaml:"ext"`
}

func (a ECUAddress) String() string {
	return fmt.Sprintf("ECU(0x%x, 0x%x, %t)", a.TxID, a.RxID, a.Ext)
}

// Tester is the 29-bit source address of the scanning tool.
const Tester = 0xf1

// Addr11 returns the 11-bit address pair of ECU i. Addresses from 0xF8 up have no
// valid response id and return false.
func Addr11(i uint32) (ECUAddress, bool) {
	if i >= 0xf8 {
		return ECUAddress{}, false
	}
	return ECUAddress{TxID: 0x700 + i, RxID: 0x700 + i + 8}, true
}

// Addr29 returns the 29-bit address pair of ECU i. The tester's own address
// returns false.
func Addr29(i uint32) (ECUAddress, bool) {
	if i == Tester || i > MaxECU {
		return ECUAddress{}, false
	}
	return ECUAddress{TxID: 0x18db00f1 | i<<8, RxID: 0x18dbf100 | i, Ext: true}, true
}
