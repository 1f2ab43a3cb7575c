// Package unload tracks the code addresses that the JVM has unloaded, so that the
// symbolization of later samples doesn't trust stale entries of a cached symbol map.
package unload

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/grafana/jvmsyms/pkg/internal/attacherr"
)

const (
	// AddrStrSize is the size of a formatted address: 12 hex digits plus terminator.
	AddrStrSize = 13
	// AddrBits is the width of the canonical 64-bit user-space address range.
	AddrBits = 48
	// MaxAddr is the highest valid user-space address.
	MaxAddr = 1<<AddrBits - 1

	addrDigits = AddrStrSize - 1
)

// Entry of an unloaded code address. Only verified entries can invalidate cached
// symbol lookups.
type Entry struct {
	Addr     [AddrStrSize]byte
	Verified bool
}

// String returns the fixed-width hexadecimal address, without the terminator.
func (e Entry) String() string {
	return string(e.Addr[:addrDigits])
}

// Address returns the numeric value of the entry. It returns false when the entry
// doesn't hold a formatted address, like the zero Entry.
func (e Entry) Address() (uint64, bool) {
	if e.Addr[addrDigits] != 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(e.String(), 16, 64)
	if err != nil || v > MaxAddr {
		return 0, false
	}
	return v, true
}

// Record validates an address and returns its unverified entry.
func Record(addr uint64) (Entry, error) {
	if addr > MaxAddr {
		return Entry{}, errors.Wrapf(attacherr.ErrMalformedAddress, "%#x exceeds %d bits", addr, AddrBits)
	}
	var e Entry
	const hex = "0123456789abcdef"
	for i := addrDigits - 1; i >= 0; i-- {
		e.Addr[i] = hex[addr&0xf]
		addr >>= 4
	}
	return e, nil
}

// FormatAddress returns the fixed-width representation of a valid address.
func FormatAddress(addr uint64) (string, error) {
	e, err := Record(addr)
	if err != nil {
		return "", err
	}
	return e.String(), nil
}

// ParseAddress parses a hexadecimal address of at most AddrStrSize digits, with or
// without a 0x prefix. Values beyond the 48-bit range are rejected.
func ParseAddress(s string) (uint64, error) {
	digits := s
	if len(digits) > 2 && (digits[:2] == "0x" || digits[:2] == "0X") {
		digits = digits[2:]
	}
	if digits == "" || len(digits) > AddrStrSize {
		return 0, errors.Wrapf(attacherr.ErrMalformedAddress, "%q: expected 1 to %d hex digits", s, AddrStrSize)
	}
	v, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return 0, errors.Wrapf(attacherr.ErrMalformedAddress, "%q: %v", s, err)
	}
	if v > MaxAddr {
		return 0, errors.Wrapf(attacherr.ErrMalformedAddress, "%q exceeds %d bits", s, AddrBits)
	}
	return v, nil
}

// Parse is ParseAddress followed by Record.
func Parse(s string) (Entry, error) {
	v, err := ParseAddress(s)
	if err != nil {
		return Entry{}, err
	}
	return Record(v)
}
