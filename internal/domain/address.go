package domain

import (
	"errors"
	"regexp"
	"sort"
	"strings"
)

// ErrInvalidAddress is returned when a string is not a 20-byte hex account identifier.
var ErrInvalidAddress = errors.New("invalid address")

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Address is a 20-byte account identifier in canonical form: "0x" + 40 lowercase hex chars.
type Address string

// System accounts that show up in exchange state but never hold user positions.
var systemAddresses = map[Address]struct{}{
	"0x0000000000000000000000000000000000000000": {},
	"0x0000000000000000000000000000000000000001": {},
	"0x000000000000000000000000000000000000dead": {},
	"0xffffffffffffffffffffffffffffffffffffffff": {},
}

// ParseAddress validates s and returns its canonical form.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if !addressPattern.MatchString(s) {
		return "", ErrInvalidAddress
	}
	return Address(strings.ToLower(s)), nil
}

// MustParseAddress is like ParseAddress but panics on invalid input.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the canonical textual form.
func (a Address) String() string {
	return string(a)
}

// IsSystem reports whether a is a reserved system account.
func (a Address) IsSystem() bool {
	_, ok := systemAddresses[a]
	return ok
}

// SortAddresses sorts in place, lexicographically.
func SortAddresses(addrs []Address) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
}
