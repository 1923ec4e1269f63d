// Copyright The Perfgrind Authors
// SPDX-License-Identifier: Apache-2.0

package profile // import "github.com/perfgrind/perfgrind/profile"

// Address is an address in process or ELF space.
type Address uint64

// Count is an accumulated event count.
type Count uint64

// Range is a half-open address interval [Start, End).
type Range struct {
	Start Address
	End   Address
}

// Contains reports whether addr falls inside the range.
func (r Range) Contains(addr Address) bool {
	return addr >= r.Start && addr < r.End
}

// Length returns the number of addresses covered.
func (r Range) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Overlaps reports whether the two ranges share any address. Under the
// interval-map ordering (a < b iff a.End <= b.Start) overlap is exactly
// "neither is less than the other".
func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}
