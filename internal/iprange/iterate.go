package iprange

import (
	"net/netip"
	"strconv"
	"strings"
)

// Address is one address of a range, stored group by group.
type Address struct {
	Family Family
	Groups [maxGroups]uint32
}

// Addr converts the address to a netip.Addr.
func (a Address) Addr() netip.Addr {
	if a.Family == IPv6 {
		var b [16]byte
		for i := 0; i < groupsV6; i++ {
			b[2*i] = byte(a.Groups[i] >> 8)
			b[2*i+1] = byte(a.Groups[i])
		}
		return netip.AddrFrom16(b)
	}
	return netip.AddrFrom4([4]byte{
		byte(a.Groups[0]), byte(a.Groups[1]), byte(a.Groups[2]), byte(a.Groups[3]),
	})
}

// String returns the dotted form for IPv4 and the compressed form for IPv6.
func (a Address) String() string {
	if a.Family == IPv6 {
		return a.Addr().String()
	}

	var sb strings.Builder
	for i := 0; i < groupsV4; i++ {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(strconv.FormatUint(uint64(a.Groups[i]), 10))
	}
	return sb.String()
}

// Compare orders addresses group-major to group-minor.
func (a Address) Compare(b Address) int {
	if a.Family != b.Family {
		if a.Family < b.Family {
			return -1
		}
		return 1
	}
	for i := 0; i < a.Family.Groups(); i++ {
		switch {
		case a.Groups[i] < b.Groups[i]:
			return -1
		case a.Groups[i] > b.Groups[i]:
			return 1
		}
	}
	return 0
}

// First returns the first enumerable address of the range. For a masked IPv4
// range the network address is skipped.
func (r Range) First() Address {
	a := Address{Family: r.Family}
	n := r.Family.Groups()
	for i := 0; i < n; i++ {
		a.Groups[i] = r.Groups[i].From
	}
	if r.Masked {
		a.Groups[n-1]++
	}
	return a
}

// Next returns the address following a. The second result is false once the
// range is exhausted; a masked IPv4 range is exhausted before its broadcast
// address.
func (r Range) Next(a Address) (Address, bool) {
	for i := r.Family.Groups() - 1; i >= 0; i-- {
		if a.Groups[i] < r.Groups[i].To {
			a.Groups[i]++
			if r.Masked && r.isBroadcast(a) {
				return a, false
			}
			return a, true
		}
		a.Groups[i] = r.Groups[i].From
	}
	return a, false
}

// Contains reports whether a is one of the addresses First/Next would emit.
func (r Range) Contains(a Address) bool {
	if a.Family != r.Family {
		return false
	}
	for i := 0; i < r.Family.Groups(); i++ {
		if a.Groups[i] < r.Groups[i].From || a.Groups[i] > r.Groups[i].To {
			return false
		}
	}
	if r.Masked && (r.isNetwork(a) || r.isBroadcast(a)) {
		return false
	}
	return true
}

func (r Range) isNetwork(a Address) bool {
	for i := 0; i < r.Family.Groups(); i++ {
		if a.Groups[i] != r.Groups[i].From {
			return false
		}
	}
	return true
}

func (r Range) isBroadcast(a Address) bool {
	for i := 0; i < r.Family.Groups(); i++ {
		if a.Groups[i] != r.Groups[i].To {
			return false
		}
	}
	return true
}

// Cursor is the position of a unique iteration over a list of ranges.
// Index is the range the current Address was taken from.
type Cursor struct {
	Index   int
	Address Address
}

// NewCursor returns a cursor positioned before the first address.
func NewCursor() Cursor {
	return Cursor{Index: -1}
}

// UniqueNext moves the cursor to the next address of the union of ranges. An
// address is credited to the lowest-indexed range containing it, so every
// member of the union is emitted exactly once even when ranges overlap.
func UniqueNext(ranges []Range, c *Cursor) bool {
	for c.advance(ranges) {
		if !coveredBefore(ranges, c.Index, c.Address) {
			return true
		}
	}
	return false
}

func (c *Cursor) advance(ranges []Range) bool {
	if c.Index >= 0 && c.Index < len(ranges) {
		if next, ok := ranges[c.Index].Next(c.Address); ok {
			c.Address = next
			return true
		}
	}

	for c.Index+1 < len(ranges) {
		c.Index++
		first := ranges[c.Index].First()
		if ranges[c.Index].Contains(first) {
			c.Address = first
			return true
		}
	}

	c.Index = len(ranges)
	return false
}

func coveredBefore(ranges []Range, index int, a Address) bool {
	for i := 0; i < index; i++ {
		if ranges[i].Contains(a) {
			return true
		}
	}
	return false
}

// CountUnique returns the number of distinct addresses in the union of ranges.
func CountUnique(ranges []Range) uint64 {
	var n uint64
	c := NewCursor()
	for UniqueNext(ranges, &c) {
		n++
	}
	return n
}
