// Package iprange parses and enumerates the IPv4/IPv6 address ranges and the
// port ranges used by discovery rules. Ranges are stored as per-group bounds so
// that dash ranges ("192.168.1-3.1-64") and CIDR masks share one representation.
// Iteration state is always an explicit value owned by the caller.
package iprange

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"
)

// Family identifies the address family of a range.
type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

const (
	groupsV4  = 4
	groupsV6  = 8
	maxGroups = groupsV6

	groupBitsV4 = 8
	groupBitsV6 = 16

	// largest v4 prefix that still has a network and a broadcast address to exclude
	maxCIDRv4Masked = 30
)

// MaxVolume is returned by Volume when the address count does not fit into uint64.
const MaxVolume uint64 = math.MaxUint64

var (
	// ErrSyntax is wrapped by every parse failure.
	ErrSyntax = errors.New("invalid range syntax")
)

// String returns "IPv4" or "IPv6".
func (f Family) String() string {
	if f == IPv6 {
		return "IPv6"
	}
	return "IPv4"
}

// Groups returns the number of address groups for the family.
func (f Family) Groups() int {
	if f == IPv6 {
		return groupsV6
	}
	return groupsV4
}

func (f Family) groupBits() int {
	if f == IPv6 {
		return groupBitsV6
	}
	return groupBitsV4
}

func (f Family) groupMax() uint64 {
	return 1<<f.groupBits() - 1
}

// Group holds the inclusive bounds of one address group.
type Group struct {
	From uint32
	To   uint32
}

// Range is a set of addresses expressed as per-group bounds.
type Range struct {
	Family Family
	Groups [maxGroups]Group
	// Masked is set for IPv4 ranges derived from a /30 or wider mask; the
	// network and broadcast addresses are not part of the range.
	Masked bool
}

// Parse parses a single range in dotted (IPv4) or colon (IPv6) notation. Every
// group may be a dash range; alternatively a trailing /bits CIDR mask may be
// given, but never both.
func Parse(text string) (Range, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return Range{}, fmt.Errorf("%w: empty range", ErrSyntax)
	}

	prefix := -1
	if addr, mask, found := strings.Cut(s, "/"); found {
		if strings.Contains(addr, "-") {
			return Range{}, fmt.Errorf("%w: %q mixes dash ranges with a network mask", ErrSyntax, text)
		}
		n, err := strconv.Atoi(mask)
		if err != nil || n < 0 {
			return Range{}, fmt.Errorf("%w: %q has an invalid network mask", ErrSyntax, text)
		}
		prefix = n
		s = addr
	}

	var (
		r   Range
		err error
	)
	if strings.Contains(s, ":") {
		r, err = parseV6(s)
	} else {
		r, err = parseV4(s)
	}
	if err != nil {
		return Range{}, fmt.Errorf("%w: %q: %s", ErrSyntax, text, err.Error())
	}

	if prefix != -1 {
		if err := r.applyMask(prefix); err != nil {
			return Range{}, fmt.Errorf("%w: %q: %s", ErrSyntax, text, err.Error())
		}
	}

	return r, nil
}

func parseV4(s string) (Range, error) {
	parts := strings.Split(s, ".")
	if len(parts) != groupsV4 {
		return Range{}, fmt.Errorf("expected %d groups, got %d", groupsV4, len(parts))
	}

	r := Range{Family: IPv4}
	for i, part := range parts {
		g, err := parseGroup(part, IPv4)
		if err != nil {
			return Range{}, err
		}
		r.Groups[i] = g
	}
	return r, nil
}

func parseV6(s string) (Range, error) {
	var head, tail []string

	if left, right, found := strings.Cut(s, "::"); found {
		if strings.Contains(right, "::") {
			return Range{}, errors.New("more than one '::' run")
		}
		head = splitGroups(left)
		tail = splitGroups(right)
		if len(head)+len(tail) > groupsV6-1 {
			return Range{}, fmt.Errorf("too many groups around '::'")
		}
	} else {
		head = strings.Split(s, ":")
		if len(head) != groupsV6 {
			return Range{}, fmt.Errorf("expected %d groups, got %d", groupsV6, len(head))
		}
	}

	r := Range{Family: IPv6}
	for i, part := range head {
		g, err := parseGroup(part, IPv6)
		if err != nil {
			return Range{}, err
		}
		r.Groups[i] = g
	}

	offset := groupsV6 - len(tail)
	for i, part := range tail {
		g, err := parseGroup(part, IPv6)
		if err != nil {
			return Range{}, err
		}
		r.Groups[offset+i] = g
	}
	return r, nil
}

func splitGroups(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ":")
}

func parseGroup(part string, family Family) (Group, error) {
	fromText, toText, isRange := strings.Cut(part, "-")

	from, err := parseGroupValue(fromText, family)
	if err != nil {
		return Group{}, err
	}
	if !isRange {
		return Group{From: from, To: from}, nil
	}

	to, err := parseGroupValue(toText, family)
	if err != nil {
		return Group{}, err
	}
	if to < from {
		return Group{}, fmt.Errorf("group %q has its upper bound below its lower bound", part)
	}
	return Group{From: from, To: to}, nil
}

func parseGroupValue(s string, family Family) (uint32, error) {
	if s == "" {
		return 0, errors.New("empty group")
	}

	base := 10
	if family == IPv6 {
		if len(s) > 4 {
			return 0, fmt.Errorf("group %q is too long", s)
		}
		base = 16
	}

	v, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, fmt.Errorf("group %q is not a number", s)
	}
	if v > family.groupMax() {
		return 0, fmt.Errorf("group %q is out of range", s)
	}
	return uint32(v), nil
}

// applyMask widens the range to the network described by prefix bits, working
// from the rightmost group leftward.
func (r *Range) applyMask(prefix int) error {
	width := r.Family.groupBits()
	groups := r.Family.Groups()
	total := width * groups

	if prefix > total {
		return fmt.Errorf("network mask /%d is longer than %d bits", prefix, total)
	}

	host := total - prefix
	for i := groups - 1; i >= 0 && host > 0; i-- {
		n := min(host, width)
		mask := uint32(1)<<n - 1
		r.Groups[i].From &^= mask
		r.Groups[i].To |= mask
		host -= n
	}

	r.Masked = r.Family == IPv4 && prefix <= maxCIDRv4Masked
	return nil
}

// Volume returns the number of addresses in the range, saturating at MaxVolume.
func (r Range) Volume() uint64 {
	v := uint64(1)
	for i := 0; i < r.Family.Groups(); i++ {
		span := uint64(r.Groups[i].To-r.Groups[i].From) + 1
		hi, lo := bits.Mul64(v, span)
		if hi != 0 {
			return MaxVolume
		}
		v = lo
	}

	if r.Masked && v >= 2 {
		v -= 2
	}
	return v
}

// IsZero reports whether every group of the range is pinned to zero.
func (r Range) IsZero() bool {
	for i := 0; i < r.Family.Groups(); i++ {
		if r.Groups[i].From != 0 || r.Groups[i].To != 0 {
			return false
		}
	}
	return true
}

// String formats the range back into per-group notation.
func (r Range) String() string {
	sep, base := ".", 10
	if r.Family == IPv6 {
		sep, base = ":", 16
	}

	var sb strings.Builder
	for i := 0; i < r.Family.Groups(); i++ {
		if i > 0 {
			sb.WriteString(sep)
		}
		g := r.Groups[i]
		sb.WriteString(strconv.FormatUint(uint64(g.From), base))
		if g.To != g.From {
			sb.WriteByte('-')
			sb.WriteString(strconv.FormatUint(uint64(g.To), base))
		}
	}
	return sb.String()
}
