package iprange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Port bounds accepted in a port specification.
const (
	MinPort = 1
	MaxPort = 65534
)

// ErrPortSyntax is wrapped by every port specification parse failure.
var ErrPortSyntax = errors.New("invalid port specification")

// PortRange is an inclusive range of ports.
type PortRange struct {
	From uint16
	To   uint16
}

// Contains reports whether port lies within the range.
func (p PortRange) Contains(port uint16) bool {
	return port >= p.From && port <= p.To
}

// String returns "from" or "from-to".
func (p PortRange) String() string {
	if p.From == p.To {
		return strconv.Itoa(int(p.From))
	}
	return strconv.Itoa(int(p.From)) + "-" + strconv.Itoa(int(p.To))
}

// ParsePorts parses a comma separated list of ports and port ranges such as
// "22,80-90". The order of the list is preserved.
func ParsePorts(text string) ([]PortRange, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil, fmt.Errorf("%w: empty port list", ErrPortSyntax)
	}

	var ranges []PortRange
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		fromText, toText, isRange := strings.Cut(part, "-")

		from, err := parsePort(fromText)
		if err != nil {
			return nil, err
		}
		to := from
		if isRange {
			if to, err = parsePort(toText); err != nil {
				return nil, err
			}
			if to < from {
				return nil, fmt.Errorf("%w: %q has its upper bound below its lower bound", ErrPortSyntax, part)
			}
		}
		ranges = append(ranges, PortRange{From: from, To: to})
	}
	return ranges, nil
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a port number", ErrPortSyntax, s)
	}
	if v < MinPort || v > MaxPort {
		return 0, fmt.Errorf("%w: port %d is outside %d-%d", ErrPortSyntax, v, MinPort, MaxPort)
	}
	return uint16(v), nil
}

// PortCursor is the position of a unique iteration over a list of port ranges.
type PortCursor struct {
	Index int
	Port  uint16
}

// NewPortCursor returns a cursor positioned before the first port.
func NewPortCursor() PortCursor {
	return PortCursor{Index: -1}
}

// UniquePortNext is UniqueNext restricted to one dimension: every port of the
// union of ranges is emitted exactly once, credited to the earliest range.
func UniquePortNext(ranges []PortRange, c *PortCursor) bool {
	for c.advance(ranges) {
		if !portCoveredBefore(ranges, c.Index, c.Port) {
			return true
		}
	}
	return false
}

func (c *PortCursor) advance(ranges []PortRange) bool {
	if c.Index >= 0 && c.Index < len(ranges) && c.Port < ranges[c.Index].To {
		c.Port++
		return true
	}

	if c.Index+1 < len(ranges) {
		c.Index++
		c.Port = ranges[c.Index].From
		return true
	}

	c.Index = len(ranges)
	return false
}

func portCoveredBefore(ranges []PortRange, index int, port uint16) bool {
	for i := 0; i < index; i++ {
		if ranges[i].Contains(port) {
			return true
		}
	}
	return false
}

// PortCount returns the number of distinct ports in the union of ranges.
func PortCount(ranges []PortRange) uint64 {
	var n uint64
	c := NewPortCursor()
	for UniquePortNext(ranges, &c) {
		n++
	}
	return n
}
