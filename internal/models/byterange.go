package models

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteRange is an inclusive byte interval [Start, End] within a resource.
// The zero value (Length 0) addresses the whole resource.
type ByteRange struct {
	Start  uint64
	Length uint64
}

// NewByteRange builds the range covering first..last inclusive.
func NewByteRange(first, last uint64) ByteRange {
	if last < first {
		return ByteRange{}
	}
	return ByteRange{Start: first, Length: last - first + 1}
}

// ParseByteRange parses the DASH "first-last" notation used by mediaRange,
// indexRange and Initialization@range.
func ParseByteRange(s string) (ByteRange, error) {
	if s == "" {
		return ByteRange{}, nil
	}
	first, last, ok := strings.Cut(s, "-")
	if !ok {
		return ByteRange{}, fmt.Errorf("%w: byte range %q has no separator", ErrParse, s)
	}
	a, err := strconv.ParseUint(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return ByteRange{}, fmt.Errorf("%w: byte range %q: %v", ErrParse, s, err)
	}
	b, err := strconv.ParseUint(strings.TrimSpace(last), 10, 64)
	if err != nil {
		return ByteRange{}, fmt.Errorf("%w: byte range %q: %v", ErrParse, s, err)
	}
	if b < a {
		return ByteRange{}, fmt.Errorf("%w: byte range %q is inverted", ErrParse, s)
	}
	return NewByteRange(a, b), nil
}

// IsWhole reports whether the range addresses the entire resource.
func (r ByteRange) IsWhole() bool {
	return r.Length == 0
}

// Last returns the offset of the final byte in the range.
func (r ByteRange) Last() uint64 {
	return r.Start + r.Length - 1
}

// Header renders the value of an HTTP Range header, e.g. "bytes=0-99".
func (r ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.Last())
}

func (r ByteRange) String() string {
	if r.IsWhole() {
		return "whole"
	}
	return fmt.Sprintf("%d-%d", r.Start, r.Last())
}

// Slice cuts the range out of a fully downloaded resource.
func (r ByteRange) Slice(data []byte) ([]byte, error) {
	if r.IsWhole() {
		return data, nil
	}
	if r.Last() >= uint64(len(data)) {
		return nil, fmt.Errorf("range %s exceeds resource of %d bytes", r, len(data))
	}
	return data[r.Start : r.Last()+1], nil
}
