package models

import "fmt"

// Segment describes one addressable piece of a Representation: either its
// initialization segment or the media segment with the given ordinal.
type Segment struct {
	// URL is the fully-qualified URL to fetch the segment from.
	URL string
	// Range restricts the fetch to part of URL. The zero value means the whole resource.
	Range ByteRange
	// Ordinal is the segment number. Ordinals are strictly increasing within a Representation.
	Ordinal uint64
	// Time is the start time of the segment in the timescale of its representation.
	Time uint64
	// Duration is the duration of the segment in the timescale of its representation.
	Duration uint64
	// Timescale is the number of time units per second for Time and Duration.
	Timescale uint32
	// RepID is the ID of the representation this segment belongs to.
	RepID string
	// IsInit indicates if this is an initialization segment.
	IsInit bool
}

// End returns the presentation time right after the segment.
func (s Segment) End() uint64 {
	return s.Time + s.Duration
}

// Seconds returns the segment duration in seconds.
func (s Segment) Seconds() float64 {
	if s.Timescale == 0 {
		return 0
	}
	return float64(s.Duration) / float64(s.Timescale)
}

// Key is the cache key for the segment's output, "rep/ordinal" or "rep/init".
func (s Segment) Key() string {
	if s.IsInit {
		return s.RepID + "/init"
	}
	return fmt.Sprintf("%s/%d", s.RepID, s.Ordinal)
}
