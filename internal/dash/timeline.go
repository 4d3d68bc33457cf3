package dash

import (
	"regexp"
	"strconv"
	"strings"
)

// TimelineSegment is one expanded S entry.
type TimelineSegment struct {
	Number   uint64
	Time     uint64
	Duration uint64
}

// End is the media time right after the segment.
func (t TimelineSegment) End() uint64 {
	return t.Time + t.Duration
}

// ExpandTimeline flattens a SegmentTimeline into one entry per segment.
// Numbers start at startNumber. An open repeat (r=-1) runs until the next
// entry's t, or until fillUntil for the last entry; with fillUntil zero an open
// final entry yields a single segment.
func ExpandTimeline(entries []S, startNumber, fillUntil uint64) []TimelineSegment {
	var segments []TimelineSegment
	var currentTime uint64
	number := startNumber

	for i, s := range entries {
		// If t is specified, it's an absolute start time.
		if s.T != nil {
			currentTime = *s.T
		}
		if s.D == 0 {
			continue
		}

		repeat := s.R
		if repeat < 0 {
			var until uint64
			if i+1 < len(entries) && entries[i+1].T != nil {
				until = *entries[i+1].T
			} else {
				until = fillUntil
			}
			repeat = 0
			if until > currentTime {
				repeat = int((until-currentTime+s.D-1)/s.D) - 1
			}
		}

		// The r attribute specifies the number of following segments with the same duration.
		for n := 0; n <= repeat; n++ {
			segments = append(segments, TimelineSegment{Number: number, Time: currentTime, Duration: s.D})
			number++
			currentTime += s.D
		}
	}
	return segments
}

var templateIdentifier = regexp.MustCompile(`\$(RepresentationID|Number|Time|Bandwidth)(%0(\d+)d)?\$`)

// FormatTemplate substitutes $RepresentationID$, $Number$, $Time$ and
// $Bandwidth$ (with optional %0Nd width) and unescapes $$.
func FormatTemplate(tmpl, repID string, bandwidth int, number, time uint64) string {
	out := templateIdentifier.ReplaceAllStringFunc(tmpl, func(m string) string {
		sub := templateIdentifier.FindStringSubmatch(m)
		var value string
		switch sub[1] {
		case "RepresentationID":
			return repID
		case "Number":
			value = strconv.FormatUint(number, 10)
		case "Time":
			value = strconv.FormatUint(time, 10)
		case "Bandwidth":
			value = strconv.Itoa(bandwidth)
		}
		if sub[3] != "" {
			width, _ := strconv.Atoi(sub[3])
			if pad := width - len(value); pad > 0 {
				value = strings.Repeat("0", pad) + value
			}
		}
		return value
	})
	return strings.ReplaceAll(out, "$$", "$")
}

// UsesNumber reports whether a media template is addressed by $Number$.
func UsesNumber(tmpl string) bool {
	return strings.Contains(tmpl, "$Number")
}
