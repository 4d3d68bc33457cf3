// Package manifest turns a DASH element tree into Representation descriptors
// with one of the five supported segment addressing schemes. It performs no I/O.
package manifest

import (
	"time"

	"cdmhls/internal/dash"
	"cdmhls/internal/models"
)

// MediaType is the kind of elementary stream a Representation carries.
type MediaType string

const (
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
)

// Addressing identifies how segments of a Representation are located.
type Addressing int

const (
	// SegmentBaseIndexed is a single file whose segments are listed in a sidx box.
	SegmentBaseIndexed Addressing = iota + 1
	// ListWithDuration is a SegmentList of URLs sharing one constant duration.
	ListWithDuration
	// ListWithTimeline is a SegmentList timed by a SegmentTimeline.
	ListWithTimeline
	// TemplateWithDuration is a $Number$ template with a constant duration.
	TemplateWithDuration
	// TemplateWithTimeline is a template timed by a SegmentTimeline.
	TemplateWithTimeline
)

func (a Addressing) String() string {
	switch a {
	case SegmentBaseIndexed:
		return "segment-base"
	case ListWithDuration:
		return "list-duration"
	case ListWithTimeline:
		return "list-timeline"
	case TemplateWithDuration:
		return "template-duration"
	case TemplateWithTimeline:
		return "template-timeline"
	default:
		return "unknown"
	}
}

// Protection is DRM signalling taken from ContentProtection elements.
type Protection struct {
	SchemeIDURI string
	DefaultKID  []byte
	PSSH        []byte
}

// Location is a URL plus an optional byte range inside it.
type Location struct {
	URL   string
	Range models.ByteRange
}

// Representation is one playable stream of the presentation.
type Representation struct {
	ID        string
	MediaType MediaType
	MimeType  string
	Codecs    string
	Lang      string
	Bandwidth int
	Width     int
	Height    int
	FrameRate string
	// SampleRate is the audio sampling rate, when signalled.
	SampleRate int

	// BaseURL is the fully resolved location segments are relative to.
	BaseURL    string
	Addressing Addressing
	Init       Location

	Timescale              uint32
	PresentationTimeOffset uint64
	// IndexRange locates the sidx box for SegmentBaseIndexed.
	IndexRange models.ByteRange
	// Duration is the constant segment duration for the *WithDuration schemes.
	Duration    uint64
	StartNumber uint64
	// Media is the raw media template for the template schemes.
	Media    string
	Timeline []dash.S
	// Segments are the resolved SegmentList entries.
	Segments []Location

	Protection []Protection

	PeriodStart    time.Duration
	PeriodDuration time.Duration
}

// SegmentURL expands the media template for a segment number and start time.
func (r *Representation) SegmentURL(number, t uint64) (string, error) {
	return resolve(r.BaseURL, dash.FormatTemplate(r.Media, r.ID, r.Bandwidth, number, t))
}

// Manifest is an immutable parsed presentation. Live refreshes produce a new one.
type Manifest struct {
	ID                    string
	BaseURL               string
	Live                  bool
	Duration              time.Duration
	MinimumUpdatePeriod   time.Duration
	TimeShiftBufferDepth  time.Duration
	MaxSegmentDuration    time.Duration
	AvailabilityStartTime time.Time
	Representations       []*Representation
}

// Representation finds a Representation by id.
func (m *Manifest) Representation(id string) (*Representation, bool) {
	for _, r := range m.Representations {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// Protection returns the distinct protection entries across all Representations.
func (m *Manifest) Protection() []Protection {
	var out []Protection
	seen := make(map[string]struct{})
	for _, r := range m.Representations {
		for _, p := range r.Protection {
			key := p.SchemeIDURI + "|" + string(p.DefaultKID) + "|" + string(p.PSSH)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// KeyMaterial concatenates the pssh boxes of all ContentProtection elements
// and lists their default key ids.
func (m *Manifest) KeyMaterial() (pssh []byte, kids [][]byte) {
	for _, p := range m.Protection() {
		pssh = append(pssh, p.PSSH...)
		if len(p.DefaultKID) > 0 {
			kids = append(kids, p.DefaultKID)
		}
	}
	return pssh, kids
}
