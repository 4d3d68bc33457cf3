package dash

import (
	"encoding/xml"
	"fmt"
	"time"
)

// MPD is the root element of a Media Presentation Description.
type MPD struct {
	XMLName                   xml.Name `xml:"MPD"`
	ID                        string   `xml:"id,attr"`
	Type                      string   `xml:"type,attr"`
	Profiles                  string   `xml:"profiles,attr"`
	MediaPresentationDuration string   `xml:"mediaPresentationDuration,attr"`
	MinimumUpdatePeriod       string   `xml:"minimumUpdatePeriod,attr"`
	TimeShiftBufferDepth      string   `xml:"timeShiftBufferDepth,attr"`
	AvailabilityStartTime     string   `xml:"availabilityStartTime,attr"`
	PublishTime               string   `xml:"publishTime,attr"`
	MaxSegmentDuration        string   `xml:"maxSegmentDuration,attr"`
	MinBufferTime             string   `xml:"minBufferTime,attr"`
	BaseURL                   string   `xml:"BaseURL"`
	Periods                   []Period `xml:"Period"`
}

// Decode unmarshals an MPD document.
func Decode(data []byte) (*MPD, error) {
	var mpd MPD
	if err := xml.Unmarshal(data, &mpd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MPD XML: %w", err)
	}
	return &mpd, nil
}

// IsDynamic reports whether the presentation is live.
func (m *MPD) IsDynamic() bool {
	return m.Type == "dynamic"
}

// GetMinimumUpdatePeriod returns the MinimumUpdatePeriod as a time.Duration.
func (m *MPD) GetMinimumUpdatePeriod() (time.Duration, error) {
	return ParseDuration(m.MinimumUpdatePeriod)
}

// GetTimeShiftBufferDepth returns the TimeShiftBufferDepth as a time.Duration.
func (m *MPD) GetTimeShiftBufferDepth() (time.Duration, error) {
	return ParseDuration(m.TimeShiftBufferDepth)
}

// GetDuration returns the mediaPresentationDuration as a time.Duration.
func (m *MPD) GetDuration() (time.Duration, error) {
	return ParseDuration(m.MediaPresentationDuration)
}

// GetAvailabilityStartTime parses availabilityStartTime. It is zero when absent.
func (m *MPD) GetAvailabilityStartTime() (time.Time, error) {
	if m.AvailabilityStartTime == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, m.AvailabilityStartTime)
}

// Period represents a media content period.
type Period struct {
	ID              string           `xml:"id,attr"`
	Start           string           `xml:"start,attr"`
	Duration        string           `xml:"duration,attr"`
	BaseURL         string           `xml:"BaseURL"`
	SegmentBase     *SegmentBase     `xml:"SegmentBase"`
	SegmentList     *SegmentList     `xml:"SegmentList"`
	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
	Sets            []AdaptationSet  `xml:"AdaptationSet"`
}

// GetStart returns the Period's start time as a time.Duration.
func (p *Period) GetStart() (time.Duration, error) {
	return ParseDuration(p.Start)
}

// GetDuration returns the Period's duration. It is zero when absent.
func (p *Period) GetDuration() (time.Duration, error) {
	return ParseDuration(p.Duration)
}

// AdaptationSet represents a set of interchangeable representations.
type AdaptationSet struct {
	ID                 string              `xml:"id,attr"`
	ContentType        string              `xml:"contentType,attr"`
	Lang               string              `xml:"lang,attr,omitempty"`
	MimeType           string              `xml:"mimeType,attr"`
	Codecs             string              `xml:"codecs,attr"`
	SegmentAlignment   bool                `xml:"segmentAlignment,attr"`
	StartWithSAP       int                 `xml:"startWithSAP,attr"`
	MaxWidth           int                 `xml:"maxWidth,attr,omitempty"`
	MaxHeight          int                 `xml:"maxHeight,attr,omitempty"`
	FrameRate          string              `xml:"frameRate,attr,omitempty"`
	AudioSamplingRate  int                 `xml:"audioSamplingRate,attr,omitempty"`
	BaseURL            string              `xml:"BaseURL"`
	ContentProtections []ContentProtection `xml:"ContentProtection"`
	SegmentBase        *SegmentBase        `xml:"SegmentBase"`
	SegmentList        *SegmentList        `xml:"SegmentList"`
	SegmentTemplate    *SegmentTemplate    `xml:"SegmentTemplate"`
	Representations    []Representation    `xml:"Representation"`
}

// Representation represents a specific media stream.
type Representation struct {
	ID                 string              `xml:"id,attr"`
	Bandwidth          int                 `xml:"bandwidth,attr"`
	Codecs             string              `xml:"codecs,attr"`
	MimeType           string              `xml:"mimeType,attr"`
	Width              int                 `xml:"width,attr,omitempty"`
	Height             int                 `xml:"height,attr,omitempty"`
	FrameRate          string              `xml:"frameRate,attr,omitempty"`
	AudioSamplingRate  int                 `xml:"audioSamplingRate,attr,omitempty"`
	BaseURL            string              `xml:"BaseURL"`
	ContentProtections []ContentProtection `xml:"ContentProtection"`
	SegmentBase        *SegmentBase        `xml:"SegmentBase"`
	SegmentList        *SegmentList        `xml:"SegmentList"`
	SegmentTemplate    *SegmentTemplate    `xml:"SegmentTemplate"`
}

// ContentProtection carries DRM signalling. DefaultKID and PSSH come from the
// cenc namespace.
type ContentProtection struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
	DefaultKID  string `xml:"default_KID,attr"`
	PSSH        string `xml:"pssh"`
}

// URLType is an Initialization or RepresentationIndex reference.
type URLType struct {
	SourceURL string `xml:"sourceURL,attr"`
	Range     string `xml:"range,attr"`
}

// SegmentBase addresses a single self-indexed file through a sidx box.
type SegmentBase struct {
	Timescale              uint32   `xml:"timescale,attr"`
	PresentationTimeOffset uint64   `xml:"presentationTimeOffset,attr"`
	IndexRange             string   `xml:"indexRange,attr"`
	Initialization         *URLType `xml:"Initialization"`
}

// SegmentList enumerates segment URLs, timed by Duration or by a timeline.
type SegmentList struct {
	Timescale              uint32           `xml:"timescale,attr"`
	Duration               uint64           `xml:"duration,attr"`
	StartNumber            *uint64          `xml:"startNumber,attr"`
	PresentationTimeOffset uint64           `xml:"presentationTimeOffset,attr"`
	Initialization         *URLType         `xml:"Initialization"`
	Timeline               *SegmentTimeline `xml:"SegmentTimeline"`
	SegmentURLs            []SegmentURL     `xml:"SegmentURL"`
}

// SegmentURL is one SegmentList entry.
type SegmentURL struct {
	Media      string `xml:"media,attr"`
	MediaRange string `xml:"mediaRange,attr"`
}

// SegmentTemplate defines the URL structure for segments.
type SegmentTemplate struct {
	Timescale              uint32           `xml:"timescale,attr"`
	Duration               uint64           `xml:"duration,attr"`
	StartNumber            *uint64          `xml:"startNumber,attr"`
	PresentationTimeOffset uint64           `xml:"presentationTimeOffset,attr"`
	Initialization         string           `xml:"initialization,attr"`
	Media                  string           `xml:"media,attr"`
	Timeline               *SegmentTimeline `xml:"SegmentTimeline"`
}

// SegmentTimeline defines the timeline of segments.
type SegmentTimeline struct {
	Segments []S `xml:"S"`
}

// S represents a single segment or a series of segments.
type S struct {
	T *uint64 `xml:"t,attr"`           // Start time, absent means "continues from previous"
	D uint64  `xml:"d,attr"`           // Duration
	R int     `xml:"r,attr,omitempty"` // Repeat count, -1 repeats until the next S or the period end
}
