package manifest

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"cdmhls/internal/dash"
	"cdmhls/internal/models"
)

// Parse builds a Manifest from MPD bytes. baseURL is the location the document
// was fetched from and anchors every relative URL.
//
// A static presentation uses its first Period that carries playable
// Representations; a dynamic one uses its last such Period.
func Parse(data []byte, baseURL string) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: no content at %s", models.ErrEmptyManifest, baseURL)
	}
	mpd, err := dash.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedManifest, err)
	}
	return FromMPD(mpd, baseURL)
}

// FromMPD builds a Manifest from an already decoded element tree.
func FromMPD(mpd *dash.MPD, baseURL string) (*Manifest, error) {
	m := &Manifest{ID: mpd.ID, Live: mpd.IsDynamic()}

	var err error
	if m.BaseURL, err = resolve(baseURL, mpd.BaseURL); err != nil {
		return nil, err
	}
	if m.Duration, err = mpd.GetDuration(); err != nil {
		return nil, fmt.Errorf("%w: mediaPresentationDuration: %v", models.ErrMalformedManifest, err)
	}
	if m.MinimumUpdatePeriod, err = mpd.GetMinimumUpdatePeriod(); err != nil {
		return nil, fmt.Errorf("%w: minimumUpdatePeriod: %v", models.ErrMalformedManifest, err)
	}
	if m.TimeShiftBufferDepth, err = mpd.GetTimeShiftBufferDepth(); err != nil {
		return nil, fmt.Errorf("%w: timeShiftBufferDepth: %v", models.ErrMalformedManifest, err)
	}
	if m.MaxSegmentDuration, err = dash.ParseDuration(mpd.MaxSegmentDuration); err != nil {
		return nil, fmt.Errorf("%w: maxSegmentDuration: %v", models.ErrMalformedManifest, err)
	}
	if m.AvailabilityStartTime, err = mpd.GetAvailabilityStartTime(); err != nil {
		return nil, fmt.Errorf("%w: availabilityStartTime: %v", models.ErrMalformedManifest, err)
	}

	periods := make([]int, 0, len(mpd.Periods))
	for i := range mpd.Periods {
		periods = append(periods, i)
	}
	if m.Live {
		for i, j := 0, len(periods)-1; i < j; i, j = i+1, j-1 {
			periods[i], periods[j] = periods[j], periods[i]
		}
	}

	for _, pi := range periods {
		reps, err := parsePeriod(m, &mpd.Periods[pi])
		if err != nil {
			return nil, err
		}
		if len(reps) > 0 {
			m.Representations = reps
			break
		}
	}
	if len(m.Representations) == 0 {
		return nil, models.ErrEmptyManifest
	}
	return m, nil
}

func parsePeriod(m *Manifest, period *dash.Period) ([]*Representation, error) {
	periodBase, err := resolve(m.BaseURL, period.BaseURL)
	if err != nil {
		return nil, err
	}
	start, err := period.GetStart()
	if err != nil {
		return nil, fmt.Errorf("%w: period start: %v", models.ErrMalformedManifest, err)
	}
	duration, err := period.GetDuration()
	if err != nil {
		return nil, fmt.Errorf("%w: period duration: %v", models.ErrMalformedManifest, err)
	}
	if duration == 0 && m.Duration > start {
		duration = m.Duration - start
	}

	var reps []*Representation
	seen := make(map[string]struct{})
	for i := range period.Sets {
		as := &period.Sets[i]
		asBase, err := resolve(periodBase, as.BaseURL)
		if err != nil {
			return nil, err
		}
		asProtection, err := parseProtection(as.ContentProtections)
		if err != nil {
			return nil, err
		}

		for j := range as.Representations {
			xr := &as.Representations[j]
			mediaType, ok := classify(as, xr)
			if !ok {
				continue
			}
			if xr.ID == "" || strings.ContainsAny(xr.ID, "/?#") {
				return nil, fmt.Errorf("%w: representation id %q is not usable in a path", models.ErrMalformedManifest, xr.ID)
			}
			if _, dup := seen[xr.ID]; dup {
				return nil, fmt.Errorf("%w: duplicate representation id %q", models.ErrMalformedManifest, xr.ID)
			}
			seen[xr.ID] = struct{}{}

			rep := &Representation{
				ID:             xr.ID,
				MediaType:      mediaType,
				MimeType:       firstNonEmpty(xr.MimeType, as.MimeType),
				Codecs:         firstNonEmpty(xr.Codecs, as.Codecs),
				Lang:           as.Lang,
				Bandwidth:      xr.Bandwidth,
				Width:          xr.Width,
				Height:         xr.Height,
				FrameRate:      firstNonEmpty(xr.FrameRate, as.FrameRate),
				SampleRate:     xr.AudioSamplingRate,
				PeriodStart:    start,
				PeriodDuration: duration,
			}
			if rep.SampleRate == 0 {
				rep.SampleRate = as.AudioSamplingRate
			}
			if rep.BaseURL, err = resolve(asBase, xr.BaseURL); err != nil {
				return nil, err
			}
			repProtection, err := parseProtection(xr.ContentProtections)
			if err != nil {
				return nil, err
			}
			rep.Protection = append(append([]Protection{}, asProtection...), repProtection...)

			if err := resolveAddressing(rep, period, as, xr); err != nil {
				return nil, err
			}
			reps = append(reps, rep)
		}
	}
	return reps, nil
}

// classify keeps audio and video and skips everything else (text tracks, images).
func classify(as *dash.AdaptationSet, xr *dash.Representation) (MediaType, bool) {
	kind := as.ContentType
	if kind == "" {
		mime := firstNonEmpty(xr.MimeType, as.MimeType)
		kind, _, _ = strings.Cut(mime, "/")
	}
	switch kind {
	case "video":
		return MediaVideo, true
	case "audio":
		return MediaAudio, true
	}
	codecs := firstNonEmpty(xr.Codecs, as.Codecs)
	switch {
	case strings.HasPrefix(codecs, "avc"):
		return MediaVideo, true
	case strings.HasPrefix(codecs, "mp4a"):
		return MediaAudio, true
	}
	return "", false
}

// resolveAddressing picks the most specific addressing element, Representation
// first, and fills the scheme-specific fields.
func resolveAddressing(rep *Representation, period *dash.Period, as *dash.AdaptationSet, xr *dash.Representation) error {
	levels := []struct {
		template *dash.SegmentTemplate
		list     *dash.SegmentList
		base     *dash.SegmentBase
	}{
		{xr.SegmentTemplate, xr.SegmentList, xr.SegmentBase},
		{as.SegmentTemplate, as.SegmentList, as.SegmentBase},
		{period.SegmentTemplate, period.SegmentList, period.SegmentBase},
	}
	for _, l := range levels {
		switch {
		case l.template != nil:
			return fromTemplate(rep, mergeTemplates(period.SegmentTemplate, as.SegmentTemplate, xr.SegmentTemplate))
		case l.list != nil:
			return fromList(rep, l.list)
		case l.base != nil:
			return fromBase(rep, l.base)
		}
	}
	return fmt.Errorf("%w: representation %s has no segment information", models.ErrUnsupportedAddressing, rep.ID)
}

func fromTemplate(rep *Representation, st *dash.SegmentTemplate) error {
	rep.Timescale = orOne(st.Timescale)
	rep.PresentationTimeOffset = st.PresentationTimeOffset
	rep.StartNumber = startNumber(st.StartNumber)
	rep.Media = st.Media
	if st.Media == "" {
		return fmt.Errorf("%w: representation %s template has no media pattern", models.ErrUnsupportedAddressing, rep.ID)
	}
	if st.Initialization == "" {
		return fmt.Errorf("%w: representation %s template has no initialization", models.ErrUnsupportedAddressing, rep.ID)
	}
	initURL, err := resolve(rep.BaseURL, dash.FormatTemplate(st.Initialization, rep.ID, rep.Bandwidth, 0, 0))
	if err != nil {
		return err
	}
	rep.Init = Location{URL: initURL}

	switch {
	case st.Timeline != nil && len(st.Timeline.Segments) > 0:
		rep.Addressing = TemplateWithTimeline
		rep.Timeline = st.Timeline.Segments
	case st.Duration > 0:
		if !dash.UsesNumber(st.Media) {
			return fmt.Errorf("%w: representation %s duration template lacks $Number$", models.ErrUnsupportedAddressing, rep.ID)
		}
		rep.Addressing = TemplateWithDuration
		rep.Duration = st.Duration
	default:
		return fmt.Errorf("%w: representation %s template has neither duration nor timeline", models.ErrUnsupportedAddressing, rep.ID)
	}
	return nil
}

func fromList(rep *Representation, sl *dash.SegmentList) error {
	rep.Timescale = orOne(sl.Timescale)
	rep.PresentationTimeOffset = sl.PresentationTimeOffset
	rep.StartNumber = startNumber(sl.StartNumber)

	init, err := initLocation(rep.BaseURL, sl.Initialization)
	if err != nil {
		return err
	}
	if init == nil {
		return fmt.Errorf("%w: representation %s list has no initialization", models.ErrUnsupportedAddressing, rep.ID)
	}
	rep.Init = *init

	for _, su := range sl.SegmentURLs {
		u, err := resolve(rep.BaseURL, su.Media)
		if err != nil {
			return err
		}
		r, err := models.ParseByteRange(su.MediaRange)
		if err != nil {
			return fmt.Errorf("%w: representation %s: %v", models.ErrMalformedManifest, rep.ID, err)
		}
		rep.Segments = append(rep.Segments, Location{URL: u, Range: r})
	}
	if len(rep.Segments) == 0 {
		return fmt.Errorf("%w: representation %s list is empty", models.ErrUnsupportedAddressing, rep.ID)
	}

	switch {
	case sl.Timeline != nil && len(sl.Timeline.Segments) > 0:
		rep.Addressing = ListWithTimeline
		rep.Timeline = sl.Timeline.Segments
	case sl.Duration > 0:
		rep.Addressing = ListWithDuration
		rep.Duration = sl.Duration
	default:
		return fmt.Errorf("%w: representation %s list has neither duration nor timeline", models.ErrUnsupportedAddressing, rep.ID)
	}
	return nil
}

func fromBase(rep *Representation, sb *dash.SegmentBase) error {
	if sb.IndexRange == "" {
		return fmt.Errorf("%w: representation %s segment base has no indexRange", models.ErrUnsupportedAddressing, rep.ID)
	}
	rep.Addressing = SegmentBaseIndexed
	rep.StartNumber = 1
	rep.Timescale = orOne(sb.Timescale)
	rep.PresentationTimeOffset = sb.PresentationTimeOffset

	var err error
	if rep.IndexRange, err = models.ParseByteRange(sb.IndexRange); err != nil {
		return fmt.Errorf("%w: representation %s: %v", models.ErrMalformedManifest, rep.ID, err)
	}
	init, err := initLocation(rep.BaseURL, sb.Initialization)
	if err != nil {
		return err
	}
	if init == nil {
		// Without an explicit range the init segment is everything before the index.
		if rep.IndexRange.Start == 0 {
			return fmt.Errorf("%w: representation %s has no initialization range", models.ErrUnsupportedAddressing, rep.ID)
		}
		init = &Location{URL: rep.BaseURL, Range: models.NewByteRange(0, rep.IndexRange.Start-1)}
	}
	rep.Init = *init
	return nil
}

func initLocation(base string, ut *dash.URLType) (*Location, error) {
	if ut == nil {
		return nil, nil
	}
	u, err := resolve(base, ut.SourceURL)
	if err != nil {
		return nil, err
	}
	r, err := models.ParseByteRange(ut.Range)
	if err != nil {
		return nil, fmt.Errorf("%w: initialization: %v", models.ErrMalformedManifest, err)
	}
	return &Location{URL: u, Range: r}, nil
}

// mergeTemplates applies SegmentTemplate inheritance: attributes set on a
// deeper level override the ones above it.
func mergeTemplates(levels ...*dash.SegmentTemplate) *dash.SegmentTemplate {
	var out *dash.SegmentTemplate
	for _, st := range levels {
		if st == nil {
			continue
		}
		if out == nil {
			out = &dash.SegmentTemplate{}
		}
		if st.Timescale != 0 {
			out.Timescale = st.Timescale
		}
		if st.Duration != 0 {
			out.Duration = st.Duration
		}
		if st.StartNumber != nil {
			out.StartNumber = st.StartNumber
		}
		if st.PresentationTimeOffset != 0 {
			out.PresentationTimeOffset = st.PresentationTimeOffset
		}
		if st.Initialization != "" {
			out.Initialization = st.Initialization
		}
		if st.Media != "" {
			out.Media = st.Media
		}
		if st.Timeline != nil {
			out.Timeline = st.Timeline
		}
	}
	return out
}

func parseProtection(cps []dash.ContentProtection) ([]Protection, error) {
	var out []Protection
	for _, cp := range cps {
		p := Protection{SchemeIDURI: strings.ToLower(cp.SchemeIDURI)}
		if cp.DefaultKID != "" {
			kid, err := hex.DecodeString(strings.ReplaceAll(cp.DefaultKID, "-", ""))
			if err != nil || len(kid) != 16 {
				return nil, fmt.Errorf("%w: default_KID %q", models.ErrMalformedManifest, cp.DefaultKID)
			}
			p.DefaultKID = kid
		}
		if s := strings.TrimSpace(cp.PSSH); s != "" {
			pssh, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("%w: pssh: %v", models.ErrMalformedManifest, err)
			}
			p.PSSH = pssh
		}
		out = append(out, p)
	}
	return out, nil
}

// resolve resolves a reference against a base URL, handling potential errors.
func resolve(base, ref string) (string, error) {
	if ref == "" {
		return base, nil
	}
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("%w: failed to parse path '%s': %v", models.ErrMalformedManifest, ref, err)
	}
	if base == "" {
		return refURL.String(), nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: failed to parse base '%s': %v", models.ErrMalformedManifest, base, err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

func startNumber(p *uint64) uint64 {
	if p == nil {
		return 1
	}
	return *p
}

func orOne(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// MediaTime converts a wall-clock offset into the Representation's timescale.
func (r *Representation) MediaTime(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d.Seconds() * float64(r.Timescale))
}
