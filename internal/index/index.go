// Package index maps segment ordinals of one Representation to URLs, byte
// ranges and presentation times, for every supported addressing scheme.
package index

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cdmhls/internal/dash"
	"cdmhls/internal/manifest"
	"cdmhls/internal/models"

	"github.com/Eyevinn/mp4ff/mp4"
	"golang.org/x/sync/singleflight"
)

// maxLiveDurationWindow bounds how many computed segments a live
// duration-addressed Representation lists when no time-shift depth is given.
const maxLiveDurationWindow = 300

// Fetcher is the part of the download cache the index needs to read sidx boxes.
type Fetcher interface {
	Fetch(ctx context.Context, url string, r models.ByteRange) ([]byte, error)
}

// Index is the SegmentIndex of a single Representation. It is built lazily and
// for live content only grows: Update appends, it never reorders or renumbers.
type Index struct {
	fetcher Fetcher
	now     func() time.Time
	sidx    singleflight.Group

	mu                sync.RWMutex
	rep               *manifest.Representation
	live              bool
	availabilityStart time.Time
	timeShift         time.Duration
	segments          []models.Segment
	built             bool
}

// Option customizes an Index.
type Option func(*Index)

// WithClock replaces the wall clock used for live availability.
func WithClock(now func() time.Time) Option {
	return func(ix *Index) { ix.now = now }
}

// New creates the index for rep as described by m.
func New(m *manifest.Manifest, rep *manifest.Representation, fetcher Fetcher, opts ...Option) *Index {
	ix := &Index{
		fetcher:           fetcher,
		now:               time.Now,
		rep:               rep,
		live:              m.Live,
		availabilityStart: m.AvailabilityStartTime,
		timeShift:         m.TimeShiftBufferDepth,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Representation returns the descriptor the index currently follows.
func (ix *Index) Representation() *manifest.Representation {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.rep
}

// Init describes the initialization segment.
func (ix *Index) Init() models.Segment {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return models.Segment{
		URL:       ix.rep.Init.URL,
		Range:     ix.rep.Init.Range,
		Timescale: ix.rep.Timescale,
		RepID:     ix.rep.ID,
		IsInit:    true,
	}
}

// Lookup resolves an ordinal. Ordinals outside the currently known or
// available range report models.ErrNotFound.
func (ix *Index) Lookup(ctx context.Context, ordinal uint64) (models.Segment, error) {
	if err := ix.ensureBuilt(ctx); err != nil {
		return models.Segment{}, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.rep.Addressing == manifest.TemplateWithDuration {
		first, last, ok := ix.durationBounds()
		if !ok || ordinal < first || ordinal > last {
			return models.Segment{}, fmt.Errorf("segment %d of %s: %w", ordinal, ix.rep.ID, models.ErrNotFound)
		}
		return ix.durationSegment(ordinal)
	}

	i := sort.Search(len(ix.segments), func(i int) bool { return ix.segments[i].Ordinal >= ordinal })
	if i < len(ix.segments) && ix.segments[i].Ordinal == ordinal {
		return ix.segments[i], nil
	}
	return models.Segment{}, fmt.Errorf("segment %d of %s: %w", ordinal, ix.rep.ID, models.ErrNotFound)
}

// Segments lists every segment currently known, in ordinal order.
func (ix *Index) Segments(ctx context.Context) ([]models.Segment, error) {
	if err := ix.ensureBuilt(ctx); err != nil {
		return nil, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.rep.Addressing != manifest.TemplateWithDuration {
		return append([]models.Segment(nil), ix.segments...), nil
	}
	first, last, ok := ix.durationBounds()
	if !ok {
		return nil, nil
	}
	if ix.live && ix.timeShift == 0 && last-first+1 > maxLiveDurationWindow {
		first = last - maxLiveDurationWindow + 1
	}
	out := make([]models.Segment, 0, last-first+1)
	for n := first; n <= last; n++ {
		seg, err := ix.durationSegment(n)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, nil
}

// Window lists the segments a playlist should advertise: everything for
// static content, the time-shift buffer for live content.
func (ix *Index) Window(ctx context.Context) ([]models.Segment, error) {
	segs, err := ix.Segments(ctx)
	ix.mu.RLock()
	live, timeShift := ix.live, ix.timeShift
	ix.mu.RUnlock()
	if err != nil || !live || timeShift <= 0 || len(segs) == 0 {
		return segs, err
	}
	last := segs[len(segs)-1]
	depth := uint64(timeShift.Seconds() * float64(last.Timescale))
	edge := last.End()
	start := 0
	for start < len(segs)-1 && edge > depth && segs[start].End() < edge-depth {
		start++
	}
	return segs[start:], nil
}

// Update follows a refreshed manifest. New segments are appended after the
// last known one; already indexed segments keep their ordinals and ranges.
func (ix *Index) Update(m *manifest.Manifest, rep *manifest.Representation) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if rep.Addressing != ix.rep.Addressing {
		return fmt.Errorf("%w: representation %s changed addressing from %s to %s",
			models.ErrUnsupportedAddressing, rep.ID, ix.rep.Addressing, rep.Addressing)
	}
	ix.live = m.Live
	ix.timeShift = m.TimeShiftBufferDepth
	ix.availabilityStart = m.AvailabilityStartTime
	ix.rep = rep

	switch rep.Addressing {
	case manifest.TemplateWithTimeline, manifest.ListWithTimeline, manifest.ListWithDuration:
		fresh, err := ix.explicitSegments()
		if err != nil {
			return err
		}
		if !ix.built {
			ix.segments = fresh
			ix.built = true
			return nil
		}
		ix.appendAfterLast(fresh)
	}
	return nil
}

func (ix *Index) appendAfterLast(fresh []models.Segment) {
	if len(ix.segments) == 0 {
		ix.segments = fresh
		return
	}
	last := ix.segments[len(ix.segments)-1]
	for _, seg := range fresh {
		if seg.Time < last.End() {
			continue
		}
		if seg.Ordinal <= last.Ordinal || !dash.UsesNumber(ix.rep.Media) {
			seg.Ordinal = last.Ordinal + 1
		}
		ix.segments = append(ix.segments, seg)
		last = seg
	}
}

func (ix *Index) ensureBuilt(ctx context.Context) error {
	ix.mu.RLock()
	built, addressing := ix.built, ix.rep.Addressing
	ix.mu.RUnlock()
	if built {
		return nil
	}
	if addressing == manifest.SegmentBaseIndexed {
		return ix.buildFromSidx(ctx)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.built {
		return nil
	}
	if ix.rep.Addressing != manifest.TemplateWithDuration {
		segs, err := ix.explicitSegments()
		if err != nil {
			return err
		}
		ix.segments = segs
	}
	ix.built = true
	return nil
}

// buildFromSidx fetches the segment index without holding ix.mu. Concurrent
// callers share one fetch, which outlives a caller that gives up.
func (ix *Index) buildFromSidx(ctx context.Context) error {
	fetchCtx := context.WithoutCancel(ctx)
	ch := ix.sidx.DoChan("sidx", func() (interface{}, error) {
		ix.mu.RLock()
		built, rep := ix.built, ix.rep
		ix.mu.RUnlock()
		if built {
			return nil, nil
		}
		segs, err := sidxSegments(fetchCtx, ix.fetcher, rep)
		if err != nil {
			return nil, err
		}
		ix.mu.Lock()
		defer ix.mu.Unlock()
		if !ix.built {
			ix.segments = segs
			ix.built = true
		}
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: index of %s: %v", models.ErrCancelled, ix.Representation().ID, ctx.Err())
	}
}

// explicitSegments expands timeline and list addressing.
func (ix *Index) explicitSegments() ([]models.Segment, error) {
	rep := ix.rep
	var out []models.Segment

	if rep.Addressing == manifest.ListWithDuration {
		for i, loc := range rep.Segments {
			out = append(out, models.Segment{
				URL:       loc.URL,
				Range:     loc.Range,
				Ordinal:   rep.StartNumber + uint64(i),
				Time:      rep.PresentationTimeOffset + uint64(i)*rep.Duration,
				Duration:  rep.Duration,
				Timescale: rep.Timescale,
				RepID:     rep.ID,
			})
		}
		return out, nil
	}

	for i, ts := range dash.ExpandTimeline(rep.Timeline, rep.StartNumber, ix.fillUntil()) {
		seg := models.Segment{
			Ordinal:   ts.Number,
			Time:      ts.Time,
			Duration:  ts.Duration,
			Timescale: rep.Timescale,
			RepID:     rep.ID,
		}
		if rep.Addressing == manifest.ListWithTimeline {
			if i >= len(rep.Segments) {
				break
			}
			seg.URL, seg.Range = rep.Segments[i].URL, rep.Segments[i].Range
		} else {
			u, err := rep.SegmentURL(ts.Number, ts.Time)
			if err != nil {
				return nil, err
			}
			seg.URL = u
		}
		out = append(out, seg)
	}
	return out, nil
}

// fillUntil is the media time an open-ended final S entry repeats up to.
func (ix *Index) fillUntil() uint64 {
	rep := ix.rep
	if !ix.live {
		if rep.PeriodDuration <= 0 {
			return 0
		}
		return rep.PresentationTimeOffset + rep.MediaTime(rep.PeriodDuration)
	}
	if ix.availabilityStart.IsZero() {
		return 0
	}
	elapsed := ix.now().Sub(ix.availabilityStart) - rep.PeriodStart
	return rep.PresentationTimeOffset + rep.MediaTime(elapsed)
}

// durationBounds returns the first and last available ordinal of a
// duration-addressed template.
func (ix *Index) durationBounds() (first, last uint64, ok bool) {
	rep := ix.rep
	if rep.Duration == 0 {
		return 0, 0, false
	}
	if !ix.live {
		total := rep.MediaTime(rep.PeriodDuration)
		if total == 0 {
			return 0, 0, false
		}
		count := (total + rep.Duration - 1) / rep.Duration
		return rep.StartNumber, rep.StartNumber + count - 1, true
	}

	elapsed := ix.now().Sub(ix.availabilityStart) - rep.PeriodStart
	complete := rep.MediaTime(elapsed) / rep.Duration
	if complete == 0 {
		return 0, 0, false
	}
	firstIdx := uint64(0)
	if ix.timeShift > 0 {
		depth := (rep.MediaTime(ix.timeShift) + rep.Duration - 1) / rep.Duration
		if complete > depth {
			firstIdx = complete - depth
		}
	}
	return rep.StartNumber + firstIdx, rep.StartNumber + complete - 1, true
}

func (ix *Index) durationSegment(ordinal uint64) (models.Segment, error) {
	rep := ix.rep
	t := rep.PresentationTimeOffset + (ordinal-rep.StartNumber)*rep.Duration
	u, err := rep.SegmentURL(ordinal, t)
	if err != nil {
		return models.Segment{}, err
	}
	return models.Segment{
		URL:       u,
		Ordinal:   ordinal,
		Time:      t,
		Duration:  rep.Duration,
		Timescale: rep.Timescale,
		RepID:     rep.ID,
	}, nil
}

// sidxSegments reads the segment index box of a SegmentBase Representation.
func sidxSegments(ctx context.Context, fetcher Fetcher, rep *manifest.Representation) ([]models.Segment, error) {
	data, err := fetcher.Fetch(ctx, rep.BaseURL, rep.IndexRange)
	if err != nil {
		return nil, fmt.Errorf("fetching index of %s: %w", rep.ID, err)
	}
	box, err := mp4.DecodeBox(0, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: index of %s: %v", models.ErrParse, rep.ID, err)
	}
	sidx, ok := box.(*mp4.SidxBox)
	if !ok {
		return nil, fmt.Errorf("%w: index range of %s holds %s, not sidx", models.ErrParse, rep.ID, box.Type())
	}
	return SegmentsFromSidx(sidx, rep), nil
}

// SegmentsFromSidx converts sidx references into byte-ranged segments. The
// first referenced byte follows the index range plus the box's first offset.
// Ordinals count from the Representation's start number, 1 when unset.
func SegmentsFromSidx(sidx *mp4.SidxBox, rep *manifest.Representation) []models.Segment {
	first := rep.StartNumber
	if first == 0 {
		first = 1
	}
	timescale := sidx.Timescale
	if timescale == 0 {
		timescale = rep.Timescale
	}
	offset := rep.IndexRange.Last() + 1 + sidx.FirstOffset
	t := sidx.EarliestPresentationTime

	out := make([]models.Segment, 0, len(sidx.SidxRefs))
	for i, ref := range sidx.SidxRefs {
		size := uint64(ref.ReferencedSize)
		out = append(out, models.Segment{
			URL:       rep.BaseURL,
			Range:     models.ByteRange{Start: offset, Length: size},
			Ordinal:   first + uint64(i),
			Time:      t,
			Duration:  uint64(ref.SubSegmentDuration),
			Timescale: timescale,
			RepID:     rep.ID,
		})
		offset += size
		t += uint64(ref.SubSegmentDuration)
	}
	return out
}
