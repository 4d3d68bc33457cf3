package index

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"cdmhls/internal/manifest"
	"cdmhls/internal/models"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rangeFetcher serves byte ranges out of in-memory files.
type rangeFetcher struct {
	files map[string][]byte
	calls int
}

func (f *rangeFetcher) Fetch(_ context.Context, url string, r models.ByteRange) ([]byte, error) {
	f.calls++
	data, ok := f.files[url]
	if !ok {
		return nil, fmt.Errorf("%s: %w", url, models.ErrNotFound)
	}
	return r.Slice(data)
}

func mustParse(t *testing.T, doc string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(doc), "http://origin/c/manifest.mpd")
	require.NoError(t, err)
	return m
}

func TestIndex_TemplateWithDurationVOD(t *testing.T) {
	m := mustParse(t, `<MPD type="static" mediaPresentationDuration="PT9S"><Period><AdaptationSet contentType="video">
	  <SegmentTemplate timescale="1000" duration="4000" startNumber="1" initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/$Number$.m4s"/>
	  <Representation id="v" bandwidth="1"/></AdaptationSet></Period></MPD>`)
	ix := New(m, m.Representations[0], nil)
	ctx := context.Background()

	segs, err := ix.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, segs, 3, "9s at 4s per segment rounds up")
	assert.Equal(t, uint64(1), segs[0].Ordinal)
	assert.Equal(t, uint64(8000), segs[2].Time)

	seg, err := ix.Lookup(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "http://origin/c/v/2.m4s", seg.URL)
	assert.Equal(t, uint64(4000), seg.Time)

	_, err = ix.Lookup(ctx, 4)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = ix.Lookup(ctx, 0)
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.Equal(t, "http://origin/c/v/init.mp4", ix.Init().URL)
}

func TestIndex_TemplateWithDurationLive(t *testing.T) {
	m := mustParse(t, `<MPD type="dynamic" availabilityStartTime="2024-01-01T00:00:00Z" timeShiftBufferDepth="PT10S"><Period start="PT0S"><AdaptationSet contentType="audio">
	  <SegmentTemplate timescale="10" duration="20" startNumber="100" initialization="init.mp4" media="$Number$.m4s"/>
	  <Representation id="a" bandwidth="1"/></AdaptationSet></Period></MPD>`)
	now := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC) // 60s after availability start
	ix := New(m, m.Representations[0], nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	segs, err := ix.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, segs, 5, "10s buffer of 2s segments")
	assert.Equal(t, uint64(125), segs[0].Ordinal)
	assert.Equal(t, uint64(129), segs[4].Ordinal)

	_, err = ix.Lookup(ctx, 130)
	assert.ErrorIs(t, err, models.ErrNotFound, "segment still being produced")

	now = now.Add(2 * time.Second)
	seg, err := ix.Lookup(ctx, 130)
	require.NoError(t, err)
	assert.Equal(t, "http://origin/c/130.m4s", seg.URL)
}

const liveV1 = `<MPD type="dynamic" timeShiftBufferDepth="PT1H"><Period><AdaptationSet contentType="video">
  <SegmentTemplate timescale="1000" initialization="init.mp4" media="v-$Time$.m4s">
    <SegmentTimeline><S t="10000" d="2000" r="2"/></SegmentTimeline>
  </SegmentTemplate>
  <Representation id="v" bandwidth="1"/></AdaptationSet></Period></MPD>`

const liveV2 = `<MPD type="dynamic" timeShiftBufferDepth="PT1H"><Period><AdaptationSet contentType="video">
  <SegmentTemplate timescale="1000" initialization="init.mp4" media="v-$Time$.m4s">
    <SegmentTimeline><S t="12000" d="2000" r="3"/></SegmentTimeline>
  </SegmentTemplate>
  <Representation id="v" bandwidth="1"/></AdaptationSet></Period></MPD>`

func TestIndex_LiveUpdateAppendsInOrder(t *testing.T) {
	m1 := mustParse(t, liveV1)
	ix := New(m1, m1.Representations[0], nil)
	ctx := context.Background()

	before, err := ix.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, before, 3)
	assert.Equal(t, []uint64{1, 2, 3}, ordinals(before))

	m2 := mustParse(t, liveV2)
	require.NoError(t, ix.Update(m2, m2.Representations[0]))

	after, err := ix.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, after, 5)
	assert.Equal(t, before, after[:3], "known segments are untouched")
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, ordinals(after))
	assert.Equal(t, uint64(16000), after[3].Time)
	assert.Equal(t, "http://origin/c/v-18000.m4s", after[4].URL)
}

func TestIndex_UpdateRejectsAddressingChange(t *testing.T) {
	m1 := mustParse(t, liveV1)
	ix := New(m1, m1.Representations[0], nil)
	m2 := mustParse(t, `<MPD type="dynamic"><Period><AdaptationSet contentType="video">
	  <SegmentTemplate timescale="1000" duration="2000" initialization="init.mp4" media="v-$Number$.m4s"/>
	  <Representation id="v" bandwidth="1"/></AdaptationSet></Period></MPD>`)
	err := ix.Update(m2, m2.Representations[0])
	assert.ErrorIs(t, err, models.ErrUnsupportedAddressing)
}

func TestIndex_LiveWindow(t *testing.T) {
	doc := `<MPD type="dynamic" timeShiftBufferDepth="PT4S"><Period><AdaptationSet contentType="video">
	  <SegmentTemplate timescale="1" initialization="init.mp4" media="$Time$.m4s">
	    <SegmentTimeline><S t="0" d="2" r="9"/></SegmentTimeline>
	  </SegmentTemplate>
	  <Representation id="v" bandwidth="1"/></AdaptationSet></Period></MPD>`
	m := mustParse(t, doc)
	ix := New(m, m.Representations[0], nil)

	window, err := ix.Window(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, window)
	assert.Equal(t, uint64(10), window[len(window)-1].Ordinal)
	for _, s := range window {
		assert.GreaterOrEqual(t, s.End(), uint64(20-4))
	}
	assert.Len(t, window, 3)
}

func TestIndex_SegmentList(t *testing.T) {
	doc := `<MPD type="static" mediaPresentationDuration="PT4S"><Period><AdaptationSet contentType="audio">
	  <Representation id="a" bandwidth="1"><SegmentList timescale="10" duration="20" startNumber="7">
	    <Initialization sourceURL="init.mp4"/>
	    <SegmentURL media="one.m4s"/><SegmentURL media="two.m4s" mediaRange="10-19"/>
	  </SegmentList></Representation></AdaptationSet></Period></MPD>`
	m := mustParse(t, doc)
	ix := New(m, m.Representations[0], nil)

	seg, err := ix.Lookup(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, "http://origin/c/two.m4s", seg.URL)
	assert.Equal(t, models.NewByteRange(10, 19), seg.Range)
	assert.Equal(t, uint64(20), seg.Time)
}

// sidxFile builds a SegmentBase file with two references after a 600-byte
// init and returns it with the manifest describing it.
func sidxFile(t *testing.T) (*manifest.Manifest, []byte, uint64) {
	t.Helper()
	sidx := &mp4.SidxBox{
		Version:                  0,
		ReferenceID:              1,
		Timescale:                48000,
		EarliestPresentationTime: 0,
		FirstOffset:              0,
		SidxRefs: []mp4.SidxRef{
			{ReferencedSize: 1000, SubSegmentDuration: 96000},
			{ReferencedSize: 1500, SubSegmentDuration: 96000},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, sidx.Encode(&buf))

	file := append(make([]byte, 600), buf.Bytes()...)
	indexLast := uint64(len(file) - 1)
	file = append(file, make([]byte, 2500)...)

	doc := fmt.Sprintf(`<MPD type="static"><Period><AdaptationSet contentType="audio">
	  <Representation id="a" bandwidth="1"><BaseURL>a.mp4</BaseURL>
	    <SegmentBase indexRange="600-%d"><Initialization range="0-599"/></SegmentBase>
	  </Representation></AdaptationSet></Period></MPD>`, indexLast)
	return mustParse(t, doc), file, indexLast
}

func TestIndex_SegmentBaseReadsSidxOnce(t *testing.T) {
	m, file, indexLast := sidxFile(t)
	f := &rangeFetcher{files: map[string][]byte{"http://origin/c/a.mp4": file}}
	ix := New(m, m.Representations[0], f)
	ctx := context.Background()

	first, err := ix.Lookup(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ByteRange{Start: indexLast + 1, Length: 1000}, first.Range)
	assert.Equal(t, uint32(48000), first.Timescale)

	second, err := ix.Lookup(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, indexLast+1001, second.Range.Start)
	assert.Equal(t, uint64(96000), second.Time)

	_, err = ix.Lookup(ctx, 3)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, 1, f.calls)
}

// gatedFetcher holds every fetch until release is closed.
type gatedFetcher struct {
	rangeFetcher
	mu      sync.Mutex
	entered chan struct{}
	release chan struct{}
}

func (f *gatedFetcher) Fetch(ctx context.Context, url string, r models.ByteRange) ([]byte, error) {
	f.entered <- struct{}{}
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rangeFetcher.Fetch(ctx, url, r)
}

func TestIndex_SidxFetchDoesNotBlockReaders(t *testing.T) {
	m, file, _ := sidxFile(t)
	f := &gatedFetcher{
		rangeFetcher: rangeFetcher{files: map[string][]byte{"http://origin/c/a.mp4": file}},
		entered:      make(chan struct{}, 4),
		release:      make(chan struct{}),
	}
	ix := New(m, m.Representations[0], f)
	ctx := context.Background()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := ix.Lookup(ctx, 2)
			errs <- err
		}()
	}
	<-f.entered

	read := make(chan struct{})
	go func() {
		defer close(read)
		assert.Equal(t, "a", ix.Representation().ID)
		assert.Equal(t, models.NewByteRange(0, 599), ix.Init().Range)
		assert.NoError(t, ix.Update(m, m.Representations[0]))
	}()
	select {
	case <-read:
	case <-time.After(2 * time.Second):
		t.Fatal("readers waited on the index fetch")
	}

	close(f.release)
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, 1, f.calls)
}

func TestIndex_SidxLookupReturnsOnCancel(t *testing.T) {
	m, file, _ := sidxFile(t)
	f := &gatedFetcher{
		rangeFetcher: rangeFetcher{files: map[string][]byte{"http://origin/c/a.mp4": file}},
		entered:      make(chan struct{}, 4),
		release:      make(chan struct{}),
	}
	ix := New(m, m.Representations[0], f)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-f.entered
		cancel()
	}()
	_, err := ix.Lookup(ctx, 1)
	require.ErrorIs(t, err, models.ErrCancelled)

	close(f.release)
	seg, err := ix.Lookup(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seg.Ordinal)
	assert.Equal(t, 1, f.calls, "the abandoned fetch still builds the index")
}

func TestSegmentsFromSidx_StartNumber(t *testing.T) {
	sidx := &mp4.SidxBox{
		Timescale: 1000,
		SidxRefs: []mp4.SidxRef{
			{ReferencedSize: 10, SubSegmentDuration: 2000},
			{ReferencedSize: 20, SubSegmentDuration: 2000},
		},
	}
	rep := &manifest.Representation{ID: "v", BaseURL: "http://origin/v.mp4", IndexRange: models.NewByteRange(100, 199), StartNumber: 5}

	segs := SegmentsFromSidx(sidx, rep)
	assert.Equal(t, []uint64{5, 6}, ordinals(segs))
	assert.Equal(t, models.ByteRange{Start: 200, Length: 10}, segs[0].Range)
	assert.Equal(t, uint64(2000), segs[1].Time)

	rep.StartNumber = 0
	assert.Equal(t, []uint64{1, 2}, ordinals(SegmentsFromSidx(sidx, rep)))
}

func ordinals(segs []models.Segment) []uint64 {
	out := make([]uint64, len(segs))
	for i, s := range segs {
		out[i] = s.Ordinal
	}
	return out
}
