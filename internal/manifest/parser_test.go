package manifest

import (
	"testing"
	"time"

	"cdmhls/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vodMPD = `<?xml version="1.0"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" xmlns:cenc="urn:mpeg:cenc:2013" type="static" mediaPresentationDuration="PT20S" id="movie-1">
  <BaseURL>media/</BaseURL>
  <Period id="p0">
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <ContentProtection schemeIdUri="urn:mpeg:dash:mp4protection:2011" value="cenc" cenc:default_KID="0737b75e-e890-6c00-bb7b-b8f666da72a0"/>
      <SegmentTemplate timescale="1000" duration="4000" startNumber="0"
                       initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/seg-$Number%03d$.m4s"/>
      <Representation id="v1" bandwidth="800000" codecs="avc1.64001f" width="1280" height="720" frameRate="30000/1001"/>
    </AdaptationSet>
    <AdaptationSet contentType="audio" lang="en">
      <Representation id="a1" bandwidth="128000" codecs="mp4a.40.2" audioSamplingRate="48000">
        <BaseURL>audio.mp4</BaseURL>
        <SegmentBase indexRange="800-899" timescale="48000">
          <Initialization range="0-799"/>
        </SegmentBase>
      </Representation>
    </AdaptationSet>
    <AdaptationSet contentType="text" mimeType="application/mp4">
      <Representation id="t1" bandwidth="1000" codecs="stpp"/>
    </AdaptationSet>
    <AdaptationSet mimeType="audio/mp4">
      <Representation id="a2" bandwidth="64000" codecs="mp4a.40.2">
        <SegmentList timescale="10" duration="20">
          <Initialization sourceURL="a2/init.mp4"/>
          <SegmentURL media="a2/1.m4s"/>
          <SegmentURL media="a2/all.m4s" mediaRange="100-199"/>
        </SegmentList>
      </Representation>
      <Representation id="a3" bandwidth="64000" codecs="mp4a.40.2">
        <SegmentList timescale="10">
          <Initialization sourceURL="a3/init.mp4"/>
          <SegmentTimeline><S t="0" d="20" r="1"/></SegmentTimeline>
          <SegmentURL media="a3/1.m4s"/>
          <SegmentURL media="a3/2.m4s"/>
        </SegmentList>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

func TestParse_AllAddressingSchemes(t *testing.T) {
	m, err := Parse([]byte(vodMPD), "https://cdn.example.com/content/manifest.mpd")
	require.NoError(t, err)

	assert.Equal(t, "movie-1", m.ID)
	assert.False(t, m.Live)
	assert.Equal(t, 20*time.Second, m.Duration)
	require.Len(t, m.Representations, 4, "text track is skipped")

	v1, ok := m.Representation("v1")
	require.True(t, ok)
	assert.Equal(t, TemplateWithDuration, v1.Addressing)
	assert.Equal(t, MediaVideo, v1.MediaType)
	assert.Equal(t, "https://cdn.example.com/content/media/v1/init.mp4", v1.Init.URL)
	assert.Equal(t, uint64(4000), v1.Duration)
	assert.Equal(t, uint64(0), v1.StartNumber)
	assert.Equal(t, 20*time.Second, v1.PeriodDuration)
	segURL, err := v1.SegmentURL(7, 0)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/content/media/v1/seg-007.m4s", segURL)
	require.Len(t, v1.Protection, 1)
	assert.Len(t, v1.Protection[0].DefaultKID, 16)

	a1, ok := m.Representation("a1")
	require.True(t, ok)
	assert.Equal(t, SegmentBaseIndexed, a1.Addressing)
	assert.Equal(t, "https://cdn.example.com/content/media/audio.mp4", a1.Init.URL)
	assert.Equal(t, models.NewByteRange(0, 799), a1.Init.Range)
	assert.Equal(t, models.NewByteRange(800, 899), a1.IndexRange)
	assert.Equal(t, uint32(48000), a1.Timescale)
	assert.Equal(t, uint64(1), a1.StartNumber)
	assert.Equal(t, "en", a1.Lang)

	a2, ok := m.Representation("a2")
	require.True(t, ok)
	assert.Equal(t, ListWithDuration, a2.Addressing)
	assert.Equal(t, MediaAudio, a2.MediaType)
	require.Len(t, a2.Segments, 2)
	assert.Equal(t, "https://cdn.example.com/content/media/a2/all.m4s", a2.Segments[1].URL)
	assert.Equal(t, models.NewByteRange(100, 199), a2.Segments[1].Range)

	a3, ok := m.Representation("a3")
	require.True(t, ok)
	assert.Equal(t, ListWithTimeline, a3.Addressing)
	assert.Len(t, a3.Timeline, 1)
}

const liveTimelineMPD = `<MPD type="dynamic" minimumUpdatePeriod="PT2S" timeShiftBufferDepth="PT30S" availabilityStartTime="2024-01-01T00:00:00Z">
  <Period id="old"><AdaptationSet contentType="video">
    <SegmentTemplate timescale="90000" initialization="init-$RepresentationID$.mp4" media="$RepresentationID$-$Time$.m4s">
      <SegmentTimeline><S t="0" d="180000"/></SegmentTimeline>
    </SegmentTemplate>
    <Representation id="old" bandwidth="1"/>
  </AdaptationSet></Period>
  <Period id="now" start="PT100S"><AdaptationSet contentType="video">
    <SegmentTemplate timescale="90000" initialization="init-$RepresentationID$.mp4" media="$RepresentationID$-$Time$.m4s">
      <SegmentTimeline><S t="9000000" d="180000" r="2"/></SegmentTimeline>
    </SegmentTemplate>
    <Representation id="v" bandwidth="2000000"/>
  </AdaptationSet></Period>
</MPD>`

func TestParse_LiveUsesLastPeriod(t *testing.T) {
	m, err := Parse([]byte(liveTimelineMPD), "http://origin/live/manifest.mpd")
	require.NoError(t, err)
	assert.True(t, m.Live)
	assert.Equal(t, 2*time.Second, m.MinimumUpdatePeriod)
	assert.Equal(t, 30*time.Second, m.TimeShiftBufferDepth)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), m.AvailabilityStartTime.UTC())

	require.Len(t, m.Representations, 1)
	v := m.Representations[0]
	assert.Equal(t, "v", v.ID)
	assert.Equal(t, TemplateWithTimeline, v.Addressing)
	assert.Equal(t, 100*time.Second, v.PeriodStart)
	assert.Equal(t, "http://origin/live/init-v.mp4", v.Init.URL)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"malformed xml", "<MPD><Period>", models.ErrMalformedManifest},
		{"empty", `<MPD type="static"><Period/></MPD>`, models.ErrEmptyManifest},
		{"no bytes", "", models.ErrEmptyManifest},
		{"only whitespace", " \n\t\r\n", models.ErrEmptyManifest},
		{"only text", `<MPD><Period><AdaptationSet contentType="text"><Representation id="t"/></AdaptationSet></Period></MPD>`, models.ErrEmptyManifest},
		{"no addressing", `<MPD><Period><AdaptationSet contentType="audio"><Representation id="a"/></AdaptationSet></Period></MPD>`, models.ErrUnsupportedAddressing},
		{"template without timing", `<MPD><Period><AdaptationSet contentType="audio"><SegmentTemplate initialization="i" media="m-$Number$"/><Representation id="a"/></AdaptationSet></Period></MPD>`, models.ErrUnsupportedAddressing},
		{"bad kid", `<MPD><Period><AdaptationSet contentType="audio"><ContentProtection default_KID="zz"/><SegmentTemplate duration="1" initialization="i" media="$Number$"/><Representation id="a"/></AdaptationSet></Period></MPD>`, models.ErrMalformedManifest},
		{"bad duration", `<MPD minimumUpdatePeriod="PTxS"><Period/></MPD>`, models.ErrMalformedManifest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), "http://x/m.mpd")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, models.ErrParse)
		})
	}
}

func TestParse_TemplateInheritance(t *testing.T) {
	doc := `<MPD><Period>
	  <SegmentTemplate timescale="1000" duration="2000" initialization="init.mp4" media="p-$Number$.m4s"/>
	  <AdaptationSet contentType="audio">
	    <SegmentTemplate media="as-$Number$.m4s"/>
	    <Representation id="a"><SegmentTemplate startNumber="5"/></Representation>
	  </AdaptationSet>
	</Period></MPD>`
	m, err := Parse([]byte(doc), "http://x/dir/m.mpd")
	require.NoError(t, err)
	a := m.Representations[0]
	assert.Equal(t, TemplateWithDuration, a.Addressing)
	assert.Equal(t, uint32(1000), a.Timescale)
	assert.Equal(t, uint64(5), a.StartNumber)
	assert.Equal(t, "as-$Number$.m4s", a.Media)
}
