package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"cdmhls/internal/config"
	"cdmhls/internal/license"
	"cdmhls/internal/license/clearkey"
	"cdmhls/internal/models"
	"cdmhls/internal/testutil"
	"cdmhls/internal/transmux"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger is a no-op logger for testing purposes.
type mockLogger struct{}

func (m *mockLogger) Debugf(format string, v ...interface{}) {}
func (m *mockLogger) Infof(format string, v ...interface{})  {}
func (m *mockLogger) Warnf(format string, v ...interface{})  {}
func (m *mockLogger) Errorf(format string, v ...interface{}) {}

type fakeOrigin struct {
	mu    sync.Mutex
	files map[string][]byte
	calls map[string]int
	delay time.Duration
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{files: map[string][]byte{}, calls: map[string]int{}}
}

func (f *fakeOrigin) Fetch(_ context.Context, url string, r models.ByteRange) ([]byte, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	data, ok := f.files[url]
	if !ok {
		return nil, fmt.Errorf("%s: %w", url, models.ErrNotFound)
	}
	return r.Slice(data)
}

func (f *fakeOrigin) set(url string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[url] = data
}

func (f *fakeOrigin) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

// fakeLicenser hands out session 7 once gate is closed.
type fakeLicenser struct {
	mu       sync.Mutex
	gate     chan struct{}
	inits    []license.InitData
	released []uint32
	decrypts int
}

func (l *fakeLicenser) Acquire(ctx context.Context, init license.InitData, _ bool) (uint32, error) {
	l.mu.Lock()
	l.inits = append(l.inits, init)
	l.mu.Unlock()
	select {
	case <-l.gate:
		return 7, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %v", models.ErrSession, ctx.Err())
	}
}

func (l *fakeLicenser) Decrypt(_ context.Context, _ uint32, req license.DecryptRequest) ([]byte, error) {
	l.mu.Lock()
	l.decrypts++
	l.mu.Unlock()
	return req.Data, nil
}

func (l *fakeLicenser) ReleaseSession(_ context.Context, id uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, id)
	return nil
}

const vodMPD = `<MPD type="static" mediaPresentationDuration="PT0.4S"><Period><AdaptationSet contentType="audio" lang="en">
  <SegmentTemplate timescale="48000" duration="10240" startNumber="1" initialization="init.mp4" media="seg-$Number$.m4s"/>
  <Representation id="a" bandwidth="128000" codecs="mp4a.40.2"/></AdaptationSet></Period></MPD>`

func vodOrigin() *fakeOrigin {
	o := newFakeOrigin()
	o.set("http://origin/vod/manifest.mpd", []byte(vodMPD))
	o.set("http://origin/vod/init.mp4", testutil.AACInit())
	o.set("http://origin/vod/seg-1.m4s", testutil.AACSegment(1, 0, 10))
	o.set("http://origin/vod/seg-2.m4s", testutil.AACSegment(2, 10240, 10))
	return o
}

func newTestManager(t *testing.T, o *fakeOrigin, l Licenser, assets ...config.Asset) *SessionManager {
	t.Helper()
	if len(assets) == 0 {
		assets = []config.Asset{{Id: "vod", Name: "VOD", ManifestURL: "http://origin/vod/manifest.mpd"}}
	}
	sm := NewManager(assets, o, l, Config{
		Transmux:   transmux.Config{DecryptAttempts: 2, DecryptBackoff: time.Millisecond},
		MinRefresh: time.Millisecond,
	}, &mockLogger{})
	sm.Start()
	t.Cleanup(func() { sm.Stop(context.Background()) })
	return sm
}

func TestManager_StopWithoutStart(t *testing.T) {
	sm := NewManager(nil, vodOrigin(), nil, Config{}, &mockLogger{})

	stopped := make(chan struct{})
	go func() {
		sm.Stop(context.Background())
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a manager that was never started")
	}
}

func TestManager_UnknownAsset(t *testing.T) {
	sm := newTestManager(t, vodOrigin(), nil)
	_, err := sm.GetOrCreateSession(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestManager_ConcurrentCreationLoadsOnce(t *testing.T) {
	o := vodOrigin()
	o.delay = 10 * time.Millisecond
	sm := newTestManager(t, o, nil)
	defer sm.Stop(context.Background())

	var wg sync.WaitGroup
	streams := make([]*Stream, 5)
	for i := range streams {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := sm.GetOrCreateSession(context.Background(), "vod")
			assert.NoError(t, err)
			streams[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, o.count("http://origin/vod/manifest.mpd"))
	for _, s := range streams[1:] {
		assert.Same(t, streams[0], s)
	}
}

func TestStream_ClearVOD(t *testing.T) {
	o := vodOrigin()
	sm := newTestManager(t, o, nil)
	defer sm.Stop(context.Background())
	ctx := context.Background()

	s, err := sm.GetOrCreateSession(ctx, "vod")
	require.NoError(t, err)

	master := s.GetMasterPlaylist()
	assert.Contains(t, master, "a/playlist.m3u8")

	media, err := s.GetMediaPlaylist(ctx, "a")
	require.NoError(t, err)
	assert.Contains(t, media, "segment/1.ts")
	assert.Contains(t, media, "segment/2.ts")
	assert.Contains(t, media, "#EXT-X-ENDLIST")

	ts, err := s.GetSegment(ctx, "a", 2)
	require.NoError(t, err)
	assert.NotEmpty(t, ts)
	assert.Zero(t, len(ts)%188)

	again, err := s.GetSegment(ctx, "a", 2)
	require.NoError(t, err)
	assert.Equal(t, ts, again)
	assert.Equal(t, 1, o.count("http://origin/vod/seg-2.m4s"), "second request is served from the output cache")

	_, err = s.GetSegment(ctx, "a", 9)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.GetMediaPlaylist(ctx, "x")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.GetSegment(ctx, "x", 1)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStream_ReleaseRepresentation(t *testing.T) {
	o := vodOrigin()
	l := &fakeLicenser{gate: make(chan struct{})}
	close(l.gate)
	sm := newTestManager(t, o, l)
	ctx := context.Background()

	s, err := sm.GetOrCreateSession(ctx, "vod")
	require.NoError(t, err)
	_, err = s.GetSegment(ctx, "a", 1)
	require.NoError(t, err)

	s.ReleaseRepresentation("a")
	assert.Zero(t, sm.segCache.Len())

	_, err = s.GetSegment(ctx, "a", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, o.count("http://origin/vod/init.mp4"), "a fresh TransmuxState reads the init segment again")
	assert.Empty(t, l.released)
	sm.Stop(ctx)
}

const protectedMPD = `<MPD xmlns:cenc="urn:mpeg:cenc:2013" type="static" mediaPresentationDuration="PT4S"><Period><AdaptationSet contentType="audio">
  <ContentProtection schemeIdUri="urn:mpeg:dash:mp4protection:2011" value="cenc" cenc:default_KID="00112233-4455-6677-8899-aabbccddeeff"/>
  <SegmentTemplate timescale="1000" duration="2000" initialization="init.mp4" media="$Number$.m4s"/>
  <Representation id="a" bandwidth="1" codecs="mp4a.40.2"/></AdaptationSet></Period></MPD>`

func TestStream_LicenseFromManifest(t *testing.T) {
	o := newFakeOrigin()
	o.set("http://origin/p/manifest.mpd", []byte(protectedMPD))
	l := &fakeLicenser{gate: make(chan struct{})}
	sm := newTestManager(t, o, l, config.Asset{Id: "p", ManifestURL: "http://origin/p/manifest.mpd"})
	ctx := context.Background()

	s, err := sm.GetOrCreateSession(ctx, "p")
	require.NoError(t, err)

	_, err = s.license.Decrypt(ctx, license.DecryptRequest{Data: []byte{1}})
	assert.ErrorIs(t, err, models.ErrNoKey, "no key until the license is active")

	close(l.gate)
	require.Eventually(t, func() bool {
		_, err := s.license.Decrypt(ctx, license.DecryptRequest{Data: []byte{1}})
		return err == nil
	}, time.Second, 5*time.Millisecond)

	l.mu.Lock()
	require.Len(t, l.inits, 1)
	init := l.inits[0]
	l.mu.Unlock()
	assert.Equal(t, "keyids", init.Type)
	var req clearkey.Request
	require.NoError(t, json.Unmarshal(init.Data, &req))
	require.Len(t, req.KIDs, 1)
	kid, err := clearkey.DecodeKID(req.KIDs[0])
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, kid)

	sm.Stop(ctx)
	assert.Equal(t, []uint32{7}, l.released, "closing the stream releases its license session")
}

func TestStream_LicenseNeverArrives(t *testing.T) {
	o := newFakeOrigin()
	o.set("http://origin/p/manifest.mpd", []byte(protectedMPD))
	l := &fakeLicenser{gate: make(chan struct{})}
	sm := newTestManager(t, o, l, config.Asset{Id: "p", ManifestURL: "http://origin/p/manifest.mpd"})
	ctx := context.Background()

	s, err := sm.GetOrCreateSession(ctx, "p")
	require.NoError(t, err)

	sm.Stop(ctx)
	_, err = s.license.Decrypt(ctx, license.DecryptRequest{})
	assert.ErrorIs(t, err, models.ErrSession)
	assert.Empty(t, l.released)
}

const liveV1 = `<MPD type="dynamic" minimumUpdatePeriod="PT1S" timeShiftBufferDepth="PT1H"><Period><AdaptationSet contentType="audio">
  <SegmentTemplate timescale="1000" initialization="init.mp4" media="a-$Time$.m4s">
    <SegmentTimeline><S t="10000" d="2000" r="2"/></SegmentTimeline>
  </SegmentTemplate>
  <Representation id="a" bandwidth="1" codecs="mp4a.40.2"/></AdaptationSet></Period></MPD>`

const liveV2 = `<MPD type="dynamic" minimumUpdatePeriod="PT1S" timeShiftBufferDepth="PT1H"><Period><AdaptationSet contentType="audio">
  <SegmentTemplate timescale="1000" initialization="init.mp4" media="a-$Time$.m4s">
    <SegmentTimeline><S t="12000" d="2000" r="3"/></SegmentTimeline>
  </SegmentTemplate>
  <Representation id="a" bandwidth="1" codecs="mp4a.40.2"/></AdaptationSet></Period></MPD>`

func TestStream_LiveRefreshAppends(t *testing.T) {
	o := newFakeOrigin()
	o.set("http://origin/live/manifest.mpd", []byte(liveV1))
	sm := newTestManager(t, o, nil, config.Asset{Id: "live", ManifestURL: "http://origin/live/manifest.mpd"})
	defer sm.Stop(context.Background())
	ctx := context.Background()

	s, err := sm.GetOrCreateSession(ctx, "live")
	require.NoError(t, err)
	before, err := s.GetMediaPlaylist(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(before, "#EXTINF"))
	assert.NotContains(t, before, "#EXT-X-ENDLIST")

	o.set("http://origin/live/manifest.mpd", []byte(liveV2))
	require.NoError(t, s.refreshMPD(ctx))

	after, err := s.GetMediaPlaylist(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 5, strings.Count(after, "#EXTINF"))
	i4 := strings.Index(after, "segment/4.ts")
	i5 := strings.Index(after, "segment/5.ts")
	require.Positive(t, i4)
	assert.Greater(t, i5, i4)
}

func TestRefreshInterval(t *testing.T) {
	assert.Equal(t, 5*time.Second, refreshInterval(0, 2*time.Second))
	assert.Equal(t, 2*time.Second, refreshInterval(500*time.Millisecond, 2*time.Second))
	assert.Equal(t, 8*time.Second, refreshInterval(8*time.Second, 2*time.Second))
}
