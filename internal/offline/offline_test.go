package offline

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cdmhls/internal/config"
	"cdmhls/internal/download"
	"cdmhls/internal/license"
	"cdmhls/internal/models"
	"cdmhls/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger is a no-op logger for testing purposes.
type mockLogger struct{}

func (m *mockLogger) Debugf(format string, v ...interface{}) {}
func (m *mockLogger) Infof(format string, v ...interface{})  {}
func (m *mockLogger) Warnf(format string, v ...interface{})  {}
func (m *mockLogger) Errorf(format string, v ...interface{}) {}

type fakeLicenser struct {
	mu       sync.Mutex
	inits    []license.InitData
	released []uint32
	removed  []string
}

func (l *fakeLicenser) Acquire(_ context.Context, init license.InitData, persistent bool) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !persistent {
		return 0, fmt.Errorf("%w: offline licenses must be persistent", models.ErrSession)
	}
	l.inits = append(l.inits, init)
	return 3, nil
}

func (l *fakeLicenser) WebSessionID(_ context.Context, id uint32) (string, error) {
	return fmt.Sprintf("web-%d", id), nil
}

func (l *fakeLicenser) ReleaseSession(_ context.Context, id uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, id)
	return nil
}

func (l *fakeLicenser) RemoveSession(_ context.Context, web string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, web)
	return nil
}

const protectedVOD = `<MPD xmlns:cenc="urn:mpeg:cenc:2013" type="static" mediaPresentationDuration="PT6S"><Period><AdaptationSet contentType="audio">
  <ContentProtection schemeIdUri="urn:mpeg:dash:mp4protection:2011" value="cenc" cenc:default_KID="00112233-4455-6677-8899-aabbccddeeff"/>
  <SegmentTemplate timescale="1000" duration="2000" startNumber="1" initialization="init.mp4" media="seg-$Number$.m4s"/>
  <Representation id="a" bandwidth="1" codecs="mp4a.40.2"/></AdaptationSet></Period></MPD>`

const liveMPD = `<MPD type="dynamic"><Period><AdaptationSet contentType="audio">
  <SegmentTemplate timescale="1000" initialization="init.mp4" media="$Time$.m4s">
    <SegmentTimeline><S t="0" d="2000" r="1"/></SegmentTimeline>
  </SegmentTemplate>
  <Representation id="a" bandwidth="1"/></AdaptationSet></Period></MPD>`

type fixture struct {
	server *httptest.Server
	files  map[string][]byte
	dl     *download.Cache
	st     *store.Store
	lic    *fakeLicenser
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{files: map[string][]byte{
		"/vod/manifest.mpd":  []byte(protectedVOD),
		"/vod/init.mp4":      []byte("init-bytes"),
		"/vod/seg-1.m4s":     []byte("segment-one"),
		"/vod/seg-2.m4s":     []byte("segment-two"),
		"/vod/seg-3.m4s":     []byte("segment-three"),
		"/live/manifest.mpd": []byte(liveMPD),
	}}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := f.files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(f.server.Close)

	f.dl = download.New(download.Config{Dir: t.TempDir(), Concurrency: 4, MaxAttempts: 2, RetryDelay: time.Millisecond, RequestTimeout: time.Second}, &mockLogger{})
	t.Cleanup(f.dl.Close)

	var err error
	f.st, err = store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { f.st.Close() })

	f.lic = &fakeLicenser{}
	assets := []config.Asset{
		{Id: "vod", ManifestURL: f.server.URL + "/vod/manifest.mpd", Offline: true},
		{Id: "live", ManifestURL: f.server.URL + "/live/manifest.mpd"},
		{Id: "broken", ManifestURL: f.server.URL + "/missing.mpd"},
	}
	f.svc = New(assets, f.dl, f.lic, f.st, 2, &mockLogger{})
	t.Cleanup(f.svc.Close)
	return f
}

func TestDownload_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Download(ctx, "vod")
	require.NoError(t, err)
	assert.Equal(t, store.AssetComplete, rec.State)
	assert.Len(t, rec.Files, 5, "manifest, init and three segments")
	assert.Equal(t, "web-3", rec.WebSessionID)
	assert.Equal(t, []uint32{3}, f.lic.released, "the live license session is not kept open")
	require.Len(t, f.lic.inits, 1)
	assert.Equal(t, "keyids", f.lic.inits[0].Type)

	st, err := f.svc.Status("vod")
	require.NoError(t, err)
	assert.Equal(t, 1.0, st.Progress)

	// The origin is gone; every file is served byte-identical from disk.
	f.server.Close()
	for _, name := range []string{"/vod/init.mp4", "/vod/seg-1.m4s", "/vod/seg-3.m4s"} {
		data, err := f.dl.Fetch(ctx, f.server.URL+name, models.ByteRange{})
		require.NoError(t, err)
		assert.Equal(t, f.files[name], data)
	}

	// A second download of a complete asset is a no-op.
	again, err := f.svc.Download(ctx, "vod")
	require.NoError(t, err)
	assert.Equal(t, rec.Files, again.Files)

	require.NoError(t, f.svc.Release(ctx, "vod"))
	assert.Equal(t, []string{"web-3"}, f.lic.removed)
	for _, u := range rec.Files {
		_, ok := f.dl.Path(u)
		assert.False(t, ok, u)
	}
	_, err = f.svc.Status("vod")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDownload_LiveIsRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Download(context.Background(), "live")
	assert.ErrorIs(t, err, models.ErrAssetNotPlayable)

	st, err := f.svc.Status("live")
	require.NoError(t, err)
	assert.Equal(t, store.AssetFailed, st.Asset.State)
	assert.NotEmpty(t, st.Asset.Error)
}

func TestDownload_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Download(ctx, "unknown")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.svc.Download(ctx, "broken")
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.ErrorIs(t, f.svc.Release(ctx, "unknown"), models.ErrNotFound)
}

func TestStart_RejectsConcurrentDownload(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.claim("vod")
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Start("vod"), models.ErrAlreadyDownloading)
	_, err = f.svc.Download(context.Background(), "vod")
	assert.ErrorIs(t, err, models.ErrAlreadyDownloading)
}

func TestStart_RunsInBackground(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Start("vod"))

	require.Eventually(t, func() bool {
		st, err := f.svc.Status("vod")
		return err == nil && st.Asset.State == store.AssetComplete
	}, 5*time.Second, 10*time.Millisecond)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	list, err := f.svc.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = f.svc.Download(ctx, "vod")
	require.NoError(t, err)
	_, err = f.svc.Download(ctx, "live")
	require.Error(t, err)

	list, err = f.svc.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "live", list[0].Asset.ID)
	assert.Equal(t, store.AssetFailed, list[0].Asset.State)
	assert.Equal(t, "vod", list[1].Asset.ID)
	assert.Equal(t, store.AssetComplete, list[1].Asset.State)
	assert.Equal(t, 1.0, list[1].Progress)

	require.NoError(t, f.svc.Release(ctx, "vod"))
	list, err = f.svc.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "live", list[0].Asset.ID)
}
