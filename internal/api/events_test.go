package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cdmhls/internal/license"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMonitor struct {
	events chan license.Event

	mu           sync.Mutex
	unsubscribed bool
}

func (m *fakeMonitor) Subscribe() (<-chan license.Event, func()) {
	return m.events, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.unsubscribed = true
	}
}

func (m *fakeMonitor) Sessions(context.Context) ([]license.Info, error) {
	return []license.Info{{
		ID:           1,
		WebSessionID: "web-1",
		Type:         license.PersistentLicense,
		State:        license.StateActive,
		Keys:         []license.KeyStatus{{KeyID: testKID, Status: license.KeyUsable}},
		CreatedAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}}, nil
}

func (m *fakeMonitor) isUnsubscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unsubscribed
}

func newMonitorServer(t *testing.T, m *fakeMonitor) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(Deps{Licenses: m, Logger: &mockLogger{}}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAPI_LicenseSessions(t *testing.T) {
	srv := newMonitorServer(t, &fakeMonitor{events: make(chan license.Event)})

	resp, err := http.Get(srv.URL + "/license/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "web-1", got[0]["web_session_id"])
	assert.Equal(t, "persistent-license", got[0]["type"])
	assert.Equal(t, "active", got[0]["state"])
	keys := got[0]["keys"].([]interface{})
	require.Len(t, keys, 1)
	assert.Equal(t, "0737b75ee8906c00bb7bb8f666da72a0", keys[0].(map[string]interface{})["kid"])
}

func TestAPI_LicenseEvents(t *testing.T) {
	m := &fakeMonitor{events: make(chan license.Event, 4)}
	srv := newMonitorServer(t, m)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/license/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	m.events <- license.Event{Kind: license.EventStateChange, SessionID: 4, State: license.StateActive}
	m.events <- license.Event{
		Kind:      license.EventKeysChange,
		SessionID: 4,
		Keys:      []license.KeyStatus{{KeyID: testKID, Status: license.KeyExpired}},
		Err:       errors.New("renewal failed"),
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var first eventJSON
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, eventJSON{Kind: "state_change", SessionID: 4, State: "active"}, first)

	var second eventJSON
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "keys_change", second.Kind)
	assert.Empty(t, second.State)
	assert.Equal(t, []keyJSON{{KeyID: "0737b75ee8906c00bb7bb8f666da72a0", Status: "expired"}}, second.Keys)
	assert.Equal(t, "renewal failed", second.Error)

	require.NoError(t, conn.Close())
	assert.Eventually(t, m.isUnsubscribed, 5*time.Second, 10*time.Millisecond)
}

func TestAPI_LicenseRoutesDisabled(t *testing.T) {
	srv := httptest.NewServer(New(Deps{Logger: &mockLogger{}}))
	defer srv.Close()

	for _, path := range []string{"/license", "/license/sessions", "/assets/x/offline", "/assets/offline"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}
