package api

import (
	"context"
	"encoding/hex"
	"net/http"
	"time"

	"cdmhls/internal/license"

	"github.com/gorilla/websocket"
)

// LicenseMonitor exposes license session state to operators.
type LicenseMonitor interface {
	Subscribe() (<-chan license.Event, func())
	Sessions(ctx context.Context) ([]license.Info, error)
}

const (
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type keyJSON struct {
	KeyID  string `json:"kid"`
	Status string `json:"status"`
}

type eventJSON struct {
	Kind         string    `json:"kind"`
	SessionID    uint32    `json:"session_id"`
	WebSessionID string    `json:"web_session_id,omitempty"`
	State        string    `json:"state,omitempty"`
	Keys         []keyJSON `json:"keys,omitempty"`
	Error        string    `json:"error,omitempty"`
}

type sessionJSON struct {
	ID           uint32    `json:"id"`
	WebSessionID string    `json:"web_session_id,omitempty"`
	Type         string    `json:"type"`
	State        string    `json:"state"`
	Keys         []keyJSON `json:"keys"`
	CreatedAt    time.Time `json:"created_at"`
}

func eventKind(k license.EventKind) string {
	switch k {
	case license.EventSessionCreated:
		return "session_created"
	case license.EventMessage:
		return "message"
	case license.EventKeysChange:
		return "keys_change"
	case license.EventStateChange:
		return "state_change"
	}
	return "unknown"
}

func keysJSON(keys []license.KeyStatus) []keyJSON {
	out := make([]keyJSON, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyJSON{KeyID: hex.EncodeToString(k.KeyID), Status: string(k.Status)})
	}
	return out
}

func toEventJSON(ev license.Event) eventJSON {
	out := eventJSON{
		Kind:         eventKind(ev.Kind),
		SessionID:    ev.SessionID,
		WebSessionID: ev.WebSessionID,
	}
	if ev.Kind == license.EventStateChange {
		out.State = ev.State.String()
	}
	if len(ev.Keys) > 0 {
		out.Keys = keysJSON(ev.Keys)
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return out
}

func (a *API) handleLicenseSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := a.licenses.Sessions(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]sessionJSON, 0, len(infos))
	for _, in := range infos {
		out = append(out, sessionJSON{
			ID:           in.ID,
			WebSessionID: in.WebSessionID,
			Type:         in.Type.String(),
			State:        in.State.String(),
			Keys:         keysJSON(in.Keys),
			CreatedAt:    in.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleLicenseEvents streams license session events to a websocket client
// until either side goes away.
func (a *API) handleLicenseEvents(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe := a.licenses.Subscribe()
	defer unsubscribe()
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warnf("License event upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(toEventJSON(ev)); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
