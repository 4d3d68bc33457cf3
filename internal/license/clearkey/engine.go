// Package clearkey implements license.CDM for the W3C ClearKey system: JSON
// key id requests, JWK set responses and AES-CTR/CBC sample decryption.
package clearkey

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"cdmhls/internal/license"
	"cdmhls/internal/models"

	"github.com/google/uuid"
)

// Engine is a ClearKey CDM. It is not safe for concurrent use; the license
// manager serializes every call.
type Engine struct {
	host     license.Host
	renewal  time.Duration
	sessions map[uint32]*session
}

type session struct {
	webID   string
	typ     license.SessionType
	request []byte
	kids    [][]byte
	keys    map[string][]byte
}

type renewTimer struct {
	session uint32
}

// stored is the persisted form of a persistent-license session.
type stored struct {
	KIDs []string `json:"kids"`
	Keys []JWK    `json:"keys"`
}

// New creates an engine. A positive renewal asks the host to re-send the
// license request that often once a session is active.
func New(renewal time.Duration) *Engine {
	return &Engine{renewal: renewal, sessions: make(map[uint32]*session)}
}

func (e *Engine) Initialize(host license.Host) error {
	e.host = host
	return nil
}

func (e *Engine) CreateSession(id uint32, typ license.SessionType, init license.InitData) error {
	kids, err := KeyIDs(init)
	if err != nil {
		return err
	}
	if len(kids) == 0 {
		return fmt.Errorf("init data names no key ids")
	}

	req := Request{Type: typ.String()}
	for _, kid := range kids {
		req.KIDs = append(req.KIDs, EncodeKID(kid))
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	s := &session{webID: uuid.NewString(), typ: typ, request: body, kids: kids, keys: make(map[string][]byte)}
	e.sessions[id] = s
	e.host.OnSessionCreated(id, s.webID)
	e.host.OnSessionKeysChange(id, s.statuses())
	e.host.OnSessionMessage(id, license.LicenseRequest, body, "")
	return nil
}

func (e *Engine) LoadSession(id uint32, webSessionID string) error {
	data, err := e.host.Storage().Read(webSessionID)
	if err != nil {
		return err
	}
	var st stored
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("%w: stored license %s: %v", models.ErrStorage, webSessionID, err)
	}
	resp, err := json.Marshal(Response{Keys: st.Keys})
	if err != nil {
		return err
	}
	keys, err := ParseResponse(resp)
	if err != nil {
		return err
	}

	s := &session{webID: webSessionID, typ: license.PersistentLicense, keys: keys}
	for _, k := range st.KIDs {
		kid, err := DecodeKID(k)
		if err != nil {
			return err
		}
		s.kids = append(s.kids, kid)
	}
	e.sessions[id] = s
	e.host.OnSessionCreated(id, webSessionID)
	e.host.OnSessionKeysChange(id, s.statuses())
	return nil
}

func (e *Engine) UpdateSession(id uint32, response []byte) error {
	s, ok := e.sessions[id]
	if !ok {
		return fmt.Errorf("unknown session %d", id)
	}
	keys, err := ParseResponse(response)
	if err != nil {
		return err
	}
	for kid, key := range keys {
		s.keys[kid] = key
	}
	e.host.OnSessionKeysChange(id, s.statuses())

	if s.typ == license.PersistentLicense {
		if err := e.persist(s); err != nil {
			return err
		}
	}
	if e.renewal > 0 {
		e.host.SetTimer(id, e.renewal, renewTimer{session: id})
	}
	return nil
}

func (e *Engine) CloseSession(id uint32) error {
	if _, ok := e.sessions[id]; !ok {
		return nil
	}
	delete(e.sessions, id)
	e.host.OnSessionClosed(id)
	return nil
}

func (e *Engine) RemoveSession(webSessionID string) error {
	return e.host.Storage().Remove(webSessionID)
}

func (e *Engine) Decrypt(req license.DecryptRequest) ([]byte, error) {
	kid := hex.EncodeToString(req.KeyID)
	for _, s := range e.sessions {
		if key, ok := s.keys[kid]; ok {
			return decryptSample(key, req)
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrNoKey, kid)
}

func (e *Engine) TimerExpired(timerCtx any) {
	t, ok := timerCtx.(renewTimer)
	if !ok {
		return
	}
	s, ok := e.sessions[t.session]
	if !ok || s.request == nil {
		return
	}
	e.host.OnSessionMessage(t.session, license.LicenseRenewal, s.request, "")
}

func (e *Engine) Deinitialize() {
	e.sessions = make(map[uint32]*session)
}

func (e *Engine) persist(s *session) error {
	st := stored{}
	for _, kid := range s.kids {
		st.KIDs = append(st.KIDs, EncodeKID(kid))
	}
	for kidHex, key := range s.keys {
		kid, _ := hex.DecodeString(kidHex)
		st.Keys = append(st.Keys, JWK{Kty: "oct", KID: EncodeKID(kid), K: EncodeKID(key)})
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return e.host.Storage().Write(s.webID, data)
}

func (s *session) statuses() []license.KeyStatus {
	var out []license.KeyStatus
	for _, kid := range s.kids {
		status := license.KeyPending
		if _, ok := s.keys[hex.EncodeToString(kid)]; ok {
			status = license.KeyUsable
		}
		out = append(out, license.KeyStatus{KeyID: kid, Status: status})
	}
	// Keys granted beyond the request are usable as well.
	for kidHex := range s.keys {
		kid, _ := hex.DecodeString(kidHex)
		if !contains(s.kids, kid) {
			out = append(out, license.KeyStatus{KeyID: kid, Status: license.KeyUsable})
		}
	}
	return out
}

func contains(kids [][]byte, kid []byte) bool {
	for _, k := range kids {
		if string(k) == string(kid) {
			return true
		}
	}
	return false
}
