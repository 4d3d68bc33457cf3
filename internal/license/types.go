// Package license hosts a content decryption module (CDM) and drives its
// license sessions through a serial queue: session creation and loading,
// license exchanges, key statuses, timers and persistent storage.
package license

import (
	"bytes"
	"encoding/hex"
	"time"
)

// SessionType selects whether a session's keys survive the process.
type SessionType int

const (
	Temporary SessionType = iota
	PersistentLicense
)

func (t SessionType) String() string {
	if t == PersistentLicense {
		return "persistent-license"
	}
	return "temporary"
}

// State is a license session's position in its lifecycle.
type State int

const (
	StateCreated State = iota
	StateRequestPending
	StateActive
	StateReleasePending
	StateReleased
	StateError
)

var stateNames = [...]string{"created", "request-pending", "active", "release-pending", "released", "error"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// legal lists the permitted transitions. Error is reachable from every
// non-terminal state and is absorbing.
var legal = map[State][]State{
	StateCreated:        {StateRequestPending, StateActive, StateReleasePending},
	StateRequestPending: {StateActive, StateReleasePending},
	StateActive:         {StateReleasePending},
	StateReleasePending: {StateReleased},
}

func canTransition(from, to State) bool {
	if to == StateError {
		return from != StateError && from != StateReleased
	}
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// KeyState is the usability of one content key.
type KeyState string

const (
	KeyUsable  KeyState = "usable"
	KeyExpired KeyState = "expired"
	KeyPending KeyState = "pending"
)

// KeyStatus pairs a key id with its state.
type KeyStatus struct {
	KeyID  []byte
	Status KeyState
}

func (k KeyStatus) String() string {
	return hex.EncodeToString(k.KeyID) + "=" + string(k.Status)
}

// InitData is what the engine needs to build a license request. Type is
// "cenc" (concatenated pssh boxes) or "keyids" (JSON key id list).
type InitData struct {
	Type string
	Data []byte
}

// MessageType classifies messages the engine wants delivered to a license server.
type MessageType int

const (
	LicenseRequest MessageType = iota
	LicenseRenewal
	LicenseRelease
)

// Scheme is the common encryption protection scheme of a sample.
type Scheme string

const (
	SchemeCENC Scheme = "cenc"
	SchemeCBCS Scheme = "cbcs"
)

// Subsample splits a sample into a clear prefix and an encrypted remainder.
type Subsample struct {
	Clear     uint32
	Protected uint32
}

// DecryptRequest carries one encrypted sample.
type DecryptRequest struct {
	KeyID  []byte
	IV     []byte
	Scheme Scheme
	// CryptByteBlock and SkipByteBlock describe the cbcs pattern in 16-byte blocks.
	CryptByteBlock uint8
	SkipByteBlock  uint8
	// Subsamples is empty when the whole sample is encrypted.
	Subsamples []Subsample
	Data       []byte
}

// Info is a snapshot of one session for reporting.
type Info struct {
	ID           uint32
	WebSessionID string
	Type         SessionType
	State        State
	Keys         []KeyStatus
	CreatedAt    time.Time
}

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventSessionCreated EventKind = iota
	EventMessage
	EventKeysChange
	EventStateChange
)

// Event is published to subscribers as sessions evolve.
type Event struct {
	Kind         EventKind
	SessionID    uint32
	WebSessionID string
	State        State
	MessageType  MessageType
	Message      []byte
	Keys         []KeyStatus
	Err          error
}

func hasUsableKey(keys []KeyStatus, kid []byte) (found, usable bool) {
	for _, k := range keys {
		if bytes.Equal(k.KeyID, kid) {
			return true, k.Status == KeyUsable
		}
	}
	return false, false
}
