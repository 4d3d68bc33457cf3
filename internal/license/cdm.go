package license

import "time"

// CDM is the opaque decryption engine. All methods are called from the
// manager's queue, never concurrently.
type CDM interface {
	Initialize(host Host) error
	CreateSession(id uint32, typ SessionType, init InitData) error
	LoadSession(id uint32, webSessionID string) error
	UpdateSession(id uint32, response []byte) error
	CloseSession(id uint32) error
	// RemoveSession deletes the stored key package of a persistent session.
	RemoveSession(webSessionID string) error
	// Decrypt returns models.ErrNoKey for unknown key ids and models.ErrRetry
	// when the engine is temporarily unable to serve the request.
	Decrypt(req DecryptRequest) ([]byte, error)
	TimerExpired(timerCtx any)
	Deinitialize()
}

// Host is what the engine may call back into. Callbacks are only valid
// while the engine is executing one of its CDM methods.
type Host interface {
	// SetTimer asks for TimerExpired(timerCtx) after delay. sessionID 0 means
	// the timer is not bound to a session.
	SetTimer(sessionID uint32, delay time.Duration, timerCtx any)
	OnSessionCreated(id uint32, webSessionID string)
	OnSessionMessage(id uint32, kind MessageType, message []byte, destinationURL string)
	OnSessionKeysChange(id uint32, keys []KeyStatus)
	OnSessionClosed(id uint32)
	OnSessionError(id uint32, err error)
	Storage() Storage
}

// Storage holds named blobs for the engine. Calls complete synchronously.
type Storage interface {
	Read(name string) ([]byte, error)
	Write(name string, data []byte) error
	Exists(name string) bool
	Size(name string) (int64, error)
	Remove(name string) error
}
