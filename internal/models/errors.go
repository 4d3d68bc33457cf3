package models

import "errors"

// Error kinds shared by every component. Callers classify with errors.Is.
var (
	ErrParse                 = errors.New("parse error")
	ErrMalformedManifest     = wrapKind(ErrParse, "malformed manifest")
	ErrUnsupportedAddressing = wrapKind(ErrParse, "unsupported segment addressing")
	ErrEmptyManifest         = wrapKind(ErrParse, "manifest has no playable representations")

	ErrNetwork  = errors.New("network error")
	ErrNotFound = errors.New("not found")
	// ErrCancelled is reported when a transfer or operation was aborted on request.
	ErrCancelled = errors.New("cancelled")

	ErrNoKey              = errors.New("no key for key id")
	ErrRetry              = errors.New("decryption backend busy")
	ErrDecryptUnavailable = errors.New("decryption unavailable")
	ErrSession            = errors.New("license session error")
	ErrStorage            = errors.New("storage error")

	ErrInitializationFailed = errors.New("initialization segment unusable")
	ErrAssetNotPlayable     = errors.New("asset cannot be played")
	ErrAlreadyDownloading   = errors.New("asset is already downloading")
)

type kindError struct {
	parent error
	msg    string
}

func wrapKind(parent error, msg string) error {
	return &kindError{parent: parent, msg: msg}
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.parent }
