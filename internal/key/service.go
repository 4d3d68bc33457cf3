package key

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"cdmhls/internal/config"
	"cdmhls/internal/license/clearkey"
	"cdmhls/internal/logger"
)

const maxRequestSize = 64 * 1024

// Service answers ClearKey license requests from the content keys in the
// configuration. It is initialized once at startup and is safe for
// concurrent reads.
type Service struct {
	keys   map[string][]byte
	logger logger.Logger
}

// NewService collects the keys of every configured asset, indexed by key id.
// The same key id may appear under several assets only with the same key.
func NewService(assets []config.Asset, log logger.Logger) (*Service, error) {
	keyMap := make(map[string][]byte)
	for _, asset := range assets {
		for _, pair := range asset.Keys {
			kid := hex.EncodeToString(pair.KID)
			if existing, exists := keyMap[kid]; exists && !bytes.Equal(existing, pair.Key) {
				return nil, fmt.Errorf("conflicting key for key ID found in config: %s", kid)
			}
			keyMap[kid] = pair.Key
		}
	}

	return &Service{
		keys:   keyMap,
		logger: log,
	}, nil
}

// GetKey retrieves the key for a key id.
// It returns the key and a boolean indicating if the key was found.
func (s *Service) GetKey(kid []byte) ([]byte, bool) {
	// No lock needed as the map is read-only after initialization.
	key, found := s.keys[hex.EncodeToString(kid)]
	return key, found
}

// Len returns the number of known keys.
func (s *Service) Len() int {
	return len(s.keys)
}

// ServeHTTP answers a ClearKey license request with the subset of requested
// keys it knows. A request for which no key is known gets 404.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		http.Error(w, "cannot read request", http.StatusBadRequest)
		return
	}
	var req clearkey.Request
	if err := json.Unmarshal(body, &req); err != nil || len(req.KIDs) == 0 {
		http.Error(w, "malformed license request", http.StatusBadRequest)
		return
	}

	granted := make(map[string][]byte)
	for _, encoded := range req.KIDs {
		kid, err := clearkey.DecodeKID(encoded)
		if err != nil {
			http.Error(w, "malformed key id", http.StatusBadRequest)
			return
		}
		if key, ok := s.GetKey(kid); ok {
			granted[hex.EncodeToString(kid)] = key
		}
	}
	if len(granted) == 0 {
		s.logger.Warnf("License request for unknown key ids %v", req.KIDs)
		http.Error(w, "no keys for request", http.StatusNotFound)
		return
	}

	resp, err := clearkey.NewResponse(granted, req.Type)
	if err != nil {
		http.Error(w, "cannot build license", http.StatusInternalServerError)
		return
	}
	s.logger.Debugf("Granted %d of %d requested keys", len(granted), len(req.KIDs))
	w.Header().Set("Content-Type", "application/json")
	w.Write(resp)
}
