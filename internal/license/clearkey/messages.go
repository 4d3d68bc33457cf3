package clearkey

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"cdmhls/internal/license"

	"github.com/Eyevinn/mp4ff/mp4"
)

// Request is the W3C ClearKey license request body.
type Request struct {
	KIDs []string `json:"kids"`
	Type string   `json:"type"`
}

// JWK is one symmetric key of a license response.
type JWK struct {
	Kty string `json:"kty"`
	KID string `json:"kid"`
	K   string `json:"k"`
}

// Response is the W3C ClearKey license response body.
type Response struct {
	Keys []JWK  `json:"keys"`
	Type string `json:"type,omitempty"`
}

var b64 = base64.RawURLEncoding

// EncodeKID renders a key id the way ClearKey messages carry it.
func EncodeKID(kid []byte) string { return b64.EncodeToString(kid) }

// DecodeKID parses a base64url key id, tolerating padding.
func DecodeKID(s string) ([]byte, error) {
	return b64.DecodeString(trimPadding(s))
}

func trimPadding(s string) string {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return s
}

// KeyIDs extracts the key ids announced by init data.
func KeyIDs(init license.InitData) ([][]byte, error) {
	switch init.Type {
	case "keyids":
		var req Request
		if err := json.Unmarshal(init.Data, &req); err != nil {
			return nil, fmt.Errorf("keyids init data: %w", err)
		}
		var kids [][]byte
		for _, s := range req.KIDs {
			kid, err := DecodeKID(s)
			if err != nil {
				return nil, fmt.Errorf("keyids init data: %w", err)
			}
			kids = append(kids, kid)
		}
		return kids, nil
	case "cenc":
		return psshKeyIDs(init.Data)
	default:
		return nil, fmt.Errorf("unsupported init data type %q", init.Type)
	}
}

// psshKeyIDs collects the key ids listed by version 1 pssh boxes.
func psshKeyIDs(data []byte) ([][]byte, error) {
	var kids [][]byte
	r := bytes.NewReader(data)
	var pos uint64
	for r.Len() > 0 {
		box, err := mp4.DecodeBox(pos, r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("pssh init data: %w", err)
		}
		pos += box.Size()
		pssh, ok := box.(*mp4.PsshBox)
		if !ok {
			continue
		}
		for _, kid := range pssh.KIDs {
			kids = appendUnique(kids, []byte(kid))
		}
	}
	return kids, nil
}

func appendUnique(kids [][]byte, kid []byte) [][]byte {
	for _, k := range kids {
		if bytes.Equal(k, kid) {
			return kids
		}
	}
	return append(kids, kid)
}

// ParseResponse decodes a JWK set into key id (hex) to key bytes.
func ParseResponse(data []byte) (map[string][]byte, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("license response: %w", err)
	}
	if len(resp.Keys) == 0 {
		return nil, fmt.Errorf("license response carries no keys")
	}
	keys := make(map[string][]byte, len(resp.Keys))
	for _, jwk := range resp.Keys {
		if jwk.Kty != "oct" {
			return nil, fmt.Errorf("license response: unsupported key type %q", jwk.Kty)
		}
		kid, err := DecodeKID(jwk.KID)
		if err != nil || len(kid) != 16 {
			return nil, fmt.Errorf("license response: bad kid %q", jwk.KID)
		}
		key, err := DecodeKID(jwk.K)
		if err != nil || len(key) != 16 {
			return nil, fmt.Errorf("license response: bad key for kid %q", jwk.KID)
		}
		keys[hex.EncodeToString(kid)] = key
	}
	return keys, nil
}

// NewResponse builds the JWK set for the given key id (hex) to key map.
func NewResponse(keys map[string][]byte, typ string) ([]byte, error) {
	resp := Response{Type: typ}
	for kidHex, key := range keys {
		kid, err := hex.DecodeString(kidHex)
		if err != nil {
			return nil, err
		}
		resp.Keys = append(resp.Keys, JWK{Kty: "oct", KID: EncodeKID(kid), K: EncodeKID(key)})
	}
	return json.Marshal(resp)
}

// InitData builds license init data for a protected asset: its pssh boxes
// when there are any, otherwise a key id list naming kids.
func InitData(pssh []byte, kids [][]byte) (license.InitData, bool) {
	if len(pssh) > 0 {
		return license.InitData{Type: "cenc", Data: pssh}, true
	}
	var req Request
	seen := make(map[string]bool)
	for _, kid := range kids {
		if len(kid) == 0 || seen[string(kid)] {
			continue
		}
		seen[string(kid)] = true
		req.KIDs = append(req.KIDs, EncodeKID(kid))
	}
	if len(req.KIDs) == 0 {
		return license.InitData{}, false
	}
	data, err := json.Marshal(req)
	if err != nil {
		return license.InitData{}, false
	}
	return license.InitData{Type: "keyids", Data: data}, true
}
