package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cdmhls/internal/models"
)

// AssetState is the lifecycle of an offline download.
type AssetState string

const (
	AssetDownloading AssetState = "downloading"
	AssetComplete    AssetState = "complete"
	AssetFailed      AssetState = "failed"
)

// CachedAsset is the persisted record of a downloaded asset.
type CachedAsset struct {
	ID           string     `json:"id"`
	ManifestURL  string     `json:"manifest_url"`
	State        AssetState `json:"state"`
	Files        []string   `json:"files"`
	WebSessionID string     `json:"web_session_id,omitempty"`
	Error        string     `json:"error,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

const assetPrefix = "asset:"

// PutAsset stores rec, replacing any previous record with the same id.
func (s *Store) PutAsset(rec *CachedAsset) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	return s.set(assetPrefix+rec.ID, buf)
}

// GetAsset returns the record for id or models.ErrNotFound.
func (s *Store) GetAsset(id string) (*CachedAsset, error) {
	buf, err := s.get(assetPrefix + id)
	if err != nil {
		return nil, err
	}
	var rec CachedAsset
	if err := json.Unmarshal(buf, &rec); err != nil {
		return nil, fmt.Errorf("%w: asset %s: %v", models.ErrStorage, id, err)
	}
	return &rec, nil
}

func (s *Store) DeleteAsset(id string) error {
	return s.delete(assetPrefix + id)
}

// ListAssets returns every stored record.
func (s *Store) ListAssets() ([]*CachedAsset, error) {
	var list []*CachedAsset
	err := s.scan(assetPrefix, func(_ string, val []byte) error {
		var rec CachedAsset
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		list = append(list, &rec)
		return nil
	})
	if err != nil && !errors.Is(err, models.ErrStorage) {
		err = fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	return list, err
}
