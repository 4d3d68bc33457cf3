package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// KeyPair is a content key together with the key id it unlocks.
type KeyPair struct {
	KID []byte
	Key []byte
}

// Asset defines the final, processed structure for a single playable asset.
type Asset struct {
	Name        string
	Id          string
	ManifestURL string
	// Keys are the processed content keys, decoded from 'kid:key' hex strings.
	Keys []KeyPair
	// Offline assets are downloaded in full and played from local storage.
	Offline bool
}

// License configures the license exchange.
type License struct {
	ServerURL         string
	MaxAttempts       int
	RetryDelay        time.Duration
	RequestTimeout    time.Duration
	RequestsPerSecond float64
}

// Download configures the shared download pool.
type Download struct {
	Concurrency    int
	MaxAttempts    int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
}

// Transmux configures per-representation conversion.
type Transmux struct {
	DecryptAttempts  int
	DecryptBackoff   time.Duration
	EvictionInterval time.Duration
}

// Config holds the fully processed application configuration.
type Config struct {
	Name       string
	Listen     string
	LogLevel   string
	UserAgent  string
	StorageDir string
	License    License
	Download   Download
	Transmux   Transmux
	Assets     []Asset
}

// rawAsset is used for intermediate unmarshaling from the YAML file,
// to handle the specific format of the "keys" field.
type rawAsset struct {
	Name        string   `yaml:"name"`
	Id          string   `yaml:"id"`
	ManifestURL string   `yaml:"manifest"`
	Keys        []string `yaml:"keys"` // Raw 'kid:key' strings
	Offline     bool     `yaml:"offline"`
}

type rawLicense struct {
	ServerURL         string        `yaml:"server_url"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type rawDownload struct {
	Concurrency    int           `yaml:"concurrency"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type rawTransmux struct {
	DecryptAttempts  int           `yaml:"decrypt_attempts"`
	DecryptBackoff   time.Duration `yaml:"decrypt_backoff"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
}

// rawConfig is the intermediate structure that maps directly to the YAML file.
type rawConfig struct {
	Name       string      `yaml:"name"`
	Listen     string      `yaml:"listen"`
	LogLevel   string      `yaml:"log_level"`
	UserAgent  string      `yaml:"user_agent"`
	StorageDir string      `yaml:"storage_dir"`
	License    rawLicense  `yaml:"license"`
	Download   rawDownload `yaml:"download"`
	Transmux   rawTransmux `yaml:"transmux"`
	Assets     []rawAsset  `yaml:"assets"`
}

// LoadConfig reads and parses the configuration file from the given path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, rejecting unknown fields, and applies defaults.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	assets := make([]Asset, 0, len(raw.Assets))
	for _, ra := range raw.Assets {
		keys, err := parseKeys(ra.Id, ra.Keys)
		if err != nil {
			return nil, err
		}
		assets = append(assets, Asset{
			Name:        ra.Name,
			Id:          ra.Id,
			ManifestURL: ra.ManifestURL,
			Keys:        keys,
			Offline:     ra.Offline,
		})
	}

	cfg := &Config{
		Name:       raw.Name,
		Listen:     raw.Listen,
		LogLevel:   raw.LogLevel,
		UserAgent:  raw.UserAgent,
		StorageDir: raw.StorageDir,
		License: License{
			ServerURL:         raw.License.ServerURL,
			MaxAttempts:       raw.License.MaxAttempts,
			RetryDelay:        raw.License.RetryDelay,
			RequestTimeout:    raw.License.RequestTimeout,
			RequestsPerSecond: raw.License.RequestsPerSecond,
		},
		Download: Download{
			Concurrency:    raw.Download.Concurrency,
			MaxAttempts:    raw.Download.MaxAttempts,
			RetryDelay:     raw.Download.RetryDelay,
			RequestTimeout: raw.Download.RequestTimeout,
		},
		Transmux: Transmux{
			DecryptAttempts:  raw.Transmux.DecryptAttempts,
			DecryptBackoff:   raw.Transmux.DecryptBackoff,
			EvictionInterval: raw.Transmux.EvictionInterval,
		},
		Assets: assets,
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseKeys decodes 'kid:key' entries. An asset may not be encrypted.
func parseKeys(assetID string, entries []string) ([]KeyPair, error) {
	var keys []KeyPair
	for _, entry := range entries {
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid key format for asset '%s': expected 'kid:key', got '%s'", assetID, entry)
		}
		kid, err := hex.DecodeString(strings.ReplaceAll(parts[0], "-", ""))
		if err != nil || len(kid) != 16 {
			return nil, fmt.Errorf("failed to decode hex key id for asset '%s': %q", assetID, parts[0])
		}
		key, err := hex.DecodeString(parts[1])
		if err != nil || len(key) != 16 {
			return nil, fmt.Errorf("failed to decode hex key for asset '%s': %q", assetID, parts[1])
		}
		keys = append(keys, KeyPair{KID: kid, Key: key})
	}
	return keys, nil
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "cdmhls"
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StorageDir == "" {
		c.StorageDir = "data"
	}
	if c.License.MaxAttempts <= 0 {
		c.License.MaxAttempts = 5
	}
	if c.License.RetryDelay <= 0 {
		c.License.RetryDelay = 500 * time.Millisecond
	}
	if c.License.RequestTimeout <= 0 {
		c.License.RequestTimeout = 10 * time.Second
	}
	if c.License.RequestsPerSecond <= 0 {
		c.License.RequestsPerSecond = 5
	}
	if c.Download.Concurrency <= 0 {
		c.Download.Concurrency = 8
	}
	if c.Download.MaxAttempts <= 0 {
		c.Download.MaxAttempts = 3
	}
	if c.Download.RetryDelay <= 0 {
		c.Download.RetryDelay = 100 * time.Millisecond
	}
	if c.Download.RequestTimeout <= 0 {
		c.Download.RequestTimeout = 5 * time.Second
	}
	if c.Transmux.DecryptAttempts <= 0 {
		c.Transmux.DecryptAttempts = 20
	}
	if c.Transmux.DecryptBackoff <= 0 {
		c.Transmux.DecryptBackoff = 250 * time.Millisecond
	}
	if c.Transmux.EvictionInterval <= 0 {
		c.Transmux.EvictionInterval = 10 * time.Second
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Assets))
	for _, a := range c.Assets {
		if a.Id == "" {
			return fmt.Errorf("asset '%s' has no id", a.Name)
		}
		if strings.ContainsAny(a.Id, "/?#") {
			return fmt.Errorf("asset id '%s' must not contain URL delimiters", a.Id)
		}
		if _, dup := seen[a.Id]; dup {
			return fmt.Errorf("duplicate asset ID found in config: %s", a.Id)
		}
		seen[a.Id] = struct{}{}
		if a.ManifestURL == "" {
			return fmt.Errorf("asset '%s' has no manifest URL", a.Id)
		}
	}
	return nil
}

// Asset looks up an asset by id.
func (c *Config) Asset(id string) (*Asset, bool) {
	for i := range c.Assets {
		if c.Assets[i].Id == id {
			return &c.Assets[i], true
		}
	}
	return nil, false
}
