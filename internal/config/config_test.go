package config

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
name: mytv
user_agent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)"
storage_dir: /var/lib/cdmhls
license:
  server_url: http://127.0.0.1:8080/license
  max_attempts: 3
download:
  concurrency: 4
  retry_delay: 50ms
assets:
  - name: "SUPER FREE (免費)"
    id: superfree
    manifest: https://origin.example.com/CWIN/manifest.mpd
    keys:
      - "0737b75ee8906c00bb7bb8f666da72a0:15f515458cdb5107452f943a111cbe89"
  - name: Movie
    id: movie
    manifest: https://origin.example.com/movie/manifest.mpd
    offline: true
`

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(testConfigYAML), 0o644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "mytv", cfg.Name)
	assert.Equal(t, "/var/lib/cdmhls", cfg.StorageDir)
	assert.Equal(t, 3, cfg.License.MaxAttempts)
	assert.Equal(t, 4, cfg.Download.Concurrency)
	assert.Equal(t, 50*time.Millisecond, cfg.Download.RetryDelay)
	require.Len(t, cfg.Assets, 2)

	a1 := cfg.Assets[0]
	assert.Equal(t, "superfree", a1.Id)
	assert.Equal(t, "SUPER FREE (免費)", a1.Name)
	require.Len(t, a1.Keys, 1)
	expectedKID, _ := hex.DecodeString("0737b75ee8906c00bb7bb8f666da72a0")
	expectedKey, _ := hex.DecodeString("15f515458cdb5107452f943a111cbe89")
	assert.True(t, bytes.Equal(expectedKID, a1.Keys[0].KID))
	assert.True(t, bytes.Equal(expectedKey, a1.Keys[0].Key))

	a2, ok := cfg.Asset("movie")
	require.True(t, ok)
	assert.True(t, a2.Offline)
	assert.Empty(t, a2.Keys)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("assets: []\n"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8, cfg.Download.Concurrency)
	assert.Equal(t, 3, cfg.Download.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Download.RequestTimeout)
	assert.Equal(t, 10*time.Second, cfg.Transmux.EvictionInterval)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "listen: ':80'\nbogus: 1\n"},
		{"bad key format", "assets:\n  - id: a\n    manifest: http://x/m.mpd\n    keys: ['deadbeef']\n"},
		{"bad key hex", "assets:\n  - id: a\n    manifest: http://x/m.mpd\n    keys: ['zz:yy']\n"},
		{"duplicate id", "assets:\n  - id: a\n    manifest: http://x/1.mpd\n  - id: a\n    manifest: http://x/2.mpd\n"},
		{"missing manifest", "assets:\n  - id: a\n"},
		{"slash in id", "assets:\n  - id: a/b\n    manifest: http://x/m.mpd\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
