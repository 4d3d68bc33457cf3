package transmux

import (
	"testing"

	"cdmhls/internal/models"
	"cdmhls/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadInit_ClearAAC(t *testing.T) {
	info, err := ReadInit(testutil.AACInit(), "mp4a.40.2")
	require.NoError(t, err)
	assert.Equal(t, Audio, info.Kind)
	assert.Equal(t, "mp4a", info.Codec)
	assert.Equal(t, uint32(testutil.AACTimescale), info.Timescale)
	assert.Equal(t, 48000, info.SampleRate)
	assert.False(t, info.Protected)
	assert.NotNil(t, info.trex)
}

func TestReadInit_Garbage(t *testing.T) {
	_, err := ReadInit([]byte{0, 0, 0, 8, 'f', 'r', 'e', 'e', 1, 2}, "")
	assert.ErrorIs(t, err, models.ErrParse)
}

func TestParseSegment_AAC(t *testing.T) {
	info, err := ReadInit(testutil.AACInit(), "mp4a.40.2")
	require.NoError(t, err)

	samples, err := parseSegment(testutil.AACSegment(3, 4096, 4), info)
	require.NoError(t, err)
	require.Len(t, samples, 4)
	assert.Equal(t, uint64(4096), samples[0].dts)
	assert.Equal(t, uint64(4096+3*1024), samples[3].dts)
	assert.Equal(t, uint32(1024), samples[0].dur)
	assert.True(t, samples[0].sync)
	assert.Len(t, samples[0].data, 32)
}

func TestAudioObjectType(t *testing.T) {
	tests := map[string]byte{
		"":                      2,
		"mp4a.40.2":             2,
		"mp4a.40.5":             2,
		"mp4a.40.29":            2,
		"avc1.64001f,mp4a.40.1": 1,
		"mp4a.40.x":             2,
	}
	for codecs, want := range tests {
		assert.Equal(t, want, audioObjectType(codecs), codecs)
	}
}
