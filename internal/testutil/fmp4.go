// Package testutil builds small fragmented MP4 fixtures for tests.
package testutil

import (
	"bytes"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/Eyevinn/mp4ff/mp4"
)

// AACTimescale is the track timescale of the AAC fixtures.
const AACTimescale = 48000

// AACFrameDuration is the duration of one AAC frame in AACTimescale units.
const AACFrameDuration = 1024

// AACInit returns an init segment with one clear AAC-LC track (ID 1).
func AACInit() []byte {
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(AACTimescale, "audio", "und")
	if err := init.Moov.Trak.SetAACDescriptor(aac.AAClc, AACTimescale); err != nil {
		panic(err)
	}
	var buf bytes.Buffer
	if err := init.Encode(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// AACSegment returns a media segment of frames AAC frames starting at
// baseTime. Every frame payload is filled with a byte derived from seq.
func AACSegment(seq uint32, baseTime uint64, frames int) []byte {
	seg := mp4.NewMediaSegment()
	frag, err := mp4.CreateFragment(seq, 1)
	if err != nil {
		panic(err)
	}
	seg.AddFragment(frag)
	for i := 0; i < frames; i++ {
		payload := bytes.Repeat([]byte{byte(seq)}, 32)
		frag.AddFullSample(mp4.FullSample{
			Sample: mp4.Sample{
				Flags: mp4.SyncSampleFlags,
				Dur:   AACFrameDuration,
				Size:  uint32(len(payload)),
			},
			DecodeTime: baseTime + uint64(i*AACFrameDuration),
			Data:       payload,
		})
	}
	var buf bytes.Buffer
	if err := seg.Encode(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
