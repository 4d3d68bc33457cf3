package testutil

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/Eyevinn/mp4ff/mp4"
)

// AVCTimescale is the track timescale of the AVC fixtures.
const AVCTimescale = 90000

// AVCFrameDuration is one frame at 30 fps in AVCTimescale units.
const AVCFrameDuration = 3000

// avcSliceSize is long enough for cenc to protect part of every slice.
const avcSliceSize = 200

var (
	avcSPS = mustHex("6764001eacd940a02ff9610000030001000003003c8f162d96")
	avcPPS = mustHex("68ebecb22c")
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// AVCParameterSets returns the SPS and PPS of the AVC fixtures.
func AVCParameterSets() (sps, pps []byte) {
	return append([]byte(nil), avcSPS...), append([]byte(nil), avcPPS...)
}

// AVCInit returns an init segment with one clear avc1 track (ID 1).
func AVCInit() []byte {
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(AVCTimescale, "video", "und")
	if err := init.Moov.Trak.SetAVCDescriptor("avc1", [][]byte{avcSPS}, [][]byte{avcPPS}, true); err != nil {
		panic(err)
	}
	var buf bytes.Buffer
	if err := init.Encode(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// AVCSlice returns the slice NAL unit of frame i in segment seq: an IDR slice
// for the first frame, a non-IDR slice otherwise.
func AVCSlice(seq uint32, i int) []byte {
	nalu := bytes.Repeat([]byte{byte(seq)<<4 | byte(i)}, avcSliceSize)
	nalu[0] = 0x41
	if i == 0 {
		nalu[0] = 0x65
	}
	return nalu
}

// AVCSegment returns a media segment of frames length-prefixed AVC samples
// starting at baseTime. Only the first frame is a sync sample.
func AVCSegment(seq uint32, baseTime uint64, frames int) []byte {
	seg := mp4.NewMediaSegment()
	frag, err := mp4.CreateFragment(seq, 1)
	if err != nil {
		panic(err)
	}
	seg.AddFragment(frag)
	for i := 0; i < frames; i++ {
		nalu := AVCSlice(seq, i)
		payload := binary.BigEndian.AppendUint32(nil, uint32(len(nalu)))
		payload = append(payload, nalu...)
		flags := mp4.NonSyncSampleFlags
		if i == 0 {
			flags = mp4.SyncSampleFlags
		}
		frag.AddFullSample(mp4.FullSample{
			Sample: mp4.Sample{
				Flags: flags,
				Dur:   AVCFrameDuration,
				Size:  uint32(len(payload)),
			},
			DecodeTime: baseTime + uint64(i*AVCFrameDuration),
			Data:       payload,
		})
	}
	var buf bytes.Buffer
	if err := seg.Encode(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
