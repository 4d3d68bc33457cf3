package transmux

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/Eyevinn/mp4ff/avc"
	"github.com/asticode/go-astits"
)

const (
	videoPID uint16 = 0x100
	audioPID uint16 = 0x101

	videoStreamID uint8 = 0xE0
	audioStreamID uint8 = 0xC0

	// 33-bit PTS/DTS wrap.
	ptsMask = (1 << 33) - 1
)

var audNALU = []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xF0}

// tsWriter muxes one elementary stream. The muxer lives as long as the
// representation so continuity counters run across segments.
type tsWriter struct {
	info *InitInfo
	buf  bytes.Buffer
	mux  *astits.Muxer
	pid  uint16
}

func newTSWriter(ctx context.Context, info *InitInfo) (*tsWriter, error) {
	w := &tsWriter{info: info}
	w.mux = astits.NewMuxer(ctx, &w.buf)

	es := astits.PMTElementaryStream{ElementaryPID: videoPID, StreamType: astits.StreamTypeH264Video}
	if info.Kind == Audio {
		es = astits.PMTElementaryStream{ElementaryPID: audioPID, StreamType: astits.StreamTypeAACAudio}
	}
	w.pid = es.ElementaryPID
	if err := w.mux.AddElementaryStream(es); err != nil {
		return nil, fmt.Errorf("adding elementary stream: %w", err)
	}
	w.mux.SetPCRPID(w.pid)
	return w, nil
}

// timedSample is a decrypted sample with output timestamps in 90 kHz.
type timedSample struct {
	sample
	pts90 int64
	dts90 int64
}

// segment writes one TS segment: PAT/PMT first, then one PES per sample.
func (w *tsWriter) segment(samples []timedSample) ([]byte, error) {
	w.buf.Reset()
	if _, err := w.mux.WriteTables(); err != nil {
		return nil, fmt.Errorf("writing tables: %w", err)
	}

	for i, s := range samples {
		var payload []byte
		var err error
		if w.info.Kind == Video {
			payload = w.annexB(s)
		} else {
			payload, err = w.adts(s.data)
			if err != nil {
				return nil, err
			}
		}

		header := &astits.PESOptionalHeader{
			MarkerBits:      2,
			PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
			PTS:             &astits.ClockReference{Base: s.pts90 & ptsMask},
		}
		streamID := audioStreamID
		if w.info.Kind == Video {
			streamID = videoStreamID
			header.DataAlignmentIndicator = true
			if s.pts90 != s.dts90 {
				header.PTSDTSIndicator = astits.PTSDTSIndicatorBothPresent
				header.DTS = &astits.ClockReference{Base: s.dts90 & ptsMask}
			}
		}

		af := &astits.PacketAdaptationField{RandomAccessIndicator: s.sync || w.info.Kind == Audio}
		if i == 0 || (w.info.Kind == Video && s.sync) {
			af.HasPCR = true
			af.PCR = &astits.ClockReference{Base: s.dts90 & ptsMask}
		}

		_, err = w.mux.WriteData(&astits.MuxerData{
			PID:             w.pid,
			AdaptationField: af,
			PES: &astits.PESData{
				Header: &astits.PESHeader{StreamID: streamID, OptionalHeader: header},
				Data:   payload,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("writing PES: %w", err)
		}
	}

	out := make([]byte, w.buf.Len())
	copy(out, w.buf.Bytes())
	return out, nil
}

// annexB turns a length-prefixed AVC sample into a byte stream access unit
// with an access unit delimiter and, on key frames, the parameter sets.
func (w *tsWriter) annexB(s timedSample) []byte {
	out := make([]byte, 0, len(s.data)+64)
	out = append(out, audNALU...)
	if s.sync {
		for _, sps := range w.info.SPS {
			out = append(out, 0, 0, 0, 1)
			out = append(out, sps...)
		}
		for _, pps := range w.info.PPS {
			out = append(out, 0, 0, 0, 1)
			out = append(out, pps...)
		}
	}
	data := append([]byte(nil), s.data...)
	return append(out, avc.ConvertSampleToByteStream(data)...)
}

func (w *tsWriter) adts(frame []byte) ([]byte, error) {
	hdr, err := aac.NewADTSHeader(w.info.SampleRate, byte(w.info.Channels), w.info.AudioObjectType, uint16(len(frame)))
	if err != nil {
		return nil, fmt.Errorf("adts header: %w", err)
	}
	out := hdr.Encode()
	return append(out, frame...), nil
}
