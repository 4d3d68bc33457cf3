package transmux

import (
	"context"

	"cdmhls/internal/metrics"
	"cdmhls/internal/models"
)

// tsBase lifts output timestamps so composition offsets never go negative.
const tsBase = 10 * 90000

// State is the single-writer transmux context of one representation: the
// TS muxer and the running timestamp offset.
type State struct {
	info   *InitInfo
	writer *tsWriter

	started     bool
	lastOrdinal uint64
	// offset is added to source timestamps, in 90 kHz.
	offset  int64
	nextDTS int64
}

func newState(ctx context.Context, info *InitInfo) (*State, error) {
	w, err := newTSWriter(ctx, info)
	if err != nil {
		return nil, err
	}
	return &State{info: info, writer: w}, nil
}

func (st *State) to90k(t uint64) int64 {
	return rescale(t, st.info.Timescale)
}

// rescale converts t from timescale to 90 kHz without overflowing on
// large live timestamps.
func rescale(t uint64, timescale uint32) int64 {
	ts := uint64(timescale)
	return int64(t/ts*90000 + t%ts*90000/ts)
}

// Write converts the samples of seg to TS. Consecutive ordinals continue
// exactly where the previous segment ended; any other ordinal resets the
// timeline to the segment's nominal start time.
func (st *State) Write(seg models.Segment, samples []sample) ([]byte, error) {
	firstDTS := st.to90k(samples[0].dts)

	if !st.started || seg.Ordinal != st.lastOrdinal+1 {
		if st.started {
			metrics.TransmuxResetsTotal.Inc()
		}
		start := firstDTS
		if seg.Timescale > 0 {
			start = rescale(seg.Time, seg.Timescale)
		}
		st.offset = tsBase + start - firstDTS
	} else {
		st.offset = st.nextDTS - firstDTS
	}

	timed := make([]timedSample, len(samples))
	for i, s := range samples {
		timed[i] = timedSample{
			sample: s,
			dts90:  st.to90k(s.dts) + st.offset,
			pts90:  st.to90k(s.pts()) + st.offset,
		}
	}

	out, err := st.writer.segment(timed)
	if err != nil {
		return nil, err
	}
	last := samples[len(samples)-1]
	st.nextDTS = st.to90k(last.dts+uint64(last.dur)) + st.offset
	st.lastOrdinal = seg.Ordinal
	st.started = true
	return out, nil
}
