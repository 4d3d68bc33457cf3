package transmux

import (
	"fmt"

	"cdmhls/internal/license"
	"cdmhls/internal/models"

	"github.com/Eyevinn/mp4ff/bits"
	"github.com/Eyevinn/mp4ff/mp4"
)

// sample is one access unit in track timescale.
type sample struct {
	dts  uint64
	cto  int32
	dur  uint32
	sync bool
	data []byte

	// Encryption parameters, unset for clear samples. kid is nil when the
	// track's default key applies. clear marks a sample its seig group leaves
	// unprotected inside a protected track.
	clear      bool
	kid        []byte
	iv         []byte
	subsamples []license.Subsample
}

func (s sample) pts() uint64 {
	return uint64(int64(s.dts) + int64(s.cto))
}

// parseSegment extracts the samples of every fragment in a media segment.
func parseSegment(data []byte, info *InitInfo) ([]sample, error) {
	f, err := mp4.DecodeFileSR(bits.NewFixedSliceReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding media segment: %v", models.ErrParse, err)
	}

	var out []sample
	for _, seg := range f.Segments {
		for _, frag := range seg.Fragments {
			samples, err := fragmentSamples(frag, info)
			if err != nil {
				return nil, err
			}
			out = append(out, samples...)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: media segment has no samples", models.ErrParse)
	}
	return out, nil
}

func fragmentSamples(frag *mp4.Fragment, info *InitInfo) ([]sample, error) {
	traf := frag.Moof.Traf
	if traf == nil {
		return nil, fmt.Errorf("%w: fragment without traf", models.ErrParse)
	}

	var senc *mp4.SencBox
	if info.Protected {
		hasSenc, parsed := traf.ContainsSencBox()
		if hasSenc {
			if traf.Senc != nil {
				senc = traf.Senc
			} else {
				senc = traf.UUIDSenc.Senc
			}
			if !parsed {
				if err := senc.ParseReadBox(info.IVSize, traf.Saiz); err != nil {
					return nil, fmt.Errorf("%w: senc: %v", models.ErrParse, err)
				}
			}
		}
	}

	full, err := frag.GetFullSamples(info.trex)
	if err != nil {
		return nil, fmt.Errorf("%w: samples: %v", models.ErrParse, err)
	}
	var groups []*mp4.SeigSampleGroupEntry
	if info.Protected {
		if groups, err = seigGroups(traf, info, len(full)); err != nil {
			return nil, err
		}
	}

	out := make([]sample, len(full))
	for i, fs := range full {
		s := sample{
			dts:  fs.DecodeTime,
			cto:  fs.CompositionTimeOffset,
			dur:  fs.Dur,
			sync: fs.IsSync(),
			data: fs.Data,
		}
		if info.Protected && i < len(groups) && groups[i] != nil {
			g := groups[i]
			s.clear = g.IsProtected == 0
			s.kid = g.KID
			if len(g.ConstantIV) > 0 {
				s.iv = g.ConstantIV
			}
		}
		if info.Protected && !s.clear {
			if len(s.iv) == 0 {
				s.iv = info.ConstantIV
			}
			if senc != nil {
				if i < len(senc.IVs) && len(senc.IVs[i]) > 0 {
					s.iv = senc.IVs[i]
				}
				if i < len(senc.SubSamples) {
					for _, p := range senc.SubSamples[i] {
						s.subsamples = append(s.subsamples, license.Subsample{
							Clear:     uint32(p.BytesOfClearData),
							Protected: p.BytesOfProtectedData,
						})
					}
				}
			}
			if len(s.iv) == 0 {
				return nil, fmt.Errorf("%w: protected sample %d has no iv", models.ErrParse, i)
			}
		}
		out[i] = s
	}
	return out, nil
}

// seigGroups assigns every sample of a fragment its seig sample group entry,
// nil where the track defaults apply. Group description indices above 0x10000
// refer to the fragment's own sgpd, the rest to the init segment's.
func seigGroups(traf *mp4.TrafBox, info *InitInfo, n int) ([]*mp4.SeigSampleGroupEntry, error) {
	var (
		sbgp  *mp4.SbgpBox
		local []*mp4.SeigSampleGroupEntry
	)
	for _, child := range traf.Children {
		switch box := child.(type) {
		case *mp4.SbgpBox:
			if box.GroupingType == "seig" {
				sbgp = box
			}
		case *mp4.SgpdBox:
			if box.GroupingType == "seig" {
				local = seigEntries(box)
			}
		}
	}
	if sbgp == nil {
		return nil, nil
	}

	out := make([]*mp4.SeigSampleGroupEntry, n)
	next := 0
	for run, count := range sbgp.SampleCounts {
		if run >= len(sbgp.GroupDescriptionIndices) {
			break
		}
		var entry *mp4.SeigSampleGroupEntry
		switch idx := sbgp.GroupDescriptionIndices[run]; {
		case idx == 0:
		case idx > 0x10000:
			if int(idx-0x10001) >= len(local) {
				return nil, fmt.Errorf("%w: seig group %d not in fragment", models.ErrParse, idx)
			}
			entry = local[idx-0x10001]
		default:
			if int(idx-1) >= len(info.seig) {
				return nil, fmt.Errorf("%w: seig group %d not in init segment", models.ErrParse, idx)
			}
			entry = info.seig[idx-1]
		}
		for k := uint32(0); k < count && next < n; k++ {
			out[next] = entry
			next++
		}
	}
	return out, nil
}

func seigEntries(sgpd *mp4.SgpdBox) []*mp4.SeigSampleGroupEntry {
	out := make([]*mp4.SeigSampleGroupEntry, len(sgpd.SampleGroupEntries))
	for i, e := range sgpd.SampleGroupEntries {
		out[i], _ = e.(*mp4.SeigSampleGroupEntry)
	}
	return out
}
