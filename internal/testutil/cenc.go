package testutil

import (
	"bytes"

	"github.com/Eyevinn/mp4ff/bits"
	"github.com/Eyevinn/mp4ff/mp4"
)

// Protection is the key material a fixture is encrypted with. Scheme is
// "cenc" or "cbcs"; IV is the first cenc IV or the cbcs constant IV.
type Protection struct {
	Scheme string
	KID    []byte
	Key    []byte
	IV     []byte
}

func decodeFile(data []byte) *mp4.File {
	f, err := mp4.DecodeFileSR(bits.NewFixedSliceReader(data))
	if err != nil {
		panic(err)
	}
	return f
}

// protect adds protection boxes to a decoded clear init segment.
func protect(clearInit []byte, p Protection) (*mp4.InitSegment, *mp4.InitProtectData) {
	init := decodeFile(clearInit).Init
	ipd, err := mp4.InitProtect(init, p.Key, p.IV, p.Scheme, mp4.UUID(p.KID), nil)
	if err != nil {
		panic(err)
	}
	return init, ipd
}

// ProtectInit returns clearInit with its single track marked as encrypted
// under p.
func ProtectInit(clearInit []byte, p Protection) []byte {
	init, _ := protect(clearInit, p)
	var buf bytes.Buffer
	if err := init.Encode(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// ProtectSegment encrypts every sample of clearSeg, a media segment of the
// track in clearInit, under p.
func ProtectSegment(clearInit, clearSeg []byte, p Protection) []byte {
	return encryptSegment(clearInit, clearSeg, p, nil)
}

// ProtectSegmentSplitKey encrypts the samples of every fragment of clearSeg
// before index from under p and the rest under alt. A seig sample group in
// the fragment names alt.KID for the latter. Only cenc is supported.
func ProtectSegmentSplitKey(clearInit, clearSeg []byte, p, alt Protection, from int) []byte {
	return encryptSegment(clearInit, clearSeg, p, func(frag *mp4.Fragment, samples []mp4.FullSample) {
		traf := frag.Moof.Traf
		senc := traf.Senc
		for i := from; i < len(samples); i++ {
			iv := []byte(senc.IVs[i])
			var subs []mp4.SubSamplePattern
			if i < len(senc.SubSamples) {
				subs = senc.SubSamples[i]
			}
			if err := mp4.CryptSampleCenc(samples[i].Data, p.Key, iv, subs); err != nil {
				panic(err)
			}
			if err := mp4.CryptSampleCenc(samples[i].Data, alt.Key, iv, subs); err != nil {
				panic(err)
			}
		}
		sbgp := &mp4.SbgpBox{
			GroupingType:            "seig",
			SampleCounts:            []uint32{uint32(from), uint32(len(samples) - from)},
			GroupDescriptionIndices: []uint32{0, 0x10001},
		}
		sgpd := &mp4.SgpdBox{
			Version:       1,
			GroupingType:  "seig",
			DefaultLength: 20,
			SampleGroupEntries: []mp4.SampleGroupEntry{&mp4.SeigSampleGroupEntry{
				IsProtected:     1,
				PerSampleIVSize: 16,
				KID:             mp4.UUID(alt.KID),
			}},
		}
		for _, box := range []mp4.Box{sbgp, sgpd} {
			if err := traf.AddChild(box); err != nil {
				panic(err)
			}
		}
	})
}

func encryptSegment(clearInit, clearSeg []byte, p Protection, after func(*mp4.Fragment, []mp4.FullSample)) []byte {
	_, ipd := protect(clearInit, p)
	f := decodeFile(clearSeg)
	var buf bytes.Buffer
	for _, seg := range f.Segments {
		for _, frag := range seg.Fragments {
			if err := mp4.EncryptFragment(frag, p.Key, p.IV, ipd); err != nil {
				panic(err)
			}
			if after != nil {
				samples, err := frag.GetFullSamples(ipd.Trex)
				if err != nil {
					panic(err)
				}
				after(frag, samples)
			}
		}
		if err := seg.Encode(&buf); err != nil {
			panic(err)
		}
	}
	return buf.Bytes()
}
