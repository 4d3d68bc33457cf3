package transmux

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"cdmhls/internal/models"

	"github.com/Eyevinn/mp4ff/bits"
	"github.com/Eyevinn/mp4ff/mp4"
)

// Kind is the elementary stream type carried by a representation.
type Kind int

const (
	Video Kind = iota
	Audio
)

// InitInfo is the codec and encryption setup read from an init segment.
type InitInfo struct {
	TrackID   uint32
	Timescale uint32
	Kind      Kind
	Codec     string

	SPS [][]byte
	PPS [][]byte

	SampleRate      int
	Channels        int
	AudioObjectType byte

	Protected      bool
	Scheme         string
	DefaultKID     []byte
	IVSize         byte
	ConstantIV     []byte
	CryptByteBlock byte
	SkipByteBlock  byte
	// PSSH holds the encoded pssh boxes of the init segment.
	PSSH []byte

	trex *mp4.TrexBox
	// seig holds the init segment's sample group entries, addressed by
	// fragment sbgp indices 1 to 0x10000.
	seig []*mp4.SeigSampleGroupEntry
}

// ReadInit parses an init segment. codecs is the representation's codecs
// attribute and only refines the AAC object type.
func ReadInit(data []byte, codecs string) (*InitInfo, error) {
	f, err := mp4.DecodeFileSR(bits.NewFixedSliceReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding init segment: %v", models.ErrParse, err)
	}
	init := f.Init
	if init == nil || init.Moov == nil || len(init.Moov.Traks) == 0 {
		return nil, fmt.Errorf("%w: init segment has no tracks", models.ErrParse)
	}

	trak := init.Moov.Traks[0]
	info := &InitInfo{
		TrackID:         trak.Tkhd.TrackID,
		Timescale:       trak.Mdia.Mdhd.Timescale,
		AudioObjectType: audioObjectType(codecs),
	}
	if info.Timescale == 0 {
		return nil, fmt.Errorf("%w: track %d has no timescale", models.ErrParse, info.TrackID)
	}

	var sinf *mp4.SinfBox
	for _, child := range trak.Mdia.Minf.Stbl.Stsd.Children {
		switch entry := child.(type) {
		case *mp4.VisualSampleEntryBox:
			info.Kind = Video
			info.Codec = entry.Type()
			sinf = entry.Sinf
			if entry.AvcC != nil {
				info.SPS = entry.AvcC.SPSnalus
				info.PPS = entry.AvcC.PPSnalus
			}
		case *mp4.AudioSampleEntryBox:
			info.Kind = Audio
			info.Codec = entry.Type()
			sinf = entry.Sinf
			info.SampleRate = int(entry.SampleRate)
			info.Channels = int(entry.ChannelCount)
		default:
			continue
		}
		break
	}
	if info.Codec == "" {
		return nil, fmt.Errorf("%w: no audio or video sample entry", models.ErrAssetNotPlayable)
	}

	if sinf != nil {
		info.Protected = true
		if sinf.Frma != nil {
			info.Codec = sinf.Frma.DataFormat
		}
		if sinf.Schm != nil {
			info.Scheme = sinf.Schm.SchemeType
		}
		if sinf.Schi == nil || sinf.Schi.Tenc == nil {
			return nil, fmt.Errorf("%w: protected track without tenc", models.ErrParse)
		}
		for _, sgpd := range trak.Mdia.Minf.Stbl.Sgpds {
			if sgpd.GroupingType == "seig" {
				info.seig = seigEntries(sgpd)
			}
		}
		tenc := sinf.Schi.Tenc
		info.DefaultKID = append([]byte(nil), tenc.DefaultKID[:]...)
		info.IVSize = tenc.DefaultPerSampleIVSize
		info.ConstantIV = tenc.DefaultConstantIV
		info.CryptByteBlock = tenc.DefaultCryptByteBlock
		info.SkipByteBlock = tenc.DefaultSkipByteBlock

		di, err := mp4.DecryptInit(init)
		if err != nil {
			return nil, fmt.Errorf("%w: reading protection info: %v", models.ErrParse, err)
		}
		var buf bytes.Buffer
		for _, pssh := range di.Psshs {
			if err := pssh.Encode(&buf); err != nil {
				return nil, fmt.Errorf("%w: encoding pssh: %v", models.ErrParse, err)
			}
		}
		info.PSSH = buf.Bytes()
		for _, ti := range di.TrackInfos {
			if ti.TrackID == info.TrackID {
				info.trex = ti.Trex
			}
		}
	}
	if info.trex == nil && init.Moov.Mvex != nil {
		info.trex = init.Moov.Mvex.Trex
	}

	switch info.Codec {
	case "avc1", "avc3":
		if info.Kind == Video && len(info.SPS) == 0 && info.Codec == "avc1" {
			return nil, fmt.Errorf("%w: avc1 track without parameter sets", models.ErrParse)
		}
	case "mp4a":
	default:
		return nil, fmt.Errorf("%w: codec %s cannot be carried in MPEG-TS", models.ErrAssetNotPlayable, info.Codec)
	}
	switch info.Scheme {
	case "", "cenc", "cbcs":
	default:
		return nil, fmt.Errorf("%w: protection scheme %s", models.ErrAssetNotPlayable, info.Scheme)
	}
	return info, nil
}

// audioObjectType reads N from "mp4a.40.N", defaulting to AAC-LC.
func audioObjectType(codecs string) byte {
	for _, c := range strings.Split(codecs, ",") {
		c = strings.TrimSpace(c)
		if !strings.HasPrefix(c, "mp4a.40.") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(c, "mp4a.40.")); err == nil && n > 0 && n < 32 {
			// HE-AAC is signalled as its AAC-LC core in ADTS.
			if n == 5 || n == 29 {
				return 2
			}
			return byte(n)
		}
	}
	return 2
}
