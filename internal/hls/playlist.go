// Package hls renders the HLS playlists served for a DASH manifest.
package hls

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"cdmhls/internal/manifest"
	"cdmhls/internal/models"

	"github.com/grafov/m3u8"
)

const audioGroup = "audio"

// GenerateMasterPlaylist creates the variant playlist. Video representations
// become variant streams sharing one audio rendition group; when the asset
// has no video, the audio representations are the variants.
func GenerateMasterPlaylist(m *manifest.Manifest) string {
	var video, audio []*manifest.Representation
	for _, rep := range m.Representations {
		switch rep.MediaType {
		case manifest.MediaVideo:
			video = append(video, rep)
		case manifest.MediaAudio:
			audio = append(audio, rep)
		}
	}

	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")
	sb.WriteString("#EXT-X-VERSION:3\n")
	sb.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")

	if len(video) == 0 {
		for _, rep := range audio {
			sb.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d", rep.Bandwidth))
			if rep.Codecs != "" {
				sb.WriteString(fmt.Sprintf(",CODECS=\"%s\"", rep.Codecs))
			}
			sb.WriteString("\n")
			sb.WriteString(rep.ID + "/playlist.m3u8\n")
		}
		return sb.String()
	}

	audioCodecs := ""
	maxAudio := 0
	for i, rep := range audio {
		name := rep.Lang
		if name == "" {
			name = rep.ID
		}
		def := "NO"
		if i == 0 {
			def = "YES"
		}
		sb.WriteString(fmt.Sprintf("#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID=\"%s\",NAME=\"%s\",DEFAULT=%s,AUTOSELECT=YES", audioGroup, name, def))
		if rep.Lang != "" {
			sb.WriteString(fmt.Sprintf(",LANGUAGE=\"%s\"", rep.Lang))
		}
		sb.WriteString(fmt.Sprintf(",URI=\"%s/playlist.m3u8\"\n", rep.ID))
		if rep.Bandwidth > maxAudio {
			maxAudio = rep.Bandwidth
		}
		if audioCodecs == "" {
			audioCodecs = rep.Codecs
		}
	}

	for _, rep := range video {
		sb.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d", rep.Bandwidth+maxAudio))
		codecs := rep.Codecs
		if audioCodecs != "" && codecs != "" {
			codecs += "," + audioCodecs
		}
		if codecs != "" {
			sb.WriteString(fmt.Sprintf(",CODECS=\"%s\"", codecs))
		}
		if rep.Width > 0 && rep.Height > 0 {
			sb.WriteString(fmt.Sprintf(",RESOLUTION=%dx%d", rep.Width, rep.Height))
		}
		if rep.FrameRate != "" {
			sb.WriteString(fmt.Sprintf(",FRAME-RATE=%.3f", parseFrameRate(rep.FrameRate)))
		}
		if len(audio) > 0 {
			sb.WriteString(fmt.Sprintf(",AUDIO=\"%s\"", audioGroup))
		}
		sb.WriteString("\n")
		sb.WriteString(rep.ID + "/playlist.m3u8\n")
	}
	return sb.String()
}

// GenerateMediaPlaylist lists segs as TS segments. Static presentations get
// a VOD playlist with an end tag; live ones a sliding window whose media
// sequence is the first segment's ordinal.
func GenerateMediaPlaylist(segs []models.Segment, live bool) (string, error) {
	p, err := m3u8.NewMediaPlaylist(0, uint(len(segs)))
	if err != nil {
		return "", fmt.Errorf("creating media playlist: %w", err)
	}
	if len(segs) > 0 {
		p.SeqNo = segs[0].Ordinal
	}

	target := 1.0
	for _, seg := range segs {
		d := seg.Seconds()
		if err := p.Append(SegmentURI(seg.Ordinal), d, ""); err != nil {
			return "", fmt.Errorf("appending segment %d: %w", seg.Ordinal, err)
		}
		target = math.Max(target, math.Ceil(d))
	}
	p.TargetDuration = target

	if !live {
		p.MediaType = m3u8.VOD
		p.Close()
	}
	return p.Encode().String(), nil
}

// SegmentURI is the playlist-relative location of a TS segment.
func SegmentURI(ordinal uint64) string {
	return "segment/" + strconv.FormatUint(ordinal, 10) + ".ts"
}

func parseFrameRate(fr string) float64 {
	parts := strings.Split(fr, "/")
	if len(parts) == 2 {
		num, _ := strconv.ParseFloat(parts[0], 64)
		den, _ := strconv.ParseFloat(parts[1], 64)
		if den != 0 {
			return num / den
		}
	}
	f, _ := strconv.ParseFloat(fr, 64)
	return f
}
