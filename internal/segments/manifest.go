package segments

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"hls-p2p-loader/internal/media"
)

// ErrInvalidManifest is returned for content that is not an HLS playlist.
var ErrInvalidManifest = errors.New("invalid manifest")

// ManifestSegment is one media segment entry of a variant playlist.
type ManifestSegment struct {
	URI      string
	Duration float64
	Range    *media.ByteRange
}

// VariantStream is one #EXT-X-STREAM-INF entry of a master playlist.
type VariantStream struct {
	URI        string
	Attributes string
}

// Manifest is the subset of an HLS playlist the scheduler needs.
// A master playlist has Playlists; a variant playlist has Segments.
type Manifest struct {
	MediaSequence  int64
	TargetDuration int
	Segments       []ManifestSegment
	Playlists      []VariantStream
	EndList        bool
}

// IsMaster reports whether the manifest lists variant playlists.
func (m *Manifest) IsMaster() bool {
	return len(m.Playlists) > 0
}

// ManifestParser turns playlist text into a Manifest.
type ManifestParser interface {
	Parse(content string) (*Manifest, error)
}

// ParserFunc adapts a function to ManifestParser.
type ParserFunc func(content string) (*Manifest, error)

// Parse implements ManifestParser.
func (f ParserFunc) Parse(content string) (*Manifest, error) { return f(content) }

// ParseManifest reads the tags needed for scheduling and ignores the rest.
func ParseManifest(content string) (*Manifest, error) {
	m := &Manifest{}
	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		seenHeader   bool
		duration     float64
		byteRange    *media.ByteRange
		streamInf    *VariantStream
		prevRangeEnd int64
		lineNo       int
	)

	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !seenHeader {
			if line != "#EXTM3U" {
				return nil, fmt.Errorf("%w: missing #EXTM3U header", ErrInvalidManifest)
			}
			seenHeader = true
			continue
		}

		if !strings.HasPrefix(line, "#") {
			if streamInf != nil {
				streamInf.URI = line
				m.Playlists = append(m.Playlists, *streamInf)
				streamInf = nil
				continue
			}
			m.Segments = append(m.Segments, ManifestSegment{URI: line, Duration: duration, Range: byteRange})
			if byteRange != nil {
				prevRangeEnd = byteRange.Offset + byteRange.Length
			} else {
				prevRangeEnd = 0
			}
			duration = 0
			byteRange = nil
			continue
		}

		tag, value, _ := strings.Cut(line, ":")
		switch tag {
		case "#EXT-X-MEDIA-SEQUENCE":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: media sequence %q", ErrInvalidManifest, lineNo, value)
			}
			m.MediaSequence = n
		case "#EXT-X-TARGETDURATION":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: target duration %q", ErrInvalidManifest, lineNo, value)
			}
			m.TargetDuration = n
		case "#EXTINF":
			d, _, _ := strings.Cut(value, ",")
			f, err := strconv.ParseFloat(strings.TrimSpace(d), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: duration %q", ErrInvalidManifest, lineNo, d)
			}
			duration = f
		case "#EXT-X-BYTERANGE":
			br, err := parseByteRange(value, prevRangeEnd)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidManifest, lineNo, err)
			}
			byteRange = br
		case "#EXT-X-STREAM-INF":
			streamInf = &VariantStream{Attributes: value}
		case "#EXT-X-ENDLIST":
			m.EndList = true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if !seenHeader {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidManifest)
	}
	return m, nil
}

// parseByteRange reads "<length>[@<offset>]". Without an offset the range
// starts where the previous segment's range ended.
func parseByteRange(value string, prevEnd int64) (*media.ByteRange, error) {
	l, o, hasOffset := strings.Cut(value, "@")
	length, err := strconv.ParseInt(l, 10, 64)
	if err != nil || length <= 0 {
		return nil, fmt.Errorf("byte range length %q", l)
	}
	offset := prevEnd
	if hasOffset {
		offset, err = strconv.ParseInt(o, 10, 64)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("byte range offset %q", o)
		}
	}
	return &media.ByteRange{Offset: offset, Length: length}, nil
}
