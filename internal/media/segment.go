package media

import "fmt"

// ByteRange limits a segment to part of the resource at its URL.
type ByteRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// Equal reports whether two optional byte ranges describe the same bytes.
// Two nil ranges are equal.
func (b *ByteRange) Equal(o *ByteRange) bool {
	if b == nil || o == nil {
		return b == nil && o == nil
	}
	return b.Offset == o.Offset && b.Length == o.Length
}

// Header returns the HTTP Range header value, or "" for a nil range.
func (b *ByteRange) Header() string {
	if b == nil {
		return ""
	}
	return fmt.Sprintf("bytes=%d-%d", b.Offset, b.Offset+b.Length-1)
}

// Segment describes one fetchable unit of media.
// ID is the cross-peer key: "<streamSwarmID>+<sequence>".
type Segment struct {
	ID                string
	URL               string
	MasterSwarmID     string
	MasterManifestURI string
	StreamID          string
	Sequence          int64
	Range             *ByteRange
	Priority          int

	// Filled once the segment is fetched.
	Data              []byte
	DownloadBandwidth float64
}

// Matches reports whether the segment is the one addressed by url and byte range.
func (s *Segment) Matches(url string, br *ByteRange) bool {
	return s.URL == url && s.Range.Equal(br)
}
