package segments

import (
	"net/url"
	"strings"

	"hls-p2p-loader/internal/media"
)

// Playlist is one fetched playlist, replaced wholesale on every refetch.
type Playlist struct {
	RequestURL  string
	ResponseURL string
	Manifest    *Manifest

	// Set for variant playlists only.
	StreamSwarmID string
	StreamID      string

	segmentURLs []string
}

func newPlaylist(requestURL, responseURL string, m *Manifest) *Playlist {
	p := &Playlist{RequestURL: requestURL, ResponseURL: responseURL, Manifest: m}
	p.segmentURLs = make([]string, len(m.Segments))
	for i, seg := range m.Segments {
		p.segmentURLs[i] = resolveURL(responseURL, seg.URI)
	}
	return p
}

// segmentIndex returns the index of the segment at (url, br), or -1.
func (p *Playlist) segmentIndex(u string, br *media.ByteRange) int {
	for i, seg := range p.Manifest.Segments {
		if p.segmentURLs[i] == u && seg.Range.Equal(br) {
			return i
		}
	}
	return -1
}

type playPosition struct {
	start    float64
	duration float64
}

type playQueueEntry struct {
	sequence  int64
	url       string
	byteRange *media.ByteRange
	position  *playPosition
}

// Result is the outcome of LoadSegment. Content is nil when the request was
// aborted.
type Result struct {
	Content           []byte
	DownloadBandwidth float64
}

type pendingRequest struct {
	url         string
	byteRange   *media.ByteRange
	sequence    int64
	playlistURL string
	done        chan outcome
}

type outcome struct {
	result Result
	err    error
}

func (r *pendingRequest) matches(seg media.Segment) bool {
	return seg.Matches(r.url, r.byteRange)
}

// resolve and reject are called at most once, by whoever clears the pending slot.
func (r *pendingRequest) resolve(res Result) { r.done <- outcome{result: res} }

func (r *pendingRequest) reject(err error) { r.done <- outcome{err: err} }

// resolveURL resolves ref against base, returning ref unchanged if either
// does not parse.
func resolveURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func stripQuery(u string) string {
	before, _, _ := strings.Cut(u, "?")
	return before
}
