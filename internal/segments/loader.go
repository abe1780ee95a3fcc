package segments

import (
	"net/http"

	"hls-p2p-loader/internal/media"
)

// LoaderEventKind enumerates the delivery outcomes a Loader reports.
type LoaderEventKind int

const (
	SegmentLoaded LoaderEventKind = iota
	SegmentError
	SegmentAbort
)

func (k LoaderEventKind) String() string {
	switch k {
	case SegmentLoaded:
		return "segment-loaded"
	case SegmentError:
		return "segment-error"
	case SegmentAbort:
		return "segment-abort"
	default:
		return "unknown"
	}
}

// LoaderEvent reports the outcome for one segment of a batch. Segment.Data is
// set for SegmentLoaded, Err for SegmentError.
type LoaderEvent struct {
	Kind    LoaderEventKind
	Segment media.Segment
	Err     error
}

// LoaderSettings is what the manager reads back from its loader.
type LoaderSettings struct {
	// RequestHeaders are added to every HTTP request for playlists and assets.
	RequestHeaders http.Header
}

// Loader fetches prioritized batches of segments from peers or HTTP.
type Loader interface {
	// Load replaces the current batch for swarmID. It must not block on
	// network transfers.
	Load(batch []media.Segment, swarmID string)
	// GetSegment returns a segment the loader already holds.
	GetSegment(id string) (media.Segment, bool)
	Settings() LoaderSettings
	// Subscribe registers fn for every future event. Events may be delivered
	// from any goroutine, including synchronously from within Load.
	Subscribe(fn func(LoaderEvent))
	Destroy() error
}
