// Package loader implements segments.Loader on top of the segment cache,
// connected peers and plain HTTP.
package loader

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"hls-p2p-loader/internal/bandwidth"
	"hls-p2p-loader/internal/cache"
	"hls-p2p-loader/internal/media"
	"hls-p2p-loader/internal/peer"
	"hls-p2p-loader/internal/platform/metrics"
	"hls-p2p-loader/internal/segments"
)

const (
	DefaultSimultaneousHTTPDownloads = 2
	DefaultHTTPDownloadTimeout       = 30 * time.Second
)

var _ segments.Loader = (*HybridLoader)(nil)

// Settings configures a HybridLoader.
type Settings struct {
	SimultaneousHTTPDownloads int
	HTTPDownloadTimeout       time.Duration
	// RequestHeaders are sent with every HTTP request.
	RequestHeaders http.Header
}

type httpDownload struct {
	segment media.Segment
	cancel  context.CancelFunc
}

type p2pDownload struct {
	segment media.Segment
	link    *peer.Link
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID                   string `json:"id"`
	RemoteAddress        string `json:"remote_address"`
	DownloadingSegmentID string `json:"downloading_segment_id,omitempty"`
	AnnouncedSegments    int    `json:"announced_segments"`
}

// HybridLoader downloads the current batch, preferring peers that announce a
// segment over HTTP, and serves cached segments to peers.
type HybridLoader struct {
	cache     *cache.SegmentCache
	bandwidth *bandwidth.Approximator
	fetcher   *segments.Fetcher
	metrics   *metrics.Metrics
	settings  Settings
	log       *slog.Logger
	start     time.Time

	mu      sync.Mutex
	batch   []media.Segment
	swarmID string
	http    map[string]*httpDownload
	p2p     map[string]*p2pDownload
	peers   map[string]*peer.Link
	// peerFailures remembers, per segment of the batch, the peers that
	// already failed to deliver it.
	peerFailures map[string]map[string]struct{}
	destroyed    bool

	subMu     sync.RWMutex
	listeners []func(segments.LoaderEvent)
}

// New returns a HybridLoader. fetcher may be nil. Metrics may be nil to
// disable metric recording (e.g. in tests).
func New(c *cache.SegmentCache, bw *bandwidth.Approximator, fetcher *segments.Fetcher, m *metrics.Metrics, settings Settings, log *slog.Logger) *HybridLoader {
	if settings.SimultaneousHTTPDownloads <= 0 {
		settings.SimultaneousHTTPDownloads = DefaultSimultaneousHTTPDownloads
	}
	if settings.HTTPDownloadTimeout <= 0 {
		settings.HTTPDownloadTimeout = DefaultHTTPDownloadTimeout
	}
	if fetcher == nil {
		fetcher = segments.NewFetcher(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &HybridLoader{
		cache:        c,
		bandwidth:    bw,
		fetcher:      fetcher,
		metrics:      m,
		settings:     settings,
		log:          log,
		start:        time.Now(),
		http:         make(map[string]*httpDownload),
		p2p:          make(map[string]*p2pDownload),
		peers:        make(map[string]*peer.Link),
		peerFailures: make(map[string]map[string]struct{}),
	}
}

// Load implements segments.Loader. Downloads of segments missing from batch
// are cancelled and reported as SegmentAbort.
func (l *HybridLoader) Load(batch []media.Segment, swarmID string) {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}

	wanted := make(map[string]struct{}, len(batch))
	for _, seg := range batch {
		wanted[seg.ID] = struct{}{}
	}

	var (
		aborted []segments.LoaderEvent
		links   []*peer.Link
	)
	for id, d := range l.http {
		if _, ok := wanted[id]; !ok {
			d.cancel()
			delete(l.http, id)
			aborted = append(aborted, segments.LoaderEvent{Kind: segments.SegmentAbort, Segment: d.segment})
		}
	}
	for id, d := range l.p2p {
		if _, ok := wanted[id]; !ok {
			links = append(links, d.link)
			delete(l.p2p, id)
			aborted = append(aborted, segments.LoaderEvent{Kind: segments.SegmentAbort, Segment: d.segment})
		}
	}
	for id := range l.peerFailures {
		if _, ok := wanted[id]; !ok {
			delete(l.peerFailures, id)
		}
	}

	l.batch = make([]media.Segment, len(batch))
	copy(l.batch, batch)
	sort.SliceStable(l.batch, func(i, j int) bool { return l.batch[i].Priority < l.batch[j].Priority })

	var announce func()
	if swarmID != l.swarmID {
		l.swarmID = swarmID
		announce = l.announceLocked()
	}
	actions := l.processQueueLocked()
	l.mu.Unlock()

	for _, link := range links {
		link.CancelSegmentRequest()
	}
	l.emit(aborted...)
	if announce != nil {
		announce()
	}
	run(actions)
}

// GetSegment implements segments.Loader.
func (l *HybridLoader) GetSegment(id string) (media.Segment, bool) {
	return l.cache.Get(id)
}

// Settings implements segments.Loader.
func (l *HybridLoader) Settings() segments.LoaderSettings {
	return segments.LoaderSettings{RequestHeaders: l.settings.RequestHeaders}
}

// Subscribe implements segments.Loader.
func (l *HybridLoader) Subscribe(fn func(segments.LoaderEvent)) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// AddPeer starts tracking link. It must be called before the link's transport
// starts delivering events; the peer becomes eligible once it connects.
func (l *HybridLoader) AddPeer(link *peer.Link) {
	link.Subscribe(l.onPeerEvent)
}

// Peers returns the connected peers ordered by id.
func (l *HybridLoader) Peers() []PeerInfo {
	l.mu.Lock()
	links := l.peerListLocked()
	l.mu.Unlock()

	out := make([]PeerInfo, 0, len(links))
	for _, link := range links {
		out = append(out, PeerInfo{
			ID:                   link.ID(),
			RemoteAddress:        link.RemoteAddress(),
			DownloadingSegmentID: link.DownloadingSegmentID(),
			AnnouncedSegments:    len(link.SegmentsMap()),
		})
	}
	return out
}

// CachedSegments returns the number of cached segments.
func (l *HybridLoader) CachedSegments() int {
	return l.cache.Len()
}

// Bandwidth returns the current bandwidth estimate in bytes per millisecond.
func (l *HybridLoader) Bandwidth() float64 {
	return l.bandwidth.GetBandwidth(l.timestamp())
}

// Destroy implements segments.Loader. It cancels every download, closes all
// peers and empties the cache.
func (l *HybridLoader) Destroy() error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return nil
	}
	l.destroyed = true
	for _, d := range l.http {
		d.cancel()
	}
	links := l.peerListLocked()
	l.http = make(map[string]*httpDownload)
	l.p2p = make(map[string]*p2pDownload)
	l.peers = make(map[string]*peer.Link)
	l.peerFailures = make(map[string]map[string]struct{})
	l.batch = nil
	l.mu.Unlock()

	for _, link := range links {
		if err := link.Destroy(); err != nil {
			l.log.Debug("peer destroy failed", slog.String("peer_id", link.ID()), slog.String("error", err.Error()))
		}
	}
	l.cache.Destroy()
	l.log.Info("loader destroyed")
	return nil
}

// processQueueLocked starts downloads for the batch in priority order and
// returns the work to run once mu is released.
func (l *HybridLoader) processQueueLocked() []func() {
	var actions []func()
	if l.destroyed {
		return nil
	}

	busy := make(map[*peer.Link]struct{}, len(l.p2p))
	for _, d := range l.p2p {
		busy[d.link] = struct{}{}
	}
	slots := l.settings.SimultaneousHTTPDownloads - len(l.http)

	for _, seg := range l.batch {
		if _, ok := l.http[seg.ID]; ok {
			continue
		}
		if _, ok := l.p2p[seg.ID]; ok {
			continue
		}
		if l.cache.Has(seg.ID) {
			continue
		}

		if link := l.peerWithSegmentLocked(seg.ID, busy); link != nil {
			d := &p2pDownload{segment: seg, link: link}
			l.p2p[seg.ID] = d
			busy[link] = struct{}{}
			actions = append(actions, func() { l.requestFromPeer(d) })
			continue
		}

		if slots > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), l.settings.HTTPDownloadTimeout)
			d := &httpDownload{segment: seg, cancel: cancel}
			l.http[seg.ID] = d
			slots--
			actions = append(actions, func() { go l.downloadHTTP(ctx, d) })
		}
	}
	return actions
}

// peerWithSegmentLocked picks an idle connected peer that announced id as
// loaded and has not failed it before.
func (l *HybridLoader) peerWithSegmentLocked(id string, busy map[*peer.Link]struct{}) *peer.Link {
	failed := l.peerFailures[id]
	for _, link := range l.peerListLocked() {
		if _, ok := busy[link]; ok {
			continue
		}
		if _, ok := failed[link.ID()]; ok {
			continue
		}
		if st, ok := link.SegmentStatus(id); ok && st == peer.StatusLoaded {
			return link
		}
	}
	return nil
}

func (l *HybridLoader) peerListLocked() []*peer.Link {
	ids := make([]string, 0, len(l.peers))
	for id := range l.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	links := make([]*peer.Link, len(ids))
	for i, id := range ids {
		links[i] = l.peers[id]
	}
	return links
}

func (l *HybridLoader) requestFromPeer(d *p2pDownload) {
	err := d.link.RequestSegment(d.segment.ID)
	if err == nil {
		l.log.Debug("p2p download started",
			slog.String("segment_id", d.segment.ID),
			slog.String("peer_id", d.link.ID()))
		return
	}

	l.log.Debug("p2p request failed",
		slog.String("segment_id", d.segment.ID),
		slog.String("peer_id", d.link.ID()),
		slog.String("error", err.Error()))
	l.mu.Lock()
	var actions []func()
	if l.p2p[d.segment.ID] == d {
		delete(l.p2p, d.segment.ID)
		l.markPeerFailureLocked(d.segment.ID, d.link.ID())
		actions = l.processQueueLocked()
	}
	l.mu.Unlock()
	run(actions)
}

func (l *HybridLoader) downloadHTTP(ctx context.Context, d *httpDownload) {
	defer d.cancel()

	seg := d.segment
	l.log.Debug("http download started", slog.String("segment_id", seg.ID), slog.String("url", seg.URL))
	res, err := l.fetcher.Download(ctx, seg.URL, seg.Range.Header(), l.settings.RequestHeaders)

	l.mu.Lock()
	if l.http[seg.ID] != d {
		// Aborted by Load or Destroy.
		l.mu.Unlock()
		return
	}
	delete(l.http, seg.ID)

	if err != nil {
		l.removeFromBatchLocked(seg.ID)
		actions := l.processQueueLocked()
		l.mu.Unlock()

		l.log.Warn("http download failed", slog.String("segment_id", seg.ID), slog.String("error", err.Error()))
		if l.metrics != nil {
			l.metrics.IncSegmentErrors(metrics.SourceHTTP)
		}
		l.emit(segments.LoaderEvent{Kind: segments.SegmentError, Segment: seg, Err: err})
		run(actions)
		return
	}
	l.mu.Unlock()

	l.bandwidth.AddBytes(len(res.Data), l.timestamp())
	if l.metrics != nil {
		l.metrics.AddHTTPBytes(len(res.Data))
	}
	l.complete(seg, res.Data, metrics.SourceHTTP)
}

// complete caches a downloaded segment, reports it, announces it to peers
// and moves on to the rest of the batch.
func (l *HybridLoader) complete(seg media.Segment, data []byte, source string) {
	seg.Data = data
	seg.DownloadBandwidth = l.bandwidth.GetBandwidth(l.timestamp())

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.cache.Store(seg)
	locked := make(map[string]struct{}, len(l.batch))
	for _, s := range l.batch {
		locked[s.ID] = struct{}{}
	}
	evicted := l.cache.Clean(l.swarmID, func(id string) bool {
		_, ok := locked[id]
		return ok
	})
	announce := l.announceLocked()
	actions := l.processQueueLocked()
	l.mu.Unlock()

	l.log.Debug("segment loaded",
		slog.String("segment_id", seg.ID),
		slog.String("source", source),
		slog.Int("size", len(data)))
	if l.metrics != nil {
		l.metrics.IncSegmentsLoaded(source)
		l.metrics.SetBandwidth(seg.DownloadBandwidth)
		if evicted {
			l.metrics.IncCacheEvictions()
		}
	}
	l.emit(segments.LoaderEvent{Kind: segments.SegmentLoaded, Segment: seg})
	announce()
	run(actions)
}

func (l *HybridLoader) onPeerEvent(ev peer.Event) {
	link := ev.Link
	switch ev.Kind {
	case peer.EventConnect:
		l.mu.Lock()
		if l.destroyed {
			l.mu.Unlock()
			return
		}
		l.peers[link.ID()] = link
		payload := l.segmentsMapLocked()
		count := len(l.peers)
		l.mu.Unlock()

		l.log.Info("peer connected", slog.String("peer_id", link.ID()), slog.String("remote_address", link.RemoteAddress()))
		if l.metrics != nil {
			l.metrics.SetConnectedPeers(count)
		}
		if err := link.SendSegmentsMap(payload); err != nil {
			l.log.Debug("send segments map failed", slog.String("peer_id", link.ID()), slog.String("error", err.Error()))
		}

	case peer.EventClose:
		l.mu.Lock()
		if l.peers[link.ID()] == link {
			delete(l.peers, link.ID())
		}
		for id, d := range l.p2p {
			if d.link == link {
				delete(l.p2p, id)
			}
		}
		count := len(l.peers)
		actions := l.processQueueLocked()
		l.mu.Unlock()

		l.log.Info("peer disconnected", slog.String("peer_id", link.ID()))
		if l.metrics != nil {
			l.metrics.SetConnectedPeers(count)
		}
		run(actions)

	case peer.EventDataUpdated:
		l.mu.Lock()
		actions := l.processQueueLocked()
		l.mu.Unlock()
		run(actions)

	case peer.EventSegmentRequest:
		l.servePeer(link, ev.SegmentID)

	case peer.EventSegmentLoaded:
		l.mu.Lock()
		d := l.p2p[ev.SegmentID]
		if d == nil || d.link != link {
			l.mu.Unlock()
			return
		}
		delete(l.p2p, ev.SegmentID)
		l.mu.Unlock()
		l.complete(d.segment, ev.Data, metrics.SourceP2P)

	case peer.EventSegmentError, peer.EventSegmentTimeout, peer.EventSegmentAbsent:
		l.mu.Lock()
		d := l.p2p[ev.SegmentID]
		if d == nil || d.link != link {
			l.mu.Unlock()
			return
		}
		delete(l.p2p, ev.SegmentID)
		l.markPeerFailureLocked(ev.SegmentID, link.ID())
		actions := l.processQueueLocked()
		l.mu.Unlock()

		attrs := []any{slog.String("segment_id", ev.SegmentID), slog.String("peer_id", link.ID()), slog.String("event", ev.Kind.String())}
		if ev.Err != nil {
			attrs = append(attrs, slog.String("error", ev.Err.Error()))
		}
		l.log.Debug("p2p download failed", attrs...)
		if l.metrics != nil {
			if ev.Kind == peer.EventSegmentTimeout {
				l.metrics.IncPeerTimeouts()
			}
			if ev.Kind == peer.EventSegmentError {
				l.metrics.IncSegmentErrors(metrics.SourceP2P)
			}
		}
		run(actions)

	case peer.EventBytesDownloaded:
		l.bandwidth.AddBytes(ev.Bytes, l.timestamp())
		if l.metrics != nil {
			l.metrics.AddPeerBytes(metrics.DirectionDownload, ev.Bytes)
		}

	case peer.EventBytesUploaded:
		if l.metrics != nil {
			l.metrics.AddPeerBytes(metrics.DirectionUpload, ev.Bytes)
		}
	}
}

// servePeer answers a peer's SegmentRequest from the cache. Sending runs on
// its own goroutine so a throttled upload does not stall the peer's reader.
func (l *HybridLoader) servePeer(link *peer.Link, id string) {
	seg, ok := l.cache.Get(id)
	go func() {
		var err error
		if ok {
			err = link.SendSegmentData(id, seg.Data)
		} else {
			err = link.SendSegmentAbsent(id)
		}
		if err != nil {
			l.log.Debug("answer peer request failed",
				slog.String("segment_id", id),
				slog.String("peer_id", link.ID()),
				slog.String("error", err.Error()))
		}
	}()
}

// announceLocked builds the current segments map and returns a function that
// sends it to every connected peer.
func (l *HybridLoader) announceLocked() func() {
	payload := l.segmentsMapLocked()
	links := l.peerListLocked()
	return func() {
		for _, link := range links {
			if err := link.SendSegmentsMap(payload); err != nil {
				l.log.Debug("send segments map failed", slog.String("peer_id", link.ID()), slog.String("error", err.Error()))
			}
		}
	}
}

// segmentsMapLocked lists the cached segments of the current swarm as loaded
// and those downloading over HTTP as loading.
func (l *HybridLoader) segmentsMapLocked() peer.SegmentsMapPayload {
	if l.swarmID == "" {
		return peer.SegmentsMapPayload{}
	}
	prefix := l.swarmID + "+"
	var entry peer.SwarmSegments
	for _, id := range l.cache.IDs(l.swarmID) {
		entry.IDs = append(entry.IDs, strings.TrimPrefix(id, prefix))
		entry.Statuses = append(entry.Statuses, peer.StatusLoaded)
	}
	loading := make([]string, 0, len(l.http))
	for id := range l.http {
		if strings.HasPrefix(id, prefix) {
			loading = append(loading, id)
		}
	}
	sort.Strings(loading)
	for _, id := range loading {
		entry.IDs = append(entry.IDs, strings.TrimPrefix(id, prefix))
		entry.Statuses = append(entry.Statuses, peer.StatusLoadingByHTTP)
	}
	if len(entry.IDs) == 0 {
		return peer.SegmentsMapPayload{}
	}
	return peer.SegmentsMapPayload{l.swarmID: entry}
}

func (l *HybridLoader) markPeerFailureLocked(segmentID, peerID string) {
	failed := l.peerFailures[segmentID]
	if failed == nil {
		failed = make(map[string]struct{})
		l.peerFailures[segmentID] = failed
	}
	failed[peerID] = struct{}{}
}

func (l *HybridLoader) removeFromBatchLocked(id string) {
	for i, seg := range l.batch {
		if seg.ID == id {
			l.batch = append(l.batch[:i:i], l.batch[i+1:]...)
			return
		}
	}
}

func (l *HybridLoader) emit(events ...segments.LoaderEvent) {
	if len(events) == 0 {
		return
	}
	l.subMu.RLock()
	listeners := make([]func(segments.LoaderEvent), len(l.listeners))
	copy(listeners, l.listeners)
	l.subMu.RUnlock()

	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

// timestamp is the bandwidth clock: milliseconds since the loader started.
func (l *HybridLoader) timestamp() float64 {
	return float64(time.Since(l.start).Microseconds()) / 1000
}

func run(actions []func()) {
	for _, fn := range actions {
		fn()
	}
}
