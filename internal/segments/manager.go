// Package segments turns the player's one-segment-at-a-time requests into
// prioritized prefetch batches for a Loader and correlates the single
// outstanding request with the loader's delivery events.
package segments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"hls-p2p-loader/internal/media"
)

var (
	// ErrSuperseded fails a pending request when the player asks for another
	// segment before the first one arrived.
	ErrSuperseded = errors.New("cancel segment request: simultaneous segment requests are not supported")

	// ErrDestroyed fails the pending request on Destroy and every call after it.
	ErrDestroyed = errors.New("loading aborted: object destroyed")

	// ErrInternalAbort fails the pending request when the loader drops it.
	ErrInternalAbort = errors.New("loading aborted: internal abort")
)

const (
	// DefaultForwardSegmentCount is the default prefetch batch size.
	DefaultForwardSegmentCount = 20

	// playbackEpsilon is how close the playhead must be to the end of the
	// current segment for it to count as finished.
	playbackEpsilon = 0.2
)

// Settings configures a Manager.
type Settings struct {
	// ForwardSegmentCount caps the number of segments in one batch.
	ForwardSegmentCount int
	// SwarmID overrides the master swarm id derived from the master URL.
	SwarmID string
	// Assets stores playlists and non-media assets. Nil disables storage.
	Assets AssetsStore
	// Parser defaults to ParseManifest.
	Parser ManifestParser
}

// PlaylistResponse is the playlist text handed back to the player.
type PlaylistResponse struct {
	Body        string
	ResponseURL string
}

// Snapshot is a read-only view of the scheduler state.
type Snapshot struct {
	MasterURL   string   `json:"master_url,omitempty"`
	Variants    []string `json:"variants"`
	PlayQueue   []int64  `json:"play_queue"`
	PendingURL  string   `json:"pending_url,omitempty"`
	MasterSwarm string   `json:"master_swarm_id,omitempty"`
}

type batch struct {
	segments []media.Segment
	swarmID  string
	firstID  string
}

// Manager is the prefetch scheduler. It is safe for concurrent use.
type Manager struct {
	loader   Loader
	fetcher  *Fetcher
	settings Settings
	log      *slog.Logger

	// loadMu keeps batches reaching the loader in the order they were built.
	loadMu sync.Mutex

	mu        sync.Mutex
	master    *Playlist
	variants  map[string]*Playlist
	pending   *pendingRequest
	playQueue []playQueueEntry
	destroyed bool
}

// NewManager subscribes to loader's events. fetcher may be nil, in which case
// a default Fetcher is used.
func NewManager(loader Loader, fetcher *Fetcher, settings Settings, log *slog.Logger) *Manager {
	if settings.ForwardSegmentCount <= 0 {
		settings.ForwardSegmentCount = DefaultForwardSegmentCount
	}
	if settings.Parser == nil {
		settings.Parser = ParserFunc(ParseManifest)
	}
	if fetcher == nil {
		fetcher = NewFetcher(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		loader:   loader,
		fetcher:  fetcher,
		settings: settings,
		log:      log,
		variants: make(map[string]*Playlist),
	}
	loader.Subscribe(m.onLoaderEvent)
	return m
}

// GetSettings returns the effective settings.
func (m *Manager) GetSettings() Settings {
	return m.settings
}

// ProcessPlaylist parses and records a playlist the player fetched itself.
func (m *Manager) ProcessPlaylist(requestURL, content, responseURL string) error {
	manifest, err := m.settings.Parser.Parse(content)
	if err != nil {
		return fmt.Errorf("parse playlist %s: %w", requestURL, err)
	}
	pl := newPlaylist(requestURL, responseURL, manifest)

	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}

	var b *batch
	if manifest.IsMaster() {
		m.master = pl
		for key, v := range m.variants {
			swarmID, found, index := m.streamSwarmIDLocked(v.RequestURL)
			if !found {
				delete(m.variants, key)
				continue
			}
			v.StreamSwarmID = swarmID
			v.StreamID = "V" + strconv.Itoa(index)
		}
		m.log.Debug("master playlist processed",
			slog.String("url", requestURL),
			slog.Int("variants", len(manifest.Playlists)))
	} else {
		swarmID, found, index := m.streamSwarmIDLocked(requestURL)
		if found || m.master == nil {
			pl.StreamSwarmID = swarmID
			if m.master != nil {
				pl.StreamID = "V" + strconv.Itoa(index)
			}
			m.variants[requestURL] = pl
			b = m.updateBatchLocked()
			m.log.Debug("variant playlist processed",
				slog.String("url", requestURL),
				slog.String("swarm_id", swarmID),
				slog.Int("segments", len(manifest.Segments)))
		} else {
			// Audio and subtitle renditions are not shared.
			m.log.Debug("playlist not listed by master, ignored", slog.String("url", requestURL))
		}
	}
	m.mu.Unlock()

	m.issue(b)
	return nil
}

// LoadPlaylist fetches a playlist, from the assets store when it holds one,
// and processes it.
func (m *Manager) LoadPlaylist(ctx context.Context, url string) (PlaylistResponse, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return PlaylistResponse{}, ErrDestroyed
	}
	masterSwarmID := m.masterSwarmIDLocked()
	if masterSwarmID == "" {
		masterSwarmID = stripQuery(url)
	}
	masterManifestURI := url
	if m.master != nil {
		masterManifestURI = m.master.RequestURL
	}
	m.mu.Unlock()

	var (
		resp  PlaylistResponse
		found bool
	)
	assets := m.settings.Assets
	if assets != nil {
		if a, ok := assets.GetAsset(url, "", masterSwarmID); ok {
			resp = PlaylistResponse{Body: string(a.Data), ResponseURL: a.ResponseURI}
			found = true
		}
	}
	if !found {
		res, err := m.fetch(ctx, url, "")
		if err != nil {
			return PlaylistResponse{}, err
		}
		resp = PlaylistResponse{Body: string(res.Data), ResponseURL: res.ResponseURL}
		if assets != nil {
			assets.StoreAsset(Asset{
				MasterManifestURI: masterManifestURI,
				MasterSwarmID:     masterSwarmID,
				RequestURI:        url,
				ResponseURI:       res.ResponseURL,
				Data:              res.Data,
			})
		}
	}

	if err := m.ProcessPlaylist(url, resp.Body, resp.ResponseURL); err != nil {
		return PlaylistResponse{}, err
	}
	return resp, nil
}

// LoadSegment returns the segment at (url, br) once the loader delivers it.
// A URL outside every known variant is fetched directly as an asset.
func (m *Manager) LoadSegment(ctx context.Context, url string, br *media.ByteRange) (Result, error) {
	m.loadMu.Lock()
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		m.loadMu.Unlock()
		return Result{}, ErrDestroyed
	}

	pl, index := m.locateLocked(url, br)
	if pl == nil {
		scope := m.assetScopeLocked()
		m.mu.Unlock()
		m.loadMu.Unlock()
		return m.loadAsset(ctx, url, br, scope)
	}

	sequence := pl.Manifest.MediaSequence + int64(index)
	if n := len(m.playQueue); n > 0 && m.playQueue[n-1].sequence != sequence-1 {
		m.log.Debug("play queue reset", slog.Int64("sequence", sequence))
		m.playQueue = nil
	}

	if m.pending != nil {
		m.pending.reject(ErrSuperseded)
		m.pending = nil
	}

	req := &pendingRequest{
		url:         url,
		byteRange:   br,
		sequence:    sequence,
		playlistURL: pl.RequestURL,
		done:        make(chan outcome, 1),
	}
	m.pending = req
	m.playQueue = append(m.playQueue, playQueueEntry{sequence: sequence, url: url, byteRange: br})
	b := m.buildBatchLocked(pl, index, true)
	m.mu.Unlock()

	m.issue(b)
	m.loadMu.Unlock()

	select {
	case out := <-req.done:
		return out.result, out.err
	case <-ctx.Done():
		m.mu.Lock()
		if m.pending == req {
			m.pending = nil
		}
		m.mu.Unlock()
		return Result{}, ctx.Err()
	}
}

// SetPlayingSegment marks the queued segment at (url, br) as the one playing,
// dropping the entries before it.
func (m *Manager) SetPlayingSegment(url string, br *media.ByteRange, start, duration float64) {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	m.mu.Lock()
	index := -1
	for i, e := range m.playQueue {
		if e.url == url && e.byteRange.Equal(br) {
			index = i
			break
		}
	}
	if index < 0 {
		m.mu.Unlock()
		return
	}
	m.playQueue = m.playQueue[index:]
	m.playQueue[0].position = &playPosition{start: start, duration: duration}
	b := m.updateBatchLocked()
	m.mu.Unlock()

	m.issue(b)
}

// SetPlayingSegmentByCurrentTime advances the play queue when the playhead has
// (almost) reached the end of the current segment. It recovers scheduling
// after a stall during which segment changes were not reported.
func (m *Manager) SetPlayingSegmentByCurrentTime(position float64) {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	m.mu.Lock()
	if len(m.playQueue) == 0 || m.playQueue[0].position == nil {
		m.mu.Unlock()
		return
	}
	current := m.playQueue[0].position
	if current.start+current.duration-position >= playbackEpsilon {
		m.mu.Unlock()
		return
	}
	m.playQueue = m.playQueue[1:]
	b := m.updateBatchLocked()
	m.mu.Unlock()

	m.issue(b)
}

// AbortSegment resolves the pending request for (url, br) without content.
func (m *Manager) AbortSegment(url string, br *media.ByteRange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil && m.pending.url == url && m.pending.byteRange.Equal(br) {
		m.pending.resolve(Result{})
		m.pending = nil
	}
}

// Snapshot returns the current scheduler state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Variants:    make([]string, 0, len(m.variants)),
		PlayQueue:   make([]int64, 0, len(m.playQueue)),
		MasterSwarm: m.masterSwarmIDLocked(),
	}
	if m.master != nil {
		s.MasterURL = m.master.RequestURL
	}
	for u := range m.variants {
		s.Variants = append(s.Variants, u)
	}
	sort.Strings(s.Variants)
	for _, e := range m.playQueue {
		s.PlayQueue = append(s.PlayQueue, e.sequence)
	}
	if m.pending != nil {
		s.PendingURL = m.pending.url
	}
	return s
}

// Destroy fails the pending request, forgets all state and destroys the
// assets store and the loader.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	if m.pending != nil {
		m.pending.reject(ErrDestroyed)
		m.pending = nil
	}
	m.master = nil
	m.variants = make(map[string]*Playlist)
	m.playQueue = nil
	m.mu.Unlock()

	if m.settings.Assets != nil {
		m.settings.Assets.Destroy()
	}
	return m.loader.Destroy()
}

func (m *Manager) onLoaderEvent(ev LoaderEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req := m.pending
	if req == nil || !req.matches(ev.Segment) {
		return
	}
	m.pending = nil

	switch ev.Kind {
	case SegmentLoaded:
		content := make([]byte, len(ev.Segment.Data))
		copy(content, ev.Segment.Data)
		req.resolve(Result{Content: content, DownloadBandwidth: ev.Segment.DownloadBandwidth})
	case SegmentError:
		err := ev.Err
		if err == nil {
			err = fmt.Errorf("segment %s failed", ev.Segment.ID)
		}
		req.reject(err)
	case SegmentAbort:
		req.reject(ErrInternalAbort)
	}
}

// issue hands b to the loader and, for a fresh request, picks up the
// requested segment if the loader already has it. Callers hold loadMu but
// not mu.
func (m *Manager) issue(b *batch) {
	if b == nil {
		return
	}
	m.loader.Load(b.segments, b.swarmID)
	if b.firstID == "" {
		return
	}
	if seg, ok := m.loader.GetSegment(b.firstID); ok {
		m.onLoaderEvent(LoaderEvent{Kind: SegmentLoaded, Segment: seg})
	}
}

func (m *Manager) updateBatchLocked() *batch {
	if m.pending == nil {
		return nil
	}
	pl, index := m.locateLocked(m.pending.url, m.pending.byteRange)
	if pl == nil {
		return nil
	}
	return m.buildBatchLocked(pl, index, false)
}

func (m *Manager) buildBatchLocked(pl *Playlist, index int, requestFirst bool) *batch {
	masterSwarmID := m.masterSwarmIDLocked()
	if masterSwarmID == "" {
		masterSwarmID = pl.StreamSwarmID
	}
	masterManifestURI := pl.RequestURL
	if m.master != nil {
		masterManifestURI = m.master.RequestURL
	}

	priority := max(0, len(m.playQueue)-1)
	limit := m.settings.ForwardSegmentCount
	segs := make([]media.Segment, 0, min(limit, len(pl.Manifest.Segments)-index))

	for i := index; i < len(pl.Manifest.Segments) && len(segs) < limit; i++ {
		sequence := pl.Manifest.MediaSequence + int64(i)
		segs = append(segs, media.Segment{
			ID:                segmentID(pl.StreamSwarmID, sequence),
			URL:               pl.segmentURLs[i],
			MasterSwarmID:     masterSwarmID,
			MasterManifestURI: masterManifestURI,
			StreamID:          pl.StreamID,
			Sequence:          sequence,
			Range:             pl.Manifest.Segments[i].Range,
			Priority:          priority,
		})
		priority++
	}

	b := &batch{segments: segs, swarmID: pl.StreamSwarmID}
	if requestFirst && len(segs) > 0 {
		b.firstID = segs[0].ID
	}
	return b
}

// locateLocked finds the variant and index of the segment at (url, br).
// Variants are searched in request URL order.
func (m *Manager) locateLocked(url string, br *media.ByteRange) (*Playlist, int) {
	keys := make([]string, 0, len(m.variants))
	for k := range m.variants {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pl := m.variants[k]
		if i := pl.segmentIndex(url, br); i >= 0 {
			return pl, i
		}
	}
	return nil, -1
}

func (m *Manager) masterSwarmIDLocked() string {
	if m.settings.SwarmID != "" {
		return m.settings.SwarmID
	}
	if m.master != nil {
		return stripQuery(m.master.RequestURL)
	}
	return ""
}

// streamSwarmIDLocked returns "<masterSwarmID>+V<i>" when the master lists
// playlistURL as its i-th variant.
func (m *Manager) streamSwarmIDLocked(playlistURL string) (swarmID string, found bool, index int) {
	masterSwarmID := m.masterSwarmIDLocked()
	if m.master != nil && masterSwarmID != "" {
		for i, v := range m.master.Manifest.Playlists {
			if resolveURL(m.master.ResponseURL, v.URI) == playlistURL {
				return masterSwarmID + "+V" + strconv.Itoa(i), true, i
			}
		}
	}
	if masterSwarmID != "" {
		return masterSwarmID, false, -1
	}
	return stripQuery(playlistURL), false, -1
}

type assetScope struct {
	masterSwarmID     string
	masterManifestURI string
}

// assetScopeLocked falls back to the only variant when there is no master.
func (m *Manager) assetScopeLocked() assetScope {
	s := assetScope{masterSwarmID: m.masterSwarmIDLocked()}
	if m.master != nil {
		s.masterManifestURI = m.master.RequestURL
	}
	if len(m.variants) == 1 {
		for _, v := range m.variants {
			if s.masterSwarmID == "" {
				s.masterSwarmID = stripQuery(v.RequestURL)
			}
			if s.masterManifestURI == "" {
				s.masterManifestURI = v.RequestURL
			}
		}
	}
	return s
}

func (m *Manager) loadAsset(ctx context.Context, url string, br *media.ByteRange, scope assetScope) (Result, error) {
	rangeHeader := br.Header()
	assets := m.settings.Assets
	if assets == nil || scope.masterSwarmID == "" || scope.masterManifestURI == "" {
		res, err := m.fetch(ctx, url, rangeHeader)
		if err != nil {
			return Result{}, err
		}
		return Result{Content: res.Data}, nil
	}

	if a, ok := assets.GetAsset(url, rangeHeader, scope.masterSwarmID); ok {
		return Result{Content: a.Data}, nil
	}
	res, err := m.fetch(ctx, url, rangeHeader)
	if err != nil {
		return Result{}, err
	}
	assets.StoreAsset(Asset{
		MasterManifestURI: scope.masterManifestURI,
		MasterSwarmID:     scope.masterSwarmID,
		RequestURI:        url,
		RequestRange:      rangeHeader,
		ResponseURI:       res.ResponseURL,
		Data:              res.Data,
	})
	return Result{Content: res.Data}, nil
}

func (m *Manager) fetch(ctx context.Context, url, rangeHeader string) (FetchResult, error) {
	return m.fetcher.Fetch(ctx, url, rangeHeader, m.loader.Settings().RequestHeaders)
}

func segmentID(streamSwarmID string, sequence int64) string {
	return streamSwarmID + "+" + strconv.FormatInt(sequence, 10)
}
