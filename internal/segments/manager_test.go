package segments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-p2p-loader/internal/media"
)

type loadCall struct {
	segments []media.Segment
	swarmID  string
}

type fakeLoader struct {
	mu        sync.Mutex
	calls     []loadCall
	cached    map[string]media.Segment
	listeners []func(LoaderEvent)
	headers   http.Header
	destroyed bool
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{cached: make(map[string]media.Segment)}
}

func (l *fakeLoader) Load(batch []media.Segment, swarmID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, loadCall{segments: batch, swarmID: swarmID})
}

func (l *fakeLoader) GetSegment(id string) (media.Segment, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seg, ok := l.cached[id]
	return seg, ok
}

func (l *fakeLoader) Settings() LoaderSettings {
	return LoaderSettings{RequestHeaders: l.headers}
}

func (l *fakeLoader) Subscribe(fn func(LoaderEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *fakeLoader) Destroy() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyed = true
	return nil
}

func (l *fakeLoader) emit(ev LoaderEvent) {
	l.mu.Lock()
	listeners := append([]func(LoaderEvent){}, l.listeners...)
	l.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (l *fakeLoader) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *fakeLoader) lastCall() loadCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[len(l.calls)-1]
}

const (
	masterURL  = "http://cdn.test/live/master.m3u8?token=1"
	lowURL     = "http://cdn.test/live/low/index.m3u8"
	highURL    = "http://cdn.test/live/high/index.m3u8"
	masterBody = "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nlow/index.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=2\nhigh/index.m3u8\n"
)

func segURL(variant string, seq int) string {
	return "http://cdn.test/live/" + variant + "/seg" + strconv.Itoa(seq) + ".ts"
}

func variantBody(first, count int) string {
	body := "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:" + strconv.Itoa(first) + "\n"
	for i := first; i < first+count; i++ {
		body += "#EXTINF:4.0,\nseg" + strconv.Itoa(i) + ".ts\n"
	}
	return body
}

func newTestManager(t *testing.T, settings Settings) (*Manager, *fakeLoader) {
	t.Helper()
	loader := newFakeLoader()
	return NewManager(loader, nil, settings, nil), loader
}

func setupTwoVariants(t *testing.T, m *Manager) {
	t.Helper()
	require.NoError(t, m.ProcessPlaylist(masterURL, masterBody, masterURL))
	require.NoError(t, m.ProcessPlaylist(highURL, variantBody(100, 30), highURL))
}

func loadAsync(m *Manager, url string) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		res, err := m.LoadSegment(context.Background(), url, nil)
		ch <- outcome{result: res, err: err}
	}()
	return ch
}

func waitCalls(t *testing.T, l *fakeLoader, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return l.callCount() >= n }, time.Second, time.Millisecond)
}

func receive(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(time.Second):
		t.Fatal("LoadSegment did not return")
		return outcome{}
	}
}

func TestManager_ProcessPlaylist_variant_swarm_ids(t *testing.T) {
	m, loader := newTestManager(t, Settings{})
	require.NoError(t, m.ProcessPlaylist(masterURL, masterBody, masterURL))
	require.NoError(t, m.ProcessPlaylist(lowURL, variantBody(100, 30), lowURL))
	require.NoError(t, m.ProcessPlaylist(highURL, variantBody(100, 30), highURL))

	snap := m.Snapshot()
	assert.Equal(t, masterURL, snap.MasterURL)
	assert.Equal(t, "http://cdn.test/live/master.m3u8", snap.MasterSwarm)
	assert.Equal(t, []string{highURL, lowURL}, snap.Variants)

	done := loadAsync(m, segURL("high", 105))
	waitCalls(t, loader, 1)

	call := loader.lastCall()
	assert.Equal(t, "http://cdn.test/live/master.m3u8+V1", call.swarmID)
	require.NotEmpty(t, call.segments)
	first := call.segments[0]
	assert.Equal(t, "http://cdn.test/live/master.m3u8+V1+105", first.ID)
	assert.Equal(t, "V1", first.StreamID)
	assert.Equal(t, int64(105), first.Sequence)
	assert.Equal(t, "http://cdn.test/live/master.m3u8", first.MasterSwarmID)
	assert.Equal(t, masterURL, first.MasterManifestURI)
	assert.Equal(t, segURL("high", 105), first.URL)

	loader.emit(LoaderEvent{Kind: SegmentLoaded, Segment: media.Segment{URL: first.URL, Data: []byte("x")}})
	out := receive(t, done)
	require.NoError(t, out.err)
}

func TestManager_ProcessPlaylist_ignores_unlisted_and_drops_removed(t *testing.T) {
	m, _ := newTestManager(t, Settings{})
	setupTwoVariants(t, m)

	require.NoError(t, m.ProcessPlaylist("http://cdn.test/live/audio/en.m3u8", variantBody(1, 3), "http://cdn.test/live/audio/en.m3u8"))
	assert.Equal(t, []string{highURL}, m.Snapshot().Variants)

	// A new master without the high variant drops it.
	require.NoError(t, m.ProcessPlaylist(masterURL, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nlow/index.m3u8\n", masterURL))
	assert.Empty(t, m.Snapshot().Variants)
}

func TestManager_ProcessPlaylist_invalid(t *testing.T) {
	m, _ := newTestManager(t, Settings{})
	err := m.ProcessPlaylist(lowURL, "not a playlist", lowURL)
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestManager_swarm_id_without_master_and_override(t *testing.T) {
	t.Run("url_without_query", func(t *testing.T) {
		m, loader := newTestManager(t, Settings{})
		require.NoError(t, m.ProcessPlaylist(lowURL+"?session=9", variantBody(0, 5), lowURL+"?session=9"))

		loadAsync(m, segURL("low", 2))
		waitCalls(t, loader, 1)
		call := loader.lastCall()
		assert.Equal(t, lowURL, call.swarmID)
		assert.Equal(t, lowURL+"+2", call.segments[0].ID)
		assert.Empty(t, call.segments[0].StreamID)
		assert.Equal(t, lowURL, call.segments[0].MasterSwarmID)
		assert.Equal(t, lowURL+"?session=9", call.segments[0].MasterManifestURI)
	})

	t.Run("settings_override", func(t *testing.T) {
		m, loader := newTestManager(t, Settings{SwarmID: "my-swarm"})
		setupTwoVariants(t, m)

		loadAsync(m, segURL("high", 100))
		waitCalls(t, loader, 1)
		assert.Equal(t, "my-swarm+V1", loader.lastCall().swarmID)
		assert.Equal(t, "my-swarm", m.GetSettings().SwarmID)
	})
}

func TestManager_LoadSegment_batch_and_priorities(t *testing.T) {
	m, loader := newTestManager(t, Settings{ForwardSegmentCount: 3})
	setupTwoVariants(t, m)

	done := loadAsync(m, segURL("high", 100))
	waitCalls(t, loader, 1)
	call := loader.lastCall()
	require.Len(t, call.segments, 3)
	for i, seg := range call.segments {
		assert.Equal(t, i, seg.Priority)
		assert.Equal(t, int64(100+i), seg.Sequence)
	}
	loader.emit(LoaderEvent{Kind: SegmentLoaded, Segment: call.segments[0]})
	receive(t, done)

	// The successor keeps the queue, so priorities start at len(queue)-1.
	done = loadAsync(m, segURL("high", 101))
	waitCalls(t, loader, 2)
	call = loader.lastCall()
	assert.Equal(t, int64(101), call.segments[0].Sequence)
	assert.Equal(t, 1, call.segments[0].Priority)
	assert.Equal(t, []int64{100, 101}, m.Snapshot().PlayQueue)
	loader.emit(LoaderEvent{Kind: SegmentLoaded, Segment: call.segments[0]})
	receive(t, done)

	// A seek resets the queue.
	loadAsync(m, segURL("high", 120))
	waitCalls(t, loader, 3)
	assert.Equal(t, 0, loader.lastCall().segments[0].Priority)
	assert.Equal(t, []int64{120}, m.Snapshot().PlayQueue)
}

func TestManager_LoadSegment_batch_stops_at_playlist_end(t *testing.T) {
	m, loader := newTestManager(t, Settings{})
	setupTwoVariants(t, m)

	loadAsync(m, segURL("high", 127))
	waitCalls(t, loader, 1)
	assert.Len(t, loader.lastCall().segments, 3)
}

func TestManager_LoadSegment_supersedes_pending(t *testing.T) {
	m, loader := newTestManager(t, Settings{})
	setupTwoVariants(t, m)

	first := loadAsync(m, segURL("high", 100))
	waitCalls(t, loader, 1)
	second := loadAsync(m, segURL("high", 101))

	out := receive(t, first)
	assert.ErrorIs(t, out.err, ErrSuperseded)

	waitCalls(t, loader, 2)
	// An event for a prefetched, unrequested segment is absorbed.
	loader.emit(LoaderEvent{Kind: SegmentLoaded, Segment: media.Segment{URL: segURL("high", 105), Data: []byte("other")}})
	assert.Equal(t, segURL("high", 101), m.Snapshot().PendingURL)

	loader.emit(LoaderEvent{Kind: SegmentLoaded, Segment: media.Segment{
		URL:               segURL("high", 101),
		Data:              []byte("payload"),
		DownloadBandwidth: 12.5,
	}})
	out = receive(t, second)
	require.NoError(t, out.err)
	assert.Equal(t, []byte("payload"), out.result.Content)
	assert.Equal(t, 12.5, out.result.DownloadBandwidth)
	assert.Empty(t, m.Snapshot().PendingURL)
}

func TestManager_LoadSegment_already_cached(t *testing.T) {
	m, loader := newTestManager(t, Settings{})
	setupTwoVariants(t, m)

	id := "http://cdn.test/live/master.m3u8+V1+100"
	loader.cached[id] = media.Segment{ID: id, URL: segURL("high", 100), Data: []byte("cached")}

	res, err := m.LoadSegment(context.Background(), segURL("high", 100), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), res.Content)
	assert.Equal(t, 1, loader.callCount(), "the batch is still issued")
}

func TestManager_LoadSegment_loader_outcomes(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		event   LoaderEvent
		wantErr error
	}{
		{"error", LoaderEvent{Kind: SegmentError, Err: boom}, boom},
		{"abort", LoaderEvent{Kind: SegmentAbort}, ErrInternalAbort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, loader := newTestManager(t, Settings{})
			setupTwoVariants(t, m)

			done := loadAsync(m, segURL("high", 100))
			waitCalls(t, loader, 1)
			ev := tt.event
			ev.Segment = loader.lastCall().segments[0]
			loader.emit(ev)

			out := receive(t, done)
			assert.ErrorIs(t, out.err, tt.wantErr)
		})
	}
}

func TestManager_AbortSegment_resolves_without_content(t *testing.T) {
	m, loader := newTestManager(t, Settings{})
	setupTwoVariants(t, m)

	done := loadAsync(m, segURL("high", 100))
	waitCalls(t, loader, 1)

	m.AbortSegment(segURL("high", 101), nil)
	assert.NotEmpty(t, m.Snapshot().PendingURL, "abort for another segment is ignored")

	m.AbortSegment(segURL("high", 100), nil)
	out := receive(t, done)
	require.NoError(t, out.err)
	assert.Nil(t, out.result.Content)
	assert.Zero(t, out.result.DownloadBandwidth)
}

func TestManager_LoadSegment_context_cancel(t *testing.T) {
	m, loader := newTestManager(t, Settings{})
	setupTwoVariants(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := m.LoadSegment(ctx, segURL("high", 100), nil)
		errc <- err
	}()
	waitCalls(t, loader, 1)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("LoadSegment did not return")
	}
	assert.Empty(t, m.Snapshot().PendingURL)
}

func TestManager_playback_recovers_after_stall(t *testing.T) {
	m, loader := newTestManager(t, Settings{})
	setupTwoVariants(t, m)

	done := loadAsync(m, segURL("high", 100))
	waitCalls(t, loader, 1)
	loader.emit(LoaderEvent{Kind: SegmentLoaded, Segment: loader.lastCall().segments[0]})
	receive(t, done)

	loadAsync(m, segURL("high", 101))
	waitCalls(t, loader, 2)

	m.SetPlayingSegment(segURL("high", 100), nil, 0, 4)
	require.Equal(t, 3, loader.callCount())
	assert.Equal(t, 1, loader.lastCall().segments[0].Priority)
	assert.Equal(t, int64(101), loader.lastCall().segments[0].Sequence)

	// Still playing: nothing changes.
	m.SetPlayingSegmentByCurrentTime(3.0)
	assert.Equal(t, 3, loader.callCount())
	assert.Equal(t, []int64{100, 101}, m.Snapshot().PlayQueue)

	// Within epsilon of the end: the head is dropped and the batch re-issued.
	m.SetPlayingSegmentByCurrentTime(3.9)
	assert.Equal(t, 4, loader.callCount())
	assert.Equal(t, []int64{101}, m.Snapshot().PlayQueue)
	assert.Equal(t, 0, loader.lastCall().segments[0].Priority)

	// The new head has no recorded window yet.
	m.SetPlayingSegmentByCurrentTime(100)
	assert.Equal(t, 4, loader.callCount())
}

func TestManager_SetPlayingSegment_unknown_is_ignored(t *testing.T) {
	m, loader := newTestManager(t, Settings{})
	setupTwoVariants(t, m)

	m.SetPlayingSegment(segURL("high", 100), nil, 0, 4)
	assert.Equal(t, 0, loader.callCount())
}

func TestManager_Destroy(t *testing.T) {
	assets := NewInMemoryAssetsStore()
	assets.StoreAsset(Asset{RequestURI: "x", MasterSwarmID: "s"})
	m, loader := newTestManager(t, Settings{Assets: assets})
	setupTwoVariants(t, m)

	done := loadAsync(m, segURL("high", 100))
	waitCalls(t, loader, 1)

	require.NoError(t, m.Destroy())
	out := receive(t, done)
	assert.ErrorIs(t, out.err, ErrDestroyed)
	assert.True(t, loader.destroyed)
	assert.Zero(t, assets.Len())
	assert.Empty(t, m.Snapshot().Variants)

	_, err := m.LoadSegment(context.Background(), segURL("high", 100), nil)
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.ErrorIs(t, m.ProcessPlaylist(highURL, variantBody(0, 1), highURL), ErrDestroyed)
	require.NoError(t, m.Destroy())
}

func TestManager_LoadSegment_asset_via_store(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "bytes=0-9", r.Header.Get("Range"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		_, _ = w.Write([]byte("init-data!"))
	}))
	defer srv.Close()

	assets := NewInMemoryAssetsStore()
	m, loader := newTestManager(t, Settings{Assets: assets})
	loader.headers = http.Header{"X-Token": []string{"secret"}}
	setupTwoVariants(t, m)

	br := &media.ByteRange{Offset: 0, Length: 10}
	for i := 0; i < 2; i++ {
		res, err := m.LoadSegment(context.Background(), srv.URL+"/init.mp4", br)
		require.NoError(t, err)
		assert.Equal(t, []byte("init-data!"), res.Content)
		assert.Zero(t, res.DownloadBandwidth)
	}
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, assets.Len())
	assert.Equal(t, 0, loader.callCount(), "assets never reach the loader")

	a, ok := assets.GetAsset(srv.URL+"/init.mp4", "bytes=0-9", "http://cdn.test/live/master.m3u8")
	require.True(t, ok)
	assert.Equal(t, masterURL, a.MasterManifestURI)
}

func TestManager_LoadSegment_asset_without_store(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.key" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("key"))
	}))
	defer srv.Close()

	m, _ := newTestManager(t, Settings{})

	res, err := m.LoadSegment(context.Background(), srv.URL+"/a.key", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("key"), res.Content)

	_, err = m.LoadSegment(context.Background(), srv.URL+"/missing.key", nil)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestManager_LoadPlaylist(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/live/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(masterBody))
	})
	mux.HandleFunc("/live/high/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(variantBody(7, 4)))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	assets := NewInMemoryAssetsStore()
	m, loader := newTestManager(t, Settings{Assets: assets})

	resp, err := m.LoadPlaylist(context.Background(), srv.URL+"/live/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, masterBody, resp.Body)
	assert.Equal(t, srv.URL+"/live/master.m3u8", resp.ResponseURL)

	_, err = m.LoadPlaylist(context.Background(), srv.URL+"/live/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second load comes from the assets store")

	_, err = m.LoadPlaylist(context.Background(), srv.URL+"/live/high/index.m3u8")
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/live/high/index.m3u8"}, m.Snapshot().Variants)

	loadAsync(m, srv.URL+"/live/high/seg8.ts")
	waitCalls(t, loader, 1)
	assert.Equal(t, srv.URL+"/live/master.m3u8+V1+8", loader.lastCall().segments[0].ID)
}
