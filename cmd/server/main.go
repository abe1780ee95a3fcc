package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-p2p-loader/internal/api"
	"hls-p2p-loader/internal/bandwidth"
	"hls-p2p-loader/internal/cache"
	"hls-p2p-loader/internal/loader"
	"hls-p2p-loader/internal/peer"
	"hls-p2p-loader/internal/platform/config"
	"hls-p2p-loader/internal/platform/logger"
	"hls-p2p-loader/internal/platform/metrics"
	"hls-p2p-loader/internal/segments"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	dialTimeout     = 10 * time.Second
)

func main() {
	_ = config.Load()
	cfg := config.LoadSettings()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	met := metrics.New()

	segmentCache := cache.New(cfg.CachedSegmentExpiration, cfg.CachedSegmentsCount, log)
	fetcher := segments.NewFetcher(&http.Client{Timeout: cfg.HTTPDownloadTimeout})
	hybrid := loader.New(segmentCache, bandwidth.New(), fetcher, met, loader.Settings{
		SimultaneousHTTPDownloads: cfg.SimultaneousHTTPDownloads,
		HTTPDownloadTimeout:       cfg.HTTPDownloadTimeout,
	}, log)
	manager := segments.NewManager(hybrid, fetcher, segments.Settings{
		ForwardSegmentCount: cfg.ForwardSegmentCount,
		SwarmID:             cfg.SwarmID,
		Assets:              segments.NewInMemoryAssetsStore(),
	}, log)

	peerSettings := api.PeerSettings{
		Link: peer.Settings{
			SegmentDownloadTimeout: cfg.P2PSegmentDownloadTimeout,
			MaxMessageSize:         cfg.MaxMessageSize,
			Framing:                peer.FramingByName(cfg.PeerFraming),
			LocalID:                cfg.PeerID,
		},
		UploadRateLimit: cfg.UploadRateLimit,
	}
	h := api.NewHandler(manager, hybrid, peerSettings, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetCachedSegments(hybrid.CachedSegments())
			met.SetBandwidth(hybrid.Bandwidth())
		}).ServeHTTP(w, r)
	})
	h.Routes(r)

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	for _, url := range cfg.PeerURLs {
		url := url // per-iteration copy (go directive < 1.22)
		g.Go(func() error {
			dialPeer(gctx, url, hybrid, peerSettings, log)
			return nil
		})
	}

	log.Info("server starting",
		"port", cfg.Port,
		"peer_id", cfg.PeerID,
		"peer_framing", cfg.PeerFraming,
		"static_peers", len(cfg.PeerURLs),
		"log_level", cfg.LogLevel,
	)

	<-gctx.Done()
	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	exitCode := 0
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		exitCode = 1
	}
	if err := manager.Destroy(); err != nil {
		log.Error("loader shutdown error", "error", err)
		exitCode = 1
	}
	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		exitCode = 1
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}

	log.Info("server stopped")
}

// dialPeer connects to a static peer and serves it until the connection
// closes or ctx is done.
func dialPeer(ctx context.Context, url string, l *loader.HybridLoader, settings api.PeerSettings, log *slog.Logger) {
	maxSize := settings.Link.MaxMessageSize
	if maxSize <= 0 {
		maxSize = peer.DefaultMaxMessageSize
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	transport, err := peer.DialWebSocket(dialCtx, url, nil, maxSize, peer.NewUploadLimiter(settings.UploadRateLimit, maxSize))
	cancel()
	if err != nil {
		log.Warn("static peer unreachable", slog.String("url", url), slog.String("error", err.Error()))
		return
	}

	link := peer.NewLink(url, transport, settings.Link, log)
	l.AddPeer(link)

	done := make(chan struct{})
	go func() {
		defer close(done)
		transport.Serve(link)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = link.Destroy()
		<-done
	}
}
