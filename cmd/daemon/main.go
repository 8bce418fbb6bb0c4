// Command daemon runs the strand streaming orchestrator: the VOD job
// engine, the session arbiter, and the live-TV and range proxies behind
// one HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strandtv/strand/internal/api"
	"github.com/strandtv/strand/internal/config"
	"github.com/strandtv/strand/internal/enrich"
	"github.com/strandtv/strand/internal/livetv"
	"github.com/strandtv/strand/internal/log"
	"github.com/strandtv/strand/internal/prefetch"
	"github.com/strandtv/strand/internal/rangeproxy"
	"github.com/strandtv/strand/internal/session"
	"github.com/strandtv/strand/internal/telemetry"
	"github.com/strandtv/strand/internal/userdir"
	"github.com/strandtv/strand/internal/vod/engine"
	"github.com/strandtv/strand/internal/vod/job"
	"github.com/strandtv/strand/internal/vod/linkcache"
	"github.com/strandtv/strand/internal/vod/remux"
	"github.com/strandtv/strand/internal/vod/resolve"
	"github.com/strandtv/strand/internal/vod/validate"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// noChannels is the live-TV lister used when no catalog is configured.
type noChannels struct{}

func (noChannels) Sources(string) []string { return nil }

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	loader := config.NewLoader(*configPath, version)
	cfg, err := loader.Load()
	if err != nil {
		bootLogger := log.WithComponent("daemon")
		bootLogger.Fatal().Err(err).
			Str("config_path", *configPath).Msg("failed to load configuration")
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: cfg.LogService, Version: version})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("addr", cfg.ListenAddr).
		Str("data_dir", cfg.DataDir).
		Msg("starting strand")

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    cfg.LogService,
		ServiceVersion: version,
		ExporterType:   cfg.TracingExporter,
		Endpoint:       cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSample,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("telemetry init failed")
	}

	if cfg.DebridAPIBase == "" {
		logger.Fatal().Msg("debridAPIBase is required; the VOD pipeline cannot promote without it")
	}
	if cfg.UserDBPath == "" {
		logger.Fatal().Msg("userDBPath is required; requests cannot be attributed without it")
	}

	users, err := userdir.Open(cfg.UserDBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.UserDBPath).Msg("cannot open user directory")
	}
	defer func() { _ = users.Close() }()

	registry := job.NewRegistry(cfg.CompletionRingSize, cfg.JobRetention,
		&playbackLog{logger: log.WithComponent("playback")})

	cache, err := linkcache.Open(filepath.Join(cfg.DataDir, "linkcache"),
		cfg.LinkCacheTTL, linkcache.NewHTTPProber())
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot open link cache")
	}
	defer func() { _ = cache.Close() }()

	prober := &ffprober{bin: cfg.FFprobeBin}
	validator := validate.New(prober, validate.Config{
		AcceptedVideoCodecs: cfg.AcceptedVideoCodecs,
		AcceptedAudioCodecs: cfg.AcceptedAudioCodecs,
		AudioTargetCodec:    cfg.AudioTargetCodec,
	})
	runner := &ffmpegRunner{bin: cfg.FFmpegBin, logger: log.WithComponent("ffmpeg")}
	remuxer := remux.New(runner)

	// Source providers are deployment integrations registered here; a bare
	// install resolves nothing and every job ends in NO_SOURCES.
	resolver := resolve.New()
	logger.Warn().Msg("no source providers configured")

	subCache, err := enrich.OpenSubtitleCache(filepath.Join(cfg.DataDir, "subcache"), cfg.LinkCacheTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot open subtitle cache")
	}
	defer func() { _ = subCache.Close() }()
	subs := &enrich.SubtitleStack{
		Cache:     subCache,
		Extractor: runner,
		Dir:       filepath.Join(cfg.DataDir, "subtitles"),
	}
	enrichers := enrich.NewRunner(registry, nil, prober, subs)

	var zurg engine.ZurgResolver
	if cfg.ZurgBase != "" {
		zurg = newZurgResolver(cfg.ZurgBase)
	}

	eng := engine.New(engine.Config{
		FirstSourcesWait:     cfg.FirstSourcesWait,
		FirstSourcesSlowWait: cfg.FirstSourcesSlowWait,
		JobMaxDuration:       cfg.JobMaxDuration,
		DeadTorrentTimeout:   cfg.DeadTorrentTimeout,
		SlowStartTimeout:     cfg.SlowStartTimeout,
		ActiveStartTimeout:   cfg.ActiveStartTimeout,
		StallTimeout:         cfg.StallTimeout,
		PollInterval:         cfg.DebridPollInterval,
		BandwidthSafety:      cfg.BandwidthSafetyFactor,
		ProcessedDir:         filepath.Join(cfg.DataDir, "processed"),
	}, engine.Deps{
		Registry:  registry,
		Resolver:  resolver,
		Cache:     cache,
		Validator: validator,
		Remuxer:   remuxer,
		Debrid:    newDebridClient(cfg.DebridAPIBase, cfg.DebridAPIToken),
		Zurg:      zurg,
		Enrichers: enrichers,
	})

	arbiter := session.New(session.NewStoreFromConfig(cfg), session.Config{
		Grace:    cfg.SessionGrace,
		Idle:     cfg.SessionIdleTimeout,
		Deadline: cfg.ArbiterDeadline,
	})

	var channels livetv.SourceLister = noChannels{}
	if cfg.ChannelCatalog != "" {
		catalog, err := livetv.LoadCatalog(cfg.ChannelCatalog)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.ChannelCatalog).Msg("cannot load channel catalog")
		}
		go func() {
			if err := catalog.Watch(ctx); err != nil {
				logger.Error().Err(err).Msg("channel catalog watcher stopped")
			}
		}()
		channels = catalog
	}
	liveProxy := livetv.NewProxy(channels, livetv.ProxyConfig{
		FailThreshold:   cfg.SegmentFailThreshold,
		ManifestTimeout: cfg.ManifestTimeout,
	}, nil)

	ranges := rangeproxy.New(cfg.MountRoot, cfg.FSStatTimeout, &processedIndex{registry: registry})
	prefetcher := prefetch.New(eng, registry, prefetch.EpisodePicker{}, nil)

	tracing := ""
	if cfg.TracingEnabled {
		tracing = cfg.LogService
	}
	apiServer := api.New(api.Config{
		BandwidthStaleAfter: cfg.BandwidthStaleAfter,
		RequestLimit:        cfg.APIRequestLimit,
		RequestWindow:       cfg.APIRequestWindow,
		TrustedProxies:      cfg.TrustedProxies,
		TracingService:      tracing,
		Version:             version,
	}, api.Deps{
		Engine:   eng,
		Prefetch: prefetcher,
		Sessions: arbiter,
		Users:    users,
		Cache:    cache,
		Streams:  ranges,
		LiveTV:   liveProxy,
	})

	go eng.RunJanitor(ctx, time.Minute, cfg.ProcessedFileMaxAge)

	apiSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", apiSrv.Addr).Msg("api listening")
		serveErr <- apiSrv.ListenAndServe()
	}()
	go func() {
		logger.Info().Str("addr", metricsSrv.Addr).Msg("metrics listening")
		serveErr <- metricsSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api shutdown incomplete")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics shutdown incomplete")
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("telemetry shutdown incomplete")
	}
	logger.Info().Msg("stopped")
}
