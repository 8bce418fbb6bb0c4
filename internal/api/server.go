// Package api exposes the HTTP surface consumed by the player clients:
// the VOD job endpoints, session arbitration, the range and live-TV
// proxies, and liveness.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/strandtv/strand/internal/log"
	"github.com/strandtv/strand/internal/prefetch"
	"github.com/strandtv/strand/internal/session"
	"github.com/strandtv/strand/internal/userdir"
	"github.com/strandtv/strand/internal/vod/engine"
	"github.com/strandtv/strand/internal/vod/job"
	"github.com/strandtv/strand/internal/vod/linkcache"
	"github.com/strandtv/strand/internal/vod/source"
)

// timeNow is stubbed in tests that exercise bandwidth staleness.
var timeNow = time.Now

// Engine is the slice of the VOD engine the API drives.
type Engine interface {
	Start(ref source.ContentRef, user engine.UserContext, opts engine.StartOptions) string
	Progress(jobID string) (job.Job, bool)
	Cancel(jobID string) bool
	ReportBad(jobID string, user engine.UserContext) (string, int, error)
}

// Prefetcher warms and promotes upcoming titles.
type Prefetcher interface {
	PrefetchNext(ctx context.Context, current source.ContentRef, user engine.UserContext, mode prefetch.Mode) (string, source.ContentRef, error)
	Promote(ctx context.Context, jobID string) (prefetch.Result, bool)
}

// Sessions is the arbiter surface.
type Sessions interface {
	Check(ctx context.Context, debridKey, ip, userID, username string) (session.Verdict, error)
	Heartbeat(ctx context.Context, debridKey, ip string) error
	End(ctx context.Context, debridKey, ip string) error
}

// Users resolves the caller's identity record.
type Users interface {
	Lookup(ctx context.Context, userID string) (userdir.User, error)
}

// LinkCache backs the immediate-start fast path.
type LinkCache interface {
	Lookup(ctx context.Context, contentKey string) (linkcache.Entry, bool)
}

// StreamHandler serves byte-range reads from the mounted catalog.
type StreamHandler interface {
	ServeStream(w http.ResponseWriter, r *http.Request, streamID string)
	ServeProcessed(w http.ResponseWriter, r *http.Request, jobID string)
}

// LiveTVHandler serves manifests and segments for live channels.
type LiveTVHandler interface {
	ServeManifest(w http.ResponseWriter, r *http.Request, channelID string)
	ServeSegment(w http.ResponseWriter, r *http.Request, channelID, target string)
}

// Config carries the API-boundary tunables.
type Config struct {
	BandwidthStaleAfter time.Duration // suggest a retest past this age
	RequestLimit        int           // httprate window budget per IP
	RequestWindow       time.Duration
	TrustedProxies      string // CSV of CIDRs whose X-Forwarded-For is honored
	TracingService      string // empty disables otelhttp
	Version             string
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Engine   Engine
	Prefetch Prefetcher
	Sessions Sessions
	Users    Users
	Cache    LinkCache
	Streams  StreamHandler
	LiveTV   LiveTVHandler
}

// Server owns the routing table. Construct with New, mount via Router.
type Server struct {
	cfg     Config
	deps    Deps
	trusted trustedNets
	logger  zerolog.Logger
}

// New builds the API server.
func New(cfg Config, deps Deps) *Server {
	if cfg.BandwidthStaleAfter <= 0 {
		cfg.BandwidthStaleAfter = time.Hour
	}
	if cfg.RequestLimit <= 0 {
		cfg.RequestLimit = 120
	}
	if cfg.RequestWindow <= 0 {
		cfg.RequestWindow = time.Minute
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		trusted: parseTrustedProxies(cfg.TrustedProxies),
		logger:  log.WithComponent("api"),
	}
}

// Router assembles the chi routing table with the ingress middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(s.observe)

	r.Route("/vod", func(r chi.Router) {
		// Control-plane endpoints share a per-IP budget. The data-plane
		// stream routes stay outside it: a player fetching ranges every
		// few seconds would exhaust any sane window.
		r.Group(func(r chi.Router) {
			r.Use(httprate.Limit(
				s.cfg.RequestLimit,
				s.cfg.RequestWindow,
				httprate.WithKeyFuncs(s.rateKey),
				httprate.WithLimitHandler(rateLimited),
			))
			r.Post("/stream-url/start", s.handleStart)
			r.Get("/stream-url/progress/{jobID}", s.handleProgress)
			r.Delete("/stream-url/cancel/{jobID}", s.handleCancel)
			r.Post("/prefetch-next", s.handlePrefetchNext)
			r.Post("/prefetch-promote/{jobID}", s.handlePrefetchPromote)
			r.Post("/report-bad", s.handleReportBad)
			r.Post("/session/check", s.handleSessionCheck)
			r.Post("/session/heartbeat", s.handleSessionHeartbeat)
			r.Post("/session/end", s.handleSessionEnd)
		})

		r.Get("/stream/{streamID}", s.handleStream)
		r.Head("/stream/{streamID}", s.handleStream)
		r.Get("/stream-processed/{jobID}", s.handleProcessed)
		r.Head("/stream-processed/{jobID}", s.handleProcessed)
	})

	r.Get("/livetv/stream/{channelID}", s.handleLiveTV)

	r.Get("/healthz", s.handleHealthz)

	if s.cfg.TracingService != "" {
		return otelhttp.NewHandler(r, s.cfg.TracingService)
	}
	return r
}

// rateKey buckets requests by resolved client IP so a misbehaving device
// behind a shared proxy does not starve the others.
func (s *Server) rateKey(r *http.Request) (string, error) {
	return s.clientIP(r), nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.cfg.Version,
	})
}
