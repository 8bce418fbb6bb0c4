// Package engine runs the VOD pipeline: cache probe, provider search,
// candidate promotion, validation, optional remux, completion.
//
// One goroutine owns each job from Start to its terminal state. Everything
// the goroutine learns flows through the job registry, which enforces the
// terminal-state and attempted-source invariants centrally; the engine adds
// an attempt token on top so a promotion it has abandoned can keep polling
// without its late writes landing on the job.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/strandtv/strand/internal/log"
	"github.com/strandtv/strand/internal/metrics"
	"github.com/strandtv/strand/internal/vod/job"
	"github.com/strandtv/strand/internal/vod/linkcache"
	"github.com/strandtv/strand/internal/vod/remux"
	"github.com/strandtv/strand/internal/vod/resolve"
	"github.com/strandtv/strand/internal/vod/source"
	"github.com/strandtv/strand/internal/vod/validate"
)

// Config carries the pipeline tunables. Zero values are filled from the
// documented defaults so tests can set only what they exercise.
type Config struct {
	FirstSourcesWait     time.Duration
	FirstSourcesSlowWait time.Duration
	JobMaxDuration       time.Duration
	DeadTorrentTimeout   time.Duration
	SlowStartTimeout     time.Duration
	ActiveStartTimeout   time.Duration
	StallTimeout         time.Duration
	PollInterval         time.Duration
	PollBurst            int
	BandwidthSafety      float64
	ProcessedDir         string
}

func (c *Config) fillDefaults() {
	if c.FirstSourcesWait <= 0 {
		c.FirstSourcesWait = 15 * time.Second
	}
	if c.FirstSourcesSlowWait <= c.FirstSourcesWait {
		c.FirstSourcesSlowWait = c.FirstSourcesWait + 20*time.Second
	}
	if c.JobMaxDuration <= 0 {
		c.JobMaxDuration = 5 * time.Minute
	}
	if c.DeadTorrentTimeout <= 0 {
		c.DeadTorrentTimeout = 10 * time.Second
	}
	if c.SlowStartTimeout <= 0 {
		c.SlowStartTimeout = 12 * time.Second
	}
	if c.ActiveStartTimeout <= 0 {
		c.ActiveStartTimeout = 30 * time.Second
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PollBurst <= 0 {
		c.PollBurst = 10
	}
	if c.BandwidthSafety <= 0 || c.BandwidthSafety > 1 {
		c.BandwidthSafety = 0.85
	}
}

// Enrichers runs the post-completion enrichment fan-out. Implementations are
// best-effort; the engine never waits on them.
type Enrichers interface {
	Run(ctx context.Context, j job.Job)
}

// Deps are the engine collaborators. Cache, Zurg and Enrichers are optional.
type Deps struct {
	Registry  *job.Registry
	Resolver  *resolve.Resolver
	Cache     *linkcache.Cache
	Validator *validate.Validator
	Remuxer   *remux.Remuxer
	Debrid    DebridClient
	Zurg      ZurgResolver
	Enrichers Enrichers
}

// StartOptions tweak one job start.
type StartOptions struct {
	Prefetch bool
}

// runState is the engine-private handle on a live pipeline goroutine.
type runState struct {
	cancel  context.CancelFunc
	attempt atomic.Int64
}

// Engine owns all pipeline goroutines.
type Engine struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	// pollLimit is the global debrid API budget shared by all jobs.
	pollLimit *rate.Limiter

	mu       sync.Mutex
	running  map[string]*runState
	excluded map[string]resolve.Excluded // userRef + "|" + contentKey
}

// New builds an engine. Deps.Registry, Resolver, Validator, Remuxer and
// Debrid are required.
func New(cfg Config, deps Deps) *Engine {
	cfg.fillDefaults()
	perSec := float64(cfg.PollBurst) / cfg.PollInterval.Seconds()
	return &Engine{
		cfg:       cfg,
		deps:      deps,
		logger:    log.WithComponent("engine"),
		pollLimit: rate.NewLimiter(rate.Limit(perSec), cfg.PollBurst),
		running:   make(map[string]*runState),
		excluded:  make(map[string]resolve.Excluded),
	}
}

// Start creates a job and launches its pipeline goroutine. The pipeline is
// detached from the caller's context; it ends on completion, failure, Cancel
// or the job deadline.
func (e *Engine) Start(ref source.ContentRef, user UserContext, opts StartOptions) string {
	jobID := uuid.NewString()
	now := time.Now()

	e.deps.Registry.Create(job.Job{
		ID:           jobID,
		ContentRef:   ref,
		UserRef:      user.UserRef,
		CreatedAt:    now,
		Status:       job.StatusSearching,
		HumanMessage: "Searching for sources",
		IsPrefetch:   opts.Prefetch,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	st := &runState{cancel: cancel}
	e.mu.Lock()
	e.running[jobID] = st
	e.mu.Unlock()

	metrics.JobsStarted.WithLabelValues(string(ref.Kind), boolLabel(opts.Prefetch)).Inc()
	e.logger.Info().
		Str(log.FieldJobID, jobID).
		Str(log.FieldContent, ref.Key()).
		Str(log.FieldUserID, user.UserRef).
		Bool("prefetch", opts.Prefetch).
		Msg("job started")

	go e.run(runCtx, st, jobID, ref, user, now)
	return jobID
}

// Progress returns a snapshot of the job, from the active set or the
// completion ring.
func (e *Engine) Progress(jobID string) (job.Job, bool) {
	return e.deps.Registry.Get(jobID)
}

// Cancel stops the pipeline goroutine and purges the job immediately. The
// job does not enter the completion ring.
func (e *Engine) Cancel(jobID string) bool {
	e.mu.Lock()
	st := e.running[jobID]
	e.mu.Unlock()
	if st != nil {
		st.cancel()
	}
	_, existed := e.deps.Registry.Get(jobID)
	e.deps.Registry.Delete(jobID)
	if existed {
		e.logger.Info().Str(log.FieldJobID, jobID).Msg("job cancelled")
	}
	return existed
}

// ReportBad marks the job's stream and every attempted source as excluded
// for this user and starts a replacement job for the same content. It
// returns the new job id and the number of sources newly excluded.
func (e *Engine) ReportBad(jobID string, user UserContext) (string, int, error) {
	snap, ok := e.deps.Registry.Get(jobID)
	if !ok {
		return "", 0, fmt.Errorf("report bad: job %s not found", jobID)
	}

	contentKey := snap.ContentRef.Key()
	added := e.exclude(user.UserRef, contentKey, snap.AttemptedSources)

	// A reported stream is untrustworthy for everyone until re-verified.
	if e.deps.Cache != nil && snap.StreamURL != "" {
		e.deps.Cache.Delete(contentKey)
	}

	e.logger.Info().
		Str(log.FieldJobID, jobID).
		Str(log.FieldContent, contentKey).
		Str(log.FieldUserID, user.UserRef).
		Int("excluded", added).
		Msg("stream reported bad, restarting search")

	newID := e.Start(snap.ContentRef, user, StartOptions{})
	return newID, added, nil
}

// Promote flips a prefetch job into a foreground one and returns its
// snapshot. Safe on terminal jobs; the prefetch flag is not guarded state.
func (e *Engine) Promote(jobID string) (job.Job, bool) {
	ok := e.deps.Registry.Update(jobID, func(j *job.Job) {
		j.IsPrefetch = false
	})
	if !ok {
		return job.Job{}, false
	}
	return e.deps.Registry.Get(jobID)
}

// RunJanitor sweeps expired terminal jobs into the completion ring and
// removes processed files past their retention. Blocks until ctx is done.
func (e *Engine) RunJanitor(ctx context.Context, interval, processedMaxAge time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, path := range e.deps.Registry.Sweep(time.Now(), processedMaxAge) {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					e.logger.Warn().Err(err).Str(log.FieldPath, path).Msg("processed file removal failed")
				}
			}
		}
	}
}

// exclude records attempted sources in the user-scoped exclusion set and
// returns how many were new.
func (e *Engine) exclude(userRef, contentKey string, attempted []job.AttemptedSource) int {
	key := userRef + "|" + contentKey

	e.mu.Lock()
	defer e.mu.Unlock()

	ex, ok := e.excluded[key]
	if !ok {
		ex = resolve.Excluded{
			Hashes:    make(map[string]struct{}),
			FilePaths: make(map[string]struct{}),
		}
		e.excluded[key] = ex
	}

	added := 0
	for _, a := range attempted {
		var set map[string]struct{}
		switch a.Provenance {
		case source.ProvenanceProwlarr:
			set = ex.Hashes
		case source.ProvenanceZurg:
			set = ex.FilePaths
		default:
			continue
		}
		if _, dup := set[a.StableKey]; !dup {
			set[a.StableKey] = struct{}{}
			added++
		}
	}
	return added
}

// exclusionsFor returns a copy of the user's exclusion set for the content.
func (e *Engine) exclusionsFor(userRef, contentKey string) resolve.Excluded {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := resolve.Excluded{
		Hashes:    make(map[string]struct{}),
		FilePaths: make(map[string]struct{}),
	}
	if ex, ok := e.excluded[userRef+"|"+contentKey]; ok {
		for k := range ex.Hashes {
			out.Hashes[k] = struct{}{}
		}
		for k := range ex.FilePaths {
			out.FilePaths[k] = struct{}{}
		}
	}
	return out
}

func (e *Engine) state(jobID string) *runState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[jobID]
}

func (e *Engine) dropState(jobID string) {
	e.mu.Lock()
	delete(e.running, jobID)
	e.mu.Unlock()
}

// guardedUpdate applies fn only while token is still the current attempt.
// The re-check runs inside the registry's critical section, so an abandoned
// promotion goroutine can never interleave a stale write.
func (e *Engine) guardedUpdate(jobID string, st *runState, token int64, fn func(*job.Job)) bool {
	if st.attempt.Load() != token {
		return false
	}
	return e.deps.Registry.Update(jobID, func(j *job.Job) {
		if st.attempt.Load() != token {
			return
		}
		fn(j)
	})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
