// Package resolve fans a content lookup out to all source providers and
// streams candidates back to the caller as they arrive.
package resolve

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/strandtv/strand/internal/log"
	"github.com/strandtv/strand/internal/metrics"
	"github.com/strandtv/strand/internal/vod/source"
)

// Provider is one searchable source of candidates. Implementations stream
// partial batches through emit as they arrive and return when exhausted.
type Provider interface {
	Name() string
	Search(ctx context.Context, ref source.ContentRef, emit func([]source.Candidate)) error
}

// Excluded carries the stable keys a re-search must not surface again.
type Excluded struct {
	Hashes    map[string]struct{}
	FilePaths map[string]struct{}
}

// Contains reports whether the candidate's stable key is excluded.
func (e Excluded) Contains(c source.Candidate) bool {
	switch c.Provenance {
	case source.ProvenanceProwlarr:
		_, ok := e.Hashes[c.StableKey]
		return ok
	case source.ProvenanceZurg:
		_, ok := e.FilePaths[c.StableKey]
		return ok
	}
	return false
}

// PushFunc receives candidate batches; final is signalled exactly once, with
// an empty batch, after every provider has finished.
type PushFunc func(batch []source.Candidate, final bool)

// Resolver runs all configured providers concurrently.
type Resolver struct {
	providers []Provider
	logger    zerolog.Logger
}

// New builds a resolver over the given providers.
func New(providers ...Provider) *Resolver {
	return &Resolver{
		providers: providers,
		logger:    log.WithComponent("resolver"),
	}
}

// Resolve searches every provider in parallel. Excluded keys are filtered
// before push; candidates whose estimated bitrate exceeds ceilingMbps are
// marked over-bandwidth but still pushed. A failing provider does not abort
// the others. Resolve returns once the final push has been delivered.
func (r *Resolver) Resolve(ctx context.Context, ref source.ContentRef, ceilingMbps float64, excluded Excluded, push PushFunc) {
	var wg sync.WaitGroup
	var pushMu sync.Mutex

	guardedPush := func(provider string, batch []source.Candidate) {
		out := batch[:0:0]
		for _, c := range batch {
			if excluded.Contains(c) {
				continue
			}
			c.OverBandwidth = overBandwidth(c, ref, ceilingMbps)
			out = append(out, c)
		}
		if len(out) == 0 {
			return
		}
		metrics.ResolverCandidates.WithLabelValues(provider).Add(float64(len(out)))
		pushMu.Lock()
		push(out, false)
		pushMu.Unlock()
	}

	for _, p := range r.providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			err := p.Search(ctx, ref, func(batch []source.Candidate) {
				guardedPush(p.Name(), batch)
			})
			if err != nil {
				r.logger.Warn().Err(err).
					Str("provider", p.Name()).
					Str(log.FieldContent, ref.Key()).
					Msg("provider search failed")
			}
		}(p)
	}

	wg.Wait()
	push(nil, true)
}

// Assumed runtimes for bitrate estimation when only the file size is known.
const (
	assumedMovieSeconds   = 110 * 60
	assumedEpisodeSeconds = 45 * 60
)

// overBandwidth estimates the candidate's bitrate and compares it against the
// user's ceiling. Zero ceiling means unmetered.
func overBandwidth(c source.Candidate, ref source.ContentRef, ceilingMbps float64) bool {
	if ceilingMbps <= 0 {
		return false
	}
	return EstimateBitrateMbps(c, ref) > ceilingMbps
}

// EstimateBitrateMbps derives an approximate stream bitrate for a candidate.
// Prefers size over assumed runtime; falls back to a resolution table.
func EstimateBitrateMbps(c source.Candidate, ref source.ContentRef) float64 {
	if c.SizeBytes > 0 {
		seconds := assumedMovieSeconds
		if ref.IsEpisodic() {
			seconds = assumedEpisodeSeconds
		}
		return float64(c.SizeBytes) * 8 / 1e6 / float64(seconds)
	}
	switch {
	case c.ResolutionHeight >= 2160:
		return 25
	case c.ResolutionHeight >= 1080:
		return 10
	case c.ResolutionHeight >= 720:
		return 5
	default:
		return 3
	}
}
