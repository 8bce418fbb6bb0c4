// Package enrich runs the post-completion job enrichers: next-episode
// lookup, skip markers, subtitle acquisition and playback tracking.
//
// Every enricher is independent and best-effort. Failures are logged and
// counted, never propagated; the job's terminal state is already set and the
// registry guards it against regression, so enrichers only ever add fields.
package enrich

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/strandtv/strand/internal/log"
	"github.com/strandtv/strand/internal/metrics"
	"github.com/strandtv/strand/internal/vod/job"
	"github.com/strandtv/strand/internal/vod/source"
	"github.com/strandtv/strand/internal/vod/validate"
)

// MetadataSource answers series continuation and skip-marker queries from an
// external metadata database.
type MetadataSource interface {
	NextEpisode(ctx context.Context, ref source.ContentRef) (*job.NextEpisode, error)
	SkipMarkers(ctx context.Context, ref source.ContentRef) (*job.SkipMarkers, error)
}

// Runner fans the enrichers out after a job completes. Implements the
// engine's Enrichers contract.
type Runner struct {
	registry *job.Registry
	meta     MetadataSource
	prober   validate.Prober
	subs     *SubtitleStack
	logger   zerolog.Logger
}

// NewRunner builds an enricher runner. meta, prober and subs are each
// optional; a nil collaborator disables the enrichers that need it.
func NewRunner(registry *job.Registry, meta MetadataSource, prober validate.Prober, subs *SubtitleStack) *Runner {
	return &Runner{
		registry: registry,
		meta:     meta,
		prober:   prober,
		subs:     subs,
		logger:   log.WithComponent("enrich"),
	}
}

// Run executes all applicable enrichers for a completed job and returns when
// they have settled. Callers normally invoke it in a goroutine.
func (r *Runner) Run(ctx context.Context, j job.Job) {
	r.registry.TrackPlayback(job.PlaybackEvent{
		UserRef:    j.UserRef,
		ContentKey: j.ContentRef.Key(),
		JobID:      j.ID,
		StartedAt:  j.CreatedAt,
	})

	g, ctx := errgroup.WithContext(ctx)

	if r.meta != nil && j.ContentRef.IsEpisodic() {
		g.Go(func() error {
			r.runOne(ctx, "next_episode", j, r.nextEpisode)
			return nil
		})
	}
	g.Go(func() error {
		r.runOne(ctx, "skip_markers", j, r.skipMarkers)
		return nil
	})
	if r.subs != nil {
		g.Go(func() error {
			r.runOne(ctx, "subtitles", j, r.subtitles)
			return nil
		})
	}
	_ = g.Wait()
}

// runOne isolates a single enricher: its error is logged and counted here.
func (r *Runner) runOne(ctx context.Context, name string, j job.Job, fn func(context.Context, job.Job) error) {
	err := fn(ctx, j)
	metrics.IncEnricherRun(name, err == nil)
	if err != nil {
		r.logger.Warn().Err(err).
			Str(log.FieldJobID, j.ID).
			Str("enricher", name).
			Msg("enricher failed")
	}
}

func (r *Runner) nextEpisode(ctx context.Context, j job.Job) error {
	next, err := r.meta.NextEpisode(ctx, j.ContentRef)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	r.registry.Update(j.ID, func(cur *job.Job) {
		cur.NextEpisode = next
	})
	return nil
}

// skipMarkers derives intro/credits boundaries from container chapters and
// falls back to the external database when chapters carry no hints.
func (r *Runner) skipMarkers(ctx context.Context, j job.Job) error {
	var markers *job.SkipMarkers

	if r.prober != nil && j.StreamURL != "" {
		if res, err := r.prober.Probe(ctx, j.StreamURL); err == nil {
			markers = markersFromChapters(res.Chapters)
		}
	}
	if markers == nil && r.meta != nil {
		m, err := r.meta.SkipMarkers(ctx, j.ContentRef)
		if err != nil {
			return err
		}
		markers = m
	}
	if markers == nil {
		return nil
	}
	r.registry.Update(j.ID, func(cur *job.Job) {
		cur.SkipMarkers = markers
	})
	return nil
}

// markersFromChapters reads intro and credits boundaries from chapter
// titles. Returns nil when no recognizable chapter exists.
func markersFromChapters(chapters []validate.Chapter) *job.SkipMarkers {
	var m job.SkipMarkers
	found := false
	for _, ch := range chapters {
		title := strings.ToLower(ch.Title)
		switch {
		case strings.Contains(title, "intro") || strings.Contains(title, "opening"):
			m.IntroStart = ch.Start
			m.IntroEnd = ch.End
			found = true
		case strings.Contains(title, "credits") || strings.Contains(title, "ending"):
			m.CreditsStart = ch.Start
			found = true
		}
	}
	if !found {
		return nil
	}
	return &m
}
