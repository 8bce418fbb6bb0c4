// Package prefetch warms the next title a user is likely to play.
package prefetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/strandtv/strand/internal/enrich"
	"github.com/strandtv/strand/internal/log"
	"github.com/strandtv/strand/internal/vod/engine"
	"github.com/strandtv/strand/internal/vod/job"
	"github.com/strandtv/strand/internal/vod/source"
)

// Mode selects how the next title is derived.
type Mode string

const (
	ModeSequential Mode = "sequential" // next episode in order
	ModeRandom     Mode = "random"     // random episode, specials excluded
)

// ErrNoNext reports that the sequence has no continuation (last episode,
// or a movie with nothing to chain).
var ErrNoNext = errors.New("prefetch: no next content")

// Picker derives the next content to warm from the current one. It returns
// ErrNoNext when the sequence ends.
type Picker interface {
	Next(ctx context.Context, current source.ContentRef, mode Mode) (source.ContentRef, error)
}

// JobStarter is the slice of the engine the prefetcher drives.
type JobStarter interface {
	Start(ref source.ContentRef, user engine.UserContext, opts engine.StartOptions) string
	Promote(jobID string) (job.Job, bool)
}

// Prefetcher starts background jobs for upcoming titles, deduplicating
// against prefetches already in flight.
type Prefetcher struct {
	starter  JobStarter
	registry *job.Registry
	picker   Picker
	meta     enrich.MetadataSource
	logger   zerolog.Logger
}

// New builds a prefetcher. meta is optional; it backs the next-episode hint
// returned on promotion when the enricher has not filled it yet.
func New(starter JobStarter, registry *job.Registry, picker Picker, meta enrich.MetadataSource) *Prefetcher {
	return &Prefetcher{
		starter:  starter,
		registry: registry,
		picker:   picker,
		meta:     meta,
		logger:   log.WithComponent("prefetch"),
	}
}

// PrefetchNext derives the next title and returns the job warming it plus
// the picked ref. When a usable prefetch for the same user and content
// already exists, its id is returned instead of starting a duplicate.
func (p *Prefetcher) PrefetchNext(ctx context.Context, current source.ContentRef, user engine.UserContext, mode Mode) (string, source.ContentRef, error) {
	next, err := p.picker.Next(ctx, current, mode)
	if err != nil {
		if errors.Is(err, ErrNoNext) {
			return "", source.ContentRef{}, err
		}
		return "", source.ContentRef{}, fmt.Errorf("derive next content: %w", err)
	}
	key := next.Key()

	for _, j := range p.registry.GetAllActive() {
		if !j.IsPrefetch || j.UserRef != user.UserRef || j.ContentRef.Key() != key {
			continue
		}
		switch j.Status {
		case job.StatusSearching, job.StatusDownloading, job.StatusProcessing, job.StatusCompleted:
			p.logger.Debug().
				Str(log.FieldJobID, j.ID).
				Str(log.FieldContent, key).
				Msg("reusing in-flight prefetch")
			return j.ID, next, nil
		}
	}

	id := p.starter.Start(next, user, engine.StartOptions{Prefetch: true})
	p.logger.Info().
		Str(log.FieldJobID, id).
		Str(log.FieldContent, key).
		Str(log.FieldUserID, user.UserRef).
		Msg("prefetch started")
	return id, next, nil
}

// Result is a promoted prefetch plus the autoplay continuation hint.
type Result struct {
	Job         job.Job
	NextEpisode *job.NextEpisode
}

// Promote flips the prefetch into a foreground job and resolves the next
// episode so the client can chain autoplay immediately.
func (p *Prefetcher) Promote(ctx context.Context, jobID string) (Result, bool) {
	snap, ok := p.starter.Promote(jobID)
	if !ok {
		return Result{}, false
	}

	res := Result{Job: snap, NextEpisode: snap.NextEpisode}
	if res.NextEpisode == nil && p.meta != nil && snap.ContentRef.IsEpisodic() {
		if next, err := p.meta.NextEpisode(ctx, snap.ContentRef); err == nil {
			res.NextEpisode = next
		}
	}
	return res, true
}
