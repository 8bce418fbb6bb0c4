package engine

import (
	"context"
	"path/filepath"
	"time"

	"github.com/strandtv/strand/internal/log"
	"github.com/strandtv/strand/internal/metrics"
	"github.com/strandtv/strand/internal/vod/job"
	"github.com/strandtv/strand/internal/vod/linkcache"
	"github.com/strandtv/strand/internal/vod/remux"
	"github.com/strandtv/strand/internal/vod/source"
)

// run is the pipeline goroutine for one job.
func (e *Engine) run(ctx context.Context, st *runState, jobID string, ref source.ContentRef, user UserContext, startedAt time.Time) {
	defer e.dropState(jobID)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.JobMaxDuration)
	defer cancel()

	logger := e.logger.With().
		Str(log.FieldJobID, jobID).
		Str(log.FieldContent, ref.Key()).
		Logger()

	// Fast path: a previously promoted URL that still answers skips the
	// whole search. No attempted sources are recorded.
	if e.cachedLink(ctx, st, jobID, ref, startedAt) {
		return
	}

	ceiling := 0.0
	if user.BandwidthMbps > 0 {
		ceiling = user.BandwidthMbps * e.cfg.BandwidthSafety
	}

	queue := source.NewScoredQueue()
	go e.deps.Resolver.Resolve(ctx, ref, ceiling, e.exclusionsFor(user.UserRef, ref.Key()), queue.Push)

	cand, exhausted := e.firstCandidate(ctx, st, jobID, queue)
	if cand == nil {
		if ctx.Err() != nil && !exhausted {
			e.fail(jobID, st, job.ErrJobDeadline, "Gave up: the search took too long", startedAt)
			return
		}
		e.fail(jobID, st, job.ErrNoSources, "No sources found for this title", startedAt)
		return
	}

	var lastReason job.ErrorKind
	for cand != nil {
		if ctx.Err() != nil {
			e.fail(jobID, st, job.ErrJobDeadline, "Gave up: the job deadline was reached", startedAt)
			return
		}

		token := st.attempt.Add(1)
		queue.MarkTried(cand.StableKey)
		e.deps.Registry.AddAttempted(jobID, job.AttemptedSource{
			Provenance: cand.Provenance,
			StableKey:  cand.StableKey,
			Quality:    cand.QualityLabel,
		})
		e.guardedUpdate(jobID, st, token, func(j *job.Job) {
			j.Status = job.StatusSearching
			j.HumanMessage = "Trying " + cand.Describe()
		})

		url, fileName, direct, reason := e.promote(ctx, st, jobID, token, *cand)
		if reason != "" {
			metrics.IncCandidateAttempt(string(cand.Provenance), string(reason))
			logger.Info().
				Str(log.FieldCandidate, cand.StableKey).
				Str(log.FieldReason, string(reason)).
				Msg("candidate failed, trying next")
			lastReason = reason
			cand = e.nextCandidate(ctx, queue)
			continue
		}

		done, reason := e.finish(ctx, st, jobID, token, ref, *cand, url, fileName, direct, startedAt)
		if done {
			metrics.IncCandidateAttempt(string(cand.Provenance), "success")
			return
		}
		metrics.IncCandidateAttempt(string(cand.Provenance), string(reason))
		logger.Info().
			Str(log.FieldCandidate, cand.StableKey).
			Str(log.FieldReason, string(reason)).
			Msg("candidate rejected, trying next")
		lastReason = reason
		cand = e.nextCandidate(ctx, queue)
	}

	if ctx.Err() != nil && !queue.Complete() {
		e.fail(jobID, st, job.ErrJobDeadline, "Gave up: the job deadline was reached", startedAt)
		return
	}
	kind := lastReason
	if kind == "" {
		kind = job.ErrAllSourcesExhausted
	}
	e.fail(jobID, st, kind, "Every source failed for this title", startedAt)
}

// cachedLink serves the job from the link cache when a live entry exists.
// Validation still runs so a client switch (web vs native) or a container
// quirk is honored; a rejected entry is evicted and the search proceeds.
func (e *Engine) cachedLink(ctx context.Context, st *runState, jobID string, ref source.ContentRef, startedAt time.Time) bool {
	if e.deps.Cache == nil {
		return false
	}
	entry, ok := e.deps.Cache.Lookup(ctx, ref.Key())
	if !ok {
		return false
	}

	pseudo := source.Candidate{
		StableKey:        "cache:" + ref.Key(),
		QualityLabel:     "",
		ResolutionHeight: entry.ResolutionHeight,
	}
	done, _ := e.finish(ctx, st, jobID, st.attempt.Load(), ref, pseudo, entry.StreamURL, entry.FileName, false, startedAt)
	if !done {
		e.deps.Cache.Delete(ref.Key())
		return false
	}
	e.logger.Info().
		Str(log.FieldJobID, jobID).
		Str(log.FieldContent, ref.Key()).
		Msg("served from link cache")
	return true
}

// firstCandidate waits for the initial candidate with the two-phase budget:
// the normal wait, then an extended one with a client-visible message. The
// second return value is true when the search completed empty.
func (e *Engine) firstCandidate(ctx context.Context, st *runState, jobID string, queue *source.ScoredQueue) (*source.Candidate, bool) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.FirstSourcesWait)
	cand, done := queue.Pop(waitCtx)
	cancel()
	if cand != nil || done {
		return cand, done
	}

	e.guardedUpdate(jobID, st, st.attempt.Load(), func(j *job.Job) {
		j.HumanMessage = "Still searching, providers are slow"
	})

	waitCtx, cancel = context.WithTimeout(ctx, e.cfg.FirstSourcesSlowWait-e.cfg.FirstSourcesWait)
	cand, done = queue.Pop(waitCtx)
	cancel()
	return cand, done
}

func (e *Engine) nextCandidate(ctx context.Context, queue *source.ScoredQueue) *source.Candidate {
	cand, _ := queue.Pop(ctx)
	return cand
}

// promote turns a candidate into a fetchable URL. A non-empty reason means
// the candidate is burned and the loop should move on.
func (e *Engine) promote(ctx context.Context, st *runState, jobID string, token int64, cand source.Candidate) (url, fileName string, direct bool, reason job.ErrorKind) {
	switch cand.Provenance {
	case source.ProvenanceZurg:
		return e.promoteZurg(ctx, cand)
	case source.ProvenanceProwlarr:
		url, fileName, reason = e.promoteDebrid(ctx, st, jobID, token, cand)
		return url, fileName, true, reason
	default:
		return "", "", false, job.ErrSourceDead
	}
}

// promoteZurg asks zurg for a direct URL and falls back to the local range
// proxy when zurg cannot answer. The fallback path is never cached.
func (e *Engine) promoteZurg(ctx context.Context, cand source.Candidate) (string, string, bool, job.ErrorKind) {
	if e.deps.Zurg != nil {
		url, name, err := e.deps.Zurg.DirectURL(ctx, cand.MagnetOrPath)
		if err == nil {
			return url, name, true, ""
		}
		e.logger.Warn().Err(err).
			Str(log.FieldPath, cand.MagnetOrPath).
			Msg("zurg promotion failed, falling back to range proxy")
	}
	return RangeProxyURL(cand.MagnetOrPath), filepath.Base(cand.MagnetOrPath), false, ""
}

// finish validates the URL, runs the remux plan when needed, and completes
// the job. Returns done=true when the job reached completed (or was torn
// down mid-flight); otherwise the rejection reason.
func (e *Engine) finish(ctx context.Context, st *runState, jobID string, token int64, ref source.ContentRef, cand source.Candidate, url, fileName string, direct bool, startedAt time.Time) (bool, job.ErrorKind) {
	dec, err := e.deps.Validator.Validate(ctx, url, ref.Platform == source.PlatformWeb)
	if err != nil {
		e.logger.Warn().Err(err).Str(log.FieldURL, url).Msg("probe failed")
		return false, job.ErrSourceDead
	}
	if !dec.Accepted {
		return false, dec.Reason
	}

	finalURL := url
	processedPath := ""

	if dec.Plan.NeedsProcessing() {
		e.guardedUpdate(jobID, st, token, func(j *job.Job) {
			j.Status = job.StatusProcessing
			j.HumanMessage = "Preparing stream for your player"
		})

		out := filepath.Join(e.cfg.ProcessedDir, jobID+".mp4")
		res, rerr := e.deps.Remuxer.Process(ctx, remux.Request{InputURL: url, OutputPath: out, Plan: dec.Plan})
		planLabel := string(dec.Plan.AudioAction)
		if rerr != nil {
			metrics.RemuxRuns.WithLabelValues(planLabel, "error").Inc()
			e.logger.Warn().Err(rerr).Str(log.FieldJobID, jobID).Msg("remux failed")
			return false, job.ErrRemuxFailed
		}
		metrics.RemuxRuns.WithLabelValues(planLabel, "success").Inc()
		processedPath = res.OutputPath
		finalURL = ProcessedURL(jobID)
	}

	// Only a direct debrid URL is worth caching; local proxy URLs die with
	// the process.
	if direct && processedPath == "" && e.deps.Cache != nil {
		if err := e.deps.Cache.Put(ref.Key(), linkcache.Entry{
			ContentKey:       ref.Key(),
			StreamURL:        finalURL,
			FileName:         fileName,
			ResolutionHeight: cand.ResolutionHeight,
			SizeBytes:        cand.SizeBytes,
		}); err != nil {
			e.logger.Warn().Err(err).Str(log.FieldContent, ref.Key()).Msg("link cache write failed")
		}
	}

	ok := e.guardedUpdate(jobID, st, token, func(j *job.Job) {
		j.Status = job.StatusCompleted
		j.ProgressPercent = 100
		j.HumanMessage = "Ready to play"
		j.StreamURL = finalURL
		j.FileName = fileName
		j.Quality = cand.QualityLabel
		j.ProcessedFilePath = processedPath
		j.UsedOverBandwidthFallback = cand.OverBandwidth
		j.EmbeddedSubtitleTracks = dec.EmbeddedSubtitleTracks
		j.RecommendedSubtitleIndex = dec.RecommendedSubtitleIndex
		j.HasEnglishSubtitle = dec.HasEnglishSubtitle
	})
	if !ok {
		// Cancelled or superseded while finishing; nothing left to do.
		return true, ""
	}

	metrics.JobsCompleted.WithLabelValues("success", "").Inc()
	metrics.ObserveJobDuration("success", time.Since(startedAt))
	e.logger.Info().
		Str(log.FieldJobID, jobID).
		Str(log.FieldFileName, fileName).
		Str(log.FieldQuality, cand.QualityLabel).
		Msg("job completed")

	if e.deps.Enrichers != nil {
		if snap, ok := e.deps.Registry.Get(jobID); ok {
			go e.deps.Enrichers.Run(context.WithoutCancel(ctx), snap)
		}
	}
	return true, ""
}

// fail moves the job to a terminal error state.
func (e *Engine) fail(jobID string, st *runState, kind job.ErrorKind, msg string, startedAt time.Time) {
	token := st.attempt.Add(1)
	ok := e.guardedUpdate(jobID, st, token, func(j *job.Job) {
		j.Status = job.StatusError
		j.ErrorKind = kind
		j.HumanMessage = msg
	})
	if !ok {
		return
	}
	metrics.JobsCompleted.WithLabelValues("error", string(kind)).Inc()
	metrics.ObserveJobDuration("error", time.Since(startedAt))
	e.logger.Info().
		Str(log.FieldJobID, jobID).
		Str(log.FieldReason, string(kind)).
		Msg("job failed")
}
