package engine

import (
	"context"
	"errors"
	"time"

	"github.com/strandtv/strand/internal/log"
	"github.com/strandtv/strand/internal/vod/job"
	"github.com/strandtv/strand/internal/vod/source"
)

// maxConsecutivePollErrors bounds transient Status failures before the
// candidate is declared dead.
const maxConsecutivePollErrors = 5

// promoteDebrid adds the magnet to the debrid provider and polls it to a
// direct URL, applying the liveness timeouts:
//
//   - stuck in magnet conversion past the dead-torrent window: dead
//   - downloading with zero seeders and zero speed past the same window: dead
//   - under 1% progress with no peer info past the slow-start window: timeout
//   - under 1% progress despite active peers past the active-start window: timeout
//   - no progress change at all past the stall window: timeout
//
// An aborted torrent keeps polling in a detached goroutine so the provider
// side settles, but the attempt token has already moved on and its writes
// are dropped.
func (e *Engine) promoteDebrid(ctx context.Context, st *runState, jobID string, token int64, cand source.Candidate) (url, fileName string, reason job.ErrorKind) {
	tid, err := e.deps.Debrid.AddMagnet(ctx, cand.MagnetOrPath)
	if err != nil {
		if errors.Is(err, ErrDMCA) {
			return "", "", job.ErrSourceDMCA
		}
		e.logger.Warn().Err(err).Str(log.FieldCandidate, cand.StableKey).Msg("add magnet failed")
		return "", "", job.ErrSourceDead
	}

	abort := func(kind job.ErrorKind) (string, string, job.ErrorKind) {
		st.attempt.Add(1) // invalidate token before the drain goroutine starts
		go e.drainOrphan(jobID, st, token, tid)
		return "", "", kind
	}

	start := time.Now()
	lastProgress := -1.0
	lastChange := start
	consecErrs := 0

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return abort(job.ErrJobDeadline)
		case <-ticker.C:
		}
		if err := e.pollLimit.Wait(ctx); err != nil {
			return abort(job.ErrJobDeadline)
		}

		ds, err := e.deps.Debrid.Status(ctx, tid)
		if err != nil {
			if errors.Is(err, ErrDMCA) {
				return abort(job.ErrSourceDMCA)
			}
			consecErrs++
			if consecErrs >= maxConsecutivePollErrors {
				e.logger.Warn().Err(err).Str(log.FieldCandidate, cand.StableKey).Msg("debrid polling gave up")
				return abort(job.ErrSourceDead)
			}
			continue
		}
		consecErrs = 0
		now := time.Now()

		switch ds.State {
		case StateDownloaded:
			directURL, name, uerr := e.deps.Debrid.Unrestrict(ctx, ds.Link)
			if uerr != nil {
				e.logger.Warn().Err(uerr).Str(log.FieldCandidate, cand.StableKey).Msg("unrestrict failed")
				return abort(job.ErrSourceDead)
			}
			if name == "" {
				name = ds.FileName
			}
			return directURL, name, ""

		case StateError:
			return abort(job.ErrSourceDead)

		case StateMagnetConversion:
			if now.Sub(start) > e.cfg.DeadTorrentTimeout {
				return abort(job.ErrSourceDead)
			}

		default: // queued, downloading
			if ds.Progress > lastProgress {
				lastProgress = ds.Progress
				lastChange = now
				e.guardedUpdate(jobID, st, token, func(j *job.Job) {
					j.Status = job.StatusDownloading
					j.ProgressPercent = int(ds.Progress)
					j.HumanMessage = "Fetching " + cand.Describe()
				})
			}

			switch {
			case ds.HasPeersInfo && ds.Seeders == 0 && ds.SpeedBps == 0 && now.Sub(lastChange) > e.cfg.DeadTorrentTimeout:
				return abort(job.ErrSourceDead)
			case ds.Progress < 1 && !ds.HasPeersInfo && now.Sub(start) > e.cfg.SlowStartTimeout:
				return abort(job.ErrSourceTimeout)
			case ds.Progress < 1 && ds.HasPeersInfo && (ds.Seeders > 0 || ds.SpeedBps > 0) && now.Sub(start) > e.cfg.ActiveStartTimeout:
				return abort(job.ErrSourceTimeout)
			case now.Sub(lastChange) > e.cfg.StallTimeout:
				return abort(job.ErrSourceTimeout)
			}
		}
	}
}

// drainOrphan keeps polling an abandoned torrent until it settles, then
// deletes it on the provider. Its status writes carry a stale token, so the
// registry path drops them; this is deliberate.
func (e *Engine) drainOrphan(jobID string, st *runState, token int64, torrentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.JobMaxDuration)
	defer cancel()
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dcancel()
		if err := e.deps.Debrid.Delete(dctx, torrentID); err != nil {
			e.logger.Debug().Err(err).Str(log.FieldJobID, jobID).Msg("orphan torrent cleanup failed")
		}
	}()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	lastProgress := -1.0
	lastChange := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ds, err := e.deps.Debrid.Status(ctx, torrentID)
		if err != nil {
			return
		}
		// Stale-token write; dropped by the guard unless somehow current.
		e.guardedUpdate(jobID, st, token, func(j *job.Job) {
			j.ProgressPercent = int(ds.Progress)
		})
		if ds.State == StateDownloaded || ds.State == StateError {
			return
		}
		now := time.Now()
		if ds.Progress > lastProgress {
			lastProgress = ds.Progress
			lastChange = now
		}
		if now.Sub(lastChange) > e.cfg.StallTimeout {
			return
		}
	}
}
