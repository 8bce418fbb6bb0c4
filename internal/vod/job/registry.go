package job

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/strandtv/strand/internal/log"
)

// PlaybackEvent records the start of an actual playback.
type PlaybackEvent struct {
	UserRef    string
	ContentKey string
	JobID      string
	StartedAt  time.Time
}

// PlaybackSink receives playback-tracking events. Implementations must not block.
type PlaybackSink interface {
	TrackPlayback(ev PlaybackEvent)
}

// Registry is the process-wide owner of all jobs.
//
// Updates are serialized per registry; the terminal-state invariant is
// enforced centrally: once a job is terminal, an update that would change its
// status or stream URL is dropped whole.
type Registry struct {
	mu      sync.Mutex
	active  map[string]*Job
	history []Job // completion ring, newest last
	ringCap int

	retention time.Duration
	sink      PlaybackSink
	logger    zerolog.Logger
}

// NewRegistry builds a registry with the given completion-ring capacity and
// post-terminal retention in the active map.
func NewRegistry(ringCap int, retention time.Duration, sink PlaybackSink) *Registry {
	if ringCap <= 0 {
		ringCap = 256
	}
	return &Registry{
		active:    make(map[string]*Job),
		ringCap:   ringCap,
		retention: retention,
		sink:      sink,
		logger:    log.WithComponent("registry"),
	}
}

// Create registers a new job. The registry takes ownership of j.
func (r *Registry) Create(j Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := j.clone()
	r.active[j.ID] = &cp
}

// Get returns a snapshot of the job, consulting the completion ring for
// recently purged jobs so clients can poll after a fallback.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.active[id]; ok {
		return j.clone(), true
	}
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].ID == id {
			return r.history[i].clone(), true
		}
	}
	return Job{}, false
}

// Update applies fn to the job under the registry lock.
//
// Invariants enforced here, regardless of caller:
//   - a terminal job never changes status or stream URL; such updates are
//     dropped whole (this is the orphan-write guard)
//   - attemptedSources never shrinks
//   - a stream URL set in a terminal state is never reassigned
//
// Returns false if the job does not exist or the update was dropped.
func (r *Registry) Update(id string, fn func(*Job)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.active[id]
	if !ok {
		return false
	}

	old := j.clone()
	next := j.clone()
	fn(&next)

	if old.Status.Terminal() {
		if next.Status != old.Status || next.StreamURL != old.StreamURL {
			r.logger.Debug().
				Str(log.FieldJobID, id).
				Str(log.FieldOldStatus, string(old.Status)).
				Str(log.FieldNewStatus, string(next.Status)).
				Msg("dropping update against terminal job")
			return false
		}
	}
	if len(next.AttemptedSources) < len(old.AttemptedSources) {
		next.AttemptedSources = old.AttemptedSources
	}
	if !old.Status.Terminal() && next.Status.Terminal() && next.TerminalAt.IsZero() {
		next.TerminalAt = time.Now()
	}

	*j = next
	return true
}

// AddAttempted appends a source attempt, deduplicating by stable key.
func (r *Registry) AddAttempted(id string, a AttemptedSource) {
	r.Update(id, func(j *Job) {
		if j.HasAttempted(a.StableKey) {
			return
		}
		j.AttemptedSources = append(j.AttemptedSources, a)
	})
}

// Delete removes a job from the active map without archiving it.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

// GetAllActive returns snapshots of every live job, ordered by creation time.
func (r *Registry) GetAllActive() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, 0, len(r.active))
	for _, j := range r.active {
		out = append(out, j.clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// GetCompletedHistory returns the completion ring, newest last.
func (r *Registry) GetCompletedHistory() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, 0, len(r.history))
	for i := range r.history {
		out = append(out, r.history[i].clone())
	}
	return out
}

// TrackPlayback forwards a playback event to the configured sink.
func (r *Registry) TrackPlayback(ev PlaybackEvent) {
	if r.sink == nil {
		return
	}
	r.sink.TrackPlayback(ev)
}

// Sweep moves terminal jobs past retention into the completion ring and
// prunes ring entries older than maxAge. Returns the processed-file paths of
// purged jobs so the caller can unlink them.
func (r *Registry) Sweep(now time.Time, maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purgedFiles []string

	for id, j := range r.active {
		if j.Status.Terminal() && !j.TerminalAt.IsZero() && now.Sub(j.TerminalAt) > r.retention {
			r.history = append(r.history, j.clone())
			delete(r.active, id)
		}
	}
	if over := len(r.history) - r.ringCap; over > 0 {
		for _, j := range r.history[:over] {
			if j.ProcessedFilePath != "" {
				purgedFiles = append(purgedFiles, j.ProcessedFilePath)
			}
		}
		r.history = append([]Job(nil), r.history[over:]...)
	}
	if maxAge > 0 {
		kept := r.history[:0]
		for _, j := range r.history {
			if !j.TerminalAt.IsZero() && now.Sub(j.TerminalAt) > maxAge {
				if j.ProcessedFilePath != "" {
					purgedFiles = append(purgedFiles, j.ProcessedFilePath)
				}
				continue
			}
			kept = append(kept, j)
		}
		r.history = kept
	}
	return purgedFiles
}
