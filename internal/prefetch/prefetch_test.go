package prefetch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandtv/strand/internal/vod/engine"
	"github.com/strandtv/strand/internal/vod/job"
	"github.com/strandtv/strand/internal/vod/source"
)

type fakeStarter struct {
	registry *job.Registry
	started  []source.ContentRef
}

func (f *fakeStarter) Start(ref source.ContentRef, user engine.UserContext, opts engine.StartOptions) string {
	// The real engine assigns a fresh uuid per job, so ids must be unique
	// even for repeated starts of the same content.
	id := fmt.Sprintf("job-%d-%s", len(f.started), ref.Key())
	f.started = append(f.started, ref)
	f.registry.Create(job.Job{
		ID: id, ContentRef: ref, UserRef: user.UserRef,
		CreatedAt: time.Now(), Status: job.StatusSearching, IsPrefetch: opts.Prefetch,
	})
	return id
}

func (f *fakeStarter) Promote(jobID string) (job.Job, bool) {
	ok := f.registry.Update(jobID, func(j *job.Job) { j.IsPrefetch = false })
	if !ok {
		return job.Job{}, false
	}
	j, _ := f.registry.Get(jobID)
	return j, true
}

type nextEpisodePicker struct{ err error }

func (p *nextEpisodePicker) Next(_ context.Context, cur source.ContentRef, _ Mode) (source.ContentRef, error) {
	if p.err != nil {
		return source.ContentRef{}, p.err
	}
	next := cur
	next.Episode++
	return next, nil
}

type staticMeta struct{ next *job.NextEpisode }

func (m *staticMeta) NextEpisode(context.Context, source.ContentRef) (*job.NextEpisode, error) {
	return m.next, nil
}

func (m *staticMeta) SkipMarkers(context.Context, source.ContentRef) (*job.SkipMarkers, error) {
	return nil, nil
}

func episode(epNum int) source.ContentRef {
	return source.ContentRef{ExternalID: 1399, Kind: source.KindTV, Season: 1, Episode: epNum}
}

func newPrefetcher(t *testing.T) (*Prefetcher, *fakeStarter) {
	t.Helper()
	reg := job.NewRegistry(8, time.Minute, nil)
	starter := &fakeStarter{registry: reg}
	return New(starter, reg, &nextEpisodePicker{}, &staticMeta{}), starter
}

func TestPrefetchStartsJobForNextEpisode(t *testing.T) {
	p, starter := newPrefetcher(t)
	user := engine.UserContext{UserRef: "u1"}

	id, next, err := p.PrefetchNext(context.Background(), episode(2), user, ModeSequential)
	require.NoError(t, err)
	assert.Equal(t, 3, next.Episode)
	require.Len(t, starter.started, 1)
	assert.Equal(t, 3, starter.started[0].Episode)

	j, ok := starter.registry.Get(id)
	require.True(t, ok)
	assert.True(t, j.IsPrefetch)
}

func TestPrefetchDeduplicates(t *testing.T) {
	p, starter := newPrefetcher(t)
	user := engine.UserContext{UserRef: "u1"}
	ctx := context.Background()

	first, _, err := p.PrefetchNext(ctx, episode(2), user, ModeSequential)
	require.NoError(t, err)

	second, _, err := p.PrefetchNext(ctx, episode(2), user, ModeSequential)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, starter.started, 1)
}

func TestPrefetchDedupIsPerUser(t *testing.T) {
	p, starter := newPrefetcher(t)
	ctx := context.Background()

	_, _, err := p.PrefetchNext(ctx, episode(2), engine.UserContext{UserRef: "u1"}, ModeSequential)
	require.NoError(t, err)
	_, _, err = p.PrefetchNext(ctx, episode(2), engine.UserContext{UserRef: "u2"}, ModeSequential)
	require.NoError(t, err)

	assert.Len(t, starter.started, 2)
}

func TestFailedPrefetchIsNotReused(t *testing.T) {
	p, starter := newPrefetcher(t)
	user := engine.UserContext{UserRef: "u1"}
	ctx := context.Background()

	first, _, err := p.PrefetchNext(ctx, episode(2), user, ModeSequential)
	require.NoError(t, err)
	starter.registry.Update(first, func(j *job.Job) {
		j.Status = job.StatusError
		j.ErrorKind = job.ErrNoSources
	})

	second, _, err := p.PrefetchNext(ctx, episode(2), user, ModeSequential)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestPickerFailurePropagates(t *testing.T) {
	reg := job.NewRegistry(8, time.Minute, nil)
	starter := &fakeStarter{registry: reg}
	p := New(starter, reg, &nextEpisodePicker{err: errors.New("metadata down")}, nil)

	_, _, err := p.PrefetchNext(context.Background(), episode(2), engine.UserContext{UserRef: "u1"}, ModeSequential)
	require.Error(t, err)
	assert.Empty(t, starter.started)
}

func TestEndOfSequenceSurfacesErrNoNext(t *testing.T) {
	reg := job.NewRegistry(8, time.Minute, nil)
	starter := &fakeStarter{registry: reg}
	p := New(starter, reg, &nextEpisodePicker{err: ErrNoNext}, nil)

	_, _, err := p.PrefetchNext(context.Background(), episode(9), engine.UserContext{UserRef: "u1"}, ModeSequential)
	require.ErrorIs(t, err, ErrNoNext)
	assert.Empty(t, starter.started)
}

func TestPromoteResolvesNextEpisode(t *testing.T) {
	reg := job.NewRegistry(8, time.Minute, nil)
	starter := &fakeStarter{registry: reg}
	meta := &staticMeta{next: &job.NextEpisode{ExternalID: 1399, Season: 1, Episode: 4}}
	p := New(starter, reg, &nextEpisodePicker{}, meta)

	id, _, err := p.PrefetchNext(context.Background(), episode(2), engine.UserContext{UserRef: "u1"}, ModeSequential)
	require.NoError(t, err)

	res, ok := p.Promote(context.Background(), id)
	require.True(t, ok)
	assert.False(t, res.Job.IsPrefetch)
	require.NotNil(t, res.NextEpisode)
	assert.Equal(t, 4, res.NextEpisode.Episode)
}

func TestPromoteUnknownJob(t *testing.T) {
	p, _ := newPrefetcher(t)
	_, ok := p.Promote(context.Background(), "missing")
	assert.False(t, ok)
}
