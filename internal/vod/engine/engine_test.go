package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandtv/strand/internal/vod/job"
	"github.com/strandtv/strand/internal/vod/linkcache"
	"github.com/strandtv/strand/internal/vod/remux"
	"github.com/strandtv/strand/internal/vod/resolve"
	"github.com/strandtv/strand/internal/vod/source"
	"github.com/strandtv/strand/internal/vod/validate"
)

// --- fakes -----------------------------------------------------------------

type staticProvider struct {
	name  string
	cands []source.Candidate
}

func (p *staticProvider) Name() string { return p.name }

func (p *staticProvider) Search(_ context.Context, _ source.ContentRef, emit func([]source.Candidate)) error {
	if len(p.cands) > 0 {
		emit(p.cands)
	}
	return nil
}

// scriptedDebrid serves a fixed status sequence per magnet; the last entry
// repeats. Safe for concurrent polling.
type scriptedDebrid struct {
	mu        sync.Mutex
	scripts   map[string][]DebridStatus // keyed by magnet
	addErr    map[string]error
	ticks     map[string]int
	deleted   []string
	unrestict map[string]string // link -> direct URL
}

func newScriptedDebrid() *scriptedDebrid {
	return &scriptedDebrid{
		scripts:   make(map[string][]DebridStatus),
		addErr:    make(map[string]error),
		ticks:     make(map[string]int),
		unrestict: make(map[string]string),
	}
}

func (d *scriptedDebrid) AddMagnet(_ context.Context, magnet string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.addErr[magnet]; err != nil {
		return "", err
	}
	return "tid:" + magnet, nil
}

func (d *scriptedDebrid) Status(_ context.Context, torrentID string) (DebridStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	magnet := strings.TrimPrefix(torrentID, "tid:")
	script := d.scripts[magnet]
	if len(script) == 0 {
		return DebridStatus{}, errors.New("unknown torrent")
	}
	i := d.ticks[magnet]
	if i >= len(script) {
		i = len(script) - 1
	}
	d.ticks[magnet]++
	return script[i], nil
}

func (d *scriptedDebrid) Unrestrict(_ context.Context, link string) (string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	url, ok := d.unrestict[link]
	if !ok {
		return "", "", errors.New("unrestrict failed")
	}
	return url, "file-" + link + ".mkv", nil
}

func (d *scriptedDebrid) Delete(_ context.Context, torrentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, torrentID)
	return nil
}

type staticZurg struct {
	urls map[string]string // path -> direct URL; missing path errors
}

func (z *staticZurg) DirectURL(_ context.Context, path string) (string, string, error) {
	if url, ok := z.urls[path]; ok {
		parts := strings.Split(path, "/")
		return url, parts[len(parts)-1], nil
	}
	return "", "", errors.New("zurg: not indexed")
}

// urlProber returns a per-URL probe result; unknown URLs get a plain
// compatible mp4.
type urlProber struct {
	results map[string]*validate.ProbeResult
}

func (p *urlProber) Probe(_ context.Context, url string) (*validate.ProbeResult, error) {
	if res, ok := p.results[url]; ok {
		return res, nil
	}
	return compatibleProbe(), nil
}

func compatibleProbe() *validate.ProbeResult {
	return &validate.ProbeResult{
		Container:  "mov,mp4,m4a",
		VideoCodec: "h264",
		AudioStreams: []validate.AudioStream{
			{Index: 1, Codec: "aac", Language: "eng", Channels: 6, Default: true},
		},
	}
}

type recordingRunner struct {
	mu   sync.Mutex
	runs [][]string
}

func (r *recordingRunner) Run(_ context.Context, args []string, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, args)
	return nil
}

type recordingEnrichers struct {
	mu   sync.Mutex
	jobs []job.Job
}

func (e *recordingEnrichers) Run(_ context.Context, j job.Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, j)
}

func (e *recordingEnrichers) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

type aliveProber struct{}

func (aliveProber) Alive(context.Context, string) bool { return true }

// --- harness ---------------------------------------------------------------

type harness struct {
	engine   *Engine
	registry *job.Registry
	cache    *linkcache.Cache
	debrid   *scriptedDebrid
	zurg     *staticZurg
	runner   *recordingRunner
	enrich   *recordingEnrichers
}

func newHarness(t *testing.T, providers ...resolve.Provider) *harness {
	t.Helper()

	cache, err := linkcache.Open("", time.Hour, aliveProber{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	h := &harness{
		registry: job.NewRegistry(8, 50*time.Millisecond, nil),
		cache:    cache,
		debrid:   newScriptedDebrid(),
		zurg:     &staticZurg{urls: map[string]string{}},
		runner:   &recordingRunner{},
		enrich:   &recordingEnrichers{},
	}

	validator := validate.New(&urlProber{results: map[string]*validate.ProbeResult{}}, validate.Config{
		AcceptedVideoCodecs: []string{"h264", "hevc"},
		AcceptedAudioCodecs: []string{"aac"},
		AudioTargetCodec:    "aac",
	})

	h.engine = New(Config{
		FirstSourcesWait:     100 * time.Millisecond,
		FirstSourcesSlowWait: 200 * time.Millisecond,
		JobMaxDuration:       3 * time.Second,
		DeadTorrentTimeout:   30 * time.Millisecond,
		SlowStartTimeout:     40 * time.Millisecond,
		ActiveStartTimeout:   60 * time.Millisecond,
		StallTimeout:         80 * time.Millisecond,
		PollInterval:         5 * time.Millisecond,
		PollBurst:            100,
		ProcessedDir:         t.TempDir(),
	}, Deps{
		Registry:  h.registry,
		Resolver:  resolve.New(providers...),
		Cache:     cache,
		Validator: validator,
		Remuxer:   remux.New(h.runner),
		Debrid:    h.debrid,
		Zurg:      h.zurg,
		Enrichers: h.enrich,
	})
	return h
}

func (h *harness) waitTerminal(t *testing.T, jobID string) job.Job {
	t.Helper()
	var snap job.Job
	require.Eventually(t, func() bool {
		j, ok := h.registry.Get(jobID)
		if !ok {
			return false
		}
		snap = j
		return j.Status.Terminal()
	}, 3*time.Second, 5*time.Millisecond)
	return snap
}

func movieRef() source.ContentRef {
	return source.ContentRef{ExternalID: 278, Kind: source.KindMovie, DisplayTitle: "Test Movie", Platform: source.PlatformNative}
}

func prowlarrCand(hash string, score float64) source.Candidate {
	return source.Candidate{
		Provenance:   source.ProvenanceProwlarr,
		StableKey:    hash,
		MagnetOrPath: "magnet:" + hash,
		QualityLabel: "1080p",
		Score:        score,
	}
}

// --- tests -----------------------------------------------------------------

func TestCacheHitSkipsSearch(t *testing.T) {
	h := newHarness(t, &staticProvider{name: "prowlarr"})
	ref := movieRef()
	require.NoError(t, h.cache.Put(ref.Key(), linkcache.Entry{
		ContentKey: ref.Key(),
		StreamURL:  "http://debrid/cached.mkv",
		FileName:   "cached.mkv",
	}))

	id := h.engine.Start(ref, UserContext{UserRef: "u1"}, StartOptions{})
	snap := h.waitTerminal(t, id)

	assert.Equal(t, job.StatusCompleted, snap.Status)
	assert.Equal(t, "http://debrid/cached.mkv", snap.StreamURL)
	assert.Empty(t, snap.AttemptedSources)
}

func TestDeadTorrentFallsToNextCandidate(t *testing.T) {
	p := &staticProvider{name: "prowlarr", cands: []source.Candidate{
		prowlarrCand("h1", 10),
		prowlarrCand("h2", 5),
	}}
	h := newHarness(t, p)

	// h1 sits at zero seeders and zero speed; h2 is instantly cached.
	h.debrid.scripts["magnet:h1"] = []DebridStatus{
		{State: StateDownloading, Progress: 0, HasPeersInfo: true},
	}
	h.debrid.scripts["magnet:h2"] = []DebridStatus{
		{State: StateDownloaded, Link: "l2", FileName: "movie.mkv"},
	}
	h.debrid.unrestict["l2"] = "http://debrid/direct2.mkv"

	id := h.engine.Start(movieRef(), UserContext{UserRef: "u1"}, StartOptions{})
	snap := h.waitTerminal(t, id)

	require.Equal(t, job.StatusCompleted, snap.Status)
	assert.Equal(t, "http://debrid/direct2.mkv", snap.StreamURL)
	require.Len(t, snap.AttemptedSources, 2)
	assert.Equal(t, "h1", snap.AttemptedSources[0].StableKey)
	assert.Equal(t, "h2", snap.AttemptedSources[1].StableKey)

	// The abandoned torrent is cleaned up on the provider.
	require.Eventually(t, func() bool {
		h.debrid.mu.Lock()
		defer h.debrid.mu.Unlock()
		return len(h.debrid.deleted) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestZurgFallbackToRangeProxy(t *testing.T) {
	path := "/movies/Test Movie (2020)/movie.mkv"
	p := &staticProvider{name: "zurg", cands: []source.Candidate{{
		Provenance:   source.ProvenanceZurg,
		StableKey:    path,
		MagnetOrPath: path,
		QualityLabel: "2160p",
		Score:        20,
	}}}
	h := newHarness(t, p) // zurg has no URL for the path

	ref := movieRef()
	id := h.engine.Start(ref, UserContext{UserRef: "u1"}, StartOptions{})
	snap := h.waitTerminal(t, id)

	require.Equal(t, job.StatusCompleted, snap.Status)
	assert.Equal(t, RangeProxyURL(path), snap.StreamURL)
	assert.Equal(t, "movie.mkv", snap.FileName)

	// Local proxy URLs are never cached.
	_, hit := h.cache.Lookup(context.Background(), ref.Key())
	assert.False(t, hit)
}

func TestZurgDirectURLIsCached(t *testing.T) {
	path := "/movies/M/movie.mkv"
	p := &staticProvider{name: "zurg", cands: []source.Candidate{{
		Provenance:   source.ProvenanceZurg,
		StableKey:    path,
		MagnetOrPath: path,
		Score:        20,
	}}}
	h := newHarness(t, p)
	h.zurg.urls[path] = "http://debrid/zurg-direct.mkv"

	ref := movieRef()
	id := h.engine.Start(ref, UserContext{UserRef: "u1"}, StartOptions{})
	snap := h.waitTerminal(t, id)

	require.Equal(t, job.StatusCompleted, snap.Status)
	assert.Equal(t, "http://debrid/zurg-direct.mkv", snap.StreamURL)

	entry, hit := h.cache.Lookup(context.Background(), ref.Key())
	require.True(t, hit)
	assert.Equal(t, "http://debrid/zurg-direct.mkv", entry.StreamURL)
}

func TestOrphanWritesNeverLandAfterCompletion(t *testing.T) {
	p := &staticProvider{name: "prowlarr", cands: []source.Candidate{
		prowlarrCand("h1", 10),
		prowlarrCand("h2", 5),
	}}
	h := newHarness(t, p)

	// h1 never leaves magnet conversion; its drain goroutine keeps polling
	// a fake 37% progress long after the job completed via h2.
	h.debrid.scripts["magnet:h1"] = []DebridStatus{
		{State: StateMagnetConversion, Progress: 37},
	}
	h.debrid.scripts["magnet:h2"] = []DebridStatus{
		{State: StateDownloaded, Link: "l2"},
	}
	h.debrid.unrestict["l2"] = "http://debrid/direct2.mkv"

	id := h.engine.Start(movieRef(), UserContext{UserRef: "u1"}, StartOptions{})
	snap := h.waitTerminal(t, id)
	require.Equal(t, job.StatusCompleted, snap.Status)

	time.Sleep(60 * time.Millisecond) // let the orphan keep polling

	after, ok := h.registry.Get(id)
	require.True(t, ok)
	assert.Equal(t, job.StatusCompleted, after.Status)
	assert.Equal(t, 100, after.ProgressPercent)
	assert.Equal(t, "http://debrid/direct2.mkv", after.StreamURL)
}

func TestNoSources(t *testing.T) {
	h := newHarness(t, &staticProvider{name: "prowlarr"})

	id := h.engine.Start(movieRef(), UserContext{UserRef: "u1"}, StartOptions{})
	snap := h.waitTerminal(t, id)

	assert.Equal(t, job.StatusError, snap.Status)
	assert.Equal(t, job.ErrNoSources, snap.ErrorKind)
}

func TestDMCASurfacesAsLastReason(t *testing.T) {
	p := &staticProvider{name: "prowlarr", cands: []source.Candidate{prowlarrCand("h1", 10)}}
	h := newHarness(t, p)
	h.debrid.addErr["magnet:h1"] = fmt.Errorf("add: %w", ErrDMCA)

	id := h.engine.Start(movieRef(), UserContext{UserRef: "u1"}, StartOptions{})
	snap := h.waitTerminal(t, id)

	assert.Equal(t, job.StatusError, snap.Status)
	assert.Equal(t, job.ErrSourceDMCA, snap.ErrorKind)
	require.Len(t, snap.AttemptedSources, 1)
}

func TestIncompatibleVideoTriesNext(t *testing.T) {
	pathBad := "/movies/bad.mkv"
	pathGood := "/movies/good.mkv"
	p := &staticProvider{name: "zurg", cands: []source.Candidate{
		{Provenance: source.ProvenanceZurg, StableKey: pathBad, MagnetOrPath: pathBad, Score: 20},
		{Provenance: source.ProvenanceZurg, StableKey: pathGood, MagnetOrPath: pathGood, Score: 10},
	}}
	h := newHarness(t, p)
	h.zurg.urls[pathBad] = "http://debrid/bad.mkv"
	h.zurg.urls[pathGood] = "http://debrid/good.mkv"

	h.engine.deps.Validator = validate.New(&urlProber{results: map[string]*validate.ProbeResult{
		"http://debrid/bad.mkv": {Container: "matroska,webm", VideoCodec: "vc1"},
	}}, validate.Config{
		AcceptedVideoCodecs: []string{"h264"},
		AcceptedAudioCodecs: []string{"aac"},
		AudioTargetCodec:    "aac",
	})

	id := h.engine.Start(movieRef(), UserContext{UserRef: "u1"}, StartOptions{})
	snap := h.waitTerminal(t, id)

	require.Equal(t, job.StatusCompleted, snap.Status)
	assert.Equal(t, "http://debrid/good.mkv", snap.StreamURL)
	require.Len(t, snap.AttemptedSources, 2)
}

func TestWebMatroskaGetsProcessed(t *testing.T) {
	path := "/movies/M/movie.mkv"
	p := &staticProvider{name: "zurg", cands: []source.Candidate{{
		Provenance: source.ProvenanceZurg, StableKey: path, MagnetOrPath: path, Score: 20,
	}}}
	h := newHarness(t, p)
	h.zurg.urls[path] = "http://debrid/movie.mkv"

	h.engine.deps.Validator = validate.New(&urlProber{results: map[string]*validate.ProbeResult{
		"http://debrid/movie.mkv": {
			Container:  "matroska,webm",
			VideoCodec: "hevc",
			AudioStreams: []validate.AudioStream{
				{Index: 1, Codec: "aac", Language: "eng", Channels: 6, Default: true},
			},
		},
	}}, validate.Config{
		AcceptedVideoCodecs: []string{"h264", "hevc"},
		AcceptedAudioCodecs: []string{"aac"},
		AudioTargetCodec:    "aac",
	})

	ref := movieRef()
	ref.Platform = source.PlatformWeb
	id := h.engine.Start(ref, UserContext{UserRef: "u1"}, StartOptions{})
	snap := h.waitTerminal(t, id)

	require.Equal(t, job.StatusCompleted, snap.Status)
	assert.Equal(t, ProcessedURL(id), snap.StreamURL)
	assert.NotEmpty(t, snap.ProcessedFilePath)

	h.runner.mu.Lock()
	require.Len(t, h.runner.runs, 1)
	assert.Contains(t, h.runner.runs[0], "hvc1")
	h.runner.mu.Unlock()

	// Processed output is a local URL; never cached.
	_, hit := h.cache.Lookup(context.Background(), ref.Key())
	assert.False(t, hit)
}

func TestSubtitleCleanupAloneServesDirectURL(t *testing.T) {
	path := "/movies/F/forced.mkv"
	p := &staticProvider{name: "zurg", cands: []source.Candidate{{
		Provenance: source.ProvenanceZurg, StableKey: path, MagnetOrPath: path, Score: 20,
	}}}
	h := newHarness(t, p)
	h.zurg.urls[path] = "http://debrid/forced.mkv"

	h.engine.deps.Validator = validate.New(&urlProber{results: map[string]*validate.ProbeResult{
		"http://debrid/forced.mkv": {
			Container:  "mov,mp4,m4a",
			VideoCodec: "h264",
			AudioStreams: []validate.AudioStream{
				{Index: 1, Codec: "aac", Language: "eng", Channels: 6, Default: true},
			},
			SubtitleStreams: []validate.SubtitleStream{
				{Index: 2, Language: "eng", Forced: true},
			},
		},
	}}, validate.Config{
		AcceptedVideoCodecs: []string{"h264"},
		AcceptedAudioCodecs: []string{"aac"},
		AudioTargetCodec:    "aac",
	})

	id := h.engine.Start(movieRef(), UserContext{UserRef: "u1"}, StartOptions{})
	snap := h.waitTerminal(t, id)

	require.Equal(t, job.StatusCompleted, snap.Status)
	assert.Equal(t, "http://debrid/forced.mkv", snap.StreamURL)
	assert.Empty(t, snap.ProcessedFilePath)

	h.runner.mu.Lock()
	assert.Empty(t, h.runner.runs, "dropping subtitle tracks is not worth losing the direct URL")
	h.runner.mu.Unlock()

	// Direct URL survives, so the link is cacheable.
	entry, hit := h.cache.Lookup(context.Background(), movieRef().Key())
	require.True(t, hit)
	assert.Equal(t, "http://debrid/forced.mkv", entry.StreamURL)
}

func TestCancelPurgesJob(t *testing.T) {
	p := &staticProvider{name: "prowlarr", cands: []source.Candidate{prowlarrCand("h1", 10)}}
	h := newHarness(t, p)
	// Keep h1 making slow progress so no liveness timeout fires.
	var script []DebridStatus
	for i := 0; i < 200; i++ {
		script = append(script, DebridStatus{
			State: StateDownloading, Progress: float64(i) / 2, HasPeersInfo: true, Seeders: 4, SpeedBps: 1 << 20,
		})
	}
	h.debrid.scripts["magnet:h1"] = script

	id := h.engine.Start(movieRef(), UserContext{UserRef: "u1"}, StartOptions{})
	require.Eventually(t, func() bool {
		j, ok := h.registry.Get(id)
		return ok && j.Status == job.StatusDownloading
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, h.engine.Cancel(id))
	_, ok := h.registry.Get(id)
	assert.False(t, ok)
}

func TestReportBadExcludesSourcesOnRetry(t *testing.T) {
	p := &staticProvider{name: "prowlarr", cands: []source.Candidate{prowlarrCand("h1", 10)}}
	h := newHarness(t, p)
	h.debrid.scripts["magnet:h1"] = []DebridStatus{{State: StateDownloaded, Link: "l1"}}
	h.debrid.unrestict["l1"] = "http://debrid/direct1.mkv"

	user := UserContext{UserRef: "u1"}
	id := h.engine.Start(movieRef(), user, StartOptions{})
	snap := h.waitTerminal(t, id)
	require.Equal(t, job.StatusCompleted, snap.Status)

	newID, excluded, err := h.engine.ReportBad(id, user)
	require.NoError(t, err)
	assert.Equal(t, 1, excluded)
	require.NotEqual(t, id, newID)

	// The only known source is excluded now, so the retry finds nothing.
	retry := h.waitTerminal(t, newID)
	assert.Equal(t, job.StatusError, retry.Status)
	assert.Equal(t, job.ErrNoSources, retry.ErrorKind)
	assert.Empty(t, retry.AttemptedSources)
}

func TestPromoteClearsPrefetchFlag(t *testing.T) {
	p := &staticProvider{name: "prowlarr", cands: []source.Candidate{prowlarrCand("h1", 10)}}
	h := newHarness(t, p)
	h.debrid.scripts["magnet:h1"] = []DebridStatus{{State: StateDownloaded, Link: "l1"}}
	h.debrid.unrestict["l1"] = "http://debrid/direct1.mkv"

	id := h.engine.Start(movieRef(), UserContext{UserRef: "u1"}, StartOptions{Prefetch: true})
	snap := h.waitTerminal(t, id)
	require.True(t, snap.IsPrefetch)

	promoted, ok := h.engine.Promote(id)
	require.True(t, ok)
	assert.False(t, promoted.IsPrefetch)
	assert.Equal(t, job.StatusCompleted, promoted.Status)
}

func TestEnrichersRunAfterCompletion(t *testing.T) {
	p := &staticProvider{name: "prowlarr", cands: []source.Candidate{prowlarrCand("h1", 10)}}
	h := newHarness(t, p)
	h.debrid.scripts["magnet:h1"] = []DebridStatus{{State: StateDownloaded, Link: "l1"}}
	h.debrid.unrestict["l1"] = "http://debrid/direct1.mkv"

	id := h.engine.Start(movieRef(), UserContext{UserRef: "u1"}, StartOptions{})
	snap := h.waitTerminal(t, id)
	require.Equal(t, job.StatusCompleted, snap.Status)

	require.Eventually(t, func() bool { return h.enrich.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}
