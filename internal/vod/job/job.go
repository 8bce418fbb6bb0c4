// Package job holds the VOD job model and the process-wide registry that
// owns every job struct.
package job

import (
	"time"

	"github.com/strandtv/strand/internal/vod/source"
)

// Status is the client-visible job state.
type Status string

const (
	StatusSearching   Status = "searching"
	StatusDownloading Status = "downloading"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// Terminal reports whether a status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ErrorKind is the closed set of failure classes surfaced by the engine.
type ErrorKind string

const (
	ErrNoSources           ErrorKind = "NO_SOURCES"
	ErrAllSourcesExhausted ErrorKind = "ALL_SOURCES_EXHAUSTED"
	ErrSourceDead          ErrorKind = "SOURCE_DEAD"
	ErrSourceDMCA          ErrorKind = "SOURCE_DMCA"
	ErrSourceTimeout       ErrorKind = "SOURCE_TIMEOUT"
	ErrIncompatibleVideo   ErrorKind = "INCOMPATIBLE_VIDEO"
	ErrIncompatibleAudio   ErrorKind = "INCOMPATIBLE_AUDIO"
	ErrRemuxFailed         ErrorKind = "REMUX_FAILED"
	ErrJobDeadline         ErrorKind = "JOB_DEADLINE"
	ErrSessionInUse        ErrorKind = "SESSION_IN_USE"
	ErrSessionTimeout      ErrorKind = "SESSION_TIMEOUT"
	ErrFSUnavailable       ErrorKind = "FS_UNAVAILABLE"
	ErrBadStreamSources    ErrorKind = "BAD_STREAM_SOURCES"
)

// AttemptedSource records one candidate the engine tried.
type AttemptedSource struct {
	Provenance source.Provenance `json:"provenance"`
	StableKey  string            `json:"stableKey"`
	Quality    string            `json:"quality,omitempty"`
}

// EmbeddedSubtitleTrack describes one subtitle stream inside the container.
type EmbeddedSubtitleTrack struct {
	Index    int    `json:"index"`
	Language string `json:"language"`
	Keep     bool   `json:"keep"`
	Forced   bool   `json:"forced"`
	Default  bool   `json:"default"`
	SDH      bool   `json:"sdh"`
}

// SubtitleFile is an externally acquired (or extracted) subtitle.
type SubtitleFile struct {
	Language string `json:"language"`
	Path     string `json:"path"`
	Synced   bool   `json:"synced"`
	Source   string `json:"source"` // cache, external, embedded
}

// SkipMarkers carries intro/credits boundaries in seconds.
type SkipMarkers struct {
	IntroStart   float64 `json:"introStart,omitempty"`
	IntroEnd     float64 `json:"introEnd,omitempty"`
	CreditsStart float64 `json:"creditsStart,omitempty"`
}

// NextEpisode hints the client at autoplay continuation.
type NextEpisode struct {
	ExternalID int64  `json:"externalId"`
	Season     int    `json:"season"`
	Episode    int    `json:"episode"`
	Title      string `json:"title,omitempty"`
}

// Job is the full state of one pipeline run. Mutated only through
// Registry.Update; everything handed out of the registry is a copy.
type Job struct {
	ID         string
	ContentRef source.ContentRef
	UserRef    string
	CreatedAt  time.Time

	Status          Status
	ProgressPercent int
	HumanMessage    string

	StreamURL         string
	FileName          string
	Quality           string
	ErrorKind         ErrorKind
	ProcessedFilePath string

	AttemptedSources          []AttemptedSource
	IsPrefetch                bool
	UsedOverBandwidthFallback bool

	EmbeddedSubtitleTracks   []EmbeddedSubtitleTrack
	RecommendedSubtitleIndex *int
	HasEnglishSubtitle       bool
	SkipMarkers              *SkipMarkers
	Subtitles                []SubtitleFile
	NextEpisode              *NextEpisode

	// terminalAt is set when the job first enters a terminal status.
	TerminalAt time.Time
}

// HasAttempted reports whether the stable key was already tried.
func (j *Job) HasAttempted(stableKey string) bool {
	for _, a := range j.AttemptedSources {
		if a.StableKey == stableKey {
			return true
		}
	}
	return false
}

// clone returns a deep-enough copy safe to hand to readers.
func (j *Job) clone() Job {
	cp := *j
	cp.AttemptedSources = append([]AttemptedSource(nil), j.AttemptedSources...)
	cp.EmbeddedSubtitleTracks = append([]EmbeddedSubtitleTrack(nil), j.EmbeddedSubtitleTracks...)
	cp.Subtitles = append([]SubtitleFile(nil), j.Subtitles...)
	if j.RecommendedSubtitleIndex != nil {
		v := *j.RecommendedSubtitleIndex
		cp.RecommendedSubtitleIndex = &v
	}
	if j.SkipMarkers != nil {
		v := *j.SkipMarkers
		cp.SkipMarkers = &v
	}
	if j.NextEpisode != nil {
		v := *j.NextEpisode
		cp.NextEpisode = &v
	}
	return cp
}
