// Package source defines the candidate model shared by the resolver and the job engine.
package source

import "fmt"

// Kind discriminates movie and episodic content.
type Kind string

const (
	KindMovie Kind = "movie"
	KindTV    Kind = "tv"
)

// Platform hints at the requesting client's player.
type Platform string

const (
	PlatformNative Platform = "native"
	PlatformWeb    Platform = "web"
)

// Provenance identifies which provider produced a candidate.
type Provenance string

const (
	ProvenanceZurg     Provenance = "zurg"
	ProvenanceProwlarr Provenance = "prowlarr"
)

// ContentRef identifies one playable title. Immutable.
type ContentRef struct {
	ExternalID   int64
	Kind         Kind
	Season       int // 0 when not episodic
	Episode      int // 0 when not episodic
	DisplayTitle string
	Year         int
	Platform     Platform
}

// Key returns the stable cache/dedup key for this content.
func (r ContentRef) Key() string {
	if r.Kind == KindTV {
		return fmt.Sprintf("tv:%d:s%02de%02d", r.ExternalID, r.Season, r.Episode)
	}
	return fmt.Sprintf("movie:%d", r.ExternalID)
}

// IsEpisodic reports whether the ref addresses a TV episode.
func (r ContentRef) IsEpisodic() bool {
	return r.Kind == KindTV
}

// Candidate is one addressable copy of a title.
type Candidate struct {
	Provenance       Provenance
	StableKey        string // torrent hash or catalog file path
	MagnetOrPath     string
	QualityLabel     string
	ResolutionHeight int
	SizeBytes        int64 // 0 when unknown
	CachedOnDebrid   bool
	OverBandwidth    bool
	Score            float64
}

// Describe returns the human message fragment used in job progress updates.
func (c Candidate) Describe() string {
	if c.QualityLabel != "" {
		return fmt.Sprintf("%s (%s)", c.QualityLabel, c.Provenance)
	}
	return string(c.Provenance)
}
