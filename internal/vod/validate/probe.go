// Package validate decides whether a promoted candidate is playable for the
// requesting client and builds the processing plan when it almost is.
package validate

import "context"

// AudioStream is one audio track reported by the probe.
type AudioStream struct {
	Index    int
	Codec    string
	Language string
	Channels int
	Default  bool
}

// SubtitleStream is one subtitle track reported by the probe.
type SubtitleStream struct {
	Index    int
	Language string
	Forced   bool
	Default  bool
	SDH      bool
}

// Chapter is one container chapter.
type Chapter struct {
	Title string
	Start float64
	End   float64
}

// ProbeResult is the media inspection outcome for a candidate URL.
type ProbeResult struct {
	Container       string
	VideoCodec      string
	AudioStreams    []AudioStream
	SubtitleStreams []SubtitleStream
	Chapters        []Chapter
	DurationSeconds float64
	TimedOut        bool
}

// Prober inspects a stream URL. The concrete implementation shells out to an
// ffprobe-like tool and lives outside this package.
type Prober interface {
	Probe(ctx context.Context, url string) (*ProbeResult, error)
}
