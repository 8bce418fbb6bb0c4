package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/strandtv/strand/internal/log"
	"github.com/strandtv/strand/internal/vod/job"
)

// AudioAction is the processing the engine must run before serving.
type AudioAction string

const (
	AudioNone      AudioAction = "none"      // default stream already compatible
	AudioRemux     AudioAction = "remux"     // promote a compatible alternate stream
	AudioTranscode AudioAction = "transcode" // re-encode to the target codec
)

// Plan is the processing recipe attached to an accepted decision.
type Plan struct {
	AudioAction      AudioAction
	AudioStreamIndex int    // stream to promote when AudioAction == AudioRemux
	AudioTargetCodec string // target when AudioAction == AudioTranscode
	SubtitleCleanup  bool
	ContainerRemux   bool // matroska container on a web client
	HEVCTag          bool // add hvc1 tag during container remux
}

// NeedsProcessing reports whether any remux work is required. Subtitle
// cleanup alone never forces a run; it rides along when audio processing or
// a container remux triggers one anyway.
func (p Plan) NeedsProcessing() bool {
	return p.AudioAction != AudioNone || p.ContainerRemux
}

// Decision is the validator verdict for one candidate URL.
type Decision struct {
	Accepted bool
	Reason   job.ErrorKind // set when rejected
	Plan     Plan

	EmbeddedSubtitleTracks   []job.EmbeddedSubtitleTrack
	RecommendedSubtitleIndex *int
	HasEnglishSubtitle       bool
}

// Config carries the client compatibility sets.
type Config struct {
	AcceptedVideoCodecs []string
	AcceptedAudioCodecs []string
	AudioTargetCodec    string
}

// Validator probes candidate URLs and applies the compatibility rules.
type Validator struct {
	prober Prober
	cfg    Config
	logger zerolog.Logger
}

// New builds a validator over the given prober.
func New(prober Prober, cfg Config) *Validator {
	return &Validator{
		prober: prober,
		cfg:    cfg,
		logger: log.WithComponent("validator"),
	}
}

// Validate probes the URL and decides playability for the given platform.
// A probe timeout is treated leniently: known video codecs are accepted and
// audio is assumed compatible, so a slow probe never rejects a good source.
func (v *Validator) Validate(ctx context.Context, url string, web bool) (Decision, error) {
	res, err := v.prober.Probe(ctx, url)
	if err != nil {
		return Decision{}, fmt.Errorf("probe %s: %w", url, err)
	}
	return v.Decide(res, web), nil
}

// Decide applies the rules to an already obtained probe result.
func (v *Validator) Decide(res *ProbeResult, web bool) Decision {
	if res.TimedOut {
		d := Decision{Accepted: res.VideoCodec != ""}
		d.Plan.AudioAction = AudioNone
		if !d.Accepted {
			d.Reason = job.ErrIncompatibleVideo
		}
		return d
	}

	if !containsFold(v.cfg.AcceptedVideoCodecs, res.VideoCodec) {
		v.logger.Debug().Str(log.FieldCodec, res.VideoCodec).Msg("video codec rejected")
		return Decision{Accepted: false, Reason: job.ErrIncompatibleVideo}
	}

	d := Decision{Accepted: true}
	d.Plan.AudioTargetCodec = v.cfg.AudioTargetCodec

	if def := defaultAudio(res.AudioStreams); def != nil && !containsFold(v.cfg.AcceptedAudioCodecs, def.Codec) {
		if alt := v.bestCompatibleAudio(res.AudioStreams, def); alt != nil {
			d.Plan.AudioAction = AudioRemux
			d.Plan.AudioStreamIndex = alt.Index
		} else {
			d.Plan.AudioAction = AudioTranscode
		}
	} else {
		d.Plan.AudioAction = AudioNone
	}

	d.Plan.SubtitleCleanup = needsSubtitleCleanup(res.SubtitleStreams)
	d.EmbeddedSubtitleTracks = embeddedTracks(res.SubtitleStreams)
	d.RecommendedSubtitleIndex = recommendedIndex(d.EmbeddedSubtitleTracks)
	d.HasEnglishSubtitle = hasEnglish(d.EmbeddedSubtitleTracks)

	if web && isMatroska(res.Container) {
		d.Plan.ContainerRemux = true
		d.Plan.HEVCTag = strings.EqualFold(res.VideoCodec, "hevc")
	}

	return d
}

func defaultAudio(streams []AudioStream) *AudioStream {
	for i := range streams {
		if streams[i].Default {
			return &streams[i]
		}
	}
	if len(streams) > 0 {
		return &streams[0]
	}
	return nil
}

// bestCompatibleAudio picks the alternate stream by same-language priority,
// then channel count, then codec preference order.
func (v *Validator) bestCompatibleAudio(streams []AudioStream, def *AudioStream) *AudioStream {
	var best *AudioStream
	for i := range streams {
		s := &streams[i]
		if s.Index == def.Index || !containsFold(v.cfg.AcceptedAudioCodecs, s.Codec) {
			continue
		}
		if best == nil || v.audioBetter(s, best, def) {
			best = s
		}
	}
	return best
}

func (v *Validator) audioBetter(a, b *AudioStream, def *AudioStream) bool {
	aSame := strings.EqualFold(a.Language, def.Language)
	bSame := strings.EqualFold(b.Language, def.Language)
	if aSame != bSame {
		return aSame
	}
	if a.Channels != b.Channels {
		return a.Channels > b.Channels
	}
	return codecRank(v.cfg.AcceptedAudioCodecs, a.Codec) < codecRank(v.cfg.AcceptedAudioCodecs, b.Codec)
}

func codecRank(prefs []string, codec string) int {
	for i, p := range prefs {
		if strings.EqualFold(p, codec) {
			return i
		}
	}
	return len(prefs)
}

func needsSubtitleCleanup(streams []SubtitleStream) bool {
	for _, s := range streams {
		if !languageRecognized(s.Language) {
			return true
		}
		if s.Forced && !s.Default {
			return true
		}
	}
	return false
}

func embeddedTracks(streams []SubtitleStream) []job.EmbeddedSubtitleTrack {
	out := make([]job.EmbeddedSubtitleTrack, 0, len(streams))
	for _, s := range streams {
		keep := languageRecognized(s.Language) && !(s.Forced && !s.Default)
		out = append(out, job.EmbeddedSubtitleTrack{
			Index:    s.Index,
			Language: s.Language,
			Keep:     keep,
			Forced:   s.Forced,
			Default:  s.Default,
			SDH:      s.SDH,
		})
	}
	return out
}

func recommendedIndex(tracks []job.EmbeddedSubtitleTrack) *int {
	for _, t := range tracks {
		if t.Keep && isEnglish(t.Language) && !t.Forced {
			idx := t.Index
			return &idx
		}
	}
	for _, t := range tracks {
		if t.Keep && isEnglish(t.Language) {
			idx := t.Index
			return &idx
		}
	}
	return nil
}

func hasEnglish(tracks []job.EmbeddedSubtitleTrack) bool {
	for _, t := range tracks {
		if t.Keep && isEnglish(t.Language) && !t.Forced {
			return true
		}
	}
	return false
}

func isMatroska(container string) bool {
	return strings.Contains(strings.ToLower(container), "matroska") ||
		strings.Contains(strings.ToLower(container), "webm")
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
