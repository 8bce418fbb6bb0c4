package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandtv/strand/internal/vod/job"
)

func testConfig() Config {
	return Config{
		AcceptedVideoCodecs: []string{"h264", "hevc", "av1", "vp9"},
		AcceptedAudioCodecs: []string{"aac", "mp3", "opus"},
		AudioTargetCodec:    "aac",
	}
}

func TestDecide_RejectsUnknownVideoCodec(t *testing.T) {
	v := New(nil, testConfig())
	d := v.Decide(&ProbeResult{VideoCodec: "vc1"}, false)
	assert.False(t, d.Accepted)
	assert.Equal(t, job.ErrIncompatibleVideo, d.Reason)
}

func TestDecide_CompatibleDefaultAudioNeedsNoProcessing(t *testing.T) {
	v := New(nil, testConfig())
	d := v.Decide(&ProbeResult{
		Container:  "mov,mp4",
		VideoCodec: "h264",
		AudioStreams: []AudioStream{
			{Index: 1, Codec: "aac", Language: "eng", Channels: 6, Default: true},
		},
	}, false)
	require.True(t, d.Accepted)
	assert.Equal(t, AudioNone, d.Plan.AudioAction)
	assert.False(t, d.Plan.NeedsProcessing())
}

func TestDecide_AlternateAudioPreference(t *testing.T) {
	v := New(nil, testConfig())
	d := v.Decide(&ProbeResult{
		VideoCodec: "hevc",
		AudioStreams: []AudioStream{
			{Index: 1, Codec: "truehd", Language: "eng", Channels: 8, Default: true},
			{Index: 2, Codec: "aac", Language: "ger", Channels: 6},
			{Index: 3, Codec: "aac", Language: "eng", Channels: 2},
			{Index: 4, Codec: "opus", Language: "eng", Channels: 6},
		},
	}, false)
	require.True(t, d.Accepted)
	assert.Equal(t, AudioRemux, d.Plan.AudioAction)
	// Same language beats channel count: index 4 (eng, 6ch) over index 2 (ger, 6ch);
	// within english, 6 channels beat 2.
	assert.Equal(t, 4, d.Plan.AudioStreamIndex)
}

func TestDecide_NoCompatibleAudioPlansTranscode(t *testing.T) {
	v := New(nil, testConfig())
	d := v.Decide(&ProbeResult{
		VideoCodec: "h264",
		AudioStreams: []AudioStream{
			{Index: 1, Codec: "truehd", Language: "eng", Default: true},
			{Index: 2, Codec: "dts", Language: "eng"},
		},
	}, false)
	require.True(t, d.Accepted)
	assert.Equal(t, AudioTranscode, d.Plan.AudioAction)
	assert.Equal(t, "aac", d.Plan.AudioTargetCodec)
}

func TestDecide_SubtitleCleanupAndRecommendation(t *testing.T) {
	v := New(nil, testConfig())
	d := v.Decide(&ProbeResult{
		VideoCodec: "h264",
		AudioStreams: []AudioStream{
			{Index: 1, Codec: "aac", Language: "eng", Default: true},
		},
		// 2: forced-not-default (drop), 3: unrecognized (drop, triggers cleanup),
		// 4: kept and recommended, 5: kept.
		SubtitleStreams: []SubtitleStream{
			{Index: 2, Language: "eng", Forced: true},
			{Index: 3, Language: "xxx"},
			{Index: 4, Language: "eng", SDH: true},
			{Index: 5, Language: "ger"},
		},
	}, false)
	require.True(t, d.Accepted)
	assert.True(t, d.Plan.SubtitleCleanup)

	require.Len(t, d.EmbeddedSubtitleTracks, 4)
	assert.False(t, d.EmbeddedSubtitleTracks[0].Keep)
	assert.False(t, d.EmbeddedSubtitleTracks[1].Keep)
	assert.True(t, d.EmbeddedSubtitleTracks[2].Keep)
	assert.True(t, d.EmbeddedSubtitleTracks[3].Keep)

	require.NotNil(t, d.RecommendedSubtitleIndex)
	assert.Equal(t, 4, *d.RecommendedSubtitleIndex)
	assert.True(t, d.HasEnglishSubtitle)
}

func TestDecide_SubtitleCleanupAloneSkipsProcessing(t *testing.T) {
	v := New(nil, testConfig())
	d := v.Decide(&ProbeResult{
		Container:  "mov,mp4",
		VideoCodec: "h264",
		AudioStreams: []AudioStream{
			{Index: 1, Codec: "aac", Language: "eng", Default: true},
		},
		SubtitleStreams: []SubtitleStream{
			{Index: 2, Language: "eng", Forced: true},
		},
	}, false)
	require.True(t, d.Accepted)
	assert.True(t, d.Plan.SubtitleCleanup)
	assert.False(t, d.Plan.NeedsProcessing(), "cleanup only rides along with audio or container work")
}

func TestDecide_WebMatroskaPlansContainerRemux(t *testing.T) {
	v := New(nil, testConfig())
	d := v.Decide(&ProbeResult{
		Container:  "matroska,webm",
		VideoCodec: "hevc",
		AudioStreams: []AudioStream{
			{Index: 1, Codec: "aac", Language: "eng", Default: true},
		},
	}, true)
	require.True(t, d.Accepted)
	assert.True(t, d.Plan.ContainerRemux)
	assert.True(t, d.Plan.HEVCTag, "hevc gets the hvc1 tag on remux")

	// Native clients play matroska directly.
	native := v.Decide(&ProbeResult{
		Container:  "matroska,webm",
		VideoCodec: "hevc",
		AudioStreams: []AudioStream{
			{Index: 1, Codec: "aac", Language: "eng", Default: true},
		},
	}, false)
	assert.False(t, native.Plan.ContainerRemux)
}

func TestDecide_ProbeTimeoutIsLenient(t *testing.T) {
	v := New(nil, testConfig())

	known := v.Decide(&ProbeResult{TimedOut: true, VideoCodec: "h264"}, false)
	assert.True(t, known.Accepted)
	assert.False(t, known.Plan.NeedsProcessing(), "timed-out probe assumes compatible audio")

	unknown := v.Decide(&ProbeResult{TimedOut: true}, false)
	assert.False(t, unknown.Accepted)
}
