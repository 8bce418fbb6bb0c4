package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/strandtv/strand/internal/log"
	"github.com/strandtv/strand/internal/vod/engine"
	"github.com/strandtv/strand/internal/vod/job"
	"github.com/strandtv/strand/internal/vod/validate"
)

// The concrete collaborators live here, at the composition root: the core
// packages only know the interfaces. Everything below is a thin mapping
// onto a local binary or a dumb REST surface.

// ffprober shells out to ffprobe and maps its JSON onto a probe result.
type ffprober struct {
	bin string
}

type ffprobeStream struct {
	Index       int               `json:"index"`
	CodecType   string            `json:"codec_type"`
	CodecName   string            `json:"codec_name"`
	Channels    int               `json:"channels"`
	Tags        map[string]string `json:"tags"`
	Disposition struct {
		Default         int `json:"default"`
		Forced          int `json:"forced"`
		HearingImpaired int `json:"hearing_impaired"`
	} `json:"disposition"`
}

type ffprobeChapter struct {
	StartTime string            `json:"start_time"`
	EndTime   string            `json:"end_time"`
	Tags      map[string]string `json:"tags"`
}

type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams  []ffprobeStream  `json:"streams"`
	Chapters []ffprobeChapter `json:"chapters"`
}

func (p *ffprober) Probe(ctx context.Context, target string) (*validate.ProbeResult, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-show_chapters",
		target,
	}
	cmd := exec.CommandContext(ctx, p.bin, args...) // #nosec G204
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()

	var data ffprobeOutput
	jsonErr := json.Unmarshal(out, &data)
	if jsonErr != nil || data.Format.FormatName == "" {
		if ctx.Err() != nil {
			return &validate.ProbeResult{TimedOut: true}, nil
		}
		if err != nil {
			msg := stderr.String()
			if len(msg) > 2048 {
				msg = msg[:2048]
			}
			return nil, fmt.Errorf("ffprobe: %w (%s)", err, msg)
		}
		return nil, fmt.Errorf("ffprobe: unusable output")
	}

	res := &validate.ProbeResult{Container: data.Format.FormatName}
	if d, err := strconv.ParseFloat(data.Format.Duration, 64); err == nil {
		res.DurationSeconds = d
	}
	for _, s := range data.Streams {
		switch s.CodecType {
		case "video":
			if res.VideoCodec == "" {
				res.VideoCodec = s.CodecName
			}
		case "audio":
			res.AudioStreams = append(res.AudioStreams, validate.AudioStream{
				Index:    s.Index,
				Codec:    s.CodecName,
				Language: s.Tags["language"],
				Channels: s.Channels,
				Default:  s.Disposition.Default == 1,
			})
		case "subtitle":
			res.SubtitleStreams = append(res.SubtitleStreams, validate.SubtitleStream{
				Index:    s.Index,
				Language: s.Tags["language"],
				Forced:   s.Disposition.Forced == 1,
				Default:  s.Disposition.Default == 1,
				SDH:      s.Disposition.HearingImpaired == 1,
			})
		}
	}
	for _, c := range data.Chapters {
		ch := validate.Chapter{Title: c.Tags["title"]}
		if v, err := strconv.ParseFloat(c.StartTime, 64); err == nil {
			ch.Start = v
		}
		if v, err := strconv.ParseFloat(c.EndTime, 64); err == nil {
			ch.End = v
		}
		res.Chapters = append(res.Chapters, ch)
	}
	return res, nil
}

// ffmpegRunner executes a prepared argument list.
type ffmpegRunner struct {
	bin    string
	logger zerolog.Logger
}

func (r *ffmpegRunner) Run(ctx context.Context, args []string, outputPath string) error {
	cmd := exec.CommandContext(ctx, r.bin, args...) // #nosec G204
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if len(msg) > 2048 {
			msg = msg[:2048]
		}
		return fmt.Errorf("ffmpeg: %w (%s)", err, msg)
	}
	r.logger.Debug().Str("output", outputPath).Msg("ffmpeg run finished")
	return nil
}

// Extract pulls one embedded subtitle track into a standalone SRT file,
// satisfying the enrich extractor interface with the same binary.
func (r *ffmpegRunner) Extract(ctx context.Context, streamURL string, streamIndex int, outPath string) error {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", streamURL,
		"-map", fmt.Sprintf("0:%d", streamIndex),
		"-c:s", "srt",
		"-y", outPath,
	}
	return r.Run(ctx, args, outPath)
}

// debridClient speaks the provider's REST surface: add magnet, poll info,
// unrestrict, delete.
type debridClient struct {
	base   string
	token  string
	client *http.Client
	logger zerolog.Logger
}

func newDebridClient(base, token string) *debridClient {
	return &debridClient{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: log.WithComponent("debrid"),
	}
}

func (c *debridClient) do(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnavailableForLegalReasons {
		return engine.ErrDMCA
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("debrid %s %s: status %d", method, endpoint, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *debridClient) AddMagnet(ctx context.Context, magnet string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	form := url.Values{"magnet": {magnet}}
	if err := c.do(ctx, http.MethodPost, "/torrents/addMagnet", form, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("debrid: empty torrent id")
	}
	// Select all files up front so the torrent starts without a second
	// round-trip; providers ignore this for single-file magnets.
	_ = c.do(ctx, http.MethodPost, "/torrents/selectFiles/"+resp.ID, url.Values{"files": {"all"}}, nil)
	return resp.ID, nil
}

func (c *debridClient) Status(ctx context.Context, torrentID string) (engine.DebridStatus, error) {
	var resp struct {
		Status   string   `json:"status"`
		Progress float64  `json:"progress"`
		Seeders  *int     `json:"seeders"`
		Speed    *int64   `json:"speed"`
		Links    []string `json:"links"`
		Filename string   `json:"filename"`
	}
	if err := c.do(ctx, http.MethodGet, "/torrents/info/"+torrentID, nil, &resp); err != nil {
		return engine.DebridStatus{}, err
	}

	st := engine.DebridStatus{
		Progress: resp.Progress,
		FileName: resp.Filename,
	}
	if resp.Seeders != nil || resp.Speed != nil {
		st.HasPeersInfo = true
		if resp.Seeders != nil {
			st.Seeders = *resp.Seeders
		}
		if resp.Speed != nil {
			st.SpeedBps = *resp.Speed
		}
	}
	if len(resp.Links) > 0 {
		st.Link = resp.Links[0]
	}

	switch resp.Status {
	case "magnet_conversion":
		st.State = engine.StateMagnetConversion
	case "queued", "waiting_files_selection", "compressing", "uploading":
		st.State = engine.StateQueued
	case "downloading":
		st.State = engine.StateDownloading
	case "downloaded":
		st.State = engine.StateDownloaded
	default:
		st.State = engine.StateError
	}
	return st, nil
}

func (c *debridClient) Unrestrict(ctx context.Context, link string) (string, string, error) {
	var resp struct {
		Download string `json:"download"`
		Filename string `json:"filename"`
	}
	form := url.Values{"link": {link}}
	if err := c.do(ctx, http.MethodPost, "/unrestrict/link", form, &resp); err != nil {
		return "", "", err
	}
	if resp.Download == "" {
		return "", "", fmt.Errorf("debrid: unrestrict returned no URL")
	}
	return resp.Download, resp.Filename, nil
}

func (c *debridClient) Delete(ctx context.Context, torrentID string) error {
	return c.do(ctx, http.MethodDelete, "/torrents/delete/"+torrentID, nil, nil)
}

// zurgResolver maps catalog file paths onto the zurg HTTP export.
type zurgResolver struct {
	base   string
	client *http.Client
}

func newZurgResolver(base string) *zurgResolver {
	return &zurgResolver{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (z *zurgResolver) DirectURL(ctx context.Context, filePath string) (string, string, error) {
	target := z.base + "/http/" + url.PathEscape(strings.TrimPrefix(filePath, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := z.client.Do(req)
	if err != nil {
		return "", "", err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("zurg: %s answered %d", target, resp.StatusCode)
	}
	return target, path.Base(filePath), nil
}

// processedIndex exposes completed remux outputs to the range proxy.
type processedIndex struct {
	registry *job.Registry
}

func (p *processedIndex) ProcessedPath(jobID string) (string, bool) {
	j, ok := p.registry.Get(jobID)
	if !ok || j.ProcessedFilePath == "" {
		return "", false
	}
	return j.ProcessedFilePath, true
}

// playbackLog is the default playback sink: one structured line per start.
type playbackLog struct {
	logger zerolog.Logger
}

func (p *playbackLog) TrackPlayback(ev job.PlaybackEvent) {
	p.logger.Info().
		Str(log.FieldUserID, ev.UserRef).
		Str(log.FieldContent, ev.ContentKey).
		Time("started_at", ev.StartedAt).
		Msg("playback started")
}
