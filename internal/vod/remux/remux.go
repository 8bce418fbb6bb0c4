// Package remux turns a validator plan into a concrete remux invocation.
//
// The actual process execution is a collaborator; this package owns the
// argument construction so the decision tree stays testable without ffmpeg.
package remux

import (
	"context"
	"fmt"
	"strconv"

	"github.com/strandtv/strand/internal/vod/validate"
)

// Request describes one remux run.
type Request struct {
	InputURL   string
	OutputPath string
	Plan       validate.Plan
}

// Result reports a finished remux.
type Result struct {
	OutputPath string
}

// Runner executes a remux command. The concrete implementation wraps an
// ffmpeg-like tool and lives outside the engine's import graph.
type Runner interface {
	Run(ctx context.Context, args []string, outputPath string) error
}

// Remuxer builds arguments and drives the runner.
type Remuxer struct {
	runner Runner
}

// New builds a remuxer over the given runner.
func New(runner Runner) *Remuxer {
	return &Remuxer{runner: runner}
}

// Process executes the plan and returns the produced file.
func (r *Remuxer) Process(ctx context.Context, req Request) (Result, error) {
	args := BuildArgs(req)
	if err := r.runner.Run(ctx, args, req.OutputPath); err != nil {
		return Result{}, fmt.Errorf("remux %s: %w", req.InputURL, err)
	}
	return Result{OutputPath: req.OutputPath}, nil
}

// BuildArgs constructs the ffmpeg argument list for a plan.
//
// Video is always stream-copied; only audio is ever re-encoded. Subtitle
// cleanup keeps text tracks and relies on the validator's keep/drop flags
// being encoded as negative maps.
func BuildArgs(req Request) []string {
	p := req.Plan

	args := []string{"-hide_banner", "-loglevel", "error", "-i", req.InputURL}

	args = append(args, "-map", "0:v:0", "-c:v", "copy")
	if p.HEVCTag {
		args = append(args, "-tag:v", "hvc1")
	}

	switch p.AudioAction {
	case validate.AudioRemux:
		args = append(args, "-map", "0:"+strconv.Itoa(p.AudioStreamIndex), "-c:a", "copy")
	case validate.AudioTranscode:
		args = append(args, "-map", "0:a:0", "-c:a", p.AudioTargetCodec, "-b:a", "192k", "-ac", "2")
	default:
		args = append(args, "-map", "0:a:0", "-c:a", "copy")
	}

	if p.SubtitleCleanup {
		// Text subtitles only; image subs do not survive an mp4 remux anyway.
		args = append(args, "-map", "0:s?", "-c:s", "mov_text")
	} else if !p.ContainerRemux {
		args = append(args, "-map", "0:s?", "-c:s", "copy")
	}

	if p.ContainerRemux {
		args = append(args, "-movflags", "+faststart", "-f", "mp4")
	}

	args = append(args, "-y", req.OutputPath)
	return args
}
