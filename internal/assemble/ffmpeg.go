package assemble

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"hls-grabber/internal/model"
)

const (
	FFmpegCommand  = "ffmpeg"
	FFmpegLogLevel = "error"

	// stderr kept on failure, tail end
	maxDiagnostic = 4096
)

// Concatenator merges the files named in an ordered list into one container.
type Concatenator interface {
	Concat(ctx context.Context, listPath, outputPath string) error
}

// FFmpeg runs the concat demuxer with stream copy. Path defaults to ffmpeg
// on PATH.
type FFmpeg struct {
	Path string
}

// BuildArgs builds the ffmpeg argument list for a concat run
func (f FFmpeg) BuildArgs(listPath, outputPath string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", FFmpegLogLevel,
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	}
}

// Concat runs ffmpeg once. A non-zero exit returns *model.AssemblyToolError
// carrying the tool's stderr.
func (f FFmpeg) Concat(ctx context.Context, listPath, outputPath string) error {
	bin := f.Path
	if bin == "" {
		bin = FFmpegCommand
	}

	cmd := exec.CommandContext(ctx, bin, f.BuildArgs(listPath, outputPath)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &model.AssemblyToolError{
		ExitCode: code,
		Output:   diagnostic(stderr.String()),
		Err:      err,
	}
}

func diagnostic(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxDiagnostic {
		s = s[len(s)-maxDiagnostic:]
	}
	return s
}
