// Package assemble turns the downloaded segments of a session into the final
// output file through an external concatenation tool.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"hls-grabber/internal/layout"
	"hls-grabber/internal/metrics"
	"hls-grabber/internal/model"
)

const DefaultTimeout = 300 * time.Second

type Config struct {
	Timeout      time.Duration
	KeepFileList bool
}

// Assembler writes the ordered reference list and runs the Concatenator
// once, synchronously, within Config.Timeout.
type Assembler struct {
	tool   Concatenator
	cfg    Config
	logger *zap.Logger
}

func New(tool Concatenator, cfg Config, logger *zap.Logger) *Assembler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Assembler{tool: tool, cfg: cfg, logger: logger}
}

// Assemble produces paths.Output from the done segments in index order and
// returns its path. An output that already exists is returned as is.
func (a *Assembler) Assemble(ctx context.Context, paths layout.Paths, segments []model.Segment) (string, error) {
	if layout.FileExists(paths.Output) {
		a.logger.Info("output already assembled", zap.String("path", paths.Output))
		return paths.Output, nil
	}

	files := a.orderedFiles(segments)
	if len(files) == 0 {
		return "", &model.AssemblyToolError{ExitCode: -1, Err: errors.New("no completed segments to assemble")}
	}

	if err := WriteFileList(paths.FileList, files); err != nil {
		return "", model.NewError(model.ErrLocalIO, "write file list", err)
	}

	tmp := TempOutput(paths.Output)
	_ = os.Remove(tmp)

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := a.tool.Concat(runCtx, paths.FileList, tmp)
	elapsed := time.Since(start)

	if err != nil {
		_ = os.Remove(tmp)
		switch {
		case ctx.Err() != nil:
			metrics.AssemblyDuration.WithLabelValues("cancelled").Observe(elapsed.Seconds())
			return "", ctx.Err()
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			metrics.AssemblyDuration.WithLabelValues("timeout").Observe(elapsed.Seconds())
			return "", model.NewError(model.ErrAssemblyTimeout, "concat",
				fmt.Errorf("no result after %s", a.cfg.Timeout))
		}

		metrics.AssemblyDuration.WithLabelValues("error").Observe(elapsed.Seconds())
		var toolErr *model.AssemblyToolError
		if errors.As(err, &toolErr) {
			return "", err
		}
		return "", &model.AssemblyToolError{ExitCode: -1, Err: err}
	}

	// exit 0 only counts if the tool actually produced something
	if !layout.FileExists(tmp) {
		metrics.AssemblyDuration.WithLabelValues("error").Observe(elapsed.Seconds())
		return "", &model.AssemblyToolError{ExitCode: 0, Err: errors.New("tool reported success but wrote no output")}
	}
	if err := os.Rename(tmp, paths.Output); err != nil {
		_ = os.Remove(tmp)
		return "", model.NewError(model.ErrLocalIO, "move output into place", err)
	}
	metrics.AssemblyDuration.WithLabelValues("success").Observe(elapsed.Seconds())

	if !a.cfg.KeepFileList {
		if err := os.Remove(paths.FileList); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("failed to remove file list", zap.String("path", paths.FileList), zap.Error(err))
		}
	}

	a.logger.Info("assembly complete",
		zap.String("path", paths.Output),
		zap.Int("segments", len(files)),
		zap.Duration("elapsed", elapsed))
	return paths.Output, nil
}

func (a *Assembler) orderedFiles(segments []model.Segment) []string {
	sorted := make([]model.Segment, len(segments))
	copy(sorted, segments)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	files := make([]string, 0, len(sorted))
	for _, s := range sorted {
		if s.Status != model.SegmentDone {
			a.logger.Warn("skipping segment that is not done",
				zap.Int("segment", s.Index),
				zap.String("status", string(s.Status)))
			continue
		}
		files = append(files, s.Path)
	}
	return files
}

// WriteFileList writes a concat demuxer list, one absolute path per line.
func WriteFileList(path string, files []string) error {
	var b strings.Builder
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		b.WriteString("file '")
		b.WriteString(quote(abs))
		b.WriteString("'\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}

// single quotes cannot be escaped inside a quoted ffmpeg string, close and reopen
func quote(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}

// TempOutput keeps the extension so the tool can still infer the container.
func TempOutput(output string) string {
	ext := filepath.Ext(output)
	return strings.TrimSuffix(output, ext) + ".part" + ext
}
