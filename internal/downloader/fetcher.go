package downloader

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"hls-grabber/internal/control"
	"hls-grabber/internal/layout"
	"hls-grabber/internal/metrics"
	"hls-grabber/internal/model"
)

const partSuffix = ".part"

// Config controls retries and per-request timeouts of the unit fetcher.
type Config struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	SegmentTimeout time.Duration
	StreamTimeout  time.Duration
	ChunkSize      int
}

// DefaultConfig returns the stock retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		RetryDelay:     5 * time.Second,
		SegmentTimeout: 10 * time.Second,
		StreamTimeout:  30 * time.Second,
		ChunkSize:      8192,
	}
}

// Fetcher retrieves one unit to a local path with bounded retries. A
// destination that already exists and is non-empty is never fetched again.
type Fetcher struct {
	client *Client
	cfg    Config
	logger *zap.Logger
}

func NewFetcher(client *Client, cfg Config, logger *zap.Logger) *Fetcher {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.SegmentTimeout <= 0 {
		cfg.SegmentTimeout = def.SegmentTimeout
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = def.StreamTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	return &Fetcher{client: client, cfg: cfg, logger: logger}
}

// Fetch downloads uri into dest in one buffered request per attempt.
func (f *Fetcher) Fetch(ctx context.Context, uri, dest string, ctl *control.State) error {
	if layout.FileExists(dest) {
		metrics.Units.WithLabelValues("skipped").Inc()
		f.logger.Debug("unit already present", zap.String("path", dest))
		return nil
	}

	return f.retry(ctx, uri, ctl, func() error {
		data, err := f.client.Get(ctx, uri, f.cfg.SegmentTimeout)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(dest, data); err != nil {
			return err
		}
		metrics.BytesDownloaded.Add(float64(len(data)))
		metrics.Units.WithLabelValues("downloaded").Inc()
		return nil
	})
}

// Stream downloads uri into dest chunk by chunk, checking ctl between chunks.
// onChunk receives (bytesReceived, bytesTotal) and never sees a smaller
// bytesReceived than before, even across retries.
func (f *Fetcher) Stream(ctx context.Context, uri, dest string, ctl *control.State, onChunk func(received, total int64)) error {
	if layout.FileExists(dest) {
		metrics.Units.WithLabelValues("skipped").Inc()
		if info, err := os.Stat(dest); err == nil && onChunk != nil {
			onChunk(info.Size(), info.Size())
		}
		return nil
	}

	var reported int64
	report := func(received, total int64) {
		if onChunk != nil && received > reported {
			reported = received
			onChunk(received, total)
		}
	}

	return f.retry(ctx, uri, ctl, func() error {
		if err := f.streamOnce(ctx, uri, dest, ctl, report); err != nil {
			return err
		}
		metrics.Units.WithLabelValues("downloaded").Inc()
		return nil
	})
}

func (f *Fetcher) streamOnce(ctx context.Context, uri, dest string, ctl *control.State, report func(int64, int64)) error {
	s, err := f.client.Open(ctx, uri, f.cfg.StreamTimeout)
	if err != nil {
		return err
	}
	defer s.Close()

	tmp := dest + partSuffix
	out, err := os.Create(tmp)
	if err != nil {
		return model.NewError(model.ErrLocalIO, "create "+tmp, err)
	}
	committed := false
	defer func() {
		if !committed {
			out.Close()
			os.Remove(tmp)
		}
	}()

	buf := make([]byte, f.cfg.ChunkSize)
	var received int64
	for {
		if err := ctl.Checkpoint(ctx); err != nil {
			return err
		}

		n, rerr := s.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return model.NewError(model.ErrLocalIO, "write "+tmp, werr)
			}
			received += int64(n)
			metrics.BytesDownloaded.Add(float64(n))
			report(received, s.Length)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}

	if s.Length > 0 && received != s.Length {
		return &TransportError{URL: uri, Reason: ReasonBody, Err: io.ErrUnexpectedEOF}
	}

	if err := out.Close(); err != nil {
		return model.NewError(model.ErrLocalIO, "close "+tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return model.NewError(model.ErrLocalIO, "rename "+tmp, err)
	}
	committed = true
	return nil
}

// retry runs attempt up to MaxAttempts times. ctl is consulted before every
// attempt (pause blocks, stop aborts) and during the delay between attempts
// (only stop interrupts).
func (f *Fetcher) retry(ctx context.Context, uri string, ctl *control.State, attempt func() error) error {
	var lastErr error
	for n := 1; n <= f.cfg.MaxAttempts; n++ {
		if err := ctl.Checkpoint(ctx); err != nil {
			return err
		}

		err := attempt()
		if err == nil {
			metrics.FetchAttempts.WithLabelValues("success").Inc()
			return nil
		}

		var te *TransportError
		if !errors.As(err, &te) {
			metrics.FetchAttempts.WithLabelValues("aborted").Inc()
			return err
		}

		metrics.FetchAttempts.WithLabelValues(string(te.Reason)).Inc()
		lastErr = err
		f.logger.Warn("fetch attempt failed",
			zap.String("url", uri),
			zap.Int("attempt", n),
			zap.Int("max_attempts", f.cfg.MaxAttempts),
			zap.Error(err))

		if n < f.cfg.MaxAttempts {
			if err := ctl.Sleep(ctx, f.cfg.RetryDelay); err != nil {
				return err
			}
		}
	}

	f.logger.Error("fetch retries exhausted",
		zap.String("url", uri),
		zap.Int("attempts", f.cfg.MaxAttempts),
		zap.Error(lastErr))
	return &model.FetchExhaustedError{URI: uri, Attempts: f.cfg.MaxAttempts, Err: lastErr}
}

// writeFileAtomic leaves either the complete file at path or nothing.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + partSuffix
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return model.NewError(model.ErrLocalIO, "write "+tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return model.NewError(model.ErrLocalIO, "rename "+tmp, err)
	}
	return nil
}
