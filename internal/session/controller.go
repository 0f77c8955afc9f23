// Package session drives one acquisition from source URL to output file:
// manifest resolution, sequential unit fetching under pause/resume/cancel
// control, and assembly.
package session

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hls-grabber/internal/control"
	"hls-grabber/internal/layout"
	"hls-grabber/internal/metrics"
	"hls-grabber/internal/model"
)

// ManifestResolver turns a playlist URL into ordered segment records.
type ManifestResolver interface {
	Resolve(ctx context.Context, playlistURL string, segmentPath func(int) string) ([]model.Segment, error)
}

// UnitFetcher retrieves single units with retries under a control flag.
type UnitFetcher interface {
	Fetch(ctx context.Context, uri, dest string, ctl *control.State) error
	Stream(ctx context.Context, uri, dest string, ctl *control.State, onChunk func(received, total int64)) error
}

// Assembler concatenates done segments into the session output.
type Assembler interface {
	Assemble(ctx context.Context, paths layout.Paths, segments []model.Segment) (string, error)
}

type Config struct {
	Extension    string
	PollInterval time.Duration
	EventBuffer  int
}

// Controller starts sessions. It holds no per-session state, so any number
// of sessions may run at once as long as their directories differ.
type Controller struct {
	resolver  ManifestResolver
	fetcher   UnitFetcher
	assembler Assembler
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

func NewController(resolver ManifestResolver, fetcher UnitFetcher, assembler Assembler, cfg Config, logger *zap.Logger) *Controller {
	if cfg.Extension == "" {
		cfg.Extension = "mp4"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = control.DefaultPollInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	return &Controller{
		resolver:  resolver,
		fetcher:   fetcher,
		assembler: assembler,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Plan validates the request and derives the source descriptor and paths
// without starting anything.
func (c *Controller) Plan(rawURL, outputDir string) (model.Source, layout.Paths, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return model.Source{}, layout.Paths{}, model.NewError(model.ErrInvalidInput, "start", errors.New("url is empty"))
	}
	if outputDir == "" {
		return model.Source{}, layout.Paths{}, model.NewError(model.ErrInvalidInput, "start", errors.New("output directory is empty"))
	}
	if info, err := os.Stat(outputDir); err != nil || !info.IsDir() {
		return model.Source{}, layout.Paths{}, model.NewError(model.ErrInvalidInput, "start", errors.New("output directory does not exist: "+outputDir))
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.Source{}, layout.Paths{}, model.NewError(model.ErrInvalidInput, "start", errors.New("not an http(s) url: "+rawURL))
	}

	mode, ok := layout.ModeOf(rawURL)
	if !ok {
		return model.Source{}, layout.Paths{}, model.NewError(model.ErrUnsupportedSource, "start",
			errors.New("expected a "+layout.SegmentedSuffix+" or "+layout.ProgressiveSuffix+" url"))
	}

	src := model.Source{URL: rawURL, Mode: mode, ID: layout.Identifier(rawURL, mode, c.now())}
	return src, layout.Resolve(outputDir, src.ID, c.cfg.Extension), nil
}

// Start validates the request and launches a worker for it. Cancelling ctx
// has the same effect as Session.Cancel.
func (c *Controller) Start(ctx context.Context, rawURL, outputDir string) (*Session, error) {
	src, paths, err := c.Plan(rawURL, outputDir)
	if err != nil {
		return nil, err
	}
	return c.Launch(ctx, src, paths), nil
}

// Launch starts a worker for a source and paths obtained from Plan.
func (c *Controller) Launch(ctx context.Context, src model.Source, paths layout.Paths) *Session {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	s := newSession(id.String(), src, paths, c.cfg.PollInterval, c.cfg.EventBuffer, c.logger)
	s.start()
	s.logger.Info("session started",
		zap.String("url", src.URL),
		zap.String("mode", string(src.Mode)),
		zap.String("path", paths.SessionDir))

	// the worker only stops through the control flag
	work := context.WithoutCancel(ctx)
	stop := context.AfterFunc(ctx, func() { s.Cancel() })

	metrics.ActiveSessions.Inc()
	go func() {
		defer metrics.ActiveSessions.Dec()
		defer stop()
		output, err := c.acquire(work, s)
		s.finish(output, err)
	}()
	return s
}

func (c *Controller) acquire(ctx context.Context, s *Session) (string, error) {
	if layout.FileExists(s.Paths.Output) {
		s.logger.Info("output already present", zap.String("path", s.Paths.Output))
		return s.Paths.Output, nil
	}
	if err := s.Paths.Ensure(s.Source.Mode); err != nil {
		return "", err
	}

	if s.Source.Mode == model.ModeProgressive {
		return c.acquireProgressive(ctx, s)
	}
	return c.acquireSegmented(ctx, s)
}

func (c *Controller) acquireSegmented(ctx context.Context, s *Session) (string, error) {
	segments, err := c.resolver.Resolve(ctx, s.Source.URL, s.Paths.SegmentPath)
	if err != nil {
		return "", err
	}

	s.setSegments(segments)
	total := int64(len(segments))
	s.setProgress(model.Progress{Completed: 0, Total: total, Unit: model.UnitSegments})

	for i := range segments {
		seg := &segments[i]

		// pause holds back the next dispatch, stop ends it
		if err := s.ctl.Checkpoint(ctx); err != nil {
			return "", err
		}

		if err := c.fetcher.Fetch(ctx, seg.URI, seg.Path, s.ctl); err != nil {
			if !model.IsCancelled(err) {
				seg.Status = model.SegmentFailed
				s.segmentDone(*seg)
			}
			return "", err
		}

		seg.Status = model.SegmentDone
		s.segmentDone(*seg)
		s.setProgress(model.Progress{Completed: int64(i + 1), Total: total, Unit: model.UnitSegments})
	}

	if err := s.ctl.Checkpoint(ctx); err != nil {
		return "", err
	}
	return c.assembler.Assemble(ctx, s.Paths, segments)
}

func (c *Controller) acquireProgressive(ctx context.Context, s *Session) (string, error) {
	err := c.fetcher.Stream(ctx, s.Source.URL, s.Paths.Output, s.ctl, func(received, total int64) {
		s.setProgress(model.Progress{Completed: received, Total: total, Unit: model.UnitBytes})
	})
	if err != nil {
		return "", err
	}
	return s.Paths.Output, nil
}
