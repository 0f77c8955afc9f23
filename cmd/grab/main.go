package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"hls-grabber/internal/config"
	"hls-grabber/internal/logger"
	"hls-grabber/internal/model"
	"hls-grabber/internal/session"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitCancelled = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		logLevel   string
		outputDir  string
		quiet      bool
	)
	pflag.StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	pflag.StringVar(&logLevel, "log-level", "", "Log level: error,warn,info,debug (overrides config)")
	pflag.StringVarP(&outputDir, "output", "o", "", "Output root directory (default: output.root from config)")
	pflag.BoolVarP(&quiet, "quiet", "q", false, "Hide the progress bar")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <url>\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Downloads an HLS media playlist (.m3u8) or a progressive .mp4 into <output>/<id>/.")
		fmt.Fprintln(os.Stderr)
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if pflag.NArg() != 1 {
		pflag.Usage()
		return exitFailure
	}
	rawURL := pflag.Arg(0)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitFailure
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if outputDir == "" {
		outputDir = cfg.Output.Root
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create output directory: %v\n", err)
			return exitFailure
		}
	}

	// the bar owns stdout, logs go to stderr and the optional file
	log, err := logger.New(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitFailure
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := session.NewFromConfig(cfg, log).Start(ctx, rawURL, outputDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot start: %v\n", err)
		return exitFailure
	}
	log.Info("downloading", zap.String("url", rawURL), zap.String("path", s.Paths.SessionDir))

	var bar *progressbar.ProgressBar
	for ev := range s.Events() {
		if quiet || ev.Type != session.EventProgress {
			continue
		}
		bar = updateBar(bar, *ev.Progress)
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}

	out, _ := s.Outcome()
	switch out.State {
	case model.StateSucceeded:
		fmt.Println(out.OutputPath)
		return exitOK
	case model.StateStopped:
		fmt.Fprintln(os.Stderr, "Cancelled; downloaded parts are kept, run again to resume")
		return exitCancelled
	default:
		fmt.Fprintf(os.Stderr, "Failed (%s): %s\n", out.Kind, out.Message)
		return exitFailure
	}
}

// updateBar creates the bar on the first progress event, in the unit that
// event reports.
func updateBar(bar *progressbar.ProgressBar, p model.Progress) *progressbar.ProgressBar {
	if bar == nil {
		total := p.Total
		if total <= 0 {
			total = -1
		}
		if p.Unit == model.UnitBytes {
			bar = progressbar.DefaultBytes(total, "downloading")
		} else {
			bar = progressbar.Default(total, "segments")
		}
	}
	if p.Total > 0 && bar.GetMax64() != p.Total {
		bar.ChangeMax64(p.Total)
	}
	_ = bar.Set64(p.Completed)
	return bar
}
