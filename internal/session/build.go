package session

import (
	"go.uber.org/zap"

	"hls-grabber/internal/assemble"
	"hls-grabber/internal/config"
	"hls-grabber/internal/downloader"
	"hls-grabber/internal/m3u8"
)

// NewFromConfig wires the production collaborators: the HTTP client, the
// grafov based resolver and ffmpeg.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) *Controller {
	client := downloader.NewClient(cfg.Fetch.Headers)

	fetcher := downloader.NewFetcher(client, downloader.Config{
		MaxAttempts:    cfg.Fetch.MaxAttempts,
		RetryDelay:     cfg.Fetch.GetRetryDelay(),
		SegmentTimeout: cfg.Fetch.GetSegmentTimeout(),
		StreamTimeout:  cfg.Fetch.GetStreamTimeout(),
		ChunkSize:      cfg.Fetch.ChunkSize,
	}, logger.Named("fetcher"))

	resolver := m3u8.NewResolver(client, cfg.Fetch.GetManifestTimeout(), logger.Named("resolver"))

	assembler := assemble.New(assemble.FFmpeg{Path: cfg.Assembly.Tool}, assemble.Config{
		Timeout:      cfg.Assembly.GetTimeout(),
		KeepFileList: cfg.Assembly.KeepFileList,
	}, logger.Named("assemble"))

	return NewController(resolver, fetcher, assembler, Config{
		Extension:    cfg.Output.Extension,
		PollInterval: cfg.Fetch.GetPollInterval(),
		EventBuffer:  cfg.Session.EventBuffer,
	}, logger)
}
