package m3u8

import (
	"bytes"
	"context"
	"time"

	"go.uber.org/zap"

	"hls-grabber/internal/model"
)

// Getter is the buffered half of the HTTP collaborator.
type Getter interface {
	Get(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, error)
}

// Resolver fetches a playlist and turns it into segment records. It never
// retries: a manifest failure ends the session.
type Resolver struct {
	client  Getter
	timeout time.Duration
	logger  *zap.Logger
}

func NewResolver(client Getter, timeout time.Duration, logger *zap.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Resolver{client: client, timeout: timeout, logger: logger}
}

// Resolve fetches playlistURL and returns its segments.
func (r *Resolver) Resolve(ctx context.Context, playlistURL string, segmentPath func(int) string) ([]model.Segment, error) {
	raw, err := r.client.Get(ctx, playlistURL, r.timeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, model.NewError(model.ErrManifestFetch, playlistURL, err)
	}

	segments, err := Segments(playlistURL, bytes.NewReader(raw), segmentPath)
	if err != nil {
		return nil, err
	}

	r.logger.Info("manifest resolved",
		zap.String("url", playlistURL),
		zap.Int("segments", len(segments)))
	return segments, nil
}
