package m3u8

import (
	"fmt"
	"io"
	"net/url"

	"github.com/grafov/m3u8"

	"hls-grabber/internal/model"
)

type PlaylistType int

const (
	Master PlaylistType = iota
	Variant
	Unknown
)

// Parse checks the content and returns the type and parsed object
func Parse(content io.Reader) (m3u8.Playlist, PlaylistType, error) {
	p, listType, err := m3u8.DecodeFrom(content, true)
	if err != nil {
		return nil, Unknown, err
	}

	switch listType {
	case m3u8.MASTER:
		return p, Master, nil
	case m3u8.MEDIA:
		return p, Variant, nil
	default:
		return nil, Unknown, fmt.Errorf("unknown playlist type")
	}
}

// ResolveURL resolves a relative reference against a base URL
func ResolveURL(base *url.URL, ref string) (string, error) {
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(refURL).String(), nil
}

// Segments parses a media playlist and returns its segments in playback
// order, each URI made absolute against playlistURL. Indices are contiguous
// from zero regardless of empty slots in the playlist.
func Segments(playlistURL string, content io.Reader, segmentPath func(int) string) ([]model.Segment, error) {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return nil, model.NewError(model.ErrManifestParse, "playlist url", err)
	}

	pl, listType, err := Parse(content)
	if err != nil {
		return nil, model.NewError(model.ErrManifestParse, playlistURL, err)
	}
	if listType == Master {
		// the engine follows exactly one already-chosen media playlist
		return nil, model.NewError(model.ErrManifestParse, playlistURL,
			fmt.Errorf("master playlist with %d variants, expected a media playlist", len(pl.(*m3u8.MasterPlaylist).Variants)))
	}

	media := pl.(*m3u8.MediaPlaylist)
	segments := []model.Segment{}
	for _, seg := range media.Segments {
		if seg == nil || seg.URI == "" {
			continue
		}

		uri, err := ResolveURL(base, seg.URI)
		if err != nil {
			return nil, model.NewError(model.ErrManifestParse, "segment uri "+seg.URI, err)
		}

		idx := len(segments)
		segments = append(segments, model.Segment{
			Index:  idx,
			URI:    uri,
			Path:   segmentPath(idx),
			Status: model.SegmentPending,
		})
	}

	if len(segments) == 0 {
		return nil, model.NewError(model.ErrEmptyManifest, playlistURL, nil)
	}
	return segments, nil
}
