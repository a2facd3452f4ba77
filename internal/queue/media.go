package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/numroute/numroute/internal/config"
)

// MediaFetcher downloads a media blob by its reference id.
type MediaFetcher interface {
	Fetch(ctx context.Context, mediaID string) ([]byte, error)
}

// HTTPMediaFetcher downloads media from the messaging provider's media
// endpoint.
type HTTPMediaFetcher struct {
	config     config.MediaConfig
	httpClient *http.Client
}

// NewHTTPMediaFetcher creates a media fetcher.
func NewHTTPMediaFetcher(cfg config.MediaConfig) *HTTPMediaFetcher {
	return &HTTPMediaFetcher{
		config:     cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Fetch downloads one blob.
func (f *HTTPMediaFetcher) Fetch(ctx context.Context, mediaID string) ([]byte, error) {
	if strings.TrimSpace(f.config.APIBase) == "" {
		return nil, fmt.Errorf("media api base not configured")
	}
	url := strings.TrimRight(f.config.APIBase, "/") + "/media/" + mediaID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if tok := strings.TrimSpace(f.config.APIKey); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("media download status %d for %s", resp.StatusCode, mediaID)
	}
	return io.ReadAll(resp.Body)
}

// resolveMedia turns a media attachment into text. Audio is downloaded
// and transcribed synchronously; images degrade to their caption (there
// is no vision pipeline). Failures fall back to the existing content so
// a broken attachment never blocks the text path.
func (p *Processor) resolveMedia(ctx context.Context, media *MediaRef, existing string) string {
	if media == nil || media.ID == "" {
		return existing
	}

	switch {
	case strings.Contains(media.MimeType, "audio"):
		if p.media == nil || p.transcriber == nil {
			slog.Warn("queue: audio attachment but no transcription configured", "media_id", media.ID)
			return existing
		}
		blob, err := p.media.Fetch(ctx, media.ID)
		if err != nil {
			slog.Error("queue: media download failed", "media_id", media.ID, "error", err)
			return existing
		}
		text, err := p.transcribeBlob(ctx, blob)
		if err != nil {
			slog.Error("queue: transcription failed", "media_id", media.ID, "error", err)
			return existing
		}
		return text

	case strings.Contains(media.MimeType, "image"):
		if media.Caption != "" {
			return media.Caption
		}
		slog.Info("queue: dropping image without caption", "media_id", media.ID)
		return existing

	default:
		return existing
	}
}

// transcribeBlob stages the audio in a temp file for the transcriber.
func (p *Processor) transcribeBlob(ctx context.Context, blob []byte) (string, error) {
	tmp, err := os.CreateTemp("", "inbound-audio-*.ogg")
	if err != nil {
		return "", fmt.Errorf("stage audio: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return "", fmt.Errorf("stage audio: %w", err)
	}
	tmp.Close()
	return p.transcriber.Transcribe(ctx, tmp.Name())
}
