// Package httpfetch implements the fetch capability over plain HTTP
// with Range-request resumption.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fetchflow/fetchflow/internal/fetch"
)

var _ fetch.Fetcher = (*Fetcher)(nil)

// Config holds HTTP fetcher tuning.
type Config struct {
	// ChunkSize is the read size per Next call. Zero means 256 KiB.
	ChunkSize int
	// RequestTimeout bounds the initial request. Zero means 30s.
	RequestTimeout time.Duration
}

// Fetcher fetches resources over HTTP, resuming via Range headers.
type Fetcher struct {
	client *http.Client
	config Config
	logger *slog.Logger
}

// New creates an HTTP fetcher.
func New(config Config, logger *slog.Logger) *Fetcher {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 256 * 1024
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	return &Fetcher{
		// RequestTimeout bounds header receipt only; body reads are
		// bounded per chunk by the caller's context.
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: config.RequestTimeout,
			},
		},
		config: config,
		logger: logger,
	}
}

// Fetch opens a stream over the resource, resuming from cursor when
// one is given. Cursors are byte offsets ("bytes=N").
func (f *Fetcher) Fetch(ctx context.Context, resourceID, cursor string) (fetch.Stream, error) {
	u, err := url.Parse(resourceID)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fetch.Permanent(fmt.Errorf("invalid resource url %q", resourceID))
	}

	offset, err := parseCursor(cursor)
	if err != nil {
		// A corrupt cursor restarts the transfer rather than failing it.
		f.logger.Warn("Ignoring unparseable resume cursor",
			slog.String("resource", resourceID),
			slog.String("cursor", cursor),
		)
		offset = 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceID, nil)
	if err != nil {
		return nil, fetch.Permanent(err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fetch.Transient(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			// Server ignored the Range header; the stream restarts.
			f.logger.Warn("Server does not support range requests, restarting transfer",
				slog.String("resource", resourceID),
				slog.Int64("lost_offset", offset),
			)
			offset = 0
		}
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, fetch.Transient(fmt.Errorf("server returned %s", resp.Status))
	default:
		resp.Body.Close()
		return nil, fetch.Permanent(fmt.Errorf("server returned %s", resp.Status))
	}

	return &httpStream{
		body:      resp.Body,
		offset:    offset,
		chunkSize: f.config.ChunkSize,
	}, nil
}

type httpStream struct {
	body      io.ReadCloser
	offset    int64
	chunkSize int
}

// Next reads one chunk from the response body.
func (s *httpStream) Next(ctx context.Context) (fetch.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return fetch.Chunk{}, err
	}

	buf := make([]byte, s.chunkSize)
	n, err := io.ReadFull(s.body, buf)
	if n > 0 {
		s.offset += int64(n)
		return fetch.Chunk{
			Data:   buf[:n],
			Cursor: formatCursor(s.offset),
		}, nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fetch.Chunk{}, io.EOF
	}
	return fetch.Chunk{}, fetch.Transient(err)
}

func (s *httpStream) Close() error {
	return s.body.Close()
}

func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, ok := strings.CutPrefix(cursor, "bytes=")
	if !ok {
		return 0, fmt.Errorf("unexpected cursor format %q", cursor)
	}
	return strconv.ParseInt(raw, 10, 64)
}

func formatCursor(offset int64) string {
	return fmt.Sprintf("bytes=%d", offset)
}
