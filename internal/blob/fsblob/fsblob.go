// Package fsblob stores artifacts on the local filesystem. Writes go
// through a temp file and rename so a crash never leaves a partial
// artifact behind the returned reference.
package fsblob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fetchflow/fetchflow/internal/blob"
)

var _ blob.Store = (*Store)(nil)

// Store writes artifacts under a base directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New creates the base directory if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Persist writes the stream to <dir>/<jobID>.artifact atomically.
func (s *Store) Persist(ctx context.Context, jobID string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	final := filepath.Join(s.dir, jobID+".artifact")

	tmp, err := os.CreateTemp(s.dir, jobID+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp artifact: %w", err)
	}

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close artifact: %w", err)
	}

	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to finalize artifact: %w", err)
	}

	s.logger.Info("Artifact persisted",
		slog.String("job_id", jobID),
		slog.String("ref", final),
		slog.Int64("bytes", written),
	)

	return final, nil
}

// Delete removes an artifact by reference.
func (s *Store) Delete(_ context.Context, ref string) error {
	if err := os.Remove(ref); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}
