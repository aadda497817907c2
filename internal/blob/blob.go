// Package blob is the seam to the artifact storage collaborator.
package blob

import (
	"context"
	"io"
)

// Store persists completed transfer artifacts.
type Store interface {
	// Persist writes the artifact stream and returns a stable reference.
	Persist(ctx context.Context, jobID string, r io.Reader) (string, error)

	// Delete removes a previously persisted artifact.
	Delete(ctx context.Context, ref string) error
}
