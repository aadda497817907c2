// Package fetch defines the seam to the external content-fetch
// capability: given a resource identifier and a resume cursor, it
// streams chunks and reports where the next attempt should pick up.
package fetch

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds
const (
	KindTransient = "transient"
	KindPermanent = "permanent"
)

// Error classifies a fetch failure so the lifecycle manager can decide
// between retry-with-backoff and immediate terminal failure.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s fetch error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps a recoverable failure (network timeout, flaky I/O).
func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent wraps an unrecoverable failure (invalid resource, rejection).
func Permanent(err error) error {
	return &Error{Kind: KindPermanent, Err: err}
}

// IsPermanent reports whether err is a permanent fetch failure.
func IsPermanent(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindPermanent
}

// Kind returns the failure classification, defaulting to transient for
// errors the capability did not classify.
func Kind(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// Chunk is one slice of fetched content. Cursor marks the position
// after the chunk; handing it back to Fetch resumes from there.
type Chunk struct {
	Data   []byte
	Cursor string
}

// Stream yields chunks until io.EOF.
type Stream interface {
	// Next returns the next chunk, or io.EOF when the resource is
	// fully transferred.
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// Fetcher is the external fetch capability. An empty cursor starts from
// the beginning of the resource.
type Fetcher interface {
	Fetch(ctx context.Context, resourceID, cursor string) (Stream, error)
}
