// Package storage defines the object storage gateway used by the upload
// orchestrator. Clients write chunk bytes directly to storage through
// presigned part URLs; the service only issues URLs, composes parts and
// cleans up.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrObjectNotFound is returned when an object or part does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ErrPartMismatch is returned by ComposeParts when a stored part does not
// carry the completion token the client reported for it.
var ErrPartMismatch = errors.New("part does not match reported etag")

// PartError attributes a ComposeParts failure to one part.
type PartError struct {
	Number int
	Err    error
}

func (e *PartError) Error() string {
	return fmt.Sprintf("part %d: %v", e.Number, e.Err)
}

func (e *PartError) Unwrap() error {
	return e.Err
}

// PresignedURL is a time-limited URL for a single object operation.
type PresignedURL struct {
	URL       string
	Method    string
	ExpiresAt time.Time
}

// PartRef identifies one uploaded part in composition order.
type PartRef struct {
	Number int
	Key    string
	ETag   string
}

// Gateway is the object storage facade.
// Implementations must be safe for concurrent use.
type Gateway interface {
	// IssuePartUploadURL returns a URL the client PUTs one chunk to.
	IssuePartUploadURL(ctx context.Context, bucket, key string, partNumber int, ttl time.Duration) (*PresignedURL, error)

	// IssueDownloadURL returns a URL for reading a composed object.
	IssueDownloadURL(ctx context.Context, bucket, key string, ttl time.Duration) (*PresignedURL, error)

	// ComposeParts assembles parts, in the given order, into bucket/key.
	// Nothing is written at key when an error is returned. A missing or
	// mismatched part is reported as a *PartError.
	ComposeParts(ctx context.Context, bucket, key string, parts []PartRef) error

	// DeleteObject removes an object. Deleting a missing object is not an error.
	DeleteObject(ctx context.Context, bucket, key string) error

	// Exists reports whether an object is present.
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// IsNotFound reports whether err means the object is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}
