package harvest

import (
	"context"
	"io"
	"time"
)

// Client performs single HTTP GET attempts.
type Client interface {
	// Get buffers the whole response. Non-2xx responses are returned, not errors.
	Get(ctx context.Context, url string) (*Response, error)
	// Stream copies the body into w only when the status is 2xx and reports
	// the status code and the number of bytes written.
	Stream(ctx context.Context, url string, w io.Writer) (int, int64, error)
}

// ResourceFetcher resolves one logical request, retries included.
// RetryingFetcher is the production implementation.
type ResourceFetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
	Download(ctx context.Context, url string, dst ResettableWriter) (int64, error)
}

// Throttle delays requests to stay polite towards the remote site.
type Throttle interface {
	Wait(ctx context.Context, url string) error
}

// Extractor answers the three HTML queries the pipeline needs. The boolean
// result is false when the requested container is absent from the document.
type Extractor interface {
	PaginationLinks(html []byte) ([]Link, bool, error)
	ItemLinks(html []byte) ([]Link, bool, error)
	AboutExcerpt(html []byte) (string, bool, error)
}

// ResettableWriter is a download destination that can be rewound between
// retry attempts.
type ResettableWriter interface {
	io.Writer
	Reset() error
}

// StagedFile is written under a temporary name and made visible by Commit.
type StagedFile interface {
	ResettableWriter
	// Commit flushes, closes and renames the file to its final name.
	Commit() error
	// Discard closes and removes the temporary file. It is a no-op after Commit.
	Discard() error
	// Path is the final path the file is committed to.
	Path() string
}

// FileSystem is the storage capability used for the job root and item directories.
type FileSystem interface {
	Exists(path string) (bool, error)
	// CreateDirExclusive creates path and fails with fs.ErrExist if it is present.
	CreateDirExclusive(path string) error
	Stage(dir, name string) (StagedFile, error)
	Open(path string) (io.ReadCloser, error)
	Remove(path string) error
}

// Ledger durably records finalized items.
type Ledger interface {
	RecordItem(ctx context.Context, jobID string, record ItemRecord) error
}

// BlobStore mirrors committed item files.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes per-item completion notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
