package harvest

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Persisted file names inside every item directory.
const (
	AboutFileName  = "about.txt"
	ResultFileName = "result.txt"
)

// Job is the immutable description of one harvest run.
type Job struct {
	// ID uniquely identifies the run in logs, ledger rows and notifications.
	ID string
	// RootPath is the directory that receives one sub-directory per item.
	RootPath string
	// SiteBase is the absolute site URL item and page links resolve against.
	SiteBase string
	// Tag selects the catalog slice to harvest.
	Tag string
	// TagPath is a path template under SiteBase with one %s verb for the tag.
	TagPath string
	// PageParam names the query parameter used when the pager elides a page.
	PageParam string
	// MetadataSuffix and PayloadSuffix derive resource URLs from an item base URL.
	MetadataSuffix string
	PayloadSuffix  string
	// MaxConcurrency caps simultaneous network requests.
	MaxConcurrency int
}

// Validate checks the fields the pipeline cannot run without.
func (j Job) Validate() error {
	if strings.TrimSpace(j.RootPath) == "" {
		return fmt.Errorf("job root path is required")
	}
	if strings.TrimSpace(j.Tag) == "" {
		return fmt.Errorf("job tag is required")
	}
	base, err := url.Parse(j.SiteBase)
	if err != nil {
		return fmt.Errorf("parse site base: %w", err)
	}
	if !base.IsAbs() || base.Host == "" {
		return fmt.Errorf("site base %q must be an absolute URL", j.SiteBase)
	}
	if j.MaxConcurrency <= 0 {
		return fmt.Errorf("max concurrency must be > 0")
	}
	return nil
}

// TagURL returns the first index page of the job's tag.
func (j Job) TagURL() (string, error) {
	tagPath := j.TagPath
	if tagPath == "" {
		tagPath = "you/tags/%s/"
	}
	ref := tagPath
	if strings.Contains(tagPath, "%s") {
		ref = fmt.Sprintf(tagPath, url.PathEscape(j.Tag))
	}
	return ResolveURL(j.SiteBase, ref)
}

// IndexPage is one page of the paginated catalog.
type IndexPage struct {
	Number int
	URL    string
}

// ItemReference is a discovered (name, base URL) pair.
type ItemReference struct {
	Name    string
	BaseURL string
}

// ItemStatus is the completion state of an ItemRecord.
type ItemStatus string

// Item status values.
const (
	StatusPending   ItemStatus = "pending"
	StatusSucceeded ItemStatus = "succeeded"
	StatusFailed    ItemStatus = "failed"
)

// ItemRecord is the outcome of harvesting one ItemReference.
type ItemRecord struct {
	Ref           ItemReference
	Dir           string
	MetadataURL   string
	PayloadURL    string
	Description   string
	PayloadBytes  int64
	PayloadSHA256 string
	Status        ItemStatus
	Kind          Kind
	Err           error
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Succeeded reports whether both files were committed.
func (r ItemRecord) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// Response is a buffered HTTP response.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte

	textOnce sync.Once
	text     string
}

// Text returns the body decoded as a string. The conversion happens once.
func (r *Response) Text() string {
	r.textOnce.Do(func() {
		r.text = string(r.Body)
	})
	return r.text
}

// Link is an anchor label with its raw href.
type Link struct {
	Label string
	Href  string
}

// ResolveURL resolves ref against base the way browsers resolve hrefs.
func ResolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url %q: %w", base, err)
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

// DirName maps an item name to a single safe path element.
func DirName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, name)
	switch name {
	case "", ".", "..":
		return "_" + name
	}
	return name
}
