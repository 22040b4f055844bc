package harvest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"sync"
	"time"
)

type reply struct {
	status int
	body   string
	err    error
}

// scriptedClient answers each URL from a script. The last reply repeats once
// the script runs out; unknown URLs answer 404.
type scriptedClient struct {
	mu      sync.Mutex
	scripts map[string][]reply
	calls   map[string]int
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{scripts: make(map[string][]reply), calls: make(map[string]int)}
}

func (c *scriptedClient) on(url string, replies ...reply) *scriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[url] = replies
	return c
}

func (c *scriptedClient) callsTo(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[url]
}

func (c *scriptedClient) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func (c *scriptedClient) next(url string) reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.calls[url]
	c.calls[url]++
	script := c.scripts[url]
	if len(script) == 0 {
		return reply{status: 404}
	}
	if idx >= len(script) {
		idx = len(script) - 1
	}
	return script[idx]
}

func (c *scriptedClient) Get(ctx context.Context, url string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := c.next(url)
	if r.err != nil {
		return nil, r.err
	}
	return &Response{URL: url, StatusCode: r.status, Body: []byte(r.body)}, nil
}

// Stream writes the body before returning a scripted error, imitating a
// connection dropped mid-body.
func (c *scriptedClient) Stream(ctx context.Context, url string, w io.Writer) (int, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	r := c.next(url)
	if r.status != 0 && (r.status < 200 || r.status > 299) {
		return r.status, 0, nil
	}
	n, err := io.WriteString(w, r.body)
	if err != nil {
		return r.status, int64(n), err
	}
	if r.err != nil {
		return r.status, int64(n), r.err
	}
	return r.status, int64(n), nil
}

// fakeExtractor keys its answers on the whole document body.
type fakeExtractor struct {
	pagers map[string][]Link
	items  map[string][]Link
	about  map[string]string
}

func (e *fakeExtractor) PaginationLinks(html []byte) ([]Link, bool, error) {
	links, ok := e.pagers[string(html)]
	return links, ok, nil
}

func (e *fakeExtractor) ItemLinks(html []byte) ([]Link, bool, error) {
	links, ok := e.items[string(html)]
	return links, ok, nil
}

func (e *fakeExtractor) AboutExcerpt(html []byte) (string, bool, error) {
	text, ok := e.about[string(html)]
	return text, ok, nil
}

type bufferWriter struct {
	bytes.Buffer
	resets int
}

func (b *bufferWriter) Reset() error {
	b.Buffer.Reset()
	b.resets++
	return nil
}

// memFS is an in-memory FileSystem with commit failure injection.
type memFS struct {
	mu         sync.Mutex
	dirs       map[string]bool
	files      map[string][]byte
	staged     int
	failCommit map[string]error
}

func newMemFS() *memFS {
	return &memFS{
		dirs:       make(map[string]bool),
		files:      make(map[string][]byte),
		failCommit: make(map[string]error),
	}
}

func (m *memFS) Exists(path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, file := m.files[path]
	return m.dirs[path] || file, nil
}

func (m *memFS) CreateDirExclusive(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirs[path] {
		return &fs.PathError{Op: "mkdir", Path: path, Err: fs.ErrExist}
	}
	m.dirs[path] = true
	return nil
}

func (m *memFS) Stage(dir, name string) (StagedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[dir] {
		return nil, &fs.PathError{Op: "stage", Path: dir, Err: fs.ErrNotExist}
	}
	m.staged++
	return &memStaged{fs: m, name: name, path: filepath.Join(dir, name)}, nil
}

func (m *memFS) Open(path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memFS) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
	return nil
}

func (m *memFS) file(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	return string(data), ok
}

func (m *memFS) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.staged
}

type memStaged struct {
	fs     *memFS
	name   string
	path   string
	buf    bytes.Buffer
	closed bool
}

func (s *memStaged) Write(p []byte) (int, error) { return s.buf.Write(p) }

func (s *memStaged) Reset() error {
	s.buf.Reset()
	return nil
}

func (s *memStaged) Commit() error {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	if s.closed {
		return errors.New("already closed")
	}
	s.closed = true
	s.fs.staged--
	if err := s.fs.failCommit[s.name]; err != nil {
		return err
	}
	s.fs.files[s.path] = append([]byte(nil), s.buf.Bytes()...)
	return nil
}

func (s *memStaged) Discard() error {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.fs.staged--
	return nil
}

func (s *memStaged) Path() string { return s.path }

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }
