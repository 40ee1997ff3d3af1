package gotransfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// Client runs transfers and metadata commands against one server, drawing
// sessions from a SessionPool. It is safe for concurrent use.
type Client struct {
	cfg     Config
	pool    *SessionPool
	local   localFS
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// New creates a client for cfg. No connection is made until the first
// operation or an explicit Warm.
func New(cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var dialer Dialer
	switch cfg.Protocol {
	case ProtocolSFTP:
		dialer = &SFTPDialer{Config: cfg}
	default:
		dialer = &FTPDialer{Config: cfg}
	}
	return NewWithDialer(cfg, dialer)
}

// NewWithDialer creates a client that opens sessions through dialer instead
// of the protocol dialer selected by cfg.Protocol.
func NewWithDialer(cfg Config, dialer Dialer) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		return nil, fmt.Errorf("%w: nil dialer", ErrInvalidArgument)
	}

	local := localFS{fs: newSyncFS(cfg.LocalFS)}
	if cfg.LocalFS == nil {
		local = localFS{fs: newSyncFS(osfs.New("/")), abs: true}
	}

	return &Client{
		cfg: cfg,
		pool: NewSessionPool(dialer, PoolConfig{
			Capacity:      cfg.MaxConnections,
			ConnectPolicy: cfg.connectPolicy(),
			Logger:        cfg.Logger,
			Metrics:       cfg.Metrics,
		}),
		local:   local,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}, nil
}

// Pool exposes the underlying session pool.
func (c *Client) Pool() *SessionPool { return c.pool }

// Warm pre-opens up to n sessions.
func (c *Client) Warm(ctx context.Context, n int) error { return c.pool.Warm(ctx, n) }

// Close closes every idle session and refuses further operations. Sessions
// still checked out are closed when they are released.
func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

// Hold checks a session out of the pool and pins every operation on the
// returned handle to it until Release.
func (c *Client) Hold(ctx context.Context) (*HeldSession, error) {
	s, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &HeldSession{c: c, s: s}, nil
}

// sessionSource supplies the session for one attempt of an operation and
// takes it back afterwards with the attempt's outcome.
type sessionSource interface {
	acquire(ctx context.Context) (*Session, error)
	release(s *Session, err error)
}

type pooledSource struct {
	pool *SessionPool
}

func (p pooledSource) acquire(ctx context.Context) (*Session, error) {
	return p.pool.Acquire(ctx)
}

func (p pooledSource) release(s *Session, err error) {
	p.pool.Release(s, !connectionBroken(err))
}

func (c *Client) pooled() sessionSource { return pooledSource{pool: c.pool} }

// HeldSession is a session checked out for a sequence of operations. Its
// working directory persists between calls. If the connection breaks, the
// next operation transparently continues on a fresh session from the pool.
//
// A HeldSession must not be used concurrently.
type HeldSession struct {
	c *Client

	mu       sync.Mutex
	s        *Session
	released bool
}

func (h *HeldSession) acquire(ctx context.Context) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, Permanent(fmt.Errorf("%w: held session already released", ErrInvalidArgument))
	}
	if h.s == nil {
		s, err := h.c.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		h.s = s
	}
	return h.s, nil
}

func (h *HeldSession) release(s *Session, err error) {
	if !connectionBroken(err) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.s == s {
		h.s = nil
	}
	h.c.pool.Release(s, false)
}

// ID identifies the current underlying session, or "" if none is held.
func (h *HeldSession) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.s == nil {
		return ""
	}
	return h.s.ID()
}

// Release returns the session to the pool after restoring its login
// directory. Further calls on h fail.
func (h *HeldSession) Release() {
	h.mu.Lock()
	s := h.s
	h.s = nil
	already := h.released
	h.released = true
	h.mu.Unlock()

	if already || s == nil {
		return
	}
	h.c.pool.Release(s, true)
}

// withSession runs fn under the operation retry policy, acquiring and
// releasing a session around every attempt. Errors are classified under kind
// unless they already carry a classification.
func withSession[T any](ctx context.Context, c *Client, src sessionSource, kind error, op, path string, fn func(*Session) (T, error)) (T, error) {
	v, err := RetryValue(ctx, c.cfg.operationPolicy(), op, func() (T, error) {
		s, err := src.acquire(ctx)
		if err != nil {
			var zero T
			return zero, err
		}
		v, err := fn(s)
		src.release(s, err)
		return v, err
	})
	return v, newError(kind, op, path, err)
}

func (c *Client) do(ctx context.Context, src sessionSource, kind error, op, path string, fn func(*Session) error) error {
	_, err := withSession(ctx, c, src, kind, op, path, func(s *Session) (struct{}, error) {
		return struct{}{}, fn(s)
	})
	return err
}

// syncFS serializes the filesystem-level calls of a billy.Filesystem.
// Batch workers share one filesystem, and implementations such as memfs keep
// their directory tree in an unguarded map. Reads and writes on opened files
// are left to the file itself.
type syncFS struct {
	billy.Filesystem
	mu *sync.Mutex
}

func newSyncFS(fs billy.Filesystem) billy.Filesystem {
	if fs == nil {
		return nil
	}
	if s, ok := fs.(syncFS); ok {
		return s
	}
	return syncFS{Filesystem: fs, mu: &sync.Mutex{}}
}

func (s syncFS) Create(p string) (billy.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Filesystem.Create(p)
}

func (s syncFS) Open(p string) (billy.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Filesystem.Open(p)
}

func (s syncFS) OpenFile(p string, flag int, perm os.FileMode) (billy.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Filesystem.OpenFile(p, flag, perm)
}

func (s syncFS) Stat(p string) (os.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Filesystem.Stat(p)
}

func (s syncFS) Lstat(p string) (os.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Filesystem.Lstat(p)
}

func (s syncFS) Rename(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Filesystem.Rename(from, to)
}

func (s syncFS) Remove(p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Filesystem.Remove(p)
}

func (s syncFS) TempFile(dir, prefix string) (billy.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Filesystem.TempFile(dir, prefix)
}

func (s syncFS) ReadDir(p string) ([]os.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Filesystem.ReadDir(p)
}

func (s syncFS) MkdirAll(p string, perm os.FileMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Filesystem.MkdirAll(p, perm)
}

func (s syncFS) Symlink(target, link string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Filesystem.Symlink(target, link)
}

func (s syncFS) Readlink(link string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Filesystem.Readlink(link)
}

// localFS resolves caller paths against the process working directory when
// backed by the host filesystem.
type localFS struct {
	fs  billy.Filesystem
	abs bool
}

func (l localFS) path(p string) string {
	if !l.abs {
		return p
	}
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return p
}

func (l localFS) Open(p string) (billy.File, error)       { return l.fs.Open(l.path(p)) }
func (l localFS) Create(p string) (billy.File, error)     { return l.fs.Create(l.path(p)) }
func (l localFS) Stat(p string) (os.FileInfo, error)      { return l.fs.Stat(l.path(p)) }
func (l localFS) Remove(p string) error                   { return l.fs.Remove(l.path(p)) }
func (l localFS) ReadDir(p string) ([]os.FileInfo, error) { return l.fs.ReadDir(l.path(p)) }
func (l localFS) Lstat(p string) (os.FileInfo, error)     { return l.fs.Lstat(l.path(p)) }

// TempFile creates a temporary file in dir. The returned name is valid for
// Open and Remove on the same localFS.
func (l localFS) TempFile(dir, prefix string) (billy.File, error) {
	return util.TempFile(l.fs, l.path(dir), prefix)
}

func (l localFS) removeQuietly(p string, logger Logger) {
	if err := l.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warnf("failed to remove %s: %v", p, err)
	}
}
