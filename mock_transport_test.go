package gotransfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var errFakeConnClosed = fmt.Errorf("write tcp 127.0.0.1:21: %w", net.ErrClosed)

// fakeServer is an in-memory remote shared by every session dialed from it.
type fakeServer struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	home  string

	checksumSupported bool
	sizeUnsupported   bool
	checksumOverride  map[string]string

	// streamDelay stalls Retrieve and Store before they complete.
	streamDelay time.Duration

	// failures holds injected errors per operation, consumed one per call.
	failures map[string][]error
	calls    map[string]int
	dialErrs []error

	sessions []*fakeTransport

	dials      atomic.Int32
	closes     atomic.Int32
	keepAlives atomic.Int32
	active     atomic.Int32
	maxActive  atomic.Int32
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		files:             map[string][]byte{},
		dirs:              map[string]bool{"/": true, "/home": true},
		home:              "/home",
		checksumSupported: true,
		checksumOverride:  map[string]string{},
		failures:          map[string][]error{},
		calls:             map[string]int{},
	}
}

func (s *fakeServer) putFile(p string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = path.Clean(p)
	for d := path.Dir(p); ; d = path.Dir(d) {
		s.dirs[d] = true
		if d == "/" {
			break
		}
	}
	s.files[p] = append([]byte(nil), content...)
}

func (s *fakeServer) putDir(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for d := path.Clean(p); ; d = path.Dir(d) {
		s.dirs[d] = true
		if d == "/" {
			break
		}
	}
}

func (s *fakeServer) file(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[path.Clean(p)]
	return b, ok
}

func (s *fakeServer) hasDir(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirs[path.Clean(p)]
}

// failNext makes the next len(errs) calls of op fail with errs in order.
func (s *fakeServer) failNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

func (s *fakeServer) failDial(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErrs = append(s.dialErrs, errs...)
}

func (s *fakeServer) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter records a call of op and returns the injected failure, if any.
func (s *fakeServer) enter(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if q := s.failures[op]; len(q) > 0 {
		s.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (s *fakeServer) Dial(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.dials.Add(1)
	s.mu.Lock()
	if len(s.dialErrs) > 0 {
		err := s.dialErrs[0]
		s.dialErrs = s.dialErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	t := &fakeTransport{srv: s, cwd: s.home, id: len(s.sessions) + 1}
	s.sessions = append(s.sessions, t)
	s.mu.Unlock()
	return t, nil
}

func (s *fakeServer) session(i int) *fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[i]
}

func notFound(op, p string) error {
	return &RemoteError{Code: CodeFileNotFound, Op: op, Path: p, Err: errors.New("no such file or directory")}
}

// fakeTransport is one session against a fakeServer.
type fakeTransport struct {
	srv    *fakeServer
	id     int
	cwd    string
	closed atomic.Bool

	probeErr error
}

var _ Transport = (*fakeTransport)(nil)

func (t *fakeTransport) resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(t.cwd, p)
}

func (t *fakeTransport) enter(op string) error {
	if t.closed.Load() {
		return errFakeConnClosed
	}
	return t.srv.enter(op)
}

func (t *fakeTransport) Probe() error {
	if err := t.enter("Probe"); err != nil {
		return err
	}
	return t.probeErr
}

func (t *fakeTransport) KeepAlive() error {
	t.srv.keepAlives.Add(1)
	return nil
}

func (t *fakeTransport) Retrieve(p string, w io.Writer) error {
	if err := t.enter("Retrieve"); err != nil {
		return err
	}
	t.srv.trackActive(1)
	defer t.srv.trackActive(-1)

	content, ok := t.srv.file(t.resolve(p))
	if !ok {
		return notFound("retr", p)
	}
	// Write in small chunks so progress sees several updates.
	for r := bytes.NewReader(content); r.Len() > 0; {
		chunk := make([]byte, min(4, r.Len()))
		_, _ = r.Read(chunk)
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	time.Sleep(t.srv.streamDelay)
	return nil
}

func (t *fakeTransport) Store(p string, r io.Reader) error {
	if err := t.enter("Store"); err != nil {
		return err
	}
	t.srv.trackActive(1)
	defer t.srv.trackActive(-1)

	target := t.resolve(p)
	if !t.srv.hasDir(path.Dir(target)) {
		return notFound("stor", p)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	time.Sleep(t.srv.streamDelay)
	t.srv.mu.Lock()
	t.srv.files[target] = content
	t.srv.mu.Unlock()
	return nil
}

func (s *fakeServer) trackActive(delta int32) {
	n := s.active.Add(delta)
	for {
		m := s.maxActive.Load()
		if n <= m || s.maxActive.CompareAndSwap(m, n) {
			return
		}
	}
}

func (t *fakeTransport) Size(p string) (int64, error) {
	if err := t.enter("Size"); err != nil {
		return 0, err
	}
	if t.srv.sizeUnsupported {
		return 0, &RemoteError{Code: 502, Op: "size", Path: p, Err: errors.New("command not implemented")}
	}
	content, ok := t.srv.file(t.resolve(p))
	if !ok {
		return 0, notFound("size", p)
	}
	return int64(len(content)), nil
}

func (t *fakeTransport) List(dir string) ([]string, error) {
	if err := t.enter("List"); err != nil {
		return nil, err
	}
	target := t.resolve(dir)
	t.srv.mu.Lock()
	defer t.srv.mu.Unlock()
	if !t.srv.dirs[target] {
		return nil, notFound("nlst", dir)
	}
	var names []string
	for f := range t.srv.files {
		if path.Dir(f) == target {
			names = append(names, path.Join(dir, path.Base(f)))
		}
	}
	for d := range t.srv.dirs {
		if d != target && path.Dir(d) == target {
			names = append(names, path.Join(dir, path.Base(d)))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (t *fakeTransport) ChangeDir(dir string) error {
	if err := t.enter("ChangeDir"); err != nil {
		return err
	}
	target := t.resolve(dir)
	if !t.srv.hasDir(target) {
		return notFound("cwd", dir)
	}
	t.cwd = target
	return nil
}

func (t *fakeTransport) CurrentDir() (string, error) {
	if err := t.enter("CurrentDir"); err != nil {
		return "", err
	}
	return t.cwd, nil
}

func (t *fakeTransport) MakeDir(dir string) error {
	if err := t.enter("MakeDir"); err != nil {
		return err
	}
	target := t.resolve(dir)
	t.srv.mu.Lock()
	defer t.srv.mu.Unlock()
	if t.srv.dirs[target] || !t.srv.dirs[path.Dir(target)] {
		return notFound("mkd", dir)
	}
	t.srv.dirs[target] = true
	return nil
}

func (t *fakeTransport) RemoveDir(dir string) error {
	if err := t.enter("RemoveDir"); err != nil {
		return err
	}
	target := t.resolve(dir)
	t.srv.mu.Lock()
	defer t.srv.mu.Unlock()
	if !t.srv.dirs[target] {
		return notFound("rmd", dir)
	}
	for f := range t.srv.files {
		if strings.HasPrefix(f, target+"/") {
			return notFound("rmd", dir)
		}
	}
	delete(t.srv.dirs, target)
	return nil
}

func (t *fakeTransport) Delete(p string) error {
	if err := t.enter("Delete"); err != nil {
		return err
	}
	target := t.resolve(p)
	t.srv.mu.Lock()
	defer t.srv.mu.Unlock()
	if _, ok := t.srv.files[target]; !ok {
		return notFound("dele", p)
	}
	delete(t.srv.files, target)
	return nil
}

func (t *fakeTransport) Rename(from, to string) error {
	if err := t.enter("Rename"); err != nil {
		return err
	}
	src, dst := t.resolve(from), t.resolve(to)
	t.srv.mu.Lock()
	defer t.srv.mu.Unlock()
	content, ok := t.srv.files[src]
	if !ok || !t.srv.dirs[path.Dir(dst)] {
		return notFound("rename", from)
	}
	delete(t.srv.files, src)
	t.srv.files[dst] = content
	return nil
}

func (t *fakeTransport) Checksum(p string, algo ChecksumAlgorithm) (string, error) {
	if err := t.enter("Checksum"); err != nil {
		return "", err
	}
	if !t.srv.checksumSupported {
		return "", ErrChecksumUnsupported
	}
	target := t.resolve(p)
	if d, ok := t.srv.checksumOverride[target]; ok {
		return d, nil
	}
	content, ok := t.srv.file(target)
	if !ok {
		return "", notFound("hash", p)
	}
	if algo != ChecksumMD5 {
		return "", ErrChecksumUnsupported
	}
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:]), nil
}

func (t *fakeTransport) Close() error {
	if t.closed.Swap(true) {
		return errFakeConnClosed
	}
	t.srv.closes.Add(1)
	return nil
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
