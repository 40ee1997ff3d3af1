package gotransfer

import (
	"io"
	"net"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// mockFileInfo implements os.FileInfo for testing.
type mockFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) Mode() os.FileMode  { return m.mode }
func (m *mockFileInfo) ModTime() time.Time { return m.modTime }
func (m *mockFileInfo) IsDir() bool        { return m.isDir }
func (m *mockFileInfo) Sys() any           { return nil }

// MockSFTPFile implements SFTPFile for testing.
type MockSFTPFile struct {
	content    []byte
	readOffset int
	closed     bool
	onClose    func([]byte)
}

// NewMockSFTPFile creates a new mock SFTP file with the given content.
func NewMockSFTPFile(content []byte) *MockSFTPFile {
	return &MockSFTPFile{content: content}
}

func (f *MockSFTPFile) Read(p []byte) (n int, err error) {
	if f.readOffset >= len(f.content) {
		return 0, io.EOF
	}
	n = copy(p, f.content[f.readOffset:])
	f.readOffset += n
	return n, nil
}

func (f *MockSFTPFile) Write(p []byte) (n int, err error) {
	f.content = append(f.content, p...)
	return len(p), nil
}

func (f *MockSFTPFile) Close() error {
	f.closed = true
	if f.onClose != nil {
		f.onClose(f.content)
	}
	return nil
}

// MockSFTPClient implements SFTPClientInterface over an in-memory tree.
type MockSFTPClient struct {
	mu     sync.Mutex
	files  map[string][]byte
	dirs   map[string]bool
	errors map[string]error
	wd     string
	closed bool
}

// NewMockSFTPClient creates a new mock SFTP client whose login directory is /home/user.
func NewMockSFTPClient() *MockSFTPClient {
	return &MockSFTPClient{
		files:  make(map[string][]byte),
		dirs:   map[string]bool{"/": true, "/home": true, "/home/user": true},
		errors: make(map[string]error),
		wd:     "/home/user",
	}
}

// Ensure MockSFTPClient implements SFTPClientInterface.
var _ SFTPClientInterface = (*MockSFTPClient)(nil)

// SetError sets an error to be returned for a specific method.
func (m *MockSFTPClient) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// SetFile sets a file in the mock SFTP client, creating its parents.
func (m *MockSFTPClient) SetFile(p string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for d := path.Dir(p); d != "/"; d = path.Dir(d) {
		m.dirs[d] = true
	}
	m.files[p] = content
}

func (m *MockSFTPClient) File(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[p]
	return b, ok
}

func (m *MockSFTPClient) err(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[method]
}

func (m *MockSFTPClient) Open(p string) (SFTPFile, error) {
	if err := m.err("Open"); err != nil {
		return nil, err
	}
	data, ok := m.File(p)
	if !ok {
		return nil, os.ErrNotExist
	}
	return NewMockSFTPFile(data), nil
}

func (m *MockSFTPClient) Create(p string) (SFTPFile, error) {
	if err := m.err("Create"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	parent := m.dirs[path.Dir(p)]
	m.mu.Unlock()
	if !parent {
		return nil, os.ErrNotExist
	}
	f := NewMockSFTPFile(nil)
	f.onClose = func(b []byte) { m.SetFile(p, b) }
	return f, nil
}

func (m *MockSFTPClient) Remove(p string) error {
	if err := m.err("Remove"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; !ok {
		return os.ErrNotExist
	}
	delete(m.files, p)
	return nil
}

func (m *MockSFTPClient) RemoveDirectory(p string) error {
	if err := m.err("RemoveDirectory"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[p] {
		return os.ErrNotExist
	}
	delete(m.dirs, p)
	return nil
}

func (m *MockSFTPClient) Stat(p string) (os.FileInfo, error) {
	if err := m.err("Stat"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirs[p] {
		return &mockFileInfo{name: path.Base(p), mode: os.ModeDir | 0o755, isDir: true}, nil
	}
	data, ok := m.files[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &mockFileInfo{
		name:    path.Base(p),
		size:    int64(len(data)),
		mode:    0o644,
		modTime: time.Now(),
	}, nil
}

func (m *MockSFTPClient) Mkdir(p string) error {
	if err := m.err("Mkdir"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[path.Dir(p)] {
		return os.ErrNotExist
	}
	m.dirs[p] = true
	return nil
}

func (m *MockSFTPClient) Rename(oldname, newname string) error {
	if err := m.err("Rename"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[oldname]
	if !ok {
		return os.ErrNotExist
	}
	delete(m.files, oldname)
	m.files[newname] = data
	return nil
}

func (m *MockSFTPClient) ReadDir(p string) ([]os.FileInfo, error) {
	if err := m.err("ReadDir"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[p] {
		return nil, os.ErrNotExist
	}
	var out []os.FileInfo
	for f, data := range m.files {
		if path.Dir(f) == p {
			out = append(out, &mockFileInfo{name: path.Base(f), size: int64(len(data))})
		}
	}
	for d := range m.dirs {
		if d != p && path.Dir(d) == p {
			out = append(out, &mockFileInfo{name: path.Base(d), isDir: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (m *MockSFTPClient) Getwd() (string, error) {
	if err := m.err("Getwd"); err != nil {
		return "", err
	}
	return m.wd, nil
}

func (m *MockSFTPClient) Close() error {
	if err := m.err("Close"); err != nil {
		return err
	}
	m.closed = true
	return nil
}

// mockSSHConn records requests and answers remote commands from a table.
type mockSSHConn struct {
	mu       sync.Mutex
	requests []string
	commands []string
	outputs  map[string]string
	outErr   error
	reqErr   error
	closed   bool

	// deadlines records every SetDeadline call; raw, if set, receives them too.
	deadlines []time.Time
	raw       net.Conn
}

var _ SSHConn = (*mockSSHConn)(nil)

func newMockSSHConn() *mockSSHConn {
	return &mockSSHConn{outputs: map[string]string{}}
}

func (c *mockSSHConn) SendRequest(name string, _ bool, _ []byte) (bool, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, name)
	return c.reqErr == nil, nil, c.reqErr
}

func (c *mockSSHConn) Output(cmd string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)
	if c.outErr != nil {
		return nil, c.outErr
	}
	tool, _, _ := strings.Cut(cmd, " ")
	out, ok := c.outputs[tool]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return []byte(out), nil
}

func (c *mockSSHConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadlines = append(c.deadlines, t)
	raw := c.raw
	c.mu.Unlock()
	if raw != nil {
		return raw.SetDeadline(t)
	}
	return nil
}

func (c *mockSSHConn) Deadlines() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.deadlines...)
}

func (c *mockSSHConn) Close() error {
	c.closed = true
	return nil
}
