package gotransfer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	gossh "golang.org/x/crypto/ssh"
)

// generateTestRSAKey creates a test RSA private key and returns both PEM-encoded
// key content and a path to a temp file containing the key.
func generateTestRSAKey(t *testing.T) (string, string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	privateKeyPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}))

	keyPath := filepath.Join(t.TempDir(), "test_key")
	if err := os.WriteFile(keyPath, []byte(privateKeyPEM), 0600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}

	return privateKeyPEM, keyPath
}

// generateTestPublicKey derives the authorized_keys line for a PEM private key.
func generateTestPublicKey(t *testing.T, privateKeyPEM string) string {
	t.Helper()

	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		t.Fatal("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		t.Fatalf("failed to parse private key: %v", err)
	}

	publicKey, err := gossh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("failed to create SSH public key: %v", err)
	}

	return string(gossh.MarshalAuthorizedKey(publicKey))
}

// newTestConfig returns a config with millisecond retry delays and no
// console output, suitable for a fake dialer.
func newTestConfig(fs billy.Filesystem) Config {
	return Config{
		Host:              "ftp.test",
		User:              "tester",
		Password:          "secret",
		MaxConnections:    3,
		ConnectAttempts:   2,
		ConnectRetryDelay: time.Millisecond,
		RetryAttempts:     3,
		RetryInitialDelay: time.Millisecond,
		RetryMaxDelay:     5 * time.Millisecond,
		KeepAliveInterval: time.Hour,
		Logger:            NopLogger{},
		LocalFS:           fs,
		DisableProgress:   true,
	}
}

// newTestClient returns a client over srv with an in-memory local filesystem.
func newTestClient(t *testing.T, srv *fakeServer, customize ...func(*Config)) (*Client, billy.Filesystem) {
	t.Helper()

	fs := memfs.New()
	cfg := newTestConfig(fs)
	for _, fn := range customize {
		fn(&cfg)
	}

	client, err := NewWithDialer(cfg, srv)
	if err != nil {
		t.Fatalf("NewWithDialer() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, fs
}

// writeLocal creates a file on fs, including parent directories.
func writeLocal(t *testing.T, fs billy.Filesystem, name string, content []byte) {
	t.Helper()

	if err := util.WriteFile(fs, name, content, 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

// assertLocalContents verifies that a local file has the expected content.
func assertLocalContents(t *testing.T, fs billy.Filesystem, name string, expected []byte) {
	t.Helper()

	content, err := util.ReadFile(fs, name)
	if err != nil {
		t.Errorf("failed to read file %s: %v", name, err)
		return
	}

	if string(content) != string(expected) {
		t.Errorf("file content mismatch:\nexpected: %q\ngot: %q", string(expected), string(content))
	}
}

// assertLocalNotExists verifies that a local file does not exist.
func assertLocalNotExists(t *testing.T, fs billy.Filesystem, name string) {
	t.Helper()

	if _, err := fs.Stat(name); err == nil {
		t.Errorf("expected file to not exist: %s", name)
	}
}

// recordingLogger keeps every message for assertions.
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) add(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+" "+fmt.Sprintf(format, args...))
}

func (l *recordingLogger) Debugf(format string, args ...interface{}) { l.add("DEBUG", format, args...) }
func (l *recordingLogger) Infof(format string, args ...interface{})  { l.add("INFO", format, args...) }
func (l *recordingLogger) Warnf(format string, args ...interface{})  { l.add("WARN", format, args...) }
func (l *recordingLogger) Errorf(format string, args ...interface{}) { l.add("ERROR", format, args...) }

func (l *recordingLogger) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// progressRecorder collects every progress callback.
type progressRecorder struct {
	mu     sync.Mutex
	values []int64
	totals []int64
}

func (p *progressRecorder) Progress(transferred, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, transferred)
	p.totals = append(p.totals, total)
}

func (p *progressRecorder) Values() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.values...)
}
