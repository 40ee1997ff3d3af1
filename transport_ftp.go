package gotransfer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/gonzalop/ftp"
)

// FTPDialer opens FTP and FTPS sessions.
type FTPDialer struct {
	Config Config
}

var _ Dialer = (*FTPDialer)(nil)

// NewFTPDialer returns a dialer for cfg with defaults applied.
func NewFTPDialer(cfg Config) *FTPDialer {
	return &FTPDialer{Config: cfg.WithDefaults()}
}

// Dial connects, negotiates TLS if configured and logs in.
func (d *FTPDialer) Dial(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dial cancelled: %w", err)
	}
	cfg := d.Config
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	opts := []ftp.Option{ftp.WithTimeout(cfg.Timeout)}
	if tlsConfig := ftpTLSConfig(cfg); tlsConfig != nil {
		if cfg.ImplicitTLS {
			opts = append(opts, ftp.WithImplicitTLS(tlsConfig))
		} else {
			opts = append(opts, ftp.WithExplicitTLS(tlsConfig))
		}
	}
	if cfg.IdleTimeout > 0 {
		opts = append(opts, ftp.WithIdleTimeout(cfg.IdleTimeout))
	}
	if cfg.ProtocolLogger != nil {
		opts = append(opts, ftp.WithLogger(cfg.ProtocolLogger))
	}

	c, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	user, pass := cfg.User, cfg.Password
	if user == "" {
		user, pass = "anonymous", "anonymous"
	}
	if err := c.Login(user, pass); err != nil {
		_ = c.Quit()
		err = fmt.Errorf("login as %s failed: %w", user, ftpError("login", "", err))
		var re *RemoteError
		if errors.As(err, &re) && re.Code == CodeNotLoggedIn {
			// Retrying rejected credentials only risks locking the account.
			err = Permanent(err)
		}
		return nil, err
	}

	t := &ftpTransport{client: c}
	if _, err := c.Features(); err == nil {
		t.hashSupported = c.HasFeature("HASH")
	}
	return t, nil
}

func ftpTLSConfig(cfg Config) *tls.Config {
	if cfg.TLSConfig != nil {
		return cfg.TLSConfig
	}
	if !cfg.UseTLS && !cfg.ImplicitTLS {
		return nil
	}
	return &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for test servers
	}
}

// ftpTransport serializes commands on the control connection. KeepAlive
// yields to an in-flight command instead of interleaving with it.
type ftpTransport struct {
	mu            sync.Mutex
	client        *ftp.Client
	hashSupported bool
	hashAlgo      ChecksumAlgorithm
}

var _ Transport = (*ftpTransport)(nil)

func (t *ftpTransport) Probe() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ftpError("noop", "", t.client.Noop())
}

func (t *ftpTransport) KeepAlive() error {
	if !t.mu.TryLock() {
		return nil
	}
	defer t.mu.Unlock()
	return ftpError("noop", "", t.client.Noop())
}

func (t *ftpTransport) Retrieve(path string, w io.Writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ftpError("retr", path, t.client.Retrieve(path, w))
}

func (t *ftpTransport) Store(path string, r io.Reader) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ftpError("stor", path, t.client.Store(path, r))
}

func (t *ftpTransport) Size(path string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	size, err := t.client.Size(path)
	if err != nil {
		return 0, ftpError("size", path, err)
	}
	return int64(size), nil
}

func (t *ftpTransport) List(dir string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	names, err := t.client.NameList(dir)
	if err != nil {
		return nil, ftpError("nlst", dir, err)
	}
	return names, nil
}

func (t *ftpTransport) ChangeDir(dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ftpError("cwd", dir, t.client.ChangeDir(dir))
}

func (t *ftpTransport) CurrentDir() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dir, err := t.client.CurrentDir()
	if err != nil {
		return "", ftpError("pwd", "", err)
	}
	return dir, nil
}

func (t *ftpTransport) MakeDir(dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ftpError("mkd", dir, t.client.MakeDir(dir))
}

func (t *ftpTransport) RemoveDir(dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ftpError("rmd", dir, t.client.RemoveDir(dir))
}

func (t *ftpTransport) Delete(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ftpError("dele", path, t.client.Delete(path))
}

func (t *ftpTransport) Rename(from, to string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ftpError("rename", from, t.client.Rename(from, to))
}

// Checksum uses the HASH command. Servers without it report
// ErrChecksumUnsupported so the caller can fall back to downloading.
func (t *ftpTransport) Checksum(path string, algo ChecksumAlgorithm) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hashSupported {
		return "", ErrChecksumUnsupported
	}
	if t.hashAlgo != algo {
		if err := t.client.SetHashAlgo(string(algo)); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrChecksumUnsupported, algo, err)
		}
		t.hashAlgo = algo
	}
	reply, err := t.client.Hash(path)
	if err != nil {
		return "", ftpError("hash", path, err)
	}
	return parseDigest(reply, algo)
}

func (t *ftpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client.Quit()
}

// ftpError converts a protocol reply into a RemoteError and leaves network
// errors untouched.
func ftpError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ftp.ProtocolError
	if errors.As(err, &pe) {
		return &RemoteError{Code: pe.Code, Op: op, Path: path, Err: err}
	}
	return err
}
