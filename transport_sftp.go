package gotransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPClientInterface abstracts SFTP operations for testing.
type SFTPClientInterface interface {
	Open(path string) (SFTPFile, error)
	Create(path string) (SFTPFile, error)
	Remove(path string) error
	RemoveDirectory(path string) error
	Stat(path string) (os.FileInfo, error)
	Mkdir(path string) error
	Rename(oldname, newname string) error
	ReadDir(path string) ([]os.FileInfo, error)
	Getwd() (string, error)
	Close() error
}

// SFTPFile abstracts file operations for testing.
type SFTPFile interface {
	io.Reader
	io.Writer
	io.Closer
}

// SFTPClientWrapper wraps the real sftp.Client to implement SFTPClientInterface.
type SFTPClientWrapper struct {
	client *sftp.Client
}

var _ SFTPClientInterface = (*SFTPClientWrapper)(nil)

func (w *SFTPClientWrapper) Open(path string) (SFTPFile, error)         { return w.client.Open(path) }
func (w *SFTPClientWrapper) Create(path string) (SFTPFile, error)       { return w.client.Create(path) }
func (w *SFTPClientWrapper) Remove(path string) error                   { return w.client.Remove(path) }
func (w *SFTPClientWrapper) RemoveDirectory(path string) error          { return w.client.RemoveDirectory(path) }
func (w *SFTPClientWrapper) Stat(path string) (os.FileInfo, error)      { return w.client.Stat(path) }
func (w *SFTPClientWrapper) Mkdir(path string) error                    { return w.client.Mkdir(path) }
func (w *SFTPClientWrapper) Rename(oldname, newname string) error       { return w.client.Rename(oldname, newname) }
func (w *SFTPClientWrapper) ReadDir(path string) ([]os.FileInfo, error) { return w.client.ReadDir(path) }
func (w *SFTPClientWrapper) Getwd() (string, error)                     { return w.client.Getwd() }
func (w *SFTPClientWrapper) Close() error                               { return w.client.Close() }

// SSHConn is the part of an SSH connection used next to the SFTP subsystem:
// global keepalive requests, one-shot remote commands and I/O deadlines on
// the underlying network connection.
type SSHConn interface {
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Output(cmd string) ([]byte, error)
	SetDeadline(t time.Time) error
	Close() error
}

type sshConn struct {
	client  *ssh.Client
	bastion *ssh.Client // nil if no bastion host

	// raw is the TCP connection carrying the session: the target's own, or
	// the bastion's when tunneling.
	raw net.Conn
}

func (c *sshConn) SetDeadline(t time.Time) error {
	return c.raw.SetDeadline(t)
}

func (c *sshConn) SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	return c.client.SendRequest(name, wantReply, payload)
}

func (c *sshConn) Output(cmd string) ([]byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()
	return session.Output(cmd)
}

func (c *sshConn) Close() error {
	err := c.client.Close()
	if c.bastion != nil {
		c.bastion.Close()
	}
	return err
}

// SFTPDialer opens SFTP sessions over SSH, optionally through a bastion host.
type SFTPDialer struct {
	Config Config
}

var _ Dialer = (*SFTPDialer)(nil)

// NewSFTPDialer returns a dialer for cfg with defaults applied.
func NewSFTPDialer(cfg Config) *SFTPDialer {
	return &SFTPDialer{Config: cfg.WithDefaults()}
}

// Dial connects, authenticates and starts the SFTP subsystem.
func (d *SFTPDialer) Dial(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dial cancelled: %w", err)
	}
	config := d.Config

	authMethods, err := buildAuthMethods(config)
	if err != nil {
		return nil, Permanent(err)
	}

	if len(authMethods) == 0 {
		return nil, Permanent(fmt.Errorf("no SSH authentication method configured"))
	}

	hostKeyCallback, err := buildHostKeyCallback(config)
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to configure host key verification: %w", err))
	}

	sshConfig := &ssh.ClientConfig{
		User:            config.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.Timeout,
	}

	var sshClient *ssh.Client
	var bastionClient *ssh.Client
	var raw net.Conn

	targetAddr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))

	if config.BastionHost != "" {
		bastionClient, raw, err = connectToBastion(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to bastion host: %w", err)
		}

		conn, err := bastionClient.Dial("tcp", targetAddr)
		if err != nil {
			bastionClient.Close()
			return nil, fmt.Errorf("failed to dial target through bastion: %w", err)
		}

		// Tunneled channels have no deadlines; the bastion's TCP connection
		// bounds the handshake instead.
		sshClient, err = handshake(conn, raw, targetAddr, sshConfig, config.Timeout)
		if err != nil {
			bastionClient.Close()
			return nil, fmt.Errorf("failed to create SSH connection through bastion: %w", authError(err))
		}
	} else {
		raw, err = dialTCP(ctx, targetAddr, config.Timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", targetAddr, err)
		}
		sshClient, err = handshake(raw, raw, targetAddr, sshConfig, config.Timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", targetAddr, authError(err))
		}
	}

	conn := &sshConn{client: sshClient, bastion: bastionClient, raw: raw}

	rawSftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	t, err := newSFTPTransport(&SFTPClientWrapper{client: rawSftpClient}, conn, config.Timeout)
	if err != nil {
		rawSftpClient.Close()
		conn.Close()
		return nil, err
	}
	return t, nil
}

// NewSFTPTransport builds a Transport from an SFTP client and the SSH
// connection it runs on. conn may be nil, in which case keepalives fall back
// to getwd and remote checksums are unsupported. No I/O deadlines are set.
func NewSFTPTransport(client SFTPClientInterface, conn SSHConn) (Transport, error) {
	t, err := newSFTPTransport(client, conn, 0)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// newSFTPTransport bounds every command and every stalled chunk of a stream
// by timeout when conn is set. Zero disables deadlines.
func newSFTPTransport(client SFTPClientInterface, conn SSHConn, timeout time.Duration) (*sftpTransport, error) {
	t := &sftpTransport{client: client, conn: conn, timeout: timeout}
	home, err := bounded(t, func() (string, error) { return client.Getwd() })
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", sftpError("getwd", "", err))
	}
	t.cwd = home
	return t, nil
}

// sftpTransport emulates a working directory on top of SFTP's absolute paths.
type sftpTransport struct {
	client  SFTPClientInterface
	conn    SSHConn
	cwd     string
	timeout time.Duration
}

// arm sets the I/O deadline timeout from now.
func (t *sftpTransport) arm() {
	if t.conn != nil && t.timeout > 0 {
		_ = t.conn.SetDeadline(time.Now().Add(t.timeout))
	}
}

func (t *sftpTransport) disarm() {
	if t.conn != nil && t.timeout > 0 {
		_ = t.conn.SetDeadline(time.Time{})
	}
}

// bounded runs fn with the I/O deadline armed. KeepAlive and Checksum are
// never bounded: the first runs alongside streams, the second may hash for
// longer than timeout without any traffic.
func bounded[T any](t *sftpTransport, fn func() (T, error)) (T, error) {
	t.arm()
	defer t.disarm()
	return fn()
}

func boundedErr(t *sftpTransport, fn func() error) error {
	_, err := bounded(t, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// deadlineWriter re-arms the deadline on every chunk, so only a stall fails
// a stream, never its total duration.
type deadlineWriter struct {
	w   io.Writer
	arm func()
}

func (d deadlineWriter) Write(p []byte) (int, error) {
	d.arm()
	return d.w.Write(p)
}

type deadlineReader struct {
	r   io.Reader
	arm func()
}

func (d deadlineReader) Read(p []byte) (int, error) {
	d.arm()
	return d.r.Read(p)
}

var _ Transport = (*sftpTransport)(nil)

func (t *sftpTransport) resolve(p string) string {
	if p == "" {
		return t.cwd
	}
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(t.cwd, p)
}

func (t *sftpTransport) Probe() error {
	_, err := bounded(t, func() (string, error) { return t.client.Getwd() })
	return sftpError("getwd", "", err)
}

func (t *sftpTransport) KeepAlive() error {
	if t.conn == nil {
		return t.Probe()
	}
	_, _, err := t.conn.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (t *sftpTransport) Retrieve(p string, w io.Writer) error {
	t.arm()
	defer t.disarm()
	f, err := t.client.Open(t.resolve(p))
	if err != nil {
		return sftpError("open", p, err)
	}
	defer f.Close()
	if _, err := io.Copy(deadlineWriter{w: w, arm: t.arm}, f); err != nil {
		return fmt.Errorf("failed to read remote file: %w", err)
	}
	return nil
}

func (t *sftpTransport) Store(p string, r io.Reader) error {
	t.arm()
	defer t.disarm()
	f, err := t.client.Create(t.resolve(p))
	if err != nil {
		return sftpError("create", p, err)
	}
	if _, err := io.Copy(f, deadlineReader{r: r, arm: t.arm}); err != nil {
		f.Close()
		return fmt.Errorf("failed to copy file content: %w", err)
	}
	return sftpError("close", p, f.Close())
}

func (t *sftpTransport) Size(p string) (int64, error) {
	fi, err := bounded(t, func() (os.FileInfo, error) { return t.client.Stat(t.resolve(p)) })
	if err != nil {
		return 0, sftpError("stat", p, err)
	}
	return fi.Size(), nil
}

func (t *sftpTransport) List(dir string) ([]string, error) {
	entries, err := bounded(t, func() ([]os.FileInfo, error) { return t.client.ReadDir(t.resolve(dir)) })
	if err != nil {
		return nil, sftpError("readdir", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (t *sftpTransport) ChangeDir(dir string) error {
	target := t.resolve(dir)
	fi, err := bounded(t, func() (os.FileInfo, error) { return t.client.Stat(target) })
	if err != nil {
		return sftpError("cwd", dir, err)
	}
	if !fi.IsDir() {
		return &RemoteError{Code: CodeFileNotFound, Op: "cwd", Path: dir, Err: errors.New("not a directory")}
	}
	t.cwd = target
	return nil
}

func (t *sftpTransport) CurrentDir() (string, error) {
	return t.cwd, nil
}

func (t *sftpTransport) MakeDir(dir string) error {
	return sftpError("mkdir", dir, boundedErr(t, func() error { return t.client.Mkdir(t.resolve(dir)) }))
}

func (t *sftpTransport) RemoveDir(dir string) error {
	return sftpError("rmdir", dir, boundedErr(t, func() error { return t.client.RemoveDirectory(t.resolve(dir)) }))
}

func (t *sftpTransport) Delete(p string) error {
	return sftpError("remove", p, boundedErr(t, func() error { return t.client.Remove(t.resolve(p)) }))
}

func (t *sftpTransport) Rename(from, to string) error {
	return sftpError("rename", from, boundedErr(t, func() error { return t.client.Rename(t.resolve(from), t.resolve(to)) }))
}

// checksumCommands maps algorithms to the coreutils tool computing them.
var checksumCommands = map[ChecksumAlgorithm]string{
	ChecksumMD5:    "md5sum",
	ChecksumSHA1:   "sha1sum",
	ChecksumSHA256: "sha256sum",
}

// Checksum runs md5sum, sha1sum or sha256sum on the server. Any failure to run
// the tool is reported as ErrChecksumUnsupported.
func (t *sftpTransport) Checksum(p string, algo ChecksumAlgorithm) (string, error) {
	tool, ok := checksumCommands[algo]
	if !ok || t.conn == nil {
		return "", ErrChecksumUnsupported
	}
	out, err := t.conn.Output(tool + " " + shellQuote(t.resolve(p)))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrChecksumUnsupported, tool, err)
	}
	digest, err := parseDigest(string(out), algo)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrChecksumUnsupported, err)
	}
	return digest, nil
}

// Close closes SFTP, SSH, and bastion connections.
func (t *sftpTransport) Close() error {
	err := t.client.Close()
	if t.conn != nil {
		if cerr := t.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// sftpError maps SFTP status replies onto remote reply codes: missing paths
// and denied access become 550, any other status (a generic failure such as
// a full disk) becomes the transient 451. Anything else is a transport
// failure and is returned unchanged.
func sftpError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var se *sftp.StatusError
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return &RemoteError{Code: CodeFileNotFound, Op: op, Path: p, Err: err}
	case errors.As(err, &se):
		return &RemoteError{Code: CodeLocalError, Op: op, Path: p, Err: err}
	}
	return err
}

// dialTCP opens the TCP connection for an SSH handshake.
func dialTCP(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", addr)
}

// handshake runs the SSH handshake over conn, bounded by a deadline on raw.
// conn is closed if the handshake fails.
func handshake(conn, raw net.Conn, addr string, config *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	if timeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(timeout))
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = raw.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

// authError marks rejected credentials as permanent; retrying them only
// risks locking the account.
func authError(err error) error {
	if strings.Contains(err.Error(), "unable to authenticate") {
		return Permanent(err)
	}
	return err
}

// connectToBastion logs in to the jump host and also returns its TCP
// connection, which carries every tunneled session.
func connectToBastion(ctx context.Context, config Config) (*ssh.Client, net.Conn, error) {
	var authMethods []ssh.AuthMethod

	if config.BastionPassword != "" {
		authMethods = append(authMethods, ssh.Password(config.BastionPassword))
	} else {
		var keyData []byte
		var err error

		switch {
		case config.BastionKey != "":
			keyData = []byte(config.BastionKey)
		case config.BastionKeyPath != "":
			keyData, err = os.ReadFile(ExpandPath(config.BastionKeyPath))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to read bastion key file: %w", err)
			}
		case config.PrivateKey != "":
			keyData = []byte(config.PrivateKey)
		case config.KeyPath != "":
			keyData, err = os.ReadFile(ExpandPath(config.KeyPath))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to read key file for bastion: %w", err)
			}
		default:
			return nil, nil, Permanent(fmt.Errorf("no SSH key configured for bastion host"))
		}

		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, nil, Permanent(fmt.Errorf("failed to parse bastion SSH key: %w", err))
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	bastionUser := config.BastionUser
	if bastionUser == "" {
		bastionUser = config.User
	}

	hostKeyCallback, err := buildHostKeyCallback(config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure host key verification for bastion: %w", err)
	}

	bastionConfig := &ssh.ClientConfig{
		User:            bastionUser,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.Timeout,
	}

	bastionAddr := net.JoinHostPort(config.BastionHost, strconv.Itoa(config.BastionPort))
	raw, err := dialTCP(ctx, bastionAddr, config.Timeout)
	if err != nil {
		return nil, nil, err
	}
	client, err := handshake(raw, raw, bastionAddr, bastionConfig, config.Timeout)
	if err != nil {
		return nil, nil, authError(err)
	}
	return client, raw, nil
}

func buildHostKeyCallback(config Config) (ssh.HostKeyCallback, error) {
	logger := config.Logger
	if logger == nil {
		logger = NopLogger{}
	}

	if config.InsecureIgnoreHostKey {
		logger.Warnf("SSH host key verification disabled for %s:%d - this is insecure!", config.Host, config.Port)
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicit opt-in
	}

	if config.KnownHostsFile != "" {
		expandedPath := ExpandPath(config.KnownHostsFile)
		callback, err := knownhosts.New(expandedPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts file %s: %w", expandedPath, err)
		}
		return callback, nil
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		defaultKnownHosts := filepath.Join(homeDir, ".ssh", "known_hosts")
		if _, err := os.Stat(defaultKnownHosts); err == nil {
			callback, err := knownhosts.New(defaultKnownHosts)
			if err == nil {
				return callback, nil
			}
			logger.Warnf("Could not parse known_hosts file %s: %v", defaultKnownHosts, err)
		}
	}

	logger.Warnf("No known_hosts file found for %s:%d - host key verification disabled.", config.Host, config.Port)
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		return nil
	}, nil
}

func buildAuthMethods(config Config) ([]ssh.AuthMethod, error) {
	var authMethods []ssh.AuthMethod

	authMethod := config.AuthMethod
	if authMethod == "" {
		authMethod = inferAuthMethod(config)
	}

	switch authMethod {
	case AuthMethodPassword:
		if config.Password == "" {
			return nil, fmt.Errorf("password authentication requires password to be set")
		}
		authMethods = append(authMethods, ssh.Password(config.Password))

	case AuthMethodCertificate:
		certAuth, err := buildCertificateAuth(config)
		if err != nil {
			return nil, fmt.Errorf("certificate authentication failed: %w", err)
		}
		authMethods = append(authMethods, certAuth)

	case AuthMethodPrivateKey:
		keyAuth, err := buildPrivateKeyAuth(config)
		if err != nil {
			return nil, err
		}
		authMethods = append(authMethods, keyAuth)

	default:
		return nil, fmt.Errorf("%w: unknown auth method %q", ErrInvalidArgument, authMethod)
	}

	return authMethods, nil
}

func inferAuthMethod(config Config) AuthMethod {
	if config.Password != "" {
		return AuthMethodPassword
	}
	if config.Certificate != "" || config.CertificatePath != "" {
		return AuthMethodCertificate
	}
	return AuthMethodPrivateKey
}

func loadPrivateKey(config Config) ([]byte, error) {
	switch {
	case config.PrivateKey != "":
		return []byte(config.PrivateKey), nil
	case config.KeyPath != "":
		keyData, err := os.ReadFile(ExpandPath(config.KeyPath))
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key file: %w", err)
		}
		return keyData, nil
	}
	return nil, fmt.Errorf("no SSH private key provided (set private_key or key_path)")
}

func buildPrivateKeyAuth(config Config) (ssh.AuthMethod, error) {
	keyData, err := loadPrivateKey(config)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
	}

	return ssh.PublicKeys(signer), nil
}

func buildCertificateAuth(config Config) (ssh.AuthMethod, error) {
	keyData, err := loadPrivateKey(config)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	var certData []byte
	switch {
	case config.Certificate != "":
		certData = []byte(config.Certificate)
	case config.CertificatePath != "":
		certData, err = os.ReadFile(ExpandPath(config.CertificatePath))
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate file: %w", err)
		}
	default:
		return nil, fmt.Errorf("certificate auth requires certificate")
	}

	pubKey, _, _, _, err := ssh.ParseAuthorizedKey(certData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	cert, ok := pubKey.(*ssh.Certificate)
	if !ok {
		return nil, fmt.Errorf("provided file is not an SSH certificate")
	}

	certSigner, err := ssh.NewCertSigner(cert, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate signer: %w", err)
	}

	return ssh.PublicKeys(certSigner), nil
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	escaped := strings.ReplaceAll(s, "'", "'\"'\"'")
	return "'" + escaped + "'"
}
