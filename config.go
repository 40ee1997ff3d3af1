package gotransfer

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
)

// Protocol selects the remote protocol engine.
type Protocol string

const (
	// ProtocolFTP is plain FTP, or explicit FTPS when Config.UseTLS is set (default).
	ProtocolFTP Protocol = "ftp"
	// ProtocolSFTP is SFTP over SSH.
	ProtocolSFTP Protocol = "sftp"
)

// AuthMethod represents the SSH authentication method to use for SFTP.
type AuthMethod string

const (
	// AuthMethodPrivateKey uses SSH private key authentication.
	AuthMethodPrivateKey AuthMethod = "private_key"
	// AuthMethodPassword uses password authentication.
	AuthMethodPassword AuthMethod = "password"
	// AuthMethodCertificate uses SSH certificate authentication.
	AuthMethodCertificate AuthMethod = "certificate"
)

// ChecksumAlgorithm names a digest algorithm understood by both sides.
type ChecksumAlgorithm string

const (
	ChecksumMD5    ChecksumAlgorithm = "MD5"
	ChecksumSHA1   ChecksumAlgorithm = "SHA-1"
	ChecksumSHA256 ChecksumAlgorithm = "SHA-256"
)

// Config holds connection, pool, retry and transfer configuration.
// It is read once by New; changing it afterwards has no effect.
type Config struct {
	// Host is the remote server hostname or IP address.
	Host string

	// Port is the server port (default 21 for FTP, 990 for implicit FTPS, 22 for SFTP).
	Port int

	// User is the login name.
	User string

	// Password is the login password. For SFTP it selects password authentication
	// unless AuthMethod says otherwise.
	Password string

	// Protocol selects FTP or SFTP (default FTP).
	Protocol Protocol

	// UseTLS enables encrypted FTP sessions (explicit AUTH TLS, protected data channel).
	UseTLS bool

	// ImplicitTLS connects with TLS from the first byte (legacy FTPS on port 990).
	ImplicitTLS bool

	// TLSConfig overrides the TLS configuration for FTPS sessions.
	TLSConfig *tls.Config

	// InsecureSkipVerify disables certificate verification for FTPS.
	// WARNING: This is insecure and should only be used for testing.
	InsecureSkipVerify bool

	// AuthMethod specifies which SSH authentication method to use.
	// If not set, it will be inferred from the provided credentials.
	AuthMethod AuthMethod

	// PrivateKey is the SSH private key content (PEM encoded).
	PrivateKey string

	// KeyPath is the path to the SSH private key file.
	KeyPath string

	// Certificate is the SSH certificate content.
	Certificate string

	// CertificatePath is the path to the SSH certificate file.
	CertificatePath string

	// KnownHostsFile is the path to a known_hosts file for host key verification.
	// If not set, defaults to ~/.ssh/known_hosts if it exists.
	KnownHostsFile string

	// InsecureIgnoreHostKey skips SSH host key verification.
	// WARNING: This is insecure and should only be used for testing.
	InsecureIgnoreHostKey bool

	// BastionHost is the hostname or IP of an SSH jump host.
	BastionHost string

	// BastionPort is the SSH port of the bastion host (default 22).
	BastionPort int

	// BastionUser falls back to User if not set.
	BastionUser string

	// BastionKey falls back to PrivateKey if not set.
	BastionKey string

	// BastionKeyPath falls back to KeyPath if not set.
	BastionKeyPath string

	// BastionPassword is the password for the bastion host.
	BastionPassword string

	// MaxConnections is the pool capacity and the batch concurrency (default 5).
	MaxConnections int

	// Timeout bounds connecting and every network read or write (default 10s).
	Timeout time.Duration

	// IdleTimeout makes the FTP engine send NOOP on otherwise idle control
	// connections. Zero disables it.
	IdleTimeout time.Duration

	// ConnectAttempts is the number of tries to establish a session (default 5).
	ConnectAttempts int

	// ConnectRetryDelay is the fixed delay between connection attempts (default 2s).
	ConnectRetryDelay time.Duration

	// RetryAttempts is the number of tries for transfer and metadata operations (default 5).
	RetryAttempts int

	// RetryInitialDelay is the first exponential backoff delay (default 2s).
	RetryInitialDelay time.Duration

	// RetryMultiplier scales the delay after every failed attempt (default 2).
	RetryMultiplier float64

	// RetryMaxDelay caps the exponential delay (default 10s).
	RetryMaxDelay time.Duration

	// RetryJitter adds randomness to the exponential delay (0.25 = ±25%).
	RetryJitter float64

	// KeepAliveInterval is the cadence of keepalives during a transfer (default 30s).
	KeepAliveInterval time.Duration

	// Checksum is the digest algorithm used for integrity checks (default MD5).
	Checksum ChecksumAlgorithm

	// Classifier decides which errors are retried (default DefaultClassifier).
	Classifier Classifier

	// Logger receives operational logs (default: zerolog console logger on stderr).
	Logger Logger

	// ProtocolLogger, if set, receives the FTP engine's own debug logs.
	ProtocolLogger *slog.Logger

	// Metrics receives pool and transfer measurements. Nil disables metrics.
	Metrics Metrics

	// LocalFS is the local filesystem (default: the host filesystem). The
	// client serializes its own calls on LocalFS, so non-thread-safe
	// implementations such as memfs are safe to share between batch workers
	// as long as nothing outside the client uses them concurrently.
	LocalFS billy.Filesystem

	// ProgressOutput is where the default progress indicator renders (default stderr).
	ProgressOutput io.Writer

	// DisableProgress turns off the default progress indicator.
	DisableProgress bool
}

// WithDefaults returns a copy of the config with default values applied.
func (c Config) WithDefaults() Config {
	if c.Protocol == "" {
		c.Protocol = ProtocolFTP
	}
	if c.Port == 0 {
		switch {
		case c.Protocol == ProtocolSFTP:
			c.Port = 22
		case c.ImplicitTLS:
			c.Port = 990
		default:
			c.Port = 21
		}
	}
	if c.BastionPort == 0 && c.BastionHost != "" {
		c.BastionPort = 22
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 5
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 5
	}
	if c.ConnectRetryDelay == 0 {
		c.ConnectRetryDelay = 2 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 5
	}
	if c.RetryInitialDelay == 0 {
		c.RetryInitialDelay = 2 * time.Second
	}
	if c.RetryMultiplier == 0 {
		c.RetryMultiplier = 2.0
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.Checksum == "" {
		c.Checksum = ChecksumMD5
	}
	if c.Classifier == nil {
		c.Classifier = DefaultClassifier
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	if c.ProgressOutput == nil {
		c.ProgressOutput = os.Stderr
	}
	return c
}

// Validate checks a defaulted config for values no retry could fix.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidArgument)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidArgument, c.Port)
	}
	switch c.Protocol {
	case ProtocolFTP, ProtocolSFTP:
	default:
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidArgument, c.Protocol)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("%w: max connections must be positive, got %d", ErrInvalidArgument, c.MaxConnections)
	}
	if c.ConnectAttempts < 1 || c.RetryAttempts < 1 {
		return fmt.Errorf("%w: attempt counts must be positive", ErrInvalidArgument)
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("%w: retry multiplier must be >= 1, got %v", ErrInvalidArgument, c.RetryMultiplier)
	}
	if _, err := newDigest(c.Checksum); err != nil {
		return err
	}
	return nil
}

// connectPolicy is the fixed-delay policy used for session creation.
func (c Config) connectPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.ConnectAttempts,
		Backoff:     FixedBackoff{Interval: c.ConnectRetryDelay},
		Classifier:  c.Classifier,
		Logger:      c.Logger,
		Metrics:     c.Metrics,
	}
}

// operationPolicy is the exponential policy used for transfer and metadata operations.
func (c Config) operationPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.RetryAttempts,
		Backoff: ExponentialBackoff{
			InitialDelay: c.RetryInitialDelay,
			Multiplier:   c.RetryMultiplier,
			MaxDelay:     c.RetryMaxDelay,
			JitterFactor: c.RetryJitter,
		},
		Classifier: c.Classifier,
		Logger:     c.Logger,
		Metrics:    c.Metrics,
	}
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
