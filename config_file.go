package gotransfer

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

type fileConfig struct {
	Host               string  `toml:"host"`
	Port               int     `toml:"port"`
	User               string  `toml:"user"`
	Password           string  `toml:"password"`
	Protocol           string  `toml:"protocol"`
	UseTLS             bool    `toml:"use_tls"`
	ImplicitTLS        bool    `toml:"implicit_tls"`
	InsecureSkipVerify bool    `toml:"insecure_skip_verify"`
	AuthMethod         string  `toml:"auth_method"`
	PrivateKey         string  `toml:"private_key"`
	KeyPath            string  `toml:"key_path"`
	CertificatePath    string  `toml:"certificate_path"`
	KnownHostsFile     string  `toml:"known_hosts_file"`
	InsecureHostKey    bool    `toml:"insecure_ignore_host_key"`
	BastionHost        string  `toml:"bastion_host"`
	BastionPort        int     `toml:"bastion_port"`
	BastionUser        string  `toml:"bastion_user"`
	BastionKeyPath     string  `toml:"bastion_key_path"`
	BastionPassword    string  `toml:"bastion_password"`
	MaxConnections     int     `toml:"max_connections"`
	Timeout            string  `toml:"timeout"`
	IdleTimeout        string  `toml:"idle_timeout"`
	ConnectAttempts    int     `toml:"connect_attempts"`
	ConnectRetryDelay  string  `toml:"connect_retry_delay"`
	RetryAttempts      int     `toml:"retry_attempts"`
	RetryInitialDelay  string  `toml:"retry_initial_delay"`
	RetryMultiplier    float64 `toml:"retry_multiplier"`
	RetryMaxDelay      string  `toml:"retry_max_delay"`
	RetryJitter        float64 `toml:"retry_jitter"`
	KeepAliveInterval  string  `toml:"keepalive_interval"`
	Checksum           string  `toml:"checksum"`
	DisableProgress    bool    `toml:"disable_progress"`
	LogLevel           string  `toml:"log_level"`
}

// LoadConfig reads a TOML config file. Keys absent from the file keep their
// defaults. Durations are strings such as "10s"; password, private_key and
// bastion_password may reference environment variables as ${NAME}.
func LoadConfig(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown config key %q", ErrInvalidArgument, undecoded[0].String())
	}

	var cfg Config
	cfg.Host = strings.TrimSpace(raw.Host)
	cfg.Port = raw.Port
	cfg.User = strings.TrimSpace(raw.User)
	cfg.Password = os.ExpandEnv(raw.Password)
	cfg.Protocol = Protocol(strings.ToLower(strings.TrimSpace(raw.Protocol)))
	cfg.UseTLS = raw.UseTLS
	cfg.ImplicitTLS = raw.ImplicitTLS
	cfg.InsecureSkipVerify = raw.InsecureSkipVerify
	cfg.AuthMethod = AuthMethod(strings.TrimSpace(raw.AuthMethod))
	cfg.PrivateKey = os.ExpandEnv(raw.PrivateKey)
	cfg.KeyPath = raw.KeyPath
	cfg.CertificatePath = raw.CertificatePath
	cfg.KnownHostsFile = raw.KnownHostsFile
	cfg.InsecureIgnoreHostKey = raw.InsecureHostKey
	cfg.BastionHost = strings.TrimSpace(raw.BastionHost)
	cfg.BastionPort = raw.BastionPort
	cfg.BastionUser = raw.BastionUser
	cfg.BastionKeyPath = raw.BastionKeyPath
	cfg.BastionPassword = os.ExpandEnv(raw.BastionPassword)
	cfg.MaxConnections = raw.MaxConnections
	cfg.ConnectAttempts = raw.ConnectAttempts
	cfg.RetryAttempts = raw.RetryAttempts
	cfg.RetryMultiplier = raw.RetryMultiplier
	cfg.RetryJitter = raw.RetryJitter
	cfg.Checksum = ChecksumAlgorithm(strings.ToUpper(strings.TrimSpace(raw.Checksum)))
	cfg.DisableProgress = raw.DisableProgress

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"timeout", raw.Timeout, &cfg.Timeout},
		{"idle_timeout", raw.IdleTimeout, &cfg.IdleTimeout},
		{"connect_retry_delay", raw.ConnectRetryDelay, &cfg.ConnectRetryDelay},
		{"retry_initial_delay", raw.RetryInitialDelay, &cfg.RetryInitialDelay},
		{"retry_max_delay", raw.RetryMaxDelay, &cfg.RetryMaxDelay},
		{"keepalive_interval", raw.KeepAliveInterval, &cfg.KeepAliveInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("log_level") {
		level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw.LogLevel)))
		if err != nil {
			return Config{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.Logger = NewConsoleLogger(os.Stderr, level)
	}

	return cfg, nil
}
