package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hickar/mailfetch/internal/pkg/units"
)

const (
	ProtoPOP3 = "pop3"
	ProtoIMAP = "imap"
)

// AuthMethod selects how the connection manager authenticates.
type AuthMethod string

const (
	AuthBasic             AuthMethod = "basic"
	AuthChallengeResponse AuthMethod = "challenge_response"
	AuthAuto              AuthMethod = "auto"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultMaxRetries      = 3
	DefaultReconnectEvery  = 5
	DefaultPollInterval    = 5 * time.Minute
	DefaultPollTaskTimeout = 10 * time.Minute
)

var (
	ErrMissingHost = errors.New("host is required")
	ErrMissingPort = errors.New("port is required")
)

type Config struct {
	LogLevel        string          `yaml:"log_level"`         // Logging level: debug, info, warn or error.
	LogFormat       string          `yaml:"log_format"`        // Log output format: text or json.
	PollInterval    time.Duration   `yaml:"poll_interval"`     // Interval between mail polling tasks.
	PollTaskTimeout time.Duration   `yaml:"poll_task_timeout"` // Timeout for a single polling pass over all accounts.
	MetricsAddr     string          `yaml:"metrics_addr"`      // Listen address of Prometheus endpoint, disabled when empty.
	Storage         StorageConfig   `yaml:"storage"`           // Where fetched messages and read state are kept.
	ProviderQuirks  []ProviderQuirk `yaml:"provider_quirks"`   // TLS tuning per provider, extends built-in table.
	Accounts        []AccountConfig `yaml:"accounts"`          // List of mailbox accounts to fetch from.
}

type StorageConfig struct {
	Dir        string    `yaml:"dir"`         // Directory for .eml files, disabled when empty.
	SQLitePath string    `yaml:"sqlite_path"` // SQLite database for read state, in-memory state is used when empty.
	S3         *S3Config `yaml:"s3"`          // Optional S3 compatible bucket for .eml objects.
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // Custom endpoint for S3 compatible storages, e.g. MinIO.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// ProviderQuirk tunes TLS for servers whose hostname contains Match.
type ProviderQuirk struct {
	Match           string   `yaml:"match"`             // Hostname substring, case-insensitive.
	MinTLS          string   `yaml:"min_tls"`           // Minimal TLS version, e.g. "1.2".
	MaxTLS          string   `yaml:"max_tls"`           // Maximal TLS version, e.g. "1.3".
	CipherSuites    []string `yaml:"cipher_suites"`     // Preferred cipher suite names as in crypto/tls.
	AppPasswordHint string   `yaml:"app_password_hint"` // Shown when provider rejects regular password.
}

// ConnectionConfig describes how to reach and authenticate against one mailbox.
// It is never modified after session creation.
type ConnectionConfig struct {
	Proto         string        `yaml:"proto"`           // Mailbox protocol: pop3 or imap.
	Host          string        `yaml:"host"`            // Mail server hostname.
	Port          int           `yaml:"port"`            // Mail server port.
	UseTLS        bool          `yaml:"use_tls"`         // Whether to use implicit TLS.
	TLSSkipVerify bool          `yaml:"tls_skip_verify"` // Disables certificate verification, for testing only.
	Username      string        `yaml:"username"`        // Mailbox account username.
	Password      string        `yaml:"password"`        // Mailbox account password.
	AuthMethod    AuthMethod    `yaml:"auth_method"`     // basic, challenge_response or auto.
	Timeout       time.Duration `yaml:"timeout"`         // Deadline for every network read and write.
	MaxRetries    int           `yaml:"max_retries"`     // Number of connection attempts.
}

// Address returns host:port pair.
func (c ConnectionConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks that fields required for connecting are present.
func (c ConnectionConfig) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Host) == "" {
		errs = append(errs, ErrMissingHost)
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, ErrMissingPort)
	}

	switch c.Proto {
	case ProtoPOP3, ProtoIMAP:
	default:
		errs = append(errs, fmt.Errorf("unknown proto %q", c.Proto))
	}

	switch c.AuthMethod {
	case AuthBasic, AuthChallengeResponse, AuthAuto:
	default:
		errs = append(errs, fmt.Errorf("unknown auth method %q", c.AuthMethod))
	}

	return errors.Join(errs...)
}

type AccountConfig struct {
	Name             string `yaml:"name"` // Account name used in logs, metrics and storage paths.
	ConnectionConfig `yaml:",inline"`

	DeleteAfterRetrieve bool          `yaml:"delete_after_retrieve"` // Mark retrieved messages for deletion on server.
	ReconnectEvery      int           `yaml:"reconnect_every"`       // Reconnect after this many retrieved messages.
	RetrieveRetries     int           `yaml:"retrieve_retries"`      // Reconnect and retry cycles per message on network errors, negative disables.
	Limit               int           `yaml:"limit"`                 // Keep only N most recent messages, 0 means no limit.
	Since               time.Time     `yaml:"since"`                 // Skip messages dated before this time.
	MaxAge              time.Duration `yaml:"max_age"`               // Skip messages older than this, relative to fetch time.
	Sender              string        `yaml:"sender"`                // Sender substring filter.
	Subject             string        `yaml:"subject"`               // Subject substring filter.
	OnlyUnread          bool          `yaml:"only_unread"`           // Skip messages retrieved by earlier runs.
	Filters             []string      `yaml:"filters"`               // Filter expressions, all must match.
	MaxMessageSize      string        `yaml:"max_message_size"`      // Human readable size, e.g. "25MB", larger messages are skipped.
	Template            string        `yaml:"template"`              // Optional text/template for -once output, see render package for functions.
}

// MaxMessageBytes returns parsed max_message_size, 0 when unset.
func (a AccountConfig) MaxMessageBytes() (int64, error) {
	if strings.TrimSpace(a.MaxMessageSize) == "" {
		return 0, nil
	}

	size, err := units.FromHumanSize(a.MaxMessageSize)
	if err != nil {
		return 0, fmt.Errorf("parse max message size: %w", err)
	}

	return size, nil
}

func LoadConfig(cfgFilepath, envFilepath string) (Config, error) {
	var cfg Config

	if _, err := os.Stat(envFilepath); err == nil {
		if err = godotenv.Load(envFilepath); err != nil {
			return cfg, fmt.Errorf("unable to load environment variables from file: %w", err)
		}
	}

	//nolint:gosec
	fileBytes, err := os.ReadFile(cfgFilepath)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return cfg, fmt.Errorf("configuration file at this cfgFilepath doesn't exist: %w", err)
		case errors.Is(err, os.ErrPermission):
			return cfg, fmt.Errorf("permission denied for accessing configuration file: %w", err)
		default:
			return cfg, fmt.Errorf("unexpected error during reading configuration file: %w", err)
		}
	}

	cfg, err = Parse(fileBytes)
	if err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Parse expands environment variables in data, decodes it and validates result.
func Parse(data []byte) (Config, error) {
	var cfg Config

	envExpanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(envExpanded), &cfg); err != nil {
		return cfg, fmt.Errorf("unable to unmarshal configuration file: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollTaskTimeout <= 0 {
		c.PollTaskTimeout = DefaultPollTaskTimeout
	}

	for i := range c.Accounts {
		acc := &c.Accounts[i]
		acc.Proto = strings.ToLower(strings.TrimSpace(acc.Proto))
		if acc.Name == "" {
			acc.Name = acc.Username + "@" + acc.Host
		}
		if acc.AuthMethod == "" {
			acc.AuthMethod = AuthAuto
		}
		if acc.Timeout <= 0 {
			acc.Timeout = DefaultTimeout
		}
		if acc.MaxRetries <= 0 {
			acc.MaxRetries = DefaultMaxRetries
		}
		if acc.ReconnectEvery <= 0 {
			acc.ReconnectEvery = DefaultReconnectEvery
		}
	}
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error

	if len(c.Accounts) == 0 {
		errs = append(errs, errors.New("no accounts configured"))
	}

	seen := make(map[string]struct{}, len(c.Accounts))
	for i, acc := range c.Accounts {
		if err := acc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("account %d (%s): %w", i, acc.Name, err))
		}
		if _, ok := seen[acc.Name]; ok {
			errs = append(errs, fmt.Errorf("account %d: duplicate name %q", i, acc.Name))
		}
		seen[acc.Name] = struct{}{}
	}

	for i, q := range c.ProviderQuirks {
		if strings.TrimSpace(q.Match) == "" {
			errs = append(errs, fmt.Errorf("provider quirk %d: match is required", i))
		}
	}

	if s3 := c.Storage.S3; s3 != nil && s3.Bucket == "" {
		errs = append(errs, errors.New("storage s3: bucket is required"))
	}

	return errors.Join(errs...)
}

// Validate checks connection settings and filters of account.
func (a AccountConfig) Validate() error {
	var errs []error

	if err := a.ConnectionConfig.Validate(); err != nil {
		errs = append(errs, err)
	}
	if a.Limit < 0 {
		errs = append(errs, errors.New("limit must not be negative"))
	}
	if _, err := a.MaxMessageBytes(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
