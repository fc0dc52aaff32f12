package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
log_level: debug
poll_interval: 1m
metrics_addr: ":9100"
storage:
  dir: /var/lib/mailfetch
provider_quirks:
  - match: legacy.example
    min_tls: "1.0"
    max_tls: "1.2"
accounts:
  - name: work
    proto: POP3
    host: pop.example.com
    port: 995
    use_tls: true
    username: alice
    password: ${MAILFETCH_TEST_PASSWORD}
    auth_method: challenge_response
    timeout: 10s
    max_retries: 4
    reconnect_every: 10
    limit: 20
    since: 2024-01-01T00:00:00Z
    sender: boss@
    max_message_size: 25MB
    filters:
      - "SUBJECT == 'report'"
  - proto: imap
    host: imap.example.com
    port: 993
    username: bob
`

func TestParse(t *testing.T) {
	t.Setenv("MAILFETCH_TEST_PASSWORD", "s3cret")

	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.Equal(t, DefaultPollTaskTimeout, cfg.PollTaskTimeout)
	assert.Equal(t, "/var/lib/mailfetch", cfg.Storage.Dir)
	require.Len(t, cfg.ProviderQuirks, 1)
	assert.Equal(t, "1.2", cfg.ProviderQuirks[0].MaxTLS)

	require.Len(t, cfg.Accounts, 2)

	work := cfg.Accounts[0]
	assert.Equal(t, "work", work.Name)
	assert.Equal(t, ProtoPOP3, work.Proto)
	assert.Equal(t, "pop.example.com:995", work.Address())
	assert.Equal(t, "s3cret", work.Password)
	assert.Equal(t, AuthChallengeResponse, work.AuthMethod)
	assert.Equal(t, 10*time.Second, work.Timeout)
	assert.Equal(t, 4, work.MaxRetries)
	assert.Equal(t, 10, work.ReconnectEvery)
	assert.Equal(t, 20, work.Limit)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), work.Since.UTC())
	assert.Equal(t, []string{"SUBJECT == 'report'"}, work.Filters)

	size, err := work.MaxMessageBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(25_000_000), size)

	other := cfg.Accounts[1]
	assert.Equal(t, "bob@imap.example.com", other.Name)
	assert.Equal(t, AuthAuto, other.AuthMethod)
	assert.Equal(t, DefaultTimeout, other.Timeout)
	assert.Equal(t, DefaultMaxRetries, other.MaxRetries)
	assert.Equal(t, DefaultReconnectEvery, other.ReconnectEvery)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{
			name: "no accounts",
			data: "log_level: info\n",
			want: "no accounts configured",
		},
		{
			name: "missing host",
			data: "accounts:\n  - proto: pop3\n    port: 110\n",
			want: ErrMissingHost.Error(),
		},
		{
			name: "missing port",
			data: "accounts:\n  - proto: pop3\n    host: pop.example.com\n",
			want: ErrMissingPort.Error(),
		},
		{
			name: "unknown proto",
			data: "accounts:\n  - proto: smtp\n    host: a\n    port: 25\n",
			want: `unknown proto "smtp"`,
		},
		{
			name: "unknown auth method",
			data: "accounts:\n  - proto: imap\n    host: a\n    port: 143\n    auth_method: kerberos\n",
			want: `unknown auth method "kerberos"`,
		},
		{
			name: "bad size",
			data: "accounts:\n  - proto: imap\n    host: a\n    port: 143\n    max_message_size: huge\n",
			want: "parse max message size",
		},
		{
			name: "duplicate names",
			data: "accounts:\n  - {name: a, proto: imap, host: h, port: 1}\n  - {name: a, proto: imap, host: h, port: 1}\n",
			want: `duplicate name "a"`,
		},
		{
			name: "s3 without bucket",
			data: "storage:\n  s3: {region: eu-west-1}\naccounts:\n  - {proto: imap, host: h, port: 1}\n",
			want: "bucket is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestConnectionConfigValidate(t *testing.T) {
	cfg := ConnectionConfig{Proto: ProtoPOP3, AuthMethod: AuthBasic}

	err := cfg.Validate()

	assert.ErrorIs(t, err, ErrMissingHost)
	assert.ErrorIs(t, err, ErrMissingPort)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	envPath := filepath.Join(dir, ".env")

	require.NoError(t, os.WriteFile(envPath, []byte("MAILFETCH_TEST_HOST=pop.from-env.com\n"), 0o600))
	require.NoError(t, os.WriteFile(cfgPath, []byte("accounts:\n  - {proto: pop3, host: $MAILFETCH_TEST_HOST, port: 110}\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("MAILFETCH_TEST_HOST") })

	cfg, err := LoadConfig(cfgPath, envPath)
	require.NoError(t, err)
	assert.Equal(t, "pop.from-env.com", cfg.Accounts[0].Host)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"), envPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
