package mailbox

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hickar/mailfetch/internal/app/config"
)

func TestQuirkLookup(t *testing.T) {
	q, ok := DefaultQuirks.Lookup("POP.GMAIL.COM")
	require.True(t, ok)
	assert.Equal(t, "gmail.com", q.Match)

	_, ok = DefaultQuirks.Lookup("mail.example.org")
	assert.False(t, ok)

	cfg := DefaultQuirks.TLSConfig("mail.example.org", false)
	assert.Equal(t, "mail.example.org", cfg.ServerName)
	assert.Zero(t, cfg.MinVersion)
	assert.Zero(t, cfg.MaxVersion)
	assert.Nil(t, cfg.CipherSuites)
}

func TestQuirkOverrides(t *testing.T) {
	table, err := DefaultQuirks.WithOverrides([]config.ProviderQuirk{{
		Match:        "gmail.com",
		MinTLS:       "1.3",
		CipherSuites: []string{"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"},
	}})
	require.NoError(t, err)

	cfg := table.TLSConfig("imap.gmail.com", true)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, []uint16{tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256}, cfg.CipherSuites)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Len(t, table, len(DefaultQuirks)+1)
}

func TestQuirkOverridesInvalid(t *testing.T) {
	tests := []config.ProviderQuirk{
		{Match: "a", MinTLS: "2.0"},
		{Match: "a", MaxTLS: "ssl3"},
		{Match: "a", MinTLS: "1.3", MaxTLS: "1.2"},
		{Match: "a", CipherSuites: []string{"TLS_NOPE"}},
	}

	for _, q := range tests {
		_, err := DefaultQuirks.WithOverrides([]config.ProviderQuirk{q})
		assert.Error(t, err, q)
	}
}
