package mailbox

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/hickar/mailfetch/internal/app/config"
)

// Quirk holds TLS tuning for one mail provider.
type Quirk struct {
	Match           string
	MinVersion      uint16
	MaxVersion      uint16
	CipherSuites    []uint16
	AppPasswordHint string
}

// QuirkTable is searched in order, first hostname substring match wins.
type QuirkTable []Quirk

// DefaultQuirks covers providers known to reject library default TLS settings
// or regular account passwords.
var DefaultQuirks = QuirkTable{
	{
		Match:           "gmail.com",
		MinVersion:      tls.VersionTLS12,
		AppPasswordHint: "generate an app password in Google account security settings",
	},
	{
		Match:           "yahoo.com",
		MinVersion:      tls.VersionTLS12,
		AppPasswordHint: "generate an app password in Yahoo account security settings",
	},
	{
		Match:           "icloud.com",
		MinVersion:      tls.VersionTLS12,
		AppPasswordHint: "use an app-specific password from appleid.apple.com",
	},
	{
		Match:      "office365.com",
		MinVersion: tls.VersionTLS12,
	},
	{
		Match:      "outlook.com",
		MinVersion: tls.VersionTLS12,
	},
	{
		Match:      "163.com",
		MinVersion: tls.VersionTLS10,
		MaxVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_RSA_WITH_AES_128_CBC_SHA,
		},
		AppPasswordHint: "enable POP3/IMAP and use the client authorization code",
	},
	{
		Match:           "qq.com",
		MinVersion:      tls.VersionTLS10,
		MaxVersion:      tls.VersionTLS12,
		AppPasswordHint: "enable POP3/IMAP and use the client authorization code",
	},
}

// Lookup returns the first quirk whose Match is contained in host.
func (t QuirkTable) Lookup(host string) (Quirk, bool) {
	host = strings.ToLower(host)
	for _, q := range t {
		if q.Match != "" && strings.Contains(host, strings.ToLower(q.Match)) {
			return q, true
		}
	}
	return Quirk{}, false
}

// TLSConfig builds client TLS configuration for host. Hosts without quirk
// get library defaults.
func (t QuirkTable) TLSConfig(host string, skipVerify bool) *tls.Config {
	//nolint:gosec
	cfg := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: skipVerify,
	}

	if q, ok := t.Lookup(host); ok {
		cfg.MinVersion = q.MinVersion
		cfg.MaxVersion = q.MaxVersion
		cfg.CipherSuites = q.CipherSuites
	}

	return cfg
}

// WithOverrides returns table where configured quirks take precedence over t.
func (t QuirkTable) WithOverrides(overrides []config.ProviderQuirk) (QuirkTable, error) {
	table := make(QuirkTable, 0, len(overrides)+len(t))

	for _, o := range overrides {
		q, err := quirkFromConfig(o)
		if err != nil {
			return nil, fmt.Errorf("provider quirk %q: %w", o.Match, err)
		}
		table = append(table, q)
	}

	return append(table, t...), nil
}

func quirkFromConfig(o config.ProviderQuirk) (Quirk, error) {
	q := Quirk{Match: o.Match, AppPasswordHint: o.AppPasswordHint}

	var err error
	if q.MinVersion, err = parseTLSVersion(o.MinTLS); err != nil {
		return q, fmt.Errorf("min tls: %w", err)
	}
	if q.MaxVersion, err = parseTLSVersion(o.MaxTLS); err != nil {
		return q, fmt.Errorf("max tls: %w", err)
	}
	if q.MinVersion != 0 && q.MaxVersion != 0 && q.MinVersion > q.MaxVersion {
		return q, fmt.Errorf("min tls %s is above max tls %s", o.MinTLS, o.MaxTLS)
	}

	for _, name := range o.CipherSuites {
		id, ok := cipherSuiteByName(name)
		if !ok {
			return q, fmt.Errorf("unknown cipher suite %q", name)
		}
		q.CipherSuites = append(q.CipherSuites, id)
	}

	return q, nil
}

func parseTLSVersion(v string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(v)), "tls") {
	case "":
		return 0, nil
	case "1.0", "10":
		return tls.VersionTLS10, nil
	case "1.1", "11":
		return tls.VersionTLS11, nil
	case "1.2", "12":
		return tls.VersionTLS12, nil
	case "1.3", "13":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unknown version %q", v)
}

func cipherSuiteByName(name string) (uint16, bool) {
	for _, suites := range [][]*tls.CipherSuite{tls.CipherSuites(), tls.InsecureCipherSuites()} {
		for _, s := range suites {
			if strings.EqualFold(s.Name, name) {
				return s.ID, true
			}
		}
	}
	return 0, false
}
