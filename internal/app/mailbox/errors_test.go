package mailbox

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hickar/mailfetch/internal/app/config"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), CategoryTimeout},
		{"net timeout", &net.OpError{Op: "read", Net: "tcp", Err: timeoutError{}}, CategoryTimeout},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}}, CategoryConnectionRefused},
		{"reset", &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}, CategoryNetwork},
		{"eof", fmt.Errorf("pop3 greeting: %w", io.EOF), CategoryNetwork},
		{"dns", &net.DNSError{Err: "no such host", Name: "pop.invalid"}, CategoryNetwork},
		{"unknown authority", &handshakeError{err: x509.UnknownAuthorityError{}}, CategoryCertificate},
		{"hostname", &handshakeError{err: x509.HostnameError{Host: "pop.example.com", Certificate: &x509.Certificate{}}}, CategoryCertificate},
		{"record header", &handshakeError{err: tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}}, CategoryTLSProtocol},
		{"alert", &handshakeError{err: tls.AlertError(70)}, CategoryTLSProtocol},
		{"version", &handshakeError{err: errors.New("tls: server selected unsupported protocol version 301")}, CategoryTLSProtocol},
		{"handshake", &handshakeError{err: errors.New("connection closed mid handshake")}, CategoryTLSHandshake},
		{"auth", &AuthenticationError{Method: config.AuthBasic, Err: errors.New("-ERR invalid login")}, CategoryAuthFailed},
		{"app password", &AuthenticationError{Method: config.AuthBasic, Err: errors.New("NO [WEBALERT] Web login required")}, CategoryAppPasswordRequired},
		{"other", errors.New("-ERR mailbox locked"), CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, categorize(tt.err))
		})
	}
}

func TestClassifyKeepsExistingCategory(t *testing.T) {
	inner := &ConnectionError{Category: CategoryTimeout, Op: "list", Err: io.EOF}

	err := classify("retrieve 1", fmt.Errorf("wrapped: %w", inner))

	assert.Equal(t, CategoryTimeout, CategoryOf(err))
	assert.NoError(t, classify("noop", nil))
	assert.Equal(t, CategoryUnknown, CategoryOf(errors.New("plain")))
}

func TestCategoryPolicies(t *testing.T) {
	assert.False(t, CategoryConnectionRefused.Retryable())
	assert.False(t, CategoryAppPasswordRequired.Retryable())
	for _, c := range []Category{CategoryTimeout, CategoryTLSHandshake, CategoryTLSProtocol, CategoryAuthFailed, CategoryCertificate, CategoryNetwork, CategoryUnknown} {
		assert.True(t, c.Retryable(), c)
	}

	assert.True(t, CategoryTimeout.Transient())
	assert.True(t, CategoryNetwork.Transient())
	assert.False(t, CategoryAuthFailed.Transient())

	assert.Equal(t, 2*time.Second, CategoryTimeout.Backoff(1))
	assert.Equal(t, 3*time.Second, CategoryTimeout.Backoff(2))
	assert.Equal(t, 4500*time.Millisecond, CategoryTimeout.Backoff(3))
	assert.Equal(t, 500*time.Millisecond, Category("bogus").Backoff(1))

	for c, base := range backoffBase {
		if c == CategoryAppPasswordRequired {
			continue
		}
		assert.GreaterOrEqual(t, base, 500*time.Millisecond, c)
		assert.LessOrEqual(t, base, 5*time.Second, c)
	}
}

func TestAuthenticationErrorMessage(t *testing.T) {
	err := &AuthenticationError{Method: config.AuthBasic, Hint: "use app password", Err: errors.New("-ERR denied")}

	assert.Equal(t, "authenticate (basic): -ERR denied (use app password)", err.Error())

	connErr := classify("authenticate", err)
	assert.Equal(t, "authenticate: auth_failed: authenticate (basic): -ERR denied (use app password)", connErr.Error())
}
