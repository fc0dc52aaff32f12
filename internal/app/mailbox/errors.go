package mailbox

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/hickar/mailfetch/internal/app/config"
)

// Category is an actionable class of connection failure.
type Category string

const (
	CategoryTimeout             Category = "timeout"
	CategoryTLSHandshake        Category = "tls_handshake"
	CategoryTLSProtocol         Category = "tls_protocol"
	CategoryConnectionRefused   Category = "connection_refused"
	CategoryAuthFailed          Category = "auth_failed"
	CategoryCertificate         Category = "certificate"
	CategoryNetwork             Category = "network_error"
	CategoryAppPasswordRequired Category = "provider_requires_app_password"
	CategoryUnknown             Category = "unknown"
)

// backoffBase is the wait before the second attempt, later attempts grow by backoffFactor.
var backoffBase = map[Category]time.Duration{
	CategoryTimeout:             2 * time.Second,
	CategoryTLSHandshake:        1 * time.Second,
	CategoryTLSProtocol:         1 * time.Second,
	CategoryConnectionRefused:   5 * time.Second,
	CategoryAuthFailed:          1 * time.Second,
	CategoryCertificate:         3 * time.Second,
	CategoryNetwork:             2 * time.Second,
	CategoryAppPasswordRequired: 0,
	CategoryUnknown:             500 * time.Millisecond,
}

const backoffFactor = 1.5

// Retryable reports whether another connection attempt could succeed.
func (c Category) Retryable() bool {
	return c != CategoryConnectionRefused && c != CategoryAppPasswordRequired
}

// Transient reports whether failure is a dropped or stalled transport.
func (c Category) Transient() bool {
	return c == CategoryTimeout || c == CategoryNetwork
}

// Backoff returns wait duration after failed attempt number attempt (1-based).
func (c Category) Backoff(attempt int) time.Duration {
	base, ok := backoffBase[c]
	if !ok {
		base = backoffBase[CategoryUnknown]
	}

	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
	}

	return time.Duration(d)
}

// ConnectionError is a classified failure of mailbox operation.
type ConnectionError struct {
	Category Category
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Category, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Retryable() bool {
	return e.Category.Retryable()
}

func (e *ConnectionError) Transient() bool {
	return e.Category.Transient()
}

// AuthenticationError is returned when server rejects credentials for Method.
type AuthenticationError struct {
	Method config.AuthMethod
	Hint   string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("authenticate (%s): %s (%s)", e.Method, e.Err, e.Hint)
	}
	return fmt.Sprintf("authenticate (%s): %s", e.Method, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// CategoryOf returns category of classified error, CategoryUnknown otherwise.
func CategoryOf(err error) Category {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Category
	}
	return CategoryUnknown
}

// IsTransient reports whether err is a classified timeout or network failure.
func IsTransient(err error) bool {
	return CategoryOf(err).Transient()
}

// handshakeError marks failures that happened during TLS handshake.
type handshakeError struct {
	err error
}

func (e *handshakeError) Error() string {
	return "tls handshake: " + e.err.Error()
}

func (e *handshakeError) Unwrap() error {
	return e.err
}

var (
	errChallengeUnsupported = errors.New("server offers no challenge-response mechanism")

	appPasswordRe = regexp.MustCompile(`(?i)application[- ]specific password|app[- ]?password|web ?login required|webalert|less secure app`)

	tlsProtocolMarkers = []string{
		"protocol version not supported",
		"no supported versions",
		"unsupported version",
		"unsupported protocol version",
		"no cipher suite supported",
		"handshake failure",
	}
)

// classify wraps err into ConnectionError, keeping existing classification.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return err
	}

	return &ConnectionError{Category: categorize(err), Op: op, Err: err}
}

func categorize(err error) Category {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		if appPasswordRe.MatchString(authErr.Err.Error()) {
			return CategoryAppPasswordRequired
		}
		return CategoryAuthFailed
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return CategoryConnectionRefused
	}

	if isCertificateError(err) {
		return CategoryCertificate
	}

	var (
		recordErr tls.RecordHeaderError
		alertErr  tls.AlertError
	)
	if errors.As(err, &recordErr) || errors.As(err, &alertErr) || hasTLSProtocolMarker(err) {
		return CategoryTLSProtocol
	}

	var hsErr *handshakeError
	if errors.As(err, &hsErr) {
		return CategoryTLSHandshake
	}

	if isNetworkError(err) {
		return CategoryNetwork
	}

	return CategoryUnknown
}

func isCertificateError(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
		systemRootEr x509.SystemRootsError
	)

	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &systemRootEr)
}

func hasTLSProtocolMarker(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range tlsProtocolMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isNetworkError(err error) bool {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH):
		return true
	}

	var (
		opErr  *net.OpError
		dnsErr *net.DNSError
	)
	return errors.As(err, &opErr) || errors.As(err, &dnsErr)
}

// isTransportError distinguishes broken transport from protocol level rejection.
func isTransportError(err error) bool {
	switch categorize(err) {
	case CategoryTimeout, CategoryNetwork, CategoryConnectionRefused,
		CategoryTLSProtocol, CategoryTLSHandshake, CategoryCertificate:
		return true
	}
	return false
}
