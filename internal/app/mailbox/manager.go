// Package mailbox owns mailbox protocol sessions: connecting with bounded
// retries, authentication negotiation, failure classification and the raw
// list/retrieve/delete operations of POP3 and IMAP servers.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hickar/mailfetch/internal/app/config"
	"github.com/hickar/mailfetch/internal/app/metrics"
)

// State of connection manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Entry is one message of mailbox listing.
type Entry struct {
	Index int    // Server assigned message number.
	Size  int64  // Size in bytes as reported by server.
	UID   string // Unique id, empty when server doesn't offer it.
}

// Backend opens protocol sessions over transport.
type Backend interface {
	Proto() string
	Open(ctx context.Context, t Transport) (Conn, error)
}

// Conn is an open, not yet authenticated, protocol session.
type Conn interface {
	// SupportsChallenge reports whether server offered challenge-response authentication.
	SupportsChallenge() bool
	AuthBasic(username, password string) error
	AuthChallenge(username, password string) error
	List() ([]Entry, error)
	Retrieve(index int) ([]byte, error)
	Delete(index int) error
	// Logout ends session gracefully, committing deletions.
	Logout() error
	// Close drops underlying transport.
	Close() error
}

// Attempt is a record of one failed connection attempt.
type Attempt struct {
	Number   int
	Method   config.AuthMethod
	Category Category
	Wait     time.Duration
	Err      error
}

// RetrySession is the state of one Connect call: attempt counter, auth
// method currently in use and history of failed attempts.
type RetrySession struct {
	Attempt int
	Method  config.AuthMethod
	History []Attempt
}

// nextMethod rotates auth method after credentials were rejected under AUTO.
func (r *RetrySession) nextMethod() {
	switch r.Method {
	case config.AuthAuto:
		r.Method = config.AuthBasic
	case config.AuthBasic:
		r.Method = config.AuthChallengeResponse
	default:
		r.Method = config.AuthAuto
	}
}

type Option func(*Manager)

// WithQuirks replaces provider quirk table.
func WithQuirks(table QuirkTable) Option {
	return func(m *Manager) {
		m.quirks = table
	}
}

// WithSleep replaces function used to wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		m.sleep = sleep
	}
}

// Manager owns exactly one mailbox session at a time. It is not safe for
// concurrent use, independent accounts use independent managers.
type Manager struct {
	cfg     config.ConnectionConfig
	backend Backend
	quirks  QuirkTable
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger

	state State
	conn  Conn
}

// New creates manager for cfg. It fails when host or port is missing.
func New(cfg config.ConnectionConfig, backend Backend, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("connection config: %w", err)
	}
	if backend == nil {
		return nil, errors.New("connection config: backend is required")
	}

	m := &Manager{
		cfg:     cfg,
		backend: backend,
		quirks:  DefaultQuirks,
		sleep:   sleepContext,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// State returns current state of session.
func (m *Manager) State() State {
	return m.state
}

// Connect opens and authenticates session, retrying classified failures up
// to MaxRetries attempts. Returned RetrySession describes attempts made.
// Calling Connect on ready session is a no-op.
func (m *Manager) Connect(ctx context.Context) (*RetrySession, error) {
	rs := &RetrySession{Method: m.cfg.AuthMethod}
	if m.state == StateReady {
		return rs, nil
	}

	maxAttempts := max(m.cfg.MaxRetries, 1)
	proto := m.backend.Proto()

	for rs.Attempt = 1; ; rs.Attempt++ {
		start := time.Now()
		err := m.attempt(ctx, rs.Method)
		metrics.ConnectDuration.WithLabelValues(proto).Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.ConnectAttemptsTotal.WithLabelValues(proto, "success").Inc()
			m.logger.DebugContext(ctx, "connected",
				slog.String("address", m.cfg.Address()),
				slog.Int("attempt", rs.Attempt),
				slog.String("auth_method", string(rs.Method)),
			)
			return rs, nil
		}

		category := CategoryOf(err)
		metrics.ConnectAttemptsTotal.WithLabelValues(proto, "failure").Inc()
		metrics.ConnectionErrorsTotal.WithLabelValues(string(category)).Inc()

		record := Attempt{Number: rs.Attempt, Method: rs.Method, Category: category, Err: err}
		if !category.Retryable() || rs.Attempt >= maxAttempts {
			rs.History = append(rs.History, record)
			m.logger.WarnContext(ctx, "connection failed",
				slog.String("address", m.cfg.Address()),
				slog.Int("attempts", rs.Attempt),
				slog.String("category", string(category)),
				slog.Any("error", err),
			)
			return rs, err
		}

		record.Wait = category.Backoff(rs.Attempt)
		rs.History = append(rs.History, record)

		if category == CategoryAuthFailed && m.cfg.AuthMethod == config.AuthAuto {
			rs.nextMethod()
		}

		m.logger.InfoContext(ctx, "connection attempt failed, retrying",
			slog.String("address", m.cfg.Address()),
			slog.Int("attempt", rs.Attempt),
			slog.String("category", string(category)),
			slog.Duration("wait", record.Wait),
			slog.Any("error", err),
		)

		if err = m.sleep(ctx, record.Wait); err != nil {
			return rs, classify("connect", err)
		}
	}
}

// attempt performs single dial and authentication. Failed session is closed.
func (m *Manager) attempt(ctx context.Context, method config.AuthMethod) error {
	m.state = StateConnecting

	transport := Transport{Address: m.cfg.Address(), Timeout: m.cfg.Timeout}
	if m.cfg.UseTLS {
		transport.TLS = m.quirks.TLSConfig(m.cfg.Host, m.cfg.TLSSkipVerify)
	}

	conn, err := m.backend.Open(ctx, transport)
	if err != nil {
		m.state = StateDisconnected
		return classify("connect", err)
	}

	m.state = StateAuthenticating
	if err = m.authenticate(conn, method); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			m.logger.Debug("close failed connection", slog.Any("error", closeErr))
		}
		m.state = StateDisconnected
		return classify("authenticate", err)
	}

	m.conn = conn
	m.state = StateReady
	return nil
}

func (m *Manager) authenticate(conn Conn, method config.AuthMethod) error {
	switch method {
	case config.AuthBasic:
		return m.authError(method, conn.AuthBasic(m.cfg.Username, m.cfg.Password))

	case config.AuthChallengeResponse:
		if !conn.SupportsChallenge() {
			return m.authError(method, errChallengeUnsupported)
		}
		return m.authError(method, conn.AuthChallenge(m.cfg.Username, m.cfg.Password))

	default:
		if conn.SupportsChallenge() {
			err := conn.AuthChallenge(m.cfg.Username, m.cfg.Password)
			if err == nil {
				return nil
			}
			if isTransportError(err) {
				return err
			}
			m.logger.Debug("challenge-response rejected, falling back to basic auth", slog.Any("error", err))
		}
		return m.authError(config.AuthBasic, conn.AuthBasic(m.cfg.Username, m.cfg.Password))
	}
}

// authError marks server rejection as AuthenticationError, transport failures pass as is.
func (m *Manager) authError(method config.AuthMethod, err error) error {
	if err == nil || isTransportError(err) {
		return err
	}

	authErr := &AuthenticationError{Method: method, Err: err}
	if q, ok := m.quirks.Lookup(m.cfg.Host); ok {
		authErr.Hint = q.AppPasswordHint
	}
	return authErr
}

// List returns mailbox listing, connecting first when needed.
func (m *Manager) List(ctx context.Context) ([]Entry, error) {
	if err := m.ensureReady(ctx); err != nil {
		return nil, err
	}

	entries, err := m.conn.List()
	if err != nil {
		return nil, m.opError(ctx, "list", err)
	}

	return entries, nil
}

// Retrieve returns raw bytes of message index.
func (m *Manager) Retrieve(ctx context.Context, index int) ([]byte, error) {
	if err := m.ensureReady(ctx); err != nil {
		return nil, err
	}

	raw, err := m.conn.Retrieve(index)
	if err != nil {
		return nil, m.opError(ctx, fmt.Sprintf("retrieve %d", index), err)
	}

	return raw, nil
}

// Delete marks message index for deletion, it is committed on Disconnect.
func (m *Manager) Delete(ctx context.Context, index int) error {
	if err := m.ensureReady(ctx); err != nil {
		return err
	}

	if err := m.conn.Delete(index); err != nil {
		return m.opError(ctx, fmt.Sprintf("delete %d", index), err)
	}

	return nil
}

// Disconnect logs out gracefully, falling back to closing transport.
// It never fails and calling it on closed session does nothing.
func (m *Manager) Disconnect(ctx context.Context) {
	if m.conn == nil {
		m.state = StateDisconnected
		return
	}

	m.state = StateClosing
	if err := m.conn.Logout(); err != nil {
		m.logger.DebugContext(ctx, "graceful logout failed, closing transport", slog.Any("error", err))
	}
	if err := m.conn.Close(); err != nil {
		m.logger.DebugContext(ctx, "close transport", slog.Any("error", err))
	}

	m.conn = nil
	m.state = StateDisconnected
}

func (m *Manager) ensureReady(ctx context.Context) error {
	if m.state == StateReady && m.conn != nil {
		return nil
	}

	if _, err := m.Connect(ctx); err != nil {
		return err
	}
	return nil
}

// opError classifies operation failure. Dead transport is dropped so that
// next operation reconnects.
func (m *Manager) opError(ctx context.Context, op string, err error) error {
	err = classify(op, err)
	if IsTransient(err) {
		m.logger.DebugContext(ctx, "dropping broken transport", slog.String("op", op), slog.Any("error", err))
		_ = m.conn.Close()
		m.conn = nil
		m.state = StateDisconnected
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
