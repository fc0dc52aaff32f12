// Package retriever implements sequential mailbox retrieval on top of a
// connection manager: listing, single message retrieval with reconnects and
// filtered batch retrieval with partial success.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hickar/mailfetch/internal/app/mailbox"
	"github.com/hickar/mailfetch/internal/app/mailer"
	"github.com/hickar/mailfetch/internal/app/metrics"
)

const (
	DefaultReconnectEvery     = 5
	DefaultRetrieveRetries    = 2
	DefaultReconnectWait      = time.Second
	DefaultReconnectRetryWait = 5 * time.Second
)

// Session is a mailbox connection, *mailbox.Manager satisfies it.
type Session interface {
	Connect(ctx context.Context) (*mailbox.RetrySession, error)
	List(ctx context.Context) ([]mailbox.Entry, error)
	Retrieve(ctx context.Context, index int) ([]byte, error)
	Delete(ctx context.Context, index int) error
	Disconnect(ctx context.Context)
}

// MessageParser turns raw bytes into message, *format.Parser satisfies it.
type MessageParser interface {
	Parse(raw []byte) *mailer.Message
}

// ReadState remembers messages handled by earlier runs, keyed by server UID.
type ReadState interface {
	IsRead(ctx context.Context, account, uid string) (bool, error)
	MarkRead(ctx context.Context, account string, uids ...string) error
}

type Options struct {
	Account             string        // Account name for logs and metrics.
	ReconnectEvery      int           // Reconnect after this many retrieved messages, 0 means default.
	RetrieveRetries     int           // Reconnect-and-retry cycles for one message, negative disables.
	ReconnectWait       time.Duration // Wait between disconnect and reconnect.
	ReconnectRetryWait  time.Duration // Longer wait before the second reconnect attempt of a batch.
	DeleteAfterRetrieve bool          // Mark retrieved messages for deletion.

	// Sleep waits between reconnects, replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) setDefaults() {
	if o.ReconnectEvery <= 0 {
		o.ReconnectEvery = DefaultReconnectEvery
	}
	switch {
	case o.RetrieveRetries == 0:
		o.RetrieveRetries = DefaultRetrieveRetries
	case o.RetrieveRetries < 0:
		o.RetrieveRetries = 0
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = DefaultReconnectWait
	}
	if o.ReconnectRetryWait <= 0 {
		o.ReconnectRetryWait = DefaultReconnectRetryWait
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
}

// Filters narrow down RetrieveAll result. Zero value keeps every message.
type Filters struct {
	Limit      int       // Keep only N most recent list entries.
	MaxSize    int64     // Skip entries larger than this many bytes.
	OnlyUnread bool      // Skip entries known to read state.
	Since      time.Time // Skip messages dated before, undated messages are skipped too.
	Sender     string    // Case-insensitive sender substring.
	Subject    string    // Case-insensitive subject substring.
	Match      Predicate // Compiled filter expressions.
}

// BatchError aborts RetrieveAll. Messages retrieved before failure are
// returned alongside it.
type BatchError struct {
	Retrieved int
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch aborted after %d retrieved messages: %s", e.Retrieved, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Client runs retrieval workflow over a single session. Not safe for concurrent use.
type Client struct {
	session   Session
	parser    MessageParser
	readState ReadState
	opts      Options
	logger    *slog.Logger
}

func NewClient(session Session, parser MessageParser, readState ReadState, opts Options, logger *slog.Logger) *Client {
	opts.setDefaults()

	return &Client{
		session:   session,
		parser:    parser,
		readState: readState,
		opts:      opts,
		logger:    logger,
	}
}

// List returns mailbox entries in server order. Empty mailbox is not an error.
func (c *Client) List(ctx context.Context) ([]mailbox.Entry, error) {
	entries, err := c.session.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return entries, nil
}

// Retrieve fetches and parses message index, marking it for deletion when
// configured.
func (c *Client) Retrieve(ctx context.Context, index int) (*mailer.Message, error) {
	msg, err := c.retrieve(ctx, index)
	if err != nil {
		return nil, err
	}

	if c.opts.DeleteAfterRetrieve {
		if err = c.session.Delete(ctx, index); err != nil {
			c.logger.WarnContext(ctx, "failed to mark message deleted", slog.Int("index", index), slog.Any("error", err))
		}
	}

	return msg, nil
}

// retrieve fetches message index, reconnecting on transport failures up to
// RetrieveRetries times.
func (c *Client) retrieve(ctx context.Context, index int) (*mailer.Message, error) {
	raw, err := c.session.Retrieve(ctx, index)

	for attempt := 1; err != nil && mailbox.IsTransient(err) && attempt <= c.opts.RetrieveRetries; attempt++ {
		c.logger.InfoContext(ctx, "transport failed during retrieval, reconnecting",
			slog.Int("index", index),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)

		c.session.Disconnect(ctx)
		if sleepErr := c.opts.Sleep(ctx, c.opts.ReconnectWait); sleepErr != nil {
			return nil, fmt.Errorf("retrieve %d: %w", index, sleepErr)
		}

		if _, err = c.session.Connect(ctx); err == nil {
			raw, err = c.session.Retrieve(ctx, index)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve %d: %w", index, err)
	}

	return c.parser.Parse(raw), nil
}

// RetrieveAll retrieves messages in list order applying filters. A message
// that can't be retrieved is logged and skipped. Session is reconnected
// after every ReconnectEvery retrievals. When reconnect fails the messages
// retrieved so far are returned together with *BatchError.
func (c *Client) RetrieveAll(ctx context.Context, f Filters) ([]*mailer.Message, error) {
	entries, err := c.List(ctx)
	if err != nil {
		return nil, err
	}

	if f.Limit > 0 && len(entries) > f.Limit {
		entries = entries[len(entries)-f.Limit:]
	}

	var (
		messages       []*mailer.Message
		seen           = make(map[string]struct{}, len(entries)) // server UIDs
		deleted        []int
		sinceReconnect int
	)

	for pos := range entries {
		entry := entries[pos]
		if entry.UID != "" {
			if _, ok := seen[entry.UID]; ok {
				c.logger.DebugContext(ctx, "skipping duplicate listing entry", slog.Int("index", entry.Index), slog.String("uid", entry.UID))
				continue
			}
			seen[entry.UID] = struct{}{}
		}

		if err = ctx.Err(); err != nil {
			return messages, &BatchError{Retrieved: len(messages), Err: err}
		}

		if f.MaxSize > 0 && entry.Size > f.MaxSize {
			c.logger.DebugContext(ctx, "skipping oversized message", slog.Int("index", entry.Index), slog.Int64("size", entry.Size))
			continue
		}

		read := c.isRead(ctx, entry)
		if f.OnlyUnread && read {
			continue
		}

		msg, err := c.retrieve(ctx, entry.Index)
		if err != nil {
			metrics.MessageFailuresTotal.WithLabelValues(c.opts.Account).Inc()
			if isSessionFatal(err) {
				return messages, &BatchError{Retrieved: len(messages), Err: err}
			}

			c.logger.WarnContext(ctx, "skipping unreadable message", slog.Int("index", entry.Index), slog.Any("error", err))
			continue
		}
		sinceReconnect++

		msg.UID = entry.UID
		msg.IsRead = read

		if f.matches(msg) {
			messages = append(messages, msg)
			metrics.MessagesRetrievedTotal.WithLabelValues(c.opts.Account).Inc()

			if c.opts.DeleteAfterRetrieve {
				if err = c.session.Delete(ctx, entry.Index); err != nil {
					c.logger.WarnContext(ctx, "failed to mark message deleted", slog.Int("index", entry.Index), slog.Any("error", err))
				} else {
					deleted = append(deleted, entry.Index)
				}
			}
		}

		if sinceReconnect < c.opts.ReconnectEvery || pos == len(entries)-1 {
			continue
		}

		if err = c.reconnect(ctx); err != nil {
			return messages, &BatchError{Retrieved: len(messages), Err: err}
		}
		remapIndices(entries[pos+1:], deleted)
		deleted = nil
		sinceReconnect = 0
	}

	return messages, nil
}

// reconnect bounds session lifetime on long batches. Failed reconnect is
// retried once after a longer wait.
func (c *Client) reconnect(ctx context.Context) error {
	c.logger.DebugContext(ctx, "reconnecting session")
	c.session.Disconnect(ctx)

	if err := c.opts.Sleep(ctx, c.opts.ReconnectWait); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}

	_, err := c.session.Connect(ctx)
	if err == nil {
		metrics.SessionReconnectsTotal.WithLabelValues(c.opts.Account, "success").Inc()
		return nil
	}

	c.logger.WarnContext(ctx, "reconnect failed, retrying", slog.Duration("wait", c.opts.ReconnectRetryWait), slog.Any("error", err))
	if err = c.opts.Sleep(ctx, c.opts.ReconnectRetryWait); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}

	if _, err = c.session.Connect(ctx); err != nil {
		metrics.SessionReconnectsTotal.WithLabelValues(c.opts.Account, "failure").Inc()
		return fmt.Errorf("reconnect: %w", err)
	}

	metrics.SessionReconnectsTotal.WithLabelValues(c.opts.Account, "success").Inc()
	return nil
}

func (c *Client) isRead(ctx context.Context, entry mailbox.Entry) bool {
	if c.readState == nil || entry.UID == "" {
		return false
	}

	read, err := c.readState.IsRead(ctx, c.opts.Account, entry.UID)
	if err != nil {
		c.logger.WarnContext(ctx, "read state lookup failed", slog.String("uid", entry.UID), slog.Any("error", err))
		return false
	}
	return read
}

func (f Filters) matches(m *mailer.Message) bool {
	if !f.Since.IsZero() && (m.Date == nil || m.Date.Before(f.Since)) {
		return false
	}
	if f.Sender != "" && !containsFold(m.From.String(), f.Sender) {
		return false
	}
	if f.Subject != "" && !containsFold(m.Subject, f.Subject) {
		return false
	}
	if f.Match != nil && !f.Match(m) {
		return false
	}
	return true
}

// remapIndices shifts message numbers after deletions were committed, as
// servers renumber remaining messages on the next session.
func remapIndices(entries []mailbox.Entry, deleted []int) {
	if len(deleted) == 0 {
		return
	}

	for i := range entries {
		shift := 0
		for _, d := range deleted {
			if d < entries[i].Index {
				shift++
			}
		}
		entries[i].Index -= shift
	}
}

// isSessionFatal reports failures no further message of the batch can recover from.
func isSessionFatal(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}

	var connErr *mailbox.ConnectionError
	if !errors.As(err, &connErr) {
		return false
	}

	switch connErr.Category {
	case mailbox.CategoryAuthFailed, mailbox.CategoryAppPasswordRequired, mailbox.CategoryConnectionRefused:
		return true
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
