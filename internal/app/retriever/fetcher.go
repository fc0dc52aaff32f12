package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hickar/mailfetch/internal/app/config"
	"github.com/hickar/mailfetch/internal/app/mailbox"
	"github.com/hickar/mailfetch/internal/app/mailer"
)

// Fetcher retrieves mail of configured accounts. Every call builds its own
// connection manager and session client, so accounts share no mutable state.
type Fetcher struct {
	parser    MessageParser
	readState ReadState
	quirks    mailbox.QuirkTable
	backends  map[string]mailbox.Backend
	now       func() time.Time
	logger    *slog.Logger
}

func NewFetcher(parser MessageParser, readState ReadState, quirks mailbox.QuirkTable, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		parser:    parser,
		readState: readState,
		quirks:    quirks,
		backends: map[string]mailbox.Backend{
			config.ProtoPOP3: mailbox.POP3Backend{},
			config.ProtoIMAP: mailbox.IMAPBackend{},
		},
		now:    time.Now,
		logger: logger,
	}
}

// FetchMail connects to account mailbox, retrieves messages matching account
// filters and disconnects, committing deletions. On batch failure messages
// retrieved before it are returned together with error.
func (f *Fetcher) FetchMail(ctx context.Context, acc config.AccountConfig) ([]*mailer.Message, error) {
	backend, ok := f.backends[acc.Proto]
	if !ok {
		return nil, fmt.Errorf("unsupported proto %q", acc.Proto)
	}

	filters, err := FiltersFromAccount(acc, f.now())
	if err != nil {
		return nil, err
	}

	logger := f.logger.With(slog.String("account", acc.Name))

	mgr, err := mailbox.New(acc.ConnectionConfig, backend,
		logger.With(slog.String("module", "mailbox")),
		mailbox.WithQuirks(f.quirks),
	)
	if err != nil {
		return nil, fmt.Errorf("create connection manager: %w", err)
	}
	defer mgr.Disconnect(ctx)

	client := NewClient(mgr, f.parser, f.readState, Options{
		Account:             acc.Name,
		ReconnectEvery:      acc.ReconnectEvery,
		RetrieveRetries:     acc.RetrieveRetries,
		DeleteAfterRetrieve: acc.DeleteAfterRetrieve,
	}, logger)

	return client.RetrieveAll(ctx, filters)
}

// FiltersFromAccount compiles account filter settings. MaxAge takes
// precedence over Since when it yields a later time.
func FiltersFromAccount(acc config.AccountConfig, now time.Time) (Filters, error) {
	match, err := ParseFilters(acc.Filters)
	if err != nil {
		return Filters{}, err
	}

	maxSize, err := acc.MaxMessageBytes()
	if err != nil {
		return Filters{}, err
	}

	since := acc.Since
	if acc.MaxAge > 0 {
		if cutoff := now.Add(-acc.MaxAge); cutoff.After(since) {
			since = cutoff
		}
	}

	return Filters{
		Limit:      acc.Limit,
		MaxSize:    maxSize,
		OnlyUnread: acc.OnlyUnread,
		Since:      since,
		Sender:     acc.Sender,
		Subject:    acc.Subject,
		Match:      match,
	}, nil
}
