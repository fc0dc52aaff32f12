package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hickar/mailfetch/internal/app/config"
	"github.com/hickar/mailfetch/internal/pkg/logger"
)

// Message statuses set by TaskRunner.
const (
	StatusStored = "stored"
	StatusFailed = "failed"
)

type MailFetcher interface {
	FetchMail(context.Context, config.AccountConfig) ([]*Message, error)
}

// Store keeps serialized message and returns its location.
type Store interface {
	Save(ctx context.Context, account, messageID string, raw []byte) (string, error)
}

type ReadMarker interface {
	MarkRead(ctx context.Context, account string, uids ...string) error
}

// BuildFunc serializes message into RFC 5322 bytes.
type BuildFunc func(*Message) ([]byte, error)

type TaskRunner struct {
	cfg        config.Config
	fetcher    MailFetcher
	build      BuildFunc
	stores     []Store
	readMarker ReadMarker
	logger     *slog.Logger
}

func NewRunner(
	cfg config.Config,
	fetcher MailFetcher,
	build BuildFunc,
	stores []Store,
	readMarker ReadMarker,
	logger *slog.Logger,
) TaskRunner {
	return TaskRunner{
		cfg:        cfg,
		fetcher:    fetcher,
		build:      build,
		stores:     stores,
		readMarker: readMarker,
		logger:     logger,
	}
}

// Run fetches mail of every configured account one after another. Failure
// of one account doesn't prevent others from being processed.
func (r *TaskRunner) Run(ctx context.Context) error {
	var errs []error

	for _, acc := range r.cfg.Accounts {
		if _, err := r.RunAccount(ctx, acc); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", acc.Name, err))
		}
	}

	return errors.Join(errs...)
}

// RunAccount fetches account mail, saves every message into all stores and
// marks stored messages read, so they are skipped by "only unread" fetches.
//
// Messages retrieved before a batch failure are still handled, the failure
// is returned afterwards.
func (r *TaskRunner) RunAccount(ctx context.Context, acc config.AccountConfig) ([]*Message, error) {
	ctx = logger.WithAttrs(ctx, slog.String("account", acc.Name))

	messages, fetchErr := r.fetcher.FetchMail(ctx, acc)
	if fetchErr != nil {
		r.logger.ErrorContext(ctx, "mail retrieval failed", slog.Any("error", fetchErr), slog.Int("retrieved", len(messages)))
		if len(messages) == 0 {
			return nil, fmt.Errorf("retrieve mail: %w", fetchErr)
		}
	}

	r.logger.InfoContext(ctx, fmt.Sprintf("received %d new messages", len(messages)))

	var uids []string
	for _, msg := range messages {
		if err := r.store(ctx, acc.Name, msg); err != nil {
			msg.Status = StatusFailed
			r.logger.WarnContext(ctx, "failed to store message",
				slog.String("message_id", msg.MessageID),
				slog.Any("error", err),
			)
			continue
		}

		msg.Status = StatusStored
		if msg.UID != "" {
			uids = append(uids, msg.UID)
		}
	}

	if r.readMarker != nil && len(uids) > 0 {
		if err := r.readMarker.MarkRead(ctx, acc.Name, uids...); err != nil {
			r.logger.ErrorContext(ctx, "failed to update read state", slog.Any("error", err))
		}
	}

	if fetchErr != nil {
		return messages, fmt.Errorf("retrieve mail: %w", fetchErr)
	}
	return messages, nil
}

func (r *TaskRunner) store(ctx context.Context, account string, msg *Message) error {
	if len(r.stores) == 0 {
		return nil
	}

	raw, err := r.build(msg)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	var errs []error
	for _, s := range r.stores {
		location, err := s.Save(ctx, account, msg.MessageID, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.logger.DebugContext(ctx, "message stored", slog.String("location", location))
	}

	return errors.Join(errs...)
}
