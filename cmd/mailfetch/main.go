package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hickar/mailfetch/internal/app/config"
	"github.com/hickar/mailfetch/internal/app/daemon"
	"github.com/hickar/mailfetch/internal/app/format"
	"github.com/hickar/mailfetch/internal/app/mailbox"
	"github.com/hickar/mailfetch/internal/app/mailer"
	"github.com/hickar/mailfetch/internal/app/render"
	"github.com/hickar/mailfetch/internal/app/retriever"
	"github.com/hickar/mailfetch/internal/app/storage"
	"github.com/hickar/mailfetch/internal/pkg/logger"
)

var (
	configFilepath = flag.String("config", "./config.yaml", "Filepath to configuration file. Default is './config.yaml'")
	envFilepath    = flag.String("env-file", "./.env", "Filepath to environment variables file. Default is './.env'")
	once           = flag.Bool("once", false, "Fetch every account once, print rendered messages and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configFilepath, *envFilepath)
	if err != nil {
		log.Fatalf("failed to load configuration: %s", err)
	}

	lg := logger.New(os.Stderr, logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	if err = run(ctx, cfg, lg); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error(fmt.Sprintf("Application exited with error: %s", err), slog.String("module", "main"))
		cancel()
		//nolint:gocritic
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, lg *slog.Logger) error {
	quirks, err := mailbox.DefaultQuirks.WithOverrides(cfg.ProviderQuirks)
	if err != nil {
		return fmt.Errorf("load provider quirks: %w", err)
	}

	state, closeState, err := newReadState(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeState()

	stores, err := newStores(cfg.Storage)
	if err != nil {
		return err
	}

	parser := format.NewParser(lg.With(slog.String("module", "format")))
	fetcher := retriever.NewFetcher(parser, state, quirks, lg.With(slog.String("module", "retriever")))

	runner := mailer.NewRunner(
		cfg,
		fetcher,
		format.Build,
		stores,
		state,
		lg.With(slog.String("module", "runner")),
	)

	if *once {
		return runOnce(ctx, cfg, &runner, os.Stdout)
	}

	d := daemon.NewDaemon(
		cfg,
		&daemon.Scheduler{},
		&runner,
		lg.With(slog.String("module", "daemon")),
	)

	return d.Start(ctx)
}

// runOnce fetches every account a single time and prints rendered messages.
func runOnce(ctx context.Context, cfg config.Config, runner *mailer.TaskRunner, w io.Writer) error {
	var errs []error

	for _, acc := range cfg.Accounts {
		messages, err := runner.RunAccount(ctx, acc)
		if err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", acc.Name, err))
		}

		for _, msg := range messages {
			out, err := render.Render(msg, acc.Template)
			if err != nil {
				errs = append(errs, fmt.Errorf("account %s: render: %w", acc.Name, err))
				continue
			}

			_, _ = fmt.Fprintf(w, "%s\n%s\n\n", strings.Repeat("=", 72), out)
		}
	}

	return errors.Join(errs...)
}

func newReadState(cfg config.StorageConfig) (retriever.ReadState, func(), error) {
	if cfg.SQLitePath == "" {
		return storage.NewMemoryReadState(), func() {}, nil
	}

	s, err := storage.NewSQLiteReadState(cfg.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open read state: %w", err)
	}

	return s, func() { _ = s.Close() }, nil
}

func newStores(cfg config.StorageConfig) ([]mailer.Store, error) {
	var stores []mailer.Store

	if cfg.Dir != "" {
		s, err := storage.NewDirStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		stores = append(stores, s)
	}

	if cfg.S3 != nil {
		stores = append(stores, storage.NewS3Store(storage.NewS3Client(*cfg.S3), cfg.S3.Bucket, cfg.S3.Prefix))
	}

	return stores, nil
}
