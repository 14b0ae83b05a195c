package main

import (
	"cninfo-notices/config"
	"cninfo-notices/daterange"
	"cninfo-notices/download"
	"cninfo-notices/email"
	"cninfo-notices/fetcher"
	"cninfo-notices/poll"
	"cninfo-notices/query"
	"cninfo-notices/resolver"
	"cninfo-notices/storage"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
)

// app holds the wired components shared by every sub-command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  *http.Client
	store   *storage.Store
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: cfg.Portal.HTTPTimeout},
	}

	if cfg.Storage.LocalPath != "" {
		logger.Debug("Using local storage", "storage_path", cfg.Storage.LocalPath)
		a.store = storage.New(nil, "", cfg.Storage.LocalPath, logger)
		return a, nil
	}

	client, err := initStorageClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init storage client: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	a.store = storage.New(client, cfg.Storage.Bucket, "", logger)
	logger.Debug("Using Cloud Storage", "bucket", cfg.Storage.Bucket)
	return a, nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("Failed to close client", "error", err)
		}
	}
}

// engine loads the reference table and builds a query engine on top of it.
func (a *app) engine(ctx context.Context, strict bool) (*query.Engine, error) {
	res, err := resolver.Load(ctx, a.client, a.cfg.Portal.ReferenceTable, a.logger)
	if err != nil {
		return nil, fmt.Errorf("load reference table: %w", err)
	}
	a.logger.Debug("Reference table loaded", "source", a.cfg.Portal.ReferenceTable, "entries", res.Len())

	var policy fetcher.PagePolicy = fetcher.BestEffort{Logger: a.logger}
	if strict {
		policy = fetcher.FailFast{}
	}

	f := fetcher.New(a.client, a.logger,
		fetcher.WithEndpoint(a.cfg.Portal.SearchURL),
		fetcher.WithStaticHost(a.cfg.Portal.StaticHost),
		fetcher.WithAttempts(a.cfg.Portal.MaxAttempts),
		fetcher.WithPacer(fetcher.RandomPacer{Min: a.cfg.Portal.PolitenessMin, Max: a.cfg.Portal.PolitenessMax}),
		fetcher.WithPolicy(policy),
	)

	return query.New(res, f, daterange.New(), a.store, a.logger), nil
}

// monitor builds the poller. Digests are only wired when NOTIFY_EMAIL is set.
func (a *app) monitor(ctx context.Context, engine *query.Engine) (*poll.Monitor, error) {
	var emailer poll.Emailer
	if a.cfg.Email.NotifyTo != "" {
		provider, err := newProvider(ctx, a.cfg, a.logger)
		if err != nil {
			return nil, err
		}
		emailer = email.New(provider, a.logger, a.cfg.BaseURL)
	}
	return poll.New(engine, a.store, emailer, a.cfg.Email.NotifyTo, a.cfg.Poll.MinInterval, a.logger), nil
}

func (a *app) downloader(dir string) *download.Downloader {
	if dir == "" {
		dir = a.cfg.Download.Dir
	}
	return download.New(a.client, a.logger, dir,
		download.WithInterval(a.cfg.Download.Interval),
		download.WithAttempts(a.cfg.Portal.MaxAttempts),
	)
}

func newLogger(level slog.Level, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
