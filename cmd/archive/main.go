package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	firebase "firebase.google.com/go/v4"

	"github.com/klipach/community/archive"
	"github.com/klipach/community/config"
	"github.com/klipach/community/log"
	"github.com/klipach/community/logger"
	"github.com/klipach/community/rtdb"
)

const loggerName = "community-archive"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Default().Error("error while loading config", slog.String(log.ErrorMsgLogField, err.Error()))
		os.Exit(1)
	}
	l, flush := logger.New(ctx, loggerName, log.ParseLevel(cfg.LogLevel))
	defer func() { _ = flush() }()

	if err := run(ctx, cfg, l); err != nil && !errors.Is(err, context.Canceled) {
		l.Error("archiver stopped", slog.String(log.ErrorMsgLogField, err.Error()))
		_ = flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, l *slog.Logger) error {
	app, err := firebase.NewApp(ctx, &firebase.Config{
		DatabaseURL: cfg.DatabaseURL,
		ProjectID:   cfg.ProjectID,
	})
	if err != nil {
		return err
	}
	db, err := rtdb.NewDatabase(ctx, app, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	client := rtdb.New(ctx, db, rtdb.WithPollInterval(cfg.PollInterval), rtdb.WithLogger(l))
	defer func() { _ = client.Close(context.WithoutCancel(ctx)) }()

	var sink archive.Sink
	switch cfg.ArchiveSink {
	case config.SinkPostgres:
		sink, err = archive.NewPostgresSink(ctx, cfg.ArchiveDatabaseURL)
	default:
		sink, err = archive.NewFirestoreSink(ctx, cfg.ProjectID)
	}
	if err != nil {
		return err
	}
	defer sink.Close()

	l.Info("archiver started", slog.String("sink", sink.Name()))
	return archive.New(client, sink,
		archive.WithInterval(cfg.ArchiveInterval),
		archive.WithLogger(l),
	).Run(ctx)
}
