package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chellapp/portal/internal/relay"
	"github.com/chellapp/portal/internal/relay/snapshot"
)

func main() {
	var (
		listenAddr   = flag.String("listen", ":8787", "WebSocket listen address")
		dataDir      = flag.String("data-dir", "", "session snapshot directory (default $HOME/.portal/sessions)")
		retention    = flag.Duration("retention", snapshot.DefaultRetention, "evict sessions idle longer than this")
		natsURL      = flag.String("nats-url", "", "NATS server URL for the JetStream session mirror (empty disables)")
		natsUser     = flag.String("nats-user", "", "NATS username")
		natsPassword = flag.String("nats-password", "", "NATS password")
		logJSON      = flag.Bool("log-json", false, "emit logs as JSON")
	)
	flag.Parse()

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if *logJSON {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)

	cfg := relay.Config{
		ListenAddr:   *listenAddr,
		SnapshotsDir: *dataDir,
		Retention:    *retention,
		Logger:       logger,
		Version:      version,
		Commit:       commit,
	}
	if *natsURL != "" {
		cfg.JetStream = &snapshot.JetStreamOptions{
			URL:      *natsURL,
			User:     *natsUser,
			Password: *natsPassword,
		}
	}

	srv, err := relay.New(cfg)
	if err != nil {
		logger.Error("configure relay", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("start relay", "err", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	srv.Stop()
}

// Populated by -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
)
