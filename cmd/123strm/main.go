// Command 123strm mirrors a 123pan drive as local .strm pointer files
// and serves the redirect endpoint media players stream through.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/knifezred/123strm/internal/api"
	"github.com/knifezred/123strm/internal/config"
	"github.com/knifezred/123strm/internal/logging"
	"github.com/knifezred/123strm/internal/manifest"
	"github.com/knifezred/123strm/internal/monitor"
	"github.com/knifezred/123strm/internal/pan"
	"github.com/knifezred/123strm/internal/runner"
	"github.com/knifezred/123strm/internal/scheduler"
	"github.com/knifezred/123strm/internal/token"
)

func main() {
	dataDir := flag.String("data", "./data", "directory for config.yml, token and manifest caches")
	flag.Parse()

	cfg, err := config.NewManager(*dataDir)
	if err != nil {
		logging.InitDefault()
		logging.Fatal("loading configuration", zap.Error(err))
	}

	settings := cfg.Settings()
	if err := logging.Init(logging.Config{Level: settings.LogLevel, Format: settings.LogFormat}); err != nil {
		logging.InitDefault()
		logging.Warn("falling back to default logging", zap.Error(err))
	}
	defer logging.Sync()

	logging.Info("starting",
		zap.String("data_dir", *dataDir),
		zap.String("listen", settings.Listen),
		zap.String("cron", settings.Cron),
		zap.Int("jobs", len(cfg.JobIDs())))

	var client *pan.Client
	tokens := token.NewFileStore(*dataDir, func(ctx context.Context, id, secret string) (string, time.Time, error) {
		return client.Auth(ctx, id, secret)
	})
	client = pan.NewClient(tokens)

	store := manifest.NewStore(*dataDir)
	jobs := runner.New(client, cfg, store)
	urls := pan.NewURLCache()

	sched := scheduler.New(cfg, jobs, urls)
	if err := sched.Start(); err != nil {
		logging.Fatal("starting scheduler", zap.Error(err))
	}
	defer sched.Stop()

	watcher := monitor.New(client, cfg, store)
	if err := watcher.Start(); err != nil {
		logging.Warn("delete watcher not started", zap.Error(err))
	}
	defer watcher.Stop()

	// Saving the configuration through the API restarts the watcher so
	// target directory changes take effect without a process restart.
	server := api.New(cfg, jobs, client, urls, func() {
		logging.SetLevel(cfg.Settings().LogLevel)
		if err := watcher.Start(); err != nil {
			logging.Warn("delete watcher restart failed", zap.Error(err))
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.ListenAndServe(ctx, settings.Listen); err != nil {
		logging.Error("http server stopped", zap.Error(err))
	}
	logging.Info("shutdown complete")
}
