package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	_ "net/http/pprof" // profiling

	_ "github.com/joho/godotenv/autoload" // automatically load .env files

	"github.com/bwl/asyncrelay/internal/config"
	"github.com/bwl/asyncrelay/internal/facade"
	"github.com/bwl/asyncrelay/internal/httpapi"
	"github.com/bwl/asyncrelay/internal/log"
	"github.com/bwl/asyncrelay/internal/metrics"
	"github.com/bwl/asyncrelay/internal/queue"
	"github.com/bwl/asyncrelay/internal/replay"
	"github.com/bwl/asyncrelay/internal/upstream"
)

func main() {
	defer log.RecoverPanic("main", func() {
		slog.Error("Application terminated due to unhandled panic")
	})

	if os.Getenv("ASYNC_PROFILE") != "" {
		go func() {
			slog.Info("Serving pprof at localhost:6060")
			if httpErr := http.ListenAndServe("localhost:6060", nil); httpErr != nil {
				slog.Error("Failed to pprof listen", "error", httpErr)
			}
		}()
	}

	env := config.Load()

	client := upstream.NewHTTPClient(env.UpstreamBaseURL, env.UpstreamAPIKey, log.NewHTTPClient())
	if env.UpstreamHealthRetry {
		client.HealthClient = log.NewHTTPClientWithRetry(slog.Default().Enabled(context.Background(), slog.LevelDebug))
	}
	store := metrics.New(0)
	qm := queue.New(env.Queue, client, store)
	harness := replay.New(qm, env.ReplayReportsDir)
	f := facade.New(client, qm, store, harness)
	server := httpapi.NewServer(f)

	slog.Info("async relay sidecar listening", "addr", env.ListenAddr)
	if err := http.ListenAndServe(env.ListenAddr, server); err != nil {
		slog.Error("http server exited", "error", err)
		os.Exit(1)
	}
}
