/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Command discoveryd runs the Discovery Daemon (spec.md C5): a
// single-threaded polling loop that finds untouched labeled issues and
// new PR follow-up comments across every monitored repo, and enqueues
// jobs for the worker (C7) to pick up.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	_ "github.com/chainguard-dev/clog/gcp/init"
	"github.com/integry/gitfix/config"
	"github.com/integry/gitfix/discovery"
	"github.com/integry/gitfix/githubclient"
	"github.com/integry/gitfix/taskqueue"
	"github.com/integry/gitfix/taskstore"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-envconfig"
)

type processConfig struct {
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`

	ConfigPath string `env:"CONFIG_PATH,required"`

	GithubAppID          int64  `env:"GITHUB_APP_ID,required"`
	GithubInstallationID int64  `env:"GITHUB_APP_INSTALLATION_ID,required"`
	GithubPrivateKeyPath string `env:"GITHUB_APP_PRIVATE_KEY_PATH,required"`

	BotUsername     string        `env:"BOT_USERNAME,default=gitfix-bot"`
	PollingInterval time.Duration `env:"POLLING_INTERVAL,default=60s"`
	MetricsPort     int           `env:"METRICS_PORT,default=9091"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reset := flag.Bool("reset", false, "drain and obliterate the task queue, then start")
	resetLabels := flag.Bool("reset-labels", false, "remove every <label>-processing label from open issues, then start")
	flag.Parse()

	var cfg processConfig
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "processing config: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	queueStore := taskqueue.NewStore(rdb, "gitfix")

	privateKeyPEM, err := os.ReadFile(cfg.GithubPrivateKeyPath)
	if err != nil {
		clog.FatalContextf(ctx, "reading GitHub App private key: %v", err)
	}
	gw, err := githubclient.New(cfg.GithubAppID, cfg.GithubInstallationID, privateKeyPEM)
	if err != nil {
		clog.FatalContextf(ctx, "constructing GitHub gateway: %v", err)
	}

	cfgLoader, err := config.New(ctx, config.FileSource{Path: cfg.ConfigPath}, config.EnvDefaults{})
	if err != nil {
		clog.FatalContextf(ctx, "loading settings document: %v", err)
	}
	go cfgLoader.Run(ctx)

	if *reset {
		if _, err := queueStore.Drain(ctx); err != nil {
			clog.FatalContextf(ctx, "draining queue: %v", err)
		}
		if err := queueStore.Obliterate(ctx); err != nil {
			clog.FatalContextf(ctx, "obliterating queue: %v", err)
		}
		clog.InfoContext(ctx, "Queue drained and obliterated, continuing startup")
	}
	if *resetLabels {
		if err := resetProcessingLabels(ctx, gw, cfgLoader); err != nil {
			clog.FatalContextf(ctx, "resetting processing labels: %v", err)
		}
		clog.InfoContext(ctx, "Processing labels cleared, continuing startup")
	}

	daemon := &discovery.Daemon{
		GitHub:          gw,
		Queue:           queueStore,
		Store:           taskstore.New(rdb),
		Config:          cfgLoader,
		PollingInterval: cfg.PollingInterval,
		BotUsername:     cfg.BotUsername,
	}

	go serveMetrics(ctx, cfg.MetricsPort)

	clog.InfoContextf(ctx, "Starting discovery daemon, polling every %s", cfg.PollingInterval)
	if err := daemon.Run(ctx); err != nil {
		clog.FatalContextf(ctx, "discovery daemon failed: %v", err)
	}
	clog.InfoContext(ctx, "Discovery daemon stopped")
}

// resetProcessingLabels implements the --reset-labels admin operation
// (spec.md §6): for every monitored repo and primary label, find open
// issues still carrying that label's processing variant and strip it, so
// the next poll treats them as untouched again.
func resetProcessingLabels(ctx context.Context, gw *githubclient.Gateway, cfgLoader *config.Loader) error {
	snap := cfgLoader.LoadAll()
	for _, repo := range snap.EnabledRepos() {
		owner, name := repo.Owner(), repo.Repo()
		for _, label := range snap.Settings.PrimaryLabels {
			processingLabel := snap.Settings.ProcessingLabel(label)
			issues, err := gw.ListIssuesWithLabel(ctx, owner, name, processingLabel)
			if err != nil {
				return fmt.Errorf("listing issues with %q in %s/%s: %w", processingLabel, owner, name, err)
			}
			for _, issue := range issues {
				if err := gw.RemoveLabel(ctx, owner, name, issue.Number, processingLabel); err != nil {
					return fmt.Errorf("removing %q from %s/%s#%d: %w", processingLabel, owner, name, issue.Number, err)
				}
			}
		}
	}
	return nil
}

func serveMetrics(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		clog.FromContext(ctx).With("error", err).Warn("Metrics server stopped unexpectedly")
	}
}
