/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Command worker runs the Task Pipeline/Worker (spec.md C7): it claims
// jobs off the task queue (C4) and drives each through the issue or
// PR-follow-up state machine, landing results back on GitHub via the
// gateway (C2) and the clone/worktree manager (C3).
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
	"github.com/integry/gitfix/agentadapter"
	"github.com/integry/gitfix/clonemanager"
	"github.com/integry/gitfix/config"
	"github.com/integry/gitfix/githubclient"
	"github.com/integry/gitfix/pipeline"
	"github.com/integry/gitfix/taskqueue"
	"github.com/integry/gitfix/taskstore"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-envconfig"
)

// processConfig is the worker process's own environment configuration
// (spec.md §6), distinct from the hot-reloaded task.Settings document the
// config.Loader serves.
type processConfig struct {
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`

	ConfigPath string `env:"CONFIG_PATH,required"`

	GithubAppID          int64  `env:"GITHUB_APP_ID,required"`
	GithubInstallationID int64  `env:"GITHUB_APP_INSTALLATION_ID,required"`
	GithubPrivateKeyPath string `env:"GITHUB_APP_PRIVATE_KEY_PATH,required"`

	ReposBasePath    string `env:"GIT_CLONES_BASE_PATH,default=/var/lib/gitfix/repos"`
	WorktreesBasePath string `env:"GIT_WORKTREES_BASE_PATH,default=/var/lib/gitfix/worktrees"`

	RetentionStrategy string `env:"WORKTREE_RETENTION_STRATEGY,default=keep_on_failure"`
	RetentionHours    int    `env:"WORKTREE_RETENTION_HOURS,default=24"`

	BotName  string `env:"BOT_NAME,default=gitfix-bot"`
	BotEmail string `env:"BOT_EMAIL,default=gitfix-bot@users.noreply.github.com"`

	AgentCommand        string        `env:"AGENT_COMMAND,required"`
	AgentDeadline       time.Duration `env:"AGENT_DEADLINE,default=30m"`
	AgentIdleTimeout    time.Duration `env:"AGENT_IDLE_TIMEOUT,default=5m"`

	WorkerConcurrency int `env:"WORKER_CONCURRENCY,default=4"`
	MetricsPort       int `env:"METRICS_PORT,default=9090"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reset := flag.Bool("reset", false, "clear the task queue keys, then start")
	flag.Parse()

	var cfg processConfig
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "processing config: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	queueStore := taskqueue.NewStore(rdb, "gitfix")

	if *reset {
		if err := queueStore.Obliterate(ctx); err != nil {
			clog.FatalContextf(ctx, "clearing queue keys: %v", err)
		}
		clog.InfoContext(ctx, "Queue keys cleared, continuing startup")
	}

	privateKeyPEM, err := os.ReadFile(cfg.GithubPrivateKeyPath)
	if err != nil {
		clog.FatalContextf(ctx, "reading GitHub App private key: %v", err)
	}
	gw, err := githubclient.New(cfg.GithubAppID, cfg.GithubInstallationID, privateKeyPEM)
	if err != nil {
		clog.FatalContextf(ctx, "constructing GitHub gateway: %v", err)
	}

	clones, err := clonemanager.New(
		gw.TokenSource(ctx),
		clonemanager.BotIdentity{Name: cfg.BotName, Email: cfg.BotEmail},
		cfg.ReposBasePath,
		cfg.WorktreesBasePath,
	)
	if err != nil {
		clog.FatalContextf(ctx, "constructing clone manager: %v", err)
	}

	cfgLoader, err := config.New(ctx, config.FileSource{Path: cfg.ConfigPath}, config.EnvDefaults{WorkerConcurrency: cfg.WorkerConcurrency})
	if err != nil {
		clog.FatalContextf(ctx, "loading settings document: %v", err)
	}
	go cfgLoader.Run(ctx)

	worker := &pipeline.Worker{
		GitHub:            gw,
		Clones:            clones,
		Agent:             agentadapter.New(),
		Store:             taskstore.New(rdb),
		Queue:             queueStore,
		Config:            cfgLoader,
		AgentCommand:      cfg.AgentCommand,
		AgentDeadline:     cfg.AgentDeadline,
		AgentIdleTimeout:  cfg.AgentIdleTimeout,
		RetentionStrategy: clonemanager.RetentionStrategy(cfg.RetentionStrategy),
		RetentionHours:    cfg.RetentionHours,
	}

	go serveMetrics(ctx, cfg.MetricsPort)

	dispatcher := taskqueue.NewDispatcher(queueStore, cfg.WorkerConcurrency)
	clog.InfoContextf(ctx, "Starting worker with concurrency %d", cfg.WorkerConcurrency)
	dispatcher.Run(ctx, worker.Handle)
	clog.InfoContext(ctx, "Worker stopped")
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
