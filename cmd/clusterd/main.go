package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"clusterd/internal/config"
	"clusterd/internal/node"
	"clusterd/internal/telemetry"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "clusterd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to a yaml config file")
		listen     = flag.String("listen", "", "gossip listen address host:port")
		admin      = flag.String("admin", "", "admin HTTP listen address host:port")
		seeds      = flag.String("seeds", "", "comma-separated seed addresses host:port")
		roles      = flag.String("roles", "", "comma-separated roles of this node")
		etcd       = flag.String("etcd", "", "comma-separated etcd endpoints for seed discovery")
		logLevel   = flag.String("log-level", "", "debug, info, warn or error")
		devLog     = flag.Bool("dev", false, "human readable development logging")
		leaveAfter = flag.Duration("leave-timeout", 30*time.Second, "how long to wait for a graceful leave on shutdown")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *admin != "" {
		cfg.AdminListen = *admin
	}
	if *seeds != "" {
		cfg.Seeds = splitList(*seeds)
	}
	if *roles != "" {
		cfg.Roles = splitList(*roles)
	}
	if *etcd != "" {
		cfg.Etcd.Endpoints = splitList(*etcd)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log, err := newLogger(cfg.LogLevel, *devLog)
	if err != nil {
		return err
	}
	defer log.Sync()

	telemetry.SetBuildInfo(version, gitSHA)

	n, err := node.New(cfg, log, nil)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		shutdown(n, log)
		return err
	}
	log.Info("clusterd started",
		zap.Stringer("self", n.Self()),
		zap.String("version", version),
		zap.Strings("roles", cfg.Roles),
	)

	select {
	case <-ctx.Done():
		log.Info("signal received, leaving cluster")
		leaveCtx, cancel := context.WithTimeout(context.Background(), *leaveAfter)
		if err := n.Leave(leaveCtx); err != nil {
			log.Warn("graceful leave failed", zap.Error(err))
		}
		cancel()
	case <-n.Coordinator().Done():
		if err := n.Coordinator().Err(); err != nil {
			shutdown(n, log)
			return err
		}
		log.Info("removed from cluster")
	}
	shutdown(n, log)
	return nil
}

func shutdown(n *node.Node, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.Stop(ctx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if dev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
