// Package main is the entry point for the stickybus daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/stickybus/internal/broker"
	"github.com/nugget/stickybus/internal/buildinfo"
	"github.com/nugget/stickybus/internal/bus"
	"github.com/nugget/stickybus/internal/config"
	"github.com/nugget/stickybus/internal/connwatch"
	"github.com/nugget/stickybus/internal/docstore"
	"github.com/nugget/stickybus/internal/gateway"
	"github.com/nugget/stickybus/internal/server"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	bind := flag.String("bind", "", "websocket listen address")
	brokerURL := flag.String("broker", "", "broker cluster URL")
	topic := flag.String("topic", "", "durable event topic root")
	group := flag.String("group", "", "loopback consumer group")
	db := flag.String("db", "", "document store path")
	logLevel := flag.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flag.Parse()

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "server":
			runServer(*configPath, flagOverrides(*bind, *brokerURL, *topic, *group, *db, *logLevel))
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	// Default: show help
	fmt.Println("stickybus - sticky round-robin event bus")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  server   Start the event bus daemon")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// flagOverrides captures the non-empty CLI flags so they can win over
// the config file.
func flagOverrides(bind, broker, topic, group, db, logLevel string) config.Config {
	return config.Config{
		Bind:     bind,
		Broker:   broker,
		Topic:    topic,
		Group:    group,
		DB:       db,
		LogLevel: logLevel,
	}
}

// loadConfig merges the optional config file with CLI overrides and
// applies defaults.
func loadConfig(configPath string, overrides config.Config) (*config.Config, error) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	}

	if overrides.Bind != "" {
		cfg.Bind = overrides.Bind
	}
	if overrides.Broker != "" {
		cfg.Broker = overrides.Broker
	}
	if overrides.Topic != "" {
		cfg.Topic = overrides.Topic
	}
	if overrides.Group != "" {
		cfg.Group = overrides.Group
	}
	if overrides.DB != "" {
		cfg.DB = overrides.DB
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServer(configPath string, overrides config.Config) {
	bootLogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := loadConfig(configPath, overrides)
	if err != nil {
		bootLogger.Error("configuration failed", "error", err)
		os.Exit(1)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		bootLogger.Error("bad log level", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	logger.Info("starting", "build", buildinfo.String())
	logger.Info("configuration loaded",
		"bind", cfg.Bind,
		"broker", cfg.Broker,
		"topic", cfg.Topic,
		"group", cfg.Group,
		"db", cfg.DB,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Document store. Open creates the schema, so a path that cannot be
	// written fails there; the probe then checks that a connection to
	// the store can be opened.
	store, err := docstore.Open(cfg.DB, logger)
	if err != nil {
		logger.Error("open document store", "db", cfg.DB, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := connwatch.WaitReady(ctx, "docstore", func(context.Context) error {
		return store.Ping()
	}, connwatch.BackoffConfig{}, logger); err != nil {
		logger.Error("document store unavailable", "error", err)
		os.Exit(1)
	}

	// Broker, gateway, bus. The loopback handler must be registered
	// before the broker starts so no topic message is missed.
	instanceID := uuid.NewString()
	brokerClient := broker.New(broker.Config{
		Broker: cfg.Broker,
		Topic:  cfg.Topic,
		Group:  cfg.Group,
	}, instanceID, logger)

	gw := gateway.New(brokerClient, store, logger)
	b := bus.New(gw, logger)
	brokerClient.SetMessageHandler(gateway.Loopback(b, logger))

	if err := brokerClient.Start(ctx); err != nil {
		logger.Error("start broker client", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := brokerClient.Stop(stopCtx); err != nil {
			logger.Warn("broker disconnect", "error", err)
		}
	}()

	if err := connwatch.WaitReady(ctx, "broker", func(probeCtx context.Context) error {
		return brokerClient.AwaitConnection(probeCtx)
	}, connwatch.BackoffConfig{}, logger); err != nil {
		logger.Error("broker unavailable", "error", err)
		os.Exit(1)
	}

	go b.Run(ctx)

	// The WebSocket surface runs until shutdown. A failure to bind is
	// fatal; a signal-driven shutdown returns nil.
	if err := server.New(cfg.Bind, b, logger).Start(ctx); err != nil {
		logger.Error("websocket server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
