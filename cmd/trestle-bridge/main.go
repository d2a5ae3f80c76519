// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/trestle-bridge/trestle/bots"
	"github.com/trestle-bridge/trestle/bridge"
	"github.com/trestle-bridge/trestle/connection"
	"github.com/trestle-bridge/trestle/grants"
	"github.com/trestle-bridge/trestle/lib/config"
	api "github.com/trestle-bridge/trestle/lib/github"
	"github.com/trestle-bridge/trestle/lib/process"
	"github.com/trestle-bridge/trestle/lib/version"
	"github.com/trestle-bridge/trestle/messaging"
	"github.com/trestle-bridge/trestle/registry"
	"github.com/trestle-bridge/trestle/service/feed"
	"github.com/trestle-bridge/trestle/service/github"
	"github.com/trestle-bridge/trestle/service/webhook"
	"github.com/trestle-bridge/trestle/storage"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var logLevel string

	flagSet := pflag.NewFlagSet("trestle-bridge", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the bridge config file (default: $TRESTLE_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println(version.Info())
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, err := parseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Homeserver.URL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	defaultSession, err := client.SessionFromToken(cfg.Bot.UserID.String(), cfg.Bot.AccessToken)
	if err != nil {
		return fmt.Errorf("default bot: %w", err)
	}
	defaultBot := bots.Bot{UserID: cfg.Bot.UserID, Session: defaultSession}

	serviceBots := make([]bots.Bot, 0, len(cfg.ServiceBots))
	for _, bot := range cfg.ServiceBots {
		session, err := client.SessionFromToken(bot.UserID.String(), bot.AccessToken)
		if err != nil {
			return fmt.Errorf("service bot %s: %w", bot.UserID, err)
		}
		serviceBots = append(serviceBots, bots.Bot{
			UserID:          bot.UserID,
			Session:         session,
			ServiceCategory: bot.Service,
		})
	}

	botManager, err := bots.NewManager(defaultBot, serviceBots, logger)
	if err != nil {
		return err
	}

	declarations, err := buildDeclarations(cfg, botManager, store, logger)
	if err != nil {
		return err
	}

	permissions, err := config.NewPermissionSet(cfg.Permissions)
	if err != nil {
		return fmt.Errorf("permissions: %w", err)
	}
	authorizer := grants.NewAuthorizer(cfg, permissions, logger)

	static, err := config.LoadStaticConnections(cfg.StaticConnectionsFile)
	if err != nil {
		return fmt.Errorf("static connections: %w", err)
	}

	reg, err := registry.New(registry.Config{
		Declarations: declarations,
		Bots:         botManager,
		Authorizer:   authorizer,
		Bridge:       cfg,
		Static:       static,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	b, err := bridge.New(bridge.Config{
		Registry:   reg,
		Bots:       botManager,
		Authorizer: authorizer,
		Store:      store,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	logger.Info("bridge running",
		"homeserver", cfg.Homeserver.URL,
		"bot", cfg.Bot.UserID,
		"connections", reg.LiveConnectionCount(),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	b.Stop()
	return nil
}

// loadConfig reads the config from the --config path when given,
// otherwise from the file named by TRESTLE_CONFIG.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// openStore opens the durable bridge-local store: SQLite when a
// database path is configured, in-memory otherwise. The in-memory
// store loses seen-event and feed dedup state across restarts, which
// is acceptable for development only.
func openStore(cfg config.StorageConfig, logger *slog.Logger) (storage.Provider, error) {
	if cfg.Database == "" {
		logger.Warn("no storage.database configured, using in-memory store")
		return storage.NewMemory(), nil
	}
	return storage.OpenSQLite(cfg.Database, cfg.PoolSize, logger)
}

// buildDeclarations assembles the connection declarations for every
// enabled service category. A category without an entry in the config
// gets no declaration, so its state events are ignored entirely.
func buildDeclarations(cfg *config.Config, botManager *bots.Manager, store storage.Provider, logger *slog.Logger) (*connection.DeclarationSet, error) {
	var declarations []*connection.Declaration

	if cfg.ServiceEnabled(github.ServiceCategory) {
		service := cfg.Services[github.ServiceCategory]
		if service.APIToken == "" {
			return nil, fmt.Errorf("github service is enabled but has no api_token")
		}
		client, err := api.NewClient(api.Config{
			BaseURL: service.APIBaseURL,
			Token:   service.APIToken,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		// Grants live in room account data of the bot serving the
		// category, so the checker must use that bot's session.
		session := categorySession(botManager, github.ServiceCategory)
		checker := grants.NewChecker(session, github.GrantType,
			github.GrantFallback(client, service.UserLogins, logger), logger)
		declaration, err := github.NewDeclaration(github.Options{
			Client:               client,
			Checker:              checker,
			DefaultCommandPrefix: service.CommandPrefix,
			Logger:               logger,
		})
		if err != nil {
			return nil, err
		}
		declarations = append(declarations, declaration)
	}

	if cfg.ServiceEnabled(webhook.ServiceCategory) {
		declarations = append(declarations, webhook.NewDeclaration(logger))
	}

	if cfg.ServiceEnabled(feed.ServiceCategory) {
		declaration, err := feed.NewDeclaration(store, logger)
		if err != nil {
			return nil, err
		}
		declarations = append(declarations, declaration)
	}

	return connection.NewDeclarationSet(declarations...)
}

// categorySession returns the session of the bot dedicated to a
// service category, falling back to the default bot.
func categorySession(botManager *bots.Manager, category string) messaging.Session {
	for _, bot := range botManager.All() {
		if bot.ServiceCategory == category {
			return bot.Session
		}
	}
	return botManager.DefaultBot().Session
}

func parseLogLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `trestle-bridge - Matrix bridge for external services

Usage:
  trestle-bridge [flags]

The config file path comes from --config or the TRESTLE_CONFIG
environment variable.

Flags:
%s`, flagSet.FlagUsages())
}
