package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kestrelpt/pacer/cmd"
	"github.com/kestrelpt/pacer/internal/cache"
	"github.com/kestrelpt/pacer/internal/config"
	"github.com/kestrelpt/pacer/internal/engine"
	"github.com/kestrelpt/pacer/internal/logging"
	"github.com/kestrelpt/pacer/internal/notify"
	"github.com/kestrelpt/pacer/internal/qbt"
	"github.com/kestrelpt/pacer/internal/rules"
	"github.com/kestrelpt/pacer/internal/site"
	"github.com/kestrelpt/pacer/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	ctx := context.Background()

	eng, err := initializeEngine(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize pacer: %v\n", err)
		os.Exit(1)
	}

	rootCmd := createRootCommand(ctx, eng)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "command failed: %v\n", err)
		os.Exit(1)
	}
}

func createRootCommand(ctx context.Context, eng *engine.Engine) *cobra.Command {
	var configFile string
	var logLevel string
	var verbose bool

	rootCmd := &cobra.Command{
		Use:     "pacer",
		Short:   "Precision average-upload-speed controller for BitTorrent clients",
		Version: fmt.Sprintf("%s (built: %s, commit: %s)", version, buildTime, gitCommit),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				viper.SetConfigFile(configFile)
				if err := viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read config file: %w", err)
				}
			}

			logger := logging.GetLogger()
			switch {
			case verbose:
				logger.SetLevel(logrus.DebugLevel)
			case logLevel != "":
				level, err := logrus.ParseLevel(logLevel)
				if err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
				logger.SetLevel(level)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		cmd.NewRunCommand(ctx, eng),
		cmd.NewDaemonStatusCommand(),
		cmd.NewDaemonStopCommand(),
		cmd.NewStatusCommand(eng),
		cmd.NewPauseCommand(eng),
		cmd.NewResumeCommand(eng),
		cmd.NewSetTargetCommand(eng),
		cmd.NewClearTargetCommand(eng),
		cmd.NewHistoryCommand(eng),
		cmd.NewSamplesCommand(eng),
		cmd.NewVersionCommand(version, buildTime, gitCommit),
	)

	return rootCmd
}

// initializeEngine wires every collaborator the Limit Engine needs:
// client adapter, site registry, rules store, persistent store and
// notification sinks, mirroring akira's initializeServices but building
// one Engine instead of a TorrentService/DiskService/SeedingService trio.
func initializeEngine(ctx context.Context) (*engine.Engine, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if _, err := logging.Initialize(&cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := logging.GetLogger()

	cacheManager, err := cache.Initialize(&cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	client, err := qbt.NewHTTPClient(&cfg.Client, cacheManager)
	if err != nil {
		return nil, fmt.Errorf("failed to create qBittorrent client adapter: %w", err)
	}

	rulesStore := rules.NewStore(cfg.Control.RulesFile, cacheManager)
	sites := buildSiteRegistry(cfg, rulesStore, logger)

	st, err := store.New(cfg.Persistence.StateFile, cfg.Persistence.CycleHistoryMaxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to open persistent store: %w", err)
	}

	sinks := []notify.Sink{notify.NewLogSink()}
	if cfg.Notify.Enabled && cfg.Notify.DiscordWebhookURL != "" {
		discordSink, err := notify.NewDiscordSink(cfg.Notify.DiscordWebhookURL)
		if err != nil {
			logger.WithError(err).Warn("failed to build Discord notification sink, continuing with log-only notifications")
		} else {
			sinks = append(sinks, discordSink)
		}
	}

	eng := engine.New(cfg, client, sites, rulesStore, st, sinks...)
	logger.Info("pacer initialized")
	return eng, nil
}

// buildSiteRegistry registers a best-effort GenericImpl adapter for every
// configured site; failures here only degrade TorrentState to
// client-sourced time_left (spec.md §4.G), never fatal.
func buildSiteRegistry(cfg *config.Config, rulesStore *rules.Store, logger *logging.Logger) *site.Registry {
	registry := site.NewRegistry()

	configs, err := rulesStore.SiteConfigs()
	if err != nil {
		logger.WithError(err).Warn("failed to load site configs, site assist disabled")
		return registry
	}

	for _, sc := range configs {
		adapter := site.NewGenericImpl("https://"+sc.MatchKeyword, sc.Cookie, cfg.Site.UserAgent, cfg.Site.RequestTimeout)
		registry.Register(sc.MatchKeyword, adapter)
	}
	return registry
}
