package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/drawrelay/drawrelay/agent/internal/agent"
	"github.com/drawrelay/drawrelay/agent/internal/config"
	"github.com/drawrelay/drawrelay/agent/internal/database"
	"github.com/drawrelay/drawrelay/agent/internal/metrics"
	"github.com/drawrelay/drawrelay/agent/internal/surface"
	"github.com/drawrelay/drawrelay/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is set at build time via -ldflags.
var version = "dev"

var flags struct {
	configPath string
	logLevel   string
	headless   bool
}

var rootCmd = &cobra.Command{
	Use:   "drawagent",
	Short: "Drive an image-generation page on behalf of a drawrelay server",
	Long: "drawagent keeps a WebSocket connection to a drawrelay server, types each\n" +
		"command it receives into the configured page and reports the generated\n" +
		"image URLs back.",
	SilenceUsage: true,
	RunE:         run,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "config.yaml", "path to config file")
	f.StringVar(&flags.logLevel, "log-level", "", "override log.level from the config file")
	f.BoolVar(&flags.headless, "headless", false, "launch Chrome headless regardless of config")
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.headless {
		cfg.Surface.Headless = true
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting drawagent",
		zap.String("agent_id", cfg.Agent.ID),
		zap.String("relay", cfg.Relay.URL),
		zap.String("surface", cfg.Surface.URL))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *database.DB
	if cfg.Database.Path != "" {
		db, err = database.NewDB(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
	}

	chrome := surface.NewChrome(surface.ChromeOptions{
		URL:           cfg.Surface.URL,
		InputSelector: cfg.Surface.InputSelector,
		RemoteURL:     cfg.Surface.RemoteURL,
		Headless:      cfg.Surface.Headless,
		UserDataDir:   cfg.Surface.UserDataDir,
	}, logger)

	a := agent.New(ctx, cfg, agent.Deps{
		Surface: chrome,
		Fetcher: chrome,
		DB:      db,
		Metrics: metrics.New(),
		Logger:  logger,
	})

	if err := chrome.Start(ctx, a.Hooks()); err != nil {
		return err
	}
	defer chrome.Close()

	if cfg.Dashboard.Enabled {
		logger.Info("dashboard enabled", zap.String("addr", cfg.Dashboard.Address))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		if err != nil {
			logger.Error("agent stopped", zap.Error(err))
		}
	}

	if stopErr := a.Stop(); stopErr != nil {
		logger.Warn("error during shutdown", zap.Error(stopErr))
	}
	logger.Info("agent stopped")
	return err
}
