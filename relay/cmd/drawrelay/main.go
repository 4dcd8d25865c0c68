package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drawrelay/drawrelay/internal/logging"
	"github.com/drawrelay/drawrelay/relay/internal/agentauth"
	"github.com/drawrelay/drawrelay/relay/internal/cache"
	"github.com/drawrelay/drawrelay/relay/internal/config"
	"github.com/drawrelay/drawrelay/relay/internal/gateway"
	"github.com/drawrelay/drawrelay/relay/internal/handler"
	"github.com/drawrelay/drawrelay/relay/internal/mcp"
	"github.com/drawrelay/drawrelay/relay/internal/metrics"
	"github.com/drawrelay/drawrelay/relay/internal/middleware"
	"github.com/drawrelay/drawrelay/relay/internal/store"
	"github.com/drawrelay/drawrelay/relay/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 10 * time.Second

var flags struct {
	stdio    bool
	logLevel string
}

var rootCmd = &cobra.Command{
	Use:   "drawrelay",
	Short: "Relay drawing commands from controllers to a browser agent",
	Long: "drawrelay accepts one agent WebSocket connection and exposes a blocking\n" +
		"draw_image call over HTTP and MCP. Settings come from the environment\n" +
		"(SERVER_ADDR, MCP_ADDR, TASK_WAIT_TIMEOUT, REDIS_ADDR, DATABASE_DSN, ...).",
	SilenceUsage: true,
	RunE:         run,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <api-key>",
	Short: "Print the bcrypt hash to use as API_KEY_HASH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := middleware.HashAPIKey(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	f := rootCmd.Flags()
	f.BoolVar(&flags.stdio, "stdio", false, "serve MCP over stdin/stdout instead of MCP_ADDR")
	f.StringVar(&flags.logLevel, "log-level", "", "override LOG_LEVEL")
	rootCmd.AddCommand(hashKeyCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	// ── Configuration ──
	cfg := config.Load()
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// ── Agent Hub + Task Gateway ──
	hub := ws.NewHub(m, logger)
	gwOpts := gateway.Options{
		Timeout: cfg.TaskWaitTimeout,
		Metrics: m,
		Logger:  logger,
	}

	// ── Redis result cache (optional) ──
	if cfg.RedisAddr != "" {
		rc := cache.New(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}), cfg.CacheTTL)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rc.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer rc.Close()
		gwOpts.Cache = rc
		logger.Info("result cache enabled", zap.String("redis", cfg.RedisAddr), zap.Duration("ttl", cfg.CacheTTL))
	}

	// ── SQL task log (optional) ──
	var hOpts handler.Options
	if cfg.DatabaseDSN != "" {
		st, err := store.Open(cfg.DatabaseDSN, logger)
		if err != nil {
			return fmt.Errorf("open task log: %w", err)
		}
		defer st.Close()
		gwOpts.Store = st
		hOpts.Tasks = st
		logger.Info("task log enabled")
	}

	gw := gateway.New(hub, gwOpts)
	hub.SetListener(gw)

	// ── Agent Authenticator (ED25519) ──
	verifier, err := agentauth.New(cfg.AgentVerifyKey)
	if err != nil {
		return fmt.Errorf("init agent authenticator: %w", err)
	}
	if !verifier.Enabled() {
		logger.Warn("AGENT_VERIFY_KEY not set, accepting unauthenticated agents")
	}
	hOpts.Verifier = verifier
	hOpts.Metrics = m.Handler()
	hOpts.Logger = logger

	// ── Gin Router ──
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.Logger(logger))
	r.Use(m.Middleware())
	handler.NewHandler(gw, hub, hOpts).RegisterRoutes(r, middleware.APIKeyAuth(cfg.APIKeyHash))

	mcpServer := mcp.NewServer(gw, mcp.Options{
		Version:    version,
		ServerAddr: cfg.ServerAddr,
		MCPAddr:    cfg.MCPAddr,
		Logger:     logger,
	})

	// ── Servers ──
	servers := []*http.Server{{Addr: cfg.ServerAddr, Handler: r}}
	if !flags.stdio && cfg.MCPAddr != "" {
		servers = append(servers, &http.Server{Addr: cfg.MCPAddr, Handler: mcpServer.Handler()})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	if flags.stdio {
		g.Go(func() error {
			// the relay lives as long as the stdio client
			if err := mcpServer.RunStdio(gctx); err != nil && gctx.Err() == nil {
				logger.Info("mcp stdio session ended", zap.Error(err))
			}
			stop()
			return nil
		})
	}

	// ── Graceful Shutdown ──
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("server shutdown error", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server exited")
	return err
}
