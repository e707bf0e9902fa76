package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/remote-agent-terminal/broker/api/handlers"
	"github.com/remote-agent-terminal/broker/internal/bgsync"
	"github.com/remote-agent-terminal/broker/internal/command"
	"github.com/remote-agent-terminal/broker/internal/config"
	"github.com/remote-agent-terminal/broker/internal/db"
	"github.com/remote-agent-terminal/broker/internal/logging"
	"github.com/remote-agent-terminal/broker/internal/metrics"
	"github.com/remote-agent-terminal/broker/internal/pty"
	"github.com/remote-agent-terminal/broker/internal/repository"
	"github.com/remote-agent-terminal/broker/internal/session"
	"github.com/remote-agent-terminal/broker/internal/tmux"
	"github.com/remote-agent-terminal/broker/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Initialize session ledger
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	sessionRepo := repository.NewSessionRepository(database)
	if cfg.Database.Retention > 0 {
		pruned, err := sessionRepo.PruneEnded(ctx, time.Now().Add(-cfg.Database.Retention))
		if err != nil {
			logger.Warn("failed to prune session ledger", zap.Error(err))
		} else if pruned > 0 {
			logger.Info("pruned session ledger", zap.Int64("rows", pruned))
		}
	}

	// Initialize tmux controller and PTY bridge
	ctrl := tmux.NewController(tmux.Options{
		Binary:       cfg.Tmux.Binary,
		Socket:       cfg.Tmux.Socket,
		Shell:        cfg.Tmux.Shell,
		Workdir:      cfg.Tmux.Workdir,
		Term:         cfg.Tmux.Term,
		HistoryLimit: cfg.Tmux.HistoryLimit,
		Timeout:      cfg.Tmux.Timeout,
		Concurrency:  cfg.Tmux.Concurrency,
	}, logger, m)

	bridge := pty.NewBridge(ctrl, logger)
	spawner := session.SpawnFunc(func(ctx context.Context, target string, cols, rows int) (session.Terminal, error) {
		h, err := bridge.Spawn(ctx, target, cols, rows)
		if err != nil {
			return nil, err
		}
		return h, nil
	})

	// Initialize session registry
	registry := session.NewRegistry(ctrl, spawner, sessionRepo, session.Options{
		GraceWindow:       cfg.Session.GraceWindow,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		MaxSessions:       cfg.Session.MaxSessions,
		MuxTimeout:        cfg.Tmux.Timeout,
	}, logger, m)
	defer registry.Close()

	if cfg.Session.ReclaimOnStart {
		n, err := registry.Reclaim(ctx)
		if err != nil {
			logger.Warn("session reclamation incomplete", zap.Error(err))
		}
		logger.Info("reclaimed sessions", zap.Int("count", n))
	}

	// Exec channel and startup sync share one runner
	runner := command.NewRunner(command.Options{
		Shell:     cfg.Tmux.Shell,
		Dir:       cfg.Tmux.Workdir,
		Timeout:   cfg.Exec.Timeout,
		MaxOutput: cfg.Exec.MaxOutput,
	}, logger, m)

	syncTask := bgsync.New(runner, cfg.Sync.Command, cfg.Sync.Timeout, logger)
	syncTask.Start(context.Background())
	defer syncTask.Stop()

	// Initialize WebSocket handler
	wsHandler := ws.NewHandler(registry, runner, ws.Options{
		MaxMessageBytes:   cfg.Server.MaxMessageBytes,
		OutputBufferBytes: cfg.Session.OutputBufferBytes,
		ExecConcurrency:   cfg.Exec.Concurrency,
		CheckOrigin:       checkOrigin(cfg.Server.AllowedOrigins),
	}, logger, m)

	connectRate := 0
	if cfg.RateLimit.Enabled {
		connectRate = cfg.RateLimit.ConnectsPerSecond
	}
	limiter := handlers.NewConnectLimiter(connectRate, cfg.RateLimit.Burst)

	// Initialize Gin router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), logger.GinMiddleware(), m.Middleware(), corsMiddleware(cfg.Server.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": registry.Len(),
		})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	api := r.Group("/api")
	handlers.NewSessionHandler(registry, sessionRepo, logger).RegisterRoutes(api)
	handlers.NewWebSocketHandler(wsHandler, limiter).RegisterRoutes(r, cfg.Server.WSPath)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", srv.Addr),
			zap.String("ws_path", cfg.Server.WSPath),
			zap.String("tmux_socket", cfg.Tmux.Socket),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

// corsMiddleware allows the configured origins, or every origin when none are set.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// checkOrigin returns the WebSocket origin check, or nil when every origin is allowed.
func checkOrigin(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}
