package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/webshell/internal/audit"
	"github.com/gluk-w/webshell/internal/backend"
	"github.com/gluk-w/webshell/internal/channel"
	"github.com/gluk-w/webshell/internal/completion"
	"github.com/gluk-w/webshell/internal/config"
	"github.com/gluk-w/webshell/internal/database"
	"github.com/gluk-w/webshell/internal/executor"
	"github.com/gluk-w/webshell/internal/handlers"
	"github.com/gluk-w/webshell/internal/logging"
	"github.com/gluk-w/webshell/internal/middleware"
	"github.com/gluk-w/webshell/internal/protocol"
	"github.com/gluk-w/webshell/internal/session"
)

func main() {
	config.Load()
	cfg := config.Cfg

	logging.Init(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Path:   cfg.LogFilePath(),
	})

	if err := database.Init(cfg.DBPath()); err != nil {
		log.Fatal().Err(err).Msg("database init")
	}
	defer database.Close()

	auditor, err := audit.InitGlobal(database.DB, cfg.AuditRetentionDays)
	if err != nil {
		log.Fatal().Err(err).Msg("audit init")
	}
	handlers.AuditLog = auditor
	stopPurge, err := auditor.StartRetentionCleanup(cfg.AuditPurgeSchedule)
	if err != nil {
		log.Fatal().Err(err).Msg("audit retention schedule")
	}
	defer stopPurge()

	b, err := backend.FromSettings(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("terminal backend")
	}
	log.Info().Str("terminal_backend", b.Terminal).Bool("pty", b.PTY).Str("ssh_host", b.Remote.Host).Msg("backend configured")

	registry := session.NewRegistry(b.SpawnSession, cfg.SessionTimeoutDuration(), session.Options{
		PollInterval:   cfg.PollIntervalDuration(),
		LineTerminator: channel.LineTerminator(b.GOOS),
	})
	registry.OnEvict(auditEviction)
	if err := registry.Start(cfg.SweepSchedule); err != nil {
		log.Fatal().Err(err).Msg("session sweeper")
	}
	handlers.Sessions = registry

	runner := executor.New(cfg.ExecTimeoutDuration(), cfg.StreamTimeoutDuration(), b.LocalEncoding)
	runner.Dir = b.Dir
	handlers.Executor = runner

	hub := protocol.NewHub()
	handlers.Hub = hub
	handlers.OpenTerminal = b.OpenTerminal
	handlers.Completer = completion.New(b.GOOS, b.Dir, cfg.CompletionTimeoutDuration())
	handlers.Terminal = handlers.TerminalOptions{
		AllowedOrigins: cfg.WSAllowedOrigins,
		ReadLimit:      cfg.WSReadLimit,
		MessageRate:    cfg.WSMessageRate,
		PollInterval:   cfg.PollIntervalDuration(),
	}

	// Graceful shutdown
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newRouter(cfg.StaticDir),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-sigCtx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	hub.CloseAll("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	registry.Shutdown()
	log.Info().Msg("server stopped")
}

func newRouter(staticDir string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", handlers.HealthCheck)
	r.Get("/ws/terminal", handlers.TerminalWS)

	r.Route("/api", func(r chi.Router) {
		r.Route("/terminal", func(r chi.Router) {
			r.Post("/execute", handlers.ExecuteCommand)
			r.Post("/execute-stream", handlers.ExecuteStream)
			r.Get("/pwd", handlers.GetWorkingDirectory)
			r.Get("/sysinfo", handlers.GetSystemInfo)

			// Persistent sessions
			r.Post("/session/create", handlers.CreateSession)
			r.Post("/session/{sessionId}/execute", handlers.ExecuteInSession)
			r.Get("/session/{sessionId}/status", handlers.GetSessionStatus)
			r.Delete("/session/{sessionId}", handlers.DeleteSession)
			r.Get("/sessions", handlers.ListSessions)
		})

		r.Get("/audit", handlers.GetAuditLogs)
		r.Get("/logs", handlers.GetServerLogs)
		r.Delete("/logs", handlers.ClearServerLogs)
	})

	if staticDir != "" {
		if _, err := os.Stat(staticDir); err != nil {
			log.Warn().Err(err).Str("dir", staticDir).Msg("static directory unavailable")
		} else {
			r.NotFound(middleware.NewSPAHandler(os.DirFS(staticDir)).ServeHTTP)
		}
	}
	return r
}

// auditEviction records why a session left the registry.
func auditEviction(s *session.Session, reason session.EvictReason) {
	event := audit.EventSessionClosed
	if reason == session.ReasonExpired || reason == session.ReasonDead {
		event = audit.EventSessionExpired
	}
	audit.LogSession(event, s.ID, s.Channel().Kind().String(), "reason="+string(reason))
}
