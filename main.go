package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"gowa-gateway/config"
	"gowa-gateway/database"
	"gowa-gateway/internal/credstore"
	"gowa-gateway/internal/dispatch"
	"gowa-gateway/internal/handler"
	"gowa-gateway/internal/media"
	custommw "gowa-gateway/internal/middleware"
	"gowa-gateway/internal/registry"
	"gowa-gateway/internal/session"
	"gowa-gateway/internal/wa"
	"gowa-gateway/internal/ws"
)

func main() {
	// Ignore a missing .env, e.g. in production.
	_ = godotenv.Load()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is not set")
	}

	ctx := context.Background()
	if err := database.InitWhatsmeow(ctx, cfg.DatabaseURL, log.With().Str("component", "whatsmeow-db").Logger()); err != nil {
		log.Fatal().Err(err).Msg("Failed to init whatsmeow store")
	}

	// An unusable credentials or media root is fatal here, not on the
	// first pairing.
	creds, err := credstore.New(cfg.CredentialsRoot, log.With().Str("component", "credstore").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("Credentials root is unusable")
	}
	bridge, err := media.New(cfg.MediaRoot, cfg.MediaURLPrefix, log.With().Str("component", "media").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("Media root is unusable")
	}

	hub := ws.NewHub(log.With().Str("component", "ws").Logger())
	go hub.Run()

	dispatcher := dispatch.New(dispatch.Config{
		Webhook: dispatch.Target{
			URL:     cfg.WebhookURL,
			Secret:  cfg.WebhookSecret,
			Headers: cfg.WebhookHeaders,
		},
		MaxAttempts:    cfg.WebhookMaxAttempts,
		BackoffBase:    cfg.BackoffBase,
		BackoffCap:     cfg.BackoffCap,
		RequestTimeout: cfg.WebhookTimeout,
	}, bridge, hub, log.With().Str("component", "dispatch").Logger())
	if cfg.WebhookURL == "" {
		log.Info().Msg("WEBHOOK_URL not set, events will be produced but not delivered")
	}

	factory := wa.NewFactory(database.Container, cfg.DeviceName, log.With().Str("component", "wa").Logger())
	reg := registry.New(factory, creds, dispatcher, dispatcher, session.Config{
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
	}, log.With().Str("component", "registry").Logger())

	log.Info().Msg("Restoring stored sessions...")
	if err := reg.RestoreAll(ctx); err != nil {
		log.Error().Err(err).Msg("Session restore failed")
	}

	h := &handler.Handler{Registry: reg, Dispatcher: dispatcher, Log: log}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSAllowOrigins,
		AllowMethods: []string{echo.GET, echo.POST, echo.DELETE, echo.OPTIONS},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization, "X-API-Key"},
	}))
	e.Use(echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: echomw.NewRateLimiterMemoryStoreWithConfig(
			echomw.RateLimiterMemoryStoreConfig{
				Rate:  rate.Limit(cfg.RateLimit),
				Burst: cfg.RateBurst,
			},
		),
	}))

	// Health check
	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success":  true,
			"message":  "WhatsApp gateway is running",
			"sessions": reg.Len(),
			"dropped":  dispatcher.Dropped(),
		})
	})

	// Stored media, addressable by content hash path.
	e.Static(cfg.MediaURLPrefix, cfg.MediaRoot)

	api := e.Group("", custommw.APIKeyAuth(cfg.APIKey))
	api.GET("/ws", handler.WebSocketHandler(hub))
	api.POST("/sessions", h.CreateSession)
	api.GET("/sessions", h.ListSessions)
	api.GET("/sessions/:sessionId", h.GetSession)
	api.POST("/sessions/:sessionId/stop", h.StopSession)
	api.DELETE("/sessions/:sessionId", h.DeleteSession)
	api.POST("/sessions/:sessionId/send", h.SendMessage)
	api.POST("/sessions/:sessionId/webhook", h.SetWebhook)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Str("port", cfg.Port).Msg("Gateway started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	reg.Shutdown()
	dispatcher.Stop()
	log.Info().Msg("Goodbye")
}
