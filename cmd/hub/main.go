// The hub server brokers real-time group messaging between job schedulers,
// workers and observers. It exposes:
//
//   - GET /negotiate/{userId}/{groupName}: exchanges the caller's API key for
//     a short-lived access grant scoped to one group.
//   - GET /client: the websocket endpoint clients open with that grant.
//   - POST /eventhandler/{path...}: webhook callback surface for a managed
//     transport, guarded by abuse protection.
//
// Required configuration is validated before the listener starts; a missing
// value is a fatal startup error.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"jobrelay/internal/hub"
	"jobrelay/internal/platform/token"
	"jobrelay/internal/platform/web"
)

type cli struct {
	Addr        string        `help:"Listen address." default:":8080" env:"HUB_ADDR"`
	Endpoint    string        `help:"Public endpoint used in grant URLs and webhook origin checks." default:"http://localhost:8080" env:"HUB_ENDPOINT"`
	APIKey      string        `help:"API key required on /negotiate. Empty runs the hub in open mode." env:"HUB_API_KEY"`
	TokenSecret string        `required:"" help:"HS256 secret for access grants." env:"HUB_TOKEN_SECRET"`
	TokenTTL    time.Duration `help:"Access grant lifetime." default:"10m" env:"HUB_TOKEN_TTL"`

	NegotiateRate  float64 `help:"Negotiate requests per second per IP." default:"0.5" env:"HUB_NEGOTIATE_RATE"`
	NegotiateBurst float64 `help:"Negotiate burst size per IP." default:"5" env:"HUB_NEGOTIATE_BURST"`
}

func main() {
	// 1. Initialize logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var cfg cli
	kong.Parse(&cfg, kong.Description("jobrelay hub: negotiated group-messaging relay for job coordination."))

	if cfg.APIKey == "" {
		slog.Warn("No API key configured, negotiate route runs in open mode")
	}

	issuer := token.NewIssuer(cfg.TokenSecret, cfg.TokenTTL)
	limiter := web.NewRateLimiter(cfg.NegotiateRate, cfg.NegotiateBurst)

	server := hub.NewServer(hub.ServerConfig{
		Endpoint: cfg.Endpoint,
		APIKey:   cfg.APIKey,
	}, hub.NewHub(), issuer, limiter)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		slog.Info("Shutting down hub")
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}()

	slog.Info("Hub server starting", "addr", cfg.Addr, "endpoint", cfg.Endpoint)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
