// Command sse runs the calculator demo over the legacy transport: a GET stream
// endpoint that performs the handshake and a separate POST message endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	mcp "github.com/yigitkonur/example-mcp-server-sse"
	"github.com/yigitkonur/example-mcp-server-sse/servers/calculator"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg := mcp.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = mcp.LoadConfig(*configPath)
		if err != nil {
			slog.Error("failed to load config", "err", err)
			os.Exit(1)
		}
	}

	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	options := []mcp.ServerOption{
		mcp.WithServerLogger(logger),
	}
	if cfg.SharedHandler {
		options = append(options, mcp.WithToolServer(calculator.NewServer()))
	} else {
		options = append(options, mcp.WithToolServerFactory(func() mcp.ToolServer {
			return calculator.NewServer()
		}))
	}

	srv := mcp.NewSSEServer(mcp.Info{Name: cfg.Name, Version: "1.0.0"}, cfg.BasePath+"/message", options...)

	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CorsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"*"},
	}))
	router.Method(http.MethodGet, cfg.BasePath+"/sse", srv.HandleSSE())
	router.Method(http.MethodPost, cfg.BasePath+"/message", srv.HandleMessage())
	router.Method(http.MethodGet, "/healthz", srv.HandleHealth())

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	go func() {
		logger.Info("SSE server listening", "addr", cfg.Addr, "connect", cfg.BasePath+"/sse")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownGraceSeconds)*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down HTTP server", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down sessions", "err", err)
	}
	logger.Info("bye")
}
