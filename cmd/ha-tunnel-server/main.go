package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hatunnel/ha-tunnel/pkg/clientip"
	"github.com/hatunnel/ha-tunnel/pkg/config"
	"github.com/hatunnel/ha-tunnel/pkg/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to server config file")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var logger *zap.Logger
	if cfg.LogLevel == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("proxy_mode", cfg.ProxyMode),
		zap.Int("client_timeout", cfg.ClientTimeoutSeconds),
		zap.Int("request_timeout", cfg.RequestTimeoutSeconds),
	)

	srv := server.New(server.Config{
		Secret:         cfg.Secret,
		ClientTimeout:  time.Duration(cfg.ClientTimeoutSeconds) * time.Second,
		RequestTimeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		IPExtractor: clientip.Extractor{
			Mode:           clientip.Mode(cfg.ProxyMode),
			HeaderName:     cfg.CustomHeader,
			TrustedProxies: cfg.TrustedProxies,
		},
	}, logger)

	httpServer := &http.Server{
		Addr:    cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler: srv.Handler(),
	}

	shutdownComplete := make(chan struct{})
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan

		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		close(shutdownComplete)
	}()

	logger.Info("Starting edge server", zap.String("addr", httpServer.Addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("Server failed", zap.Error(err))
	}

	<-shutdownComplete
	logger.Info("Server shutdown complete")
}
