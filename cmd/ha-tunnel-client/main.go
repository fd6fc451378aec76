package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hatunnel/ha-tunnel/pkg/config"
	"github.com/hatunnel/ha-tunnel/pkg/detect"
	"github.com/hatunnel/ha-tunnel/pkg/tunnel"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to client config file")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	haServer := cfg.HAServer
	haExternalURL := cfg.HAExternalURL
	haIgnoreSSL := cfg.HAIgnoreSSL
	if haServer == "DETECT" {
		detectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		baseURL, useSSL, err := detect.Resolve(detectCtx, os.Getenv("SUPERVISOR_TOKEN"))
		cancel()
		if err != nil {
			logger.Fatal("Home Assistant Supervisor auto-detection failed", zap.Error(err))
		}
		haServer = baseURL
		if cfg.HAExternalURL == "DETECT" || cfg.HAExternalURL == "" {
			haExternalURL = baseURL
		}
		if useSSL {
			haIgnoreSSL = true
		}
		logger.Info("resolved Home Assistant address via Supervisor", zap.String("base_url", baseURL), zap.Bool("ssl", useSSL))
	}

	clientID := os.Getenv("CLIENT_ID")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	logger.Info("Configuration loaded",
		zap.String("client_id", clientID),
		zap.String("server", cfg.Server),
		zap.String("ha_server", haServer),
		zap.Bool("assistant_alexa", cfg.AssistantAlexa),
		zap.Bool("assistant_google", cfg.AssistantGoogle),
	)

	client := tunnel.NewClient(tunnel.ClientConfig{
		ClientID:          clientID,
		ServerURL:         cfg.Server,
		Secret:            cfg.Secret,
		ReconnectInterval: time.Duration(cfg.ReconnectIntervalSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		HAServer:          haServer,
		HAExternalURL:     haExternalURL,
		HATimeout:         time.Duration(cfg.HATimeoutSeconds) * time.Second,
		HAIgnoreSSL:       haIgnoreSSL,
		HAPassClientIP:    cfg.HAPassClientIP,
		AssistantAlexa:    cfg.AssistantAlexa,
		AssistantGoogle:   cfg.AssistantGoogle,
	}, logger)

	logger.Info("Starting tunnel client", zap.String("server", cfg.Server))
	client.Run(ctx)
	logger.Info("Tunnel client shutdown complete")
}
