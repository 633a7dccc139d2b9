package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/orch-os/adapter-swarm/pkg/api"
	"github.com/orch-os/adapter-swarm/pkg/config"
	"github.com/orch-os/adapter-swarm/pkg/coordinator"
	"github.com/orch-os/adapter-swarm/pkg/registry"
	"github.com/orch-os/adapter-swarm/pkg/swarm"
	"github.com/orch-os/adapter-swarm/pkg/transfer"
)

func main() {
	cfg := config.DefaultConfig()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	coord := coordinator.New(cfg, logger, coordinator.Events{
		OnRoomJoined: func(info swarm.RoomInfo) {
			logger.Info("joined room", zap.String("code", info.Code))
		},
		OnRoomLeft: func(info swarm.RoomInfo) {
			logger.Info("left room", zap.String("code", info.Code))
		},
		OnPeerCount: func(count int) {
			logger.Info("peer count changed", zap.Int("peers", count))
		},
		OnTransferProgress: func(p transfer.Progress) {
			logger.Debug("transfer progress",
				zap.String("topic", p.Topic),
				zap.Float64("percent", p.Percent))
		},
		OnAdapterSaved: func(rec *registry.Record) {
			logger.Info("adapter saved",
				zap.String("name", rec.AdapterName),
				zap.String("path", rec.AdapterPath))
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coord.Initialize(ctx); err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}

	server := api.NewAPI(coord, logger, cfg.APIPort)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	// Graceful shutdown
	if err := coord.Destroy(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Error("error shutting down API server", zap.Error(err))
	}
}
