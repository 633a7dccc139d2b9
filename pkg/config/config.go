package config

import (
	"path/filepath"
	"time"
)

type Config struct {
	// Node configuration
	NodeID        string
	ListenAddress string
	Port          int

	// Adapter storage configuration
	WeightsPath  string
	RegistryPath string
	DownloadPath string

	// P2P configuration
	BootstrapPeers       []string
	HeartbeatInterval    time.Duration
	HealthCheckInterval  time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int

	// Transfer configuration
	ChunkDelay time.Duration

	// API configuration
	APIPort int
}

func DefaultConfig() *Config {
	base := "./lora_adapters"
	return &Config{
		ListenAddress:        "0.0.0.0",
		Port:                 4001,
		WeightsPath:          filepath.Join(base, "weights"),
		RegistryPath:         filepath.Join(base, "registry"),
		DownloadPath:         filepath.Join(base, "downloads"),
		HeartbeatInterval:    30 * time.Second,
		HealthCheckInterval:  60 * time.Second,
		ReconnectBaseDelay:   5 * time.Second,
		MaxReconnectAttempts: 5,
		ChunkDelay:           10 * time.Millisecond,
		APIPort:              8080,
	}
}
