package config

import (
	"os"
	"strconv"
	"time"
)

// SocketConfig holds the reference backend server configuration.
type SocketConfig struct {
	Addr            string `json:"addr"`
	WriteTimeout    int    `json:"write_timeout_seconds"`
	ReadBufferSize  int    `json:"read_buffer_size"`
	WriteBufferSize int    `json:"write_buffer_size"`
	HistoryLimit    int    `json:"history_limit"`
}

// DefaultConfig returns the default backend configuration.
func DefaultConfig() *SocketConfig {
	return &SocketConfig{
		Addr:            ":8080",
		WriteTimeout:    10,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		HistoryLimit:    200,
	}
}

// SocketConfigFromEnv loads backend configuration from environment variables.
// Falls back to defaults for any missing or invalid values.
func SocketConfigFromEnv() *SocketConfig {
	cfg := DefaultConfig()

	if addr := os.Getenv("CHATLINK_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	envInt("CHATLINK_WRITE_TIMEOUT", &cfg.WriteTimeout)
	envInt("CHATLINK_READ_BUFFER", &cfg.ReadBufferSize)
	envInt("CHATLINK_WRITE_BUFFER", &cfg.WriteBufferSize)
	envInt("CHATLINK_HISTORY_LIMIT", &cfg.HistoryLimit)
	return cfg
}

func envInt(key string, dst *int) {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			*dst = v
		}
	}
}

// RequestTimeout returns the deadline for one non-streaming request.
func (c *SocketConfig) RequestTimeout() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}
