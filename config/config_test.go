package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 10, cfg.WriteTimeout)
	assert.Equal(t, 1024, cfg.ReadBufferSize)
	assert.Equal(t, 1024, cfg.WriteBufferSize)
	assert.Equal(t, 200, cfg.HistoryLimit)
}

func TestSocketConfigFromEnv(t *testing.T) {
	t.Setenv("CHATLINK_ADDR", "127.0.0.1:9999")
	t.Setenv("CHATLINK_HISTORY_LIMIT", "50")
	t.Setenv("CHATLINK_WRITE_TIMEOUT", "nope")

	cfg := SocketConfigFromEnv()
	assert.Equal(t, "127.0.0.1:9999", cfg.Addr)
	assert.Equal(t, 50, cfg.HistoryLimit)
	assert.Equal(t, 10, cfg.WriteTimeout) // falls back to default
}

func TestDefaultChatConfig(t *testing.T) {
	cfg := DefaultChatConfig()
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.BaseDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	assert.Equal(t, "citizen", cfg.SessionKind)
}

func TestChatConfigFromEnv(t *testing.T) {
	t.Setenv("CHATLINK_BASE_URL", "https://maps.example.org/")
	t.Setenv("CHATLINK_SESSION_KIND", "planning")
	t.Setenv("CHATLINK_CONNECT_TIMEOUT", "3s")
	t.Setenv("CHATLINK_MAX_ATTEMPTS", "5")
	t.Setenv("CHATLINK_BASE_DELAY", "-1s")

	cfg := ChatConfigFromEnv()
	assert.Equal(t, "https://maps.example.org/", cfg.BaseURL)
	assert.Equal(t, "planning", cfg.SessionKind)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.BaseDelay)
}

func TestEndpointURLs(t *testing.T) {
	cfg := DefaultChatConfig()
	cfg.BaseURL = "https://maps.example.org/"
	assert.Equal(t, "wss://maps.example.org/ws/citizen/", cfg.RealtimeURL())
	assert.Equal(t, "https://maps.example.org/api/citizen/chat/stream/", cfg.StreamURL())
	assert.Equal(t, "https://maps.example.org/api/citizen/history/", cfg.HistoryURL())
	assert.Equal(t, "https://maps.example.org/api/citizen/clear/", cfg.ClearURL())

	cfg.BaseURL = "http://localhost:8080"
	cfg.SessionID = "abc 1"
	assert.Equal(t, "ws://localhost:8080/ws/citizen/?session=abc+1", cfg.RealtimeURL())
	assert.Equal(t, "http://localhost:8080/api/citizen/history/?session=abc+1", cfg.HistoryURL())
}
