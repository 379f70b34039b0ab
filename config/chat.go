package config

import (
	"net/url"
	"os"
	"strings"
	"time"
)

// ChatConfig holds client-side chat session settings.
type ChatConfig struct {
	BaseURL         string        // Backend base URL, default "http://localhost:8080"
	SessionKind     string        // Session kind path segment, default "citizen"
	SessionID       string        // Optional session identifier sent to the backend
	ConnectTimeout  time.Duration // Realtime open deadline, default 10s
	MaxAttempts     int           // Abnormal closes before falling back, default 3
	BaseDelay       time.Duration // First reconnect delay, default 1s
	MaxDelay        time.Duration // Reconnect delay cap, default 5s
	RequestTimeout  time.Duration // History and clear call timeout, default 15s
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultChatConfig returns a ChatConfig with the standard session timings.
func DefaultChatConfig() *ChatConfig {
	return &ChatConfig{
		BaseURL:         "http://localhost:8080",
		SessionKind:     "citizen",
		ConnectTimeout:  10 * time.Second,
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        5 * time.Second,
		RequestTimeout:  15 * time.Second,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// ChatConfigFromEnv loads client configuration from environment variables.
// Falls back to defaults for any missing or invalid values.
func ChatConfigFromEnv() *ChatConfig {
	cfg := DefaultChatConfig()

	if base := os.Getenv("CHATLINK_BASE_URL"); base != "" {
		cfg.BaseURL = base
	}
	if kind := os.Getenv("CHATLINK_SESSION_KIND"); kind != "" {
		cfg.SessionKind = kind
	}
	if id := os.Getenv("CHATLINK_SESSION_ID"); id != "" {
		cfg.SessionID = id
	}
	envDuration("CHATLINK_CONNECT_TIMEOUT", &cfg.ConnectTimeout)
	envDuration("CHATLINK_BASE_DELAY", &cfg.BaseDelay)
	envDuration("CHATLINK_MAX_DELAY", &cfg.MaxDelay)
	envDuration("CHATLINK_REQUEST_TIMEOUT", &cfg.RequestTimeout)
	envInt("CHATLINK_MAX_ATTEMPTS", &cfg.MaxAttempts)
	return cfg
}

// RealtimeURL returns ws(s)://<host>/ws/<kind>/.
func (c *ChatConfig) RealtimeURL() string {
	base := strings.TrimRight(c.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return c.withSession(base + "/ws/" + c.SessionKind + "/")
}

// StreamURL returns the fallback streaming endpoint.
func (c *ChatConfig) StreamURL() string {
	return c.apiURL("chat/stream/")
}

// HistoryURL returns the history endpoint.
func (c *ChatConfig) HistoryURL() string {
	return c.apiURL("history/")
}

// ClearURL returns the clear endpoint.
func (c *ChatConfig) ClearURL() string {
	return c.apiURL("clear/")
}

func (c *ChatConfig) apiURL(suffix string) string {
	return c.withSession(strings.TrimRight(c.BaseURL, "/") + "/api/" + c.SessionKind + "/" + suffix)
}

func (c *ChatConfig) withSession(u string) string {
	if c.SessionID == "" {
		return u
	}
	return u + "?session=" + url.QueryEscape(c.SessionID)
}

func envDuration(key string, dst *time.Duration) {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			*dst = d
		}
	}
}
