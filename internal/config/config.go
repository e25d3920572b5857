package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// PanelConfig holds the control-plane server configuration.
type PanelConfig struct {
	Port        string
	DBPath      string
	AdminUser   string
	AdminPass   string
	AuthEnabled bool

	// NotifyURLs is a comma-separated list of Shoutrrr URLs that receive
	// node and session events.
	NotifyURLs string

	// HeartbeatGrace is how long a node may go without a heartbeat
	// before it is marked offline.
	HeartbeatGrace time.Duration

	// StreamTokenTTL bounds how long an issued stream token stays valid.
	StreamTokenTTL time.Duration
}

// AgentConfig holds the node agent configuration.
type AgentConfig struct {
	Port     string
	DataDir  string
	PanelURL string

	// EnrollToken is consumed on first start; ignored once an identity
	// file exists in DataDir.
	EnrollToken string

	HeartbeatInterval time.Duration
}

// LoadPanel returns the panel configuration from the environment,
// overlaying a .env file from the working directory when present.
func LoadPanel() PanelConfig {
	loadDotenv()
	return PanelConfig{
		Port:           getEnv("PORT", "9090"),
		DBPath:         getEnv("DB_PATH", "helmsman.db"),
		AdminUser:      getEnv("ADMIN_USER", "admin"),
		AdminPass:      getEnv("ADMIN_PASS", ""),
		AuthEnabled:    getEnv("AUTH_ENABLED", "true") == "true",
		NotifyURLs:     getEnv("NOTIFY_URLS", ""),
		HeartbeatGrace: getDuration("HEARTBEAT_GRACE", 90*time.Second),
		StreamTokenTTL: getDuration("STREAM_TOKEN_TTL", 30*time.Second),
	}
}

// LoadAgent returns the agent configuration from the environment,
// overlaying a .env file from the working directory when present.
func LoadAgent() AgentConfig {
	loadDotenv()
	return AgentConfig{
		Port:              getEnv("AGENT_PORT", "9100"),
		DataDir:           getEnv("AGENT_DATA_DIR", "."),
		PanelURL:          getEnv("PANEL_URL", ""),
		EnrollToken:       getEnv("ENROLL_TOKEN", ""),
		HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 30*time.Second),
	}
}

func loadDotenv() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	if err := godotenv.Load(); err != nil {
		log.Printf("[config] could not load .env: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	// Bare numbers are taken as seconds.
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Printf("[config] invalid duration for %s: %q, using default", key, raw)
	return fallback
}
