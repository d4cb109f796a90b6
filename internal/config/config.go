// Package config loads process configuration from an optional .env file and
// the environment. Every setting has a default so the server starts with no
// configuration at all.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/roomchat/chat-server/internal/ws"
)

// Registry backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Server     ws.ServerConfig
	Registry   RegistryConfig
	Redis      RedisConfig
	NATS       NATSConfig
	Chat       ChatConfig
	Moderation ModerationConfig
	RateLimit  bool
	ServerName string
}

type RegistryConfig struct {
	Backend string // BackendMemory or BackendRedis
}

type RedisConfig struct {
	Addr string
}

// NATSConfig enables the room event feed when URL is set.
type NATSConfig struct {
	URL string
}

type ChatConfig struct {
	HistoryLimit int // 0 keeps every message
}

type ModerationConfig struct {
	Enabled bool
	Terms   []string // replaces the default blocklist when non-empty
}

// Load reads .env if present and builds the configuration from the
// environment. Invalid values are logged and replaced by their default.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: no .env file loaded: %v", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the current environment only.
func FromEnv() *Config {
	server := ws.DefaultServerConfig()
	server.ListenAddr = getEnvOrDefault("LISTEN_ADDR", server.ListenAddr)
	server.WorkerPoolSize = getPositiveIntOrDefault("WORKER_POOL_SIZE", server.WorkerPoolSize)
	server.MaxConnections = getPositiveIntOrDefault("MAX_CONNECTIONS", server.MaxConnections)
	server.ReadTimeout = getDurationOrDefault("READ_TIMEOUT", server.ReadTimeout)
	server.WriteTimeout = getDurationOrDefault("WRITE_TIMEOUT", server.WriteTimeout)
	server.AllowedOrigins = getListOrDefault("ALLOWED_ORIGINS", nil)
	server.Heartbeat.Interval = getDurationOrDefault("HEARTBEAT_INTERVAL", server.Heartbeat.Interval)
	server.Heartbeat.Timeout = getDurationOrDefault("HEARTBEAT_TIMEOUT", server.Heartbeat.Timeout)

	backend := strings.ToLower(getEnvOrDefault("REGISTRY_BACKEND", BackendMemory))
	if backend != BackendMemory && backend != BackendRedis {
		log.Printf("config: unknown REGISTRY_BACKEND %q, using %s", backend, BackendMemory)
		backend = BackendMemory
	}

	return &Config{
		Server:   server,
		Registry: RegistryConfig{Backend: backend},
		Redis: RedisConfig{
			Addr: getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		},
		NATS: NATSConfig{
			URL: os.Getenv("NATS_URL"),
		},
		Chat: ChatConfig{
			HistoryLimit: getIntOrDefault("HISTORY_LIMIT", 0),
		},
		Moderation: ModerationConfig{
			Enabled: getBoolOrDefault("MODERATION", true),
			Terms:   getListOrDefault("MODERATION_TERMS", nil),
		},
		RateLimit:  getBoolOrDefault("RATE_LIMIT", true),
		ServerName: serverName(),
	}
}

func serverName() string {
	if v := os.Getenv("SERVER_NAME"); v != "" {
		return v
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "ws-1"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		log.Printf("config: invalid integer for %s: %q, using %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getPositiveIntOrDefault(key string, defaultValue int) int {
	n := getIntOrDefault(key, defaultValue)
	if n == 0 {
		return defaultValue
	}
	return n
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("config: invalid duration for %s: %q, using %s", key, value, defaultValue)
		return defaultValue
	}
	return d
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "":
		return defaultValue
	case "1", "true", "on", "yes":
		return true
	case "0", "false", "off", "no":
		return false
	default:
		log.Printf("config: invalid boolean for %s, using %t", key, defaultValue)
		return defaultValue
	}
}

// getListOrDefault splits a comma separated value, dropping blanks.
func getListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
