package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the task orchestration service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	DatabaseURL string

	AgentCLIPath          string
	MaxConcurrentSessions int
	SessionIdleTimeout    time.Duration
	ExecutionTimeout      time.Duration

	BridgeDir         string
	BridgeSessionName string
	PollingInterval   time.Duration
	ResponseTimeout   time.Duration

	RealtimeURL          string
	MaxReconnectAttempts int
	BaseReconnectDelay   time.Duration
	MaxReconnectDelay    time.Duration
	HeartbeatInterval    time.Duration
	MaxQueueSize         int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "taskforge"),
		AllowAnyOrigin:        false,
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		AgentCLIPath:          envOrDefault("AGENT_CLI_PATH", "agent"),
		MaxConcurrentSessions: 5,
		SessionIdleTimeout:    10 * time.Minute,
		ExecutionTimeout:      5 * time.Minute,
		BridgeDir:             envOrDefault("BRIDGE_DIR", filepathJoinTmp("taskforge-bridge")),
		BridgeSessionName:     envOrDefault("BRIDGE_SESSION_NAME", "main"),
		PollingInterval:       500 * time.Millisecond,
		ResponseTimeout:       30 * time.Second,
		RealtimeURL:           stringsTrimSpace("RT_URL"),
		MaxReconnectAttempts:  10,
		BaseReconnectDelay:    time.Second,
		MaxReconnectDelay:     10 * time.Second,
		HeartbeatInterval:     30 * time.Second,
		MaxQueueSize:          100,
		ShutdownTimeout:       15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentSessions, err = intFromEnv("TASKFORGE_MAX_CONCURRENT_SESSIONS", cfg.MaxConcurrentSessions)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTimeout, err = durationFromEnv("TASKFORGE_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ExecutionTimeout, err = durationFromEnv("TASKFORGE_EXEC_TIMEOUT", cfg.ExecutionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PollingInterval, err = durationFromEnv("BRIDGE_POLLING_INTERVAL", cfg.PollingInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ResponseTimeout, err = durationFromEnv("BRIDGE_RESPONSE_TIMEOUT", cfg.ResponseTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxReconnectAttempts, err = intFromEnv("RT_MAX_RECONNECT_ATTEMPTS", cfg.MaxReconnectAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.BaseReconnectDelay, err = durationFromEnv("RT_BASE_RECONNECT_DELAY", cfg.BaseReconnectDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxReconnectDelay, err = durationFromEnv("RT_MAX_RECONNECT_DELAY", cfg.MaxReconnectDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatInterval, err = durationFromEnv("RT_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxQueueSize, err = intFromEnv("RT_MAX_QUEUE_SIZE", cfg.MaxQueueSize)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxConcurrentSessions <= 0 {
		return Config{}, fmt.Errorf("TASKFORGE_MAX_CONCURRENT_SESSIONS must be positive")
	}
	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("TASKFORGE_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.ExecutionTimeout <= 0 {
		return Config{}, fmt.Errorf("TASKFORGE_EXEC_TIMEOUT must be positive")
	}
	if cfg.PollingInterval <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_POLLING_INTERVAL must be positive")
	}
	if cfg.ResponseTimeout < cfg.PollingInterval {
		return Config{}, fmt.Errorf("BRIDGE_RESPONSE_TIMEOUT must be at least the polling interval")
	}
	if cfg.MaxReconnectAttempts <= 0 {
		return Config{}, fmt.Errorf("RT_MAX_RECONNECT_ATTEMPTS must be positive")
	}
	if cfg.BaseReconnectDelay <= 0 || cfg.MaxReconnectDelay < cfg.BaseReconnectDelay {
		return Config{}, fmt.Errorf("RT reconnect delays must satisfy 0 < base <= max")
	}
	if cfg.MaxQueueSize <= 0 {
		return Config{}, fmt.Errorf("RT_MAX_QUEUE_SIZE must be positive")
	}

	return cfg, nil
}

func filepathJoinTmp(name string) string {
	return os.TempDir() + string(os.PathSeparator) + name
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: invalid boolean %q", key, v)
	}
}
