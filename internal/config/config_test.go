package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.MaxConcurrentSessions != 5 {
		t.Fatalf("MaxConcurrentSessions = %d, want 5", cfg.MaxConcurrentSessions)
	}
	if cfg.ExecutionTimeout != 5*time.Minute {
		t.Fatalf("ExecutionTimeout = %s, want 5m", cfg.ExecutionTimeout)
	}
	if cfg.SessionIdleTimeout != 10*time.Minute {
		t.Fatalf("SessionIdleTimeout = %s, want 10m", cfg.SessionIdleTimeout)
	}
	if cfg.BridgeSessionName != "main" {
		t.Fatalf("BridgeSessionName = %q, want %q", cfg.BridgeSessionName, "main")
	}
	if cfg.MaxQueueSize != 100 {
		t.Fatalf("MaxQueueSize = %d, want 100", cfg.MaxQueueSize)
	}
}

func TestLoadUsesExplicitOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TASKFORGE_MAX_CONCURRENT_SESSIONS", "2")
	t.Setenv("TASKFORGE_EXEC_TIMEOUT", "90s")
	t.Setenv("RT_BASE_RECONNECT_DELAY", "250ms")
	t.Setenv("RT_MAX_RECONNECT_DELAY", "4s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxConcurrentSessions != 2 {
		t.Fatalf("MaxConcurrentSessions = %d, want 2", cfg.MaxConcurrentSessions)
	}
	if cfg.ExecutionTimeout != 90*time.Second {
		t.Fatalf("ExecutionTimeout = %s, want 90s", cfg.ExecutionTimeout)
	}
	if cfg.BaseReconnectDelay != 250*time.Millisecond || cfg.MaxReconnectDelay != 4*time.Second {
		t.Fatalf("reconnect delays = %s/%s, want 250ms/4s", cfg.BaseReconnectDelay, cfg.MaxReconnectDelay)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TASKFORGE_MAX_CONCURRENT_SESSIONS", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want rejection for zero session cap")
	}

	setCoreEnvEmpty(t)
	t.Setenv("RT_BASE_RECONNECT_DELAY", "5s")
	t.Setenv("RT_MAX_RECONNECT_DELAY", "1s")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want rejection for base > max delay")
	}

	setCoreEnvEmpty(t)
	t.Setenv("BRIDGE_RESPONSE_TIMEOUT", "100ms")
	t.Setenv("BRIDGE_POLLING_INTERVAL", "1s")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want rejection for timeout < polling interval")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"DATABASE_URL",
		"AGENT_CLI_PATH",
		"TASKFORGE_MAX_CONCURRENT_SESSIONS",
		"TASKFORGE_SESSION_IDLE_TIMEOUT",
		"TASKFORGE_EXEC_TIMEOUT",
		"BRIDGE_DIR",
		"BRIDGE_SESSION_NAME",
		"BRIDGE_POLLING_INTERVAL",
		"BRIDGE_RESPONSE_TIMEOUT",
		"RT_URL",
		"RT_MAX_RECONNECT_ATTEMPTS",
		"RT_BASE_RECONNECT_DELAY",
		"RT_MAX_RECONNECT_DELAY",
		"RT_HEARTBEAT_INTERVAL",
		"RT_MAX_QUEUE_SIZE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
