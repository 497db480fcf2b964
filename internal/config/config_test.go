package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("expected default port 3000, got %d", cfg.Server.Port)
	}
	if cfg.Orchestrator.PollInterval != 10*time.Second {
		t.Errorf("expected 10s poll interval, got %v", cfg.Orchestrator.PollInterval)
	}
	if cfg.Orchestrator.FetchTimeout != 5*time.Second {
		t.Errorf("expected 5s fetch timeout, got %v", cfg.Orchestrator.FetchTimeout)
	}
	if cfg.Nosana.APIURL == "" {
		t.Error("expected a default nosana api url")
	}
	if cfg.Redis.Enabled() {
		t.Error("redis should be disabled by default")
	}
}

func TestLoad_LegacyEnvNames(t *testing.T) {
	t.Setenv("PORT", "4100")
	t.Setenv("API_GATEWAY_URL", "http://gateway:9000")
	t.Setenv("NOSANA_INGRESS_DOMAIN", "node.test.nos.ci")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("PORT not honored, got %d", cfg.Server.Port)
	}
	if cfg.Orchestrator.GatewayURL != "http://gateway:9000" {
		t.Errorf("API_GATEWAY_URL not honored, got %q", cfg.Orchestrator.GatewayURL)
	}
	if cfg.Nosana.IngressDomain != "node.test.nos.ci" {
		t.Errorf("NOSANA_INGRESS_DOMAIN not honored, got %q", cfg.Nosana.IngressDomain)
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("PORT", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for port 0")
	}
}

func TestServerConfig_Addr(t *testing.T) {
	c := ServerConfig{Host: "127.0.0.1", Port: 3000}
	if c.Addr() != "127.0.0.1:3000" {
		t.Errorf("unexpected addr %q", c.Addr())
	}
}
