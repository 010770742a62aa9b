package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default port 8080, got %s", cfg.Port)
	}
	if cfg.BasePort != 9000 {
		t.Errorf("Expected default base port 9000, got %d", cfg.BasePort)
	}
	if cfg.IdleTimeout != 30*time.Minute {
		t.Errorf("Expected default idle timeout 30m, got %v", cfg.IdleTimeout)
	}
	if cfg.QueueCapacity != 256 {
		t.Errorf("Expected default queue capacity 256, got %d", cfg.QueueCapacity)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("BASE_PORT", "15000")
	t.Setenv("IDLE_TIMEOUT", "5m")
	t.Setenv("DOCKER_IMAGE", "custom:tag")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Expected port 9090, got %s", cfg.Port)
	}
	if cfg.BasePort != 15000 {
		t.Errorf("Expected base port 15000, got %d", cfg.BasePort)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("Expected idle timeout 5m, got %v", cfg.IdleTimeout)
	}
	if cfg.DockerImage != "custom:tag" {
		t.Errorf("Expected custom image, got %s", cfg.DockerImage)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("BASE_PORT", "not-a-number")
	t.Setenv("IDLE_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BasePort != 9000 {
		t.Errorf("Invalid int should fall back to default, got %d", cfg.BasePort)
	}
	if cfg.IdleTimeout != 30*time.Minute {
		t.Errorf("Invalid duration should fall back to default, got %v", cfg.IdleTimeout)
	}
}

func TestExtraCredentialVars(t *testing.T) {
	t.Setenv("EXTRA_CREDENTIAL_VARS", "OPENAI_API_KEY, CUSTOM_TOKEN ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := map[string]bool{"OPENAI_API_KEY": true, "CUSTOM_TOKEN": true, "AWS_PROFILE": true}
	got := make(map[string]bool)
	for _, name := range cfg.CredentialAllowlist {
		got[name] = true
	}
	for name := range want {
		if !got[name] {
			t.Errorf("Expected %s in allowlist, got %v", name, cfg.CredentialAllowlist)
		}
	}
	if got[""] {
		t.Error("Empty names must be dropped from the allowlist")
	}
}

func TestValidate(t *testing.T) {
	valid := &Config{
		Port:          "8080",
		DataDir:       "./data",
		DockerImage:   "img",
		DockerNetwork: "net",
		BasePort:      9000,
		QueueCapacity: 16,
		SweepInterval: time.Minute,
		IdleTimeout:   time.Minute,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Valid config rejected: %v", err)
	}

	bad := *valid
	bad.BasePort = 70000
	if err := bad.Validate(); err == nil {
		t.Error("Out-of-range base port accepted")
	}

	bad = *valid
	bad.DockerImage = ""
	if err := bad.Validate(); err == nil {
		t.Error("Empty image accepted")
	}

	bad = *valid
	bad.QueueCapacity = 0
	if err := bad.Validate(); err == nil {
		t.Error("Zero queue capacity accepted")
	}
}
