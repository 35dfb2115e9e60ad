package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Gateway.AuthMode = "none"
	cfg.Gateway.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected port validation error")
	}
}

func TestValidateTokenModeRequiresToken(t *testing.T) {
	cfg := Default()
	cfg.Gateway.AuthMode = "token"
	cfg.Gateway.Token = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing token error")
	}
}

func TestValidateRejectsDuplicateChannels(t *testing.T) {
	cfg := Default()
	cfg.Gateway.AuthMode = "none"
	cfg.Channels = []ChannelEntry{
		{Name: "tg", Type: "telegram"},
		{Name: "tg", Type: "discord"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate channel error")
	}
}

func TestValidateRejectsUnknownTypes(t *testing.T) {
	cfg := Default()
	cfg.Gateway.AuthMode = "none"
	cfg.Channels = []ChannelEntry{{Name: "x", Type: "carrier-pigeon"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown channel type error")
	}
	cfg.Channels = nil
	cfg.Providers = []ProviderEntry{{Name: "p", Type: "psychic"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown provider type error")
	}
}

func TestSubstituteEnv(t *testing.T) {
	t.Setenv("OC_TEST_TOKEN", "tok-123")
	cases := map[string]string{
		"${OC_TEST_TOKEN}":          "tok-123",
		"prefix-${OC_TEST_TOKEN}":   "prefix-tok-123",
		"$${OC_TEST_TOKEN}":         "${OC_TEST_TOKEN}",
		"${OC_TEST_UNSET_VAR_XYZ}":  "${OC_TEST_UNSET_VAR_XYZ}",
		"no refs here":              "no refs here",
		"${OC_TEST_TOKEN}/${OC_TEST_TOKEN}": "tok-123/tok-123",
	}
	for in, want := range cases {
		if got := SubstituteEnv(in); got != want {
			t.Errorf("SubstituteEnv(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadFromFileAndEnvOverride(t *testing.T) {
	t.Setenv("OC_TEST_SECRET", "from-env")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	doc := `{
		"gateway": {"port": 9100, "authMode": "token", "token": "${OC_TEST_SECRET}"},
		"log_level": "debug",
		"channels": [{"name": "main", "type": "telegram", "token": "t"}]
	}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 9100 {
		t.Fatalf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.Token != "from-env" {
		t.Fatalf("token = %q, env reference not resolved", cfg.Gateway.Token)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}

	// OPENCLAW_PORT wins over the file value.
	t.Setenv("OPENCLAW_PORT", "9200")
	cfg, err = LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 9200 {
		t.Fatalf("env override not applied, port = %d", cfg.Gateway.Port)
	}
}

func TestLoadFromRejectsMalformedEnvOverride(t *testing.T) {
	t.Setenv("OPENCLAW_PORT", "not-a-port")
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for non-numeric OPENCLAW_PORT")
	}
}

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 18789 {
		t.Fatalf("default port = %d", cfg.Gateway.Port)
	}
	if cfg.Memory.VectorWeight != 0.7 || cfg.Memory.KeywordWeight != 0.3 {
		t.Fatal("default hybrid weights wrong")
	}
}

func TestDataDirLayout(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/openclaw"
	if got := cfg.DeliveryQueueDir(); got != "/var/lib/openclaw/delivery-queue" {
		t.Fatalf("queue dir = %q", got)
	}
	if got := cfg.SessionsDBPath(); got != "/var/lib/openclaw/sessions.db" {
		t.Fatalf("sessions db = %q", got)
	}
	if got := cfg.MemoryDir(); got != "/var/lib/openclaw/memory" {
		t.Fatalf("memory dir = %q", got)
	}
}
