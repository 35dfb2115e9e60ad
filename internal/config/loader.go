package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"github.com/openclaw/openclaw/internal/clawerr"
	"github.com/openclaw/openclaw/internal/secrets"
)

const (
	// ConfigDir is the default config directory name under $HOME.
	ConfigDir = ".openclaw"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// Path returns the config file location, honoring OPENCLAW_CONFIG.
func Path() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("OPENCLAW_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// Load reads the configuration. Priority: environment > file > defaults.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return Default(), nil
	}
	return LoadFrom(path)
}

// LoadFrom loads from an explicit path. A missing file yields defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, clawerr.Wrap(clawerr.KindSerialization, "parse config "+path, err)
		}
		substituteEnvValues(raw)
		resolved, err := json.Marshal(raw)
		if err != nil {
			return nil, clawerr.Wrap(clawerr.KindSerialization, "re-encode config", err)
		}
		if err := json.Unmarshal(resolved, cfg); err != nil {
			return nil, clawerr.Wrap(clawerr.KindSerialization, "parse config "+path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, clawerr.Wrap(clawerr.KindIO, "read config "+path, err)
	}

	// Environment overrides. OPENCLAW_PORT, OPENCLAW_BIND etc. land on
	// the gateway group; OPENCLAW_LOG_LEVEL / OPENCLAW_DATA_DIR on root.
	for _, target := range []any{cfg, &cfg.Gateway, &cfg.Memory} {
		if err := envconfig.Process("OPENCLAW", target); err != nil {
			return nil, clawerr.Wrap(clawerr.KindSerialization, "apply environment overrides", err)
		}
	}

	applyVendorKeyFallbacks(cfg)

	if strings.HasPrefix(cfg.DataDir, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, cfg.DataDir[1:])
		}
	}

	if err := resolveSecrets(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyVendorKeyFallbacks fills empty provider keys from the
// conventional vendor environment variables.
func applyVendorKeyFallbacks(cfg *Config) {
	envByType := map[string]string{
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"gemini":    "GEMINI_API_KEY",
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKey != "" {
			continue
		}
		if envVar, ok := envByType[p.Type]; ok {
			p.APIKey = os.Getenv(envVar)
		}
	}
}

// resolveSecrets expands keyring references in credential fields.
func resolveSecrets(cfg *Config) error {
	var err error
	if cfg.Gateway.Token, err = secrets.Resolve(cfg.Gateway.Token); err != nil {
		return err
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].APIKey, err = secrets.Resolve(cfg.Providers[i].APIKey); err != nil {
			return err
		}
	}
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		for _, field := range []*string{&ch.Token, &ch.AppToken, &ch.BotToken, &ch.Secret} {
			if *field, err = secrets.Resolve(*field); err != nil {
				return err
			}
		}
	}
	return nil
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return clawerr.Wrap(clawerr.KindIO, "create config dir", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return clawerr.Wrap(clawerr.KindSerialization, "encode config", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return clawerr.Wrap(clawerr.KindIO, "write config", err)
	}
	return nil
}

// substituteEnvValues walks a decoded JSON document and expands env
// references in every string value.
func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return SubstituteEnv(t)
	default:
		return v
	}
}

// envPattern matches ${VAR} and the $${VAR} escape in one pass.
var envPattern = regexp.MustCompile(`\$?\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// SubstituteEnv resolves ${VAR} references from the environment inside
// string values. "$${VAR}" escapes to the literal "${VAR}". Unset
// variables are left as written.
func SubstituteEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "$$") {
			return match[1:]
		}
		name := envPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}
