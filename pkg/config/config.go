// Package config loads the relay's environment-level configuration
// via spf13/viper, with an optional .env file loaded through
// joho/godotenv for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/lokutor-ai/lokutor-relay/pkg/relay"
)

// Config is the process-wide configuration the relay's entrypoints load
// once at startup, distinct from relay.Config's per-pipeline tunables.
type Config struct {
	ListenAddr string

	RecognizerCredentials string
	TranslatorAPIKey      string
	GrammarAPIKey         string
	PhraseSetID           string
	ProjectID             string
	SessionWSAPIKeys      []string

	Pipeline relay.Config
}

// ErrTranslatorKeyMissing is returned by Validate when TRANSLATOR_API_KEY
// is unset: its absence is a startup error, and the relay does not run
// with translation disabled.
var ErrTranslatorKeyMissing = fmt.Errorf("config: TRANSLATOR_API_KEY is required")

// Load reads environment variables (optionally preloaded from a .env file
// in the working directory) and an optional relay.yaml for pipeline
// timing overrides, matching the env-first configuration style of the
// corpus's viper-based services.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("relay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: read relay.yaml: %w", err)
		}
	}

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("max_finalization_wait_ms", 10000)
	v.SetDefault("forced_final_max_wait_ms", 1500)
	v.SetDefault("recovery_watchdog_ms", 5000)
	v.SetDefault("continuation_window_ms", 3000)
	v.SetDefault("grammar_timeout_ms", 2000)

	cfg := &Config{
		ListenAddr:            v.GetString("listen_addr"),
		RecognizerCredentials: v.GetString("recognizer_credentials"),
		TranslatorAPIKey:      v.GetString("translator_api_key"),
		GrammarAPIKey:         v.GetString("grammar_api_key"),
		PhraseSetID:           v.GetString("phrase_set_id"),
		ProjectID:             v.GetString("project_id"),
		Pipeline:              relay.DefaultConfig(),
	}

	if keys := v.GetString("session_ws_api_keys"); keys != "" {
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.SessionWSAPIKeys = append(cfg.SessionWSAPIKeys, k)
			}
		}
	}

	cfg.Pipeline.MaxFinalizationWait = time.Duration(v.GetInt64("max_finalization_wait_ms")) * time.Millisecond
	cfg.Pipeline.ForcedFinalMaxWait = time.Duration(v.GetInt64("forced_final_max_wait_ms")) * time.Millisecond
	cfg.Pipeline.RecoveryWatchdog = time.Duration(v.GetInt64("recovery_watchdog_ms")) * time.Millisecond
	cfg.Pipeline.ContinuationWindow = time.Duration(v.GetInt64("continuation_window_ms")) * time.Millisecond
	cfg.Pipeline.GrammarTimeout = time.Duration(v.GetInt64("grammar_timeout_ms")) * time.Millisecond

	return cfg, nil
}

// Validate enforces that TRANSLATOR_API_KEY is required, treating its
// absence as a hard startup error for the
// server entrypoint (a deployment that truly wants translation disabled
// should run without an ingress that claims to offer it).
func (c *Config) Validate() error {
	if c.TranslatorAPIKey == "" {
		return ErrTranslatorKeyMissing
	}
	return nil
}

// IsAuthorized reports whether apiKey is one of SessionWSAPIKeys. An empty
// SessionWSAPIKeys list means the ingress is unauthenticated.
func (c *Config) IsAuthorized(apiKey string) bool {
	if len(c.SessionWSAPIKeys) == 0 {
		return true
	}
	for _, k := range c.SessionWSAPIKeys {
		if k == apiKey {
			return true
		}
	}
	return false
}
