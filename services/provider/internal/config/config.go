// Package config loads the provider server configuration from an optional
// YAML file overlaid with PACT_-prefixed environment variables.
package config

import (
	"errors"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Agent      AgentConfig      `koanf:"agent"`
	Pricing    PricingConfig    `koanf:"pricing"`
	Settlement SettlementConfig `koanf:"settlement"`
	Credential CredentialConfig `koanf:"credential"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type AgentConfig struct {
	ID string `koanf:"id"`
	// Hex-encoded 32-byte ed25519 seed. Empty generates a fresh identity per
	// process, which is fine for a single provider run.
	Seed string `koanf:"seed"`
}

type PricingConfig struct {
	BasePrice  string `koanf:"base_price"`
	FloorPrice string `koanf:"floor_price"`
	Unit       string `koanf:"unit"`
}

type SettlementConfig struct {
	PendingPolls int  `koanf:"pending_polls"`
	ChunkSize    int  `koanf:"chunk_size"`
	FailCommit   bool `koanf:"fail_commit"`
	FailReveal   bool `koanf:"fail_reveal"`
}

type CredentialConfig struct {
	Type string `koanf:"type"`
	Tier string `koanf:"tier"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// Missing file is fine; env vars and defaults carry the config.
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("PACT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "PACT_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"server.port":         8090,
		"agent.id":            "agt_provider",
		"pricing.base_price":  "0.0001",
		"pricing.floor_price": "0.00008",
		"pricing.unit":        "call",
		"credential.type":     "kya",
		"credential.tier":     "verified",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
