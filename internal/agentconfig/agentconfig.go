// Package agentconfig persists the agent's non-session local state: the
// orchestrator address it last connected to successfully, so a restart
// without an explicit --orchestrator flag can resume where it left off.
// This is unrelated to the token ownership file (which spec.md mandates
// as JSON) — it is YAML, matching the teacher's config.Manager's file
// format for agent-local preferences (internal/config/config.go).
package agentconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the agent's persisted local state.
type Config struct {
	LastOrchestratorAddr string `yaml:"last_orchestrator_addr,omitempty"`
	MachineID            string `yaml:"machine_id,omitempty"`

	// OrchestratorPublicKeyHex is the hex-encoded identity public key
	// presented by the orchestrator on first successful connection
	// (trust-on-first-use). Subsequent connections are pinned to this
	// key until the operator clears it.
	OrchestratorPublicKeyHex string `yaml:"orchestrator_public_key_hex,omitempty"`
}

// DefaultPath returns the default config file location under dir.
func DefaultPath(dir string) string {
	return filepath.Join(dir, "agent.yaml")
}

// Load reads the config at path. A missing file returns a zero Config,
// not an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read agent config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse agent config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories as needed.
func Save(path string, cfg Config) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write agent config: %w", err)
	}
	return nil
}
