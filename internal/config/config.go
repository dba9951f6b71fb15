// Package config parses the single JSON configuration file each binary
// takes as its sole CLI argument (spec.md section 6), matching the
// teacher's flat struct-with-tags style (internal/storage/models.go) over
// a flag-parsing framework: there is exactly one positional argument, a
// path, so flag parsing would be pure ceremony.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mamirc/mamirc/internal/security"
)

// ConnectorConfig is cmd/connector's sole configuration input.
type ConnectorConfig struct {
	ListenAddress   string `json:"listenAddress"`
	ControlPassword string `json:"controlPassword"`
	JournalPath     string `json:"journalPath"`
	Debug           bool   `json:"debug"`
}

// ProcessorConfig is cmd/processor's sole configuration input.
type ProcessorConfig struct {
	ControlAddress  string `json:"controlAddress"`
	ControlPassword string `json:"controlPassword"`
	ProfilesPath    string `json:"profilesPath"`
	WebListenAddress string `json:"webListenAddress"`
	WebPasswordHash string `json:"webPasswordHash"`
	Debug           bool   `json:"debug"`
}

// LoadConnectorConfig reads and validates a ConnectorConfig from path. A
// blank controlPassword falls back to the OS keychain (security.Keychain
// under the "control-port" entry) so the secret need not sit in the
// config file on disk.
func LoadConnectorConfig(path string) (*ConnectorConfig, error) {
	var c ConnectorConfig
	if err := loadJSON(path, &c); err != nil {
		return nil, err
	}
	if c.ListenAddress == "" {
		return nil, fmt.Errorf("config: listenAddress is required")
	}
	if c.ControlPassword == "" {
		secret, err := security.NewKeychain().Get("control-port")
		if err != nil {
			return nil, fmt.Errorf("config: controlPassword: %w", err)
		}
		c.ControlPassword = secret
	}
	if c.ControlPassword == "" {
		return nil, fmt.Errorf("config: controlPassword is required (config file or OS keychain)")
	}
	if c.JournalPath == "" {
		return nil, fmt.Errorf("config: journalPath is required")
	}
	return &c, nil
}

// LoadProcessorConfig reads and validates a ProcessorConfig from path. A
// blank controlPassword or webPasswordHash falls back to the OS keychain
// under the "control-port"/"web-ui" entries, matching LoadConnectorConfig.
func LoadProcessorConfig(path string) (*ProcessorConfig, error) {
	var c ProcessorConfig
	if err := loadJSON(path, &c); err != nil {
		return nil, err
	}
	if c.ControlAddress == "" {
		return nil, fmt.Errorf("config: controlAddress is required")
	}
	if c.ControlPassword == "" {
		secret, err := security.NewKeychain().Get("control-port")
		if err != nil {
			return nil, fmt.Errorf("config: controlPassword: %w", err)
		}
		c.ControlPassword = secret
	}
	if c.ControlPassword == "" {
		return nil, fmt.Errorf("config: controlPassword is required (config file or OS keychain)")
	}
	if c.ProfilesPath == "" {
		return nil, fmt.Errorf("config: profilesPath is required")
	}
	if c.WebListenAddress == "" {
		return nil, fmt.Errorf("config: webListenAddress is required")
	}
	if c.WebPasswordHash == "" {
		secret, err := security.NewKeychain().Get("web-ui")
		if err != nil {
			return nil, fmt.Errorf("config: webPasswordHash: %w", err)
		}
		c.WebPasswordHash = secret
	}
	if c.WebPasswordHash == "" {
		return nil, fmt.Errorf("config: webPasswordHash is required (config file or OS keychain)")
	}
	return &c, nil
}

func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
