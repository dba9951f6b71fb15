package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	return path
}

func TestLoadConnectorConfigSucceedsWithAllRequiredFields(t *testing.T) {
	path := writeConfig(t, ConnectorConfig{
		ListenAddress:   "127.0.0.1:7000",
		ControlPassword: "secret",
		JournalPath:     "/tmp/events.db",
	})
	c, err := LoadConnectorConfig(path)
	if err != nil {
		t.Fatalf("LoadConnectorConfig: %v", err)
	}
	if c.ListenAddress != "127.0.0.1:7000" {
		t.Fatalf("ListenAddress = %q", c.ListenAddress)
	}
}

func TestLoadConnectorConfigRejectsMissingJournalPath(t *testing.T) {
	path := writeConfig(t, ConnectorConfig{
		ListenAddress:   "127.0.0.1:7000",
		ControlPassword: "secret",
	})
	if _, err := LoadConnectorConfig(path); err == nil {
		t.Fatal("expected error for missing journalPath")
	}
}

func TestLoadProcessorConfigRejectsMissingWebPasswordHash(t *testing.T) {
	path := writeConfig(t, ProcessorConfig{
		ControlAddress:   "127.0.0.1:7000",
		ControlPassword:  "secret",
		ProfilesPath:     "/tmp/profiles.json",
		WebListenAddress: "127.0.0.1:8080",
	})
	if _, err := LoadProcessorConfig(path); err == nil {
		t.Fatal("expected error for missing webPasswordHash")
	}
}

func TestLoadConnectorConfigFailsOnMissingFile(t *testing.T) {
	if _, err := LoadConnectorConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
