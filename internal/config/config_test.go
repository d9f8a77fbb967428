package config

import (
	"testing"
)

// mockBackend is a test double for ConfigBackend.
type mockBackend struct {
	strings map[string]string
	ints    map[string]int
}

func (m *mockBackend) GetString(key string) (string, bool, error) {
	v, ok := m.strings[key]
	return v, ok, nil
}

func (m *mockBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.ints[key]
	return v, ok, nil
}

func (m *mockBackend) SetString(key, val string) error { return nil }

func (m *mockBackend) SetInt(key string, val int) error { return nil }

func (m *mockBackend) Delete(key string) error { return nil }

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(&mockBackend{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4810 {
		t.Errorf("Server.Port = %d, want 4810", cfg.Server.Port)
	}
	if cfg.Dict.BaseURL != "http://localhost:8000" {
		t.Errorf("Dict.BaseURL = %q", cfg.Dict.BaseURL)
	}
	if cfg.Import.ChunkSize != 14 {
		t.Errorf("Import.ChunkSize = %d, want 14", cfg.Import.ChunkSize)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestBackendOverridesDefaults(t *testing.T) {
	cfg, err := loadWith(&mockBackend{
		strings: map[string]string{
			"dict.base_url": "http://dict.local:9000",
			"log.level":     "debug",
		},
		ints: map[string]int{
			"server.port":       5000,
			"import.chunk_size": 20,
		},
	})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Dict.BaseURL != "http://dict.local:9000" {
		t.Errorf("Dict.BaseURL = %q", cfg.Dict.BaseURL)
	}
	if cfg.Server.Port != 5000 || cfg.Import.ChunkSize != 20 || cfg.Log.Level != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	t.Setenv("KOTODICT_SERVER_PORT", "7777")
	t.Setenv("KOTODICT_DICT_TOKEN", "env-secret")

	cfg, err := loadWith(&mockBackend{
		ints: map[string]int{"server.port": 5000},
	})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want env override 7777", cfg.Server.Port)
	}
	if cfg.Dict.Token != "env-secret" {
		t.Errorf("Dict.Token = %q, want env value", cfg.Dict.Token)
	}
}

func TestEnvOverride_BadIntKeepsDefault(t *testing.T) {
	t.Setenv("KOTODICT_IMPORT_CHUNK_SIZE", "lots")

	cfg, err := loadWith(&mockBackend{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Import.ChunkSize != 14 {
		t.Errorf("Import.ChunkSize = %d, want default 14", cfg.Import.ChunkSize)
	}
}

func TestShowAll_ExcludesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Dict.Token = "secret"

	for _, info := range ShowAll(cfg) {
		if info.Key == "dict.token" || info.Key == "server.auth_token" {
			t.Errorf("ShowAll leaked secret key %q", info.Key)
		}
	}
}

func TestValidKeys(t *testing.T) {
	keys := ValidKeys()
	want := map[string]bool{"server.port": true, "dict.base_url": true, "import.chunk_size": true}
	found := 0
	for _, k := range keys {
		if want[k] {
			found++
		}
		if k == "dict.token" {
			t.Error("secret key listed as settable")
		}
	}
	if found != len(want) {
		t.Errorf("keys = %v", keys)
	}
}
