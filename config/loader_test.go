package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
engine:
  defaultProvider: cityfeed
  sufficiencyToleranceSec: 120
  sufficiencyRatio: 0.8
  defaultCount: 20
  manualRefreshMinWaitSec: 30
providers:
  - id: cityfeed
    type: gtfsrt
    location: de
    feedURL: https://feeds.example.org/tripupdates.pb
    timeoutMS: 5000
metastore:
  path: /var/lib/timetable/meta.db
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadAppConfig(t *testing.T) {
	origConfig := Config
	defer func() { Config = origConfig }()

	if err := LoadAppConfig(writeConfig(t, sampleConfig)); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if Config.Engine.DefaultProvider != "cityfeed" {
		t.Errorf("defaultProvider = %q", Config.Engine.DefaultProvider)
	}
	if len(Config.Providers) != 1 || Config.Providers[0].Type != "gtfsrt" {
		t.Fatalf("providers = %+v", Config.Providers)
	}
	if Config.Metastore.Path == "" {
		t.Error("metastore path missing")
	}
}

func TestLoadAppConfig_MissingFile(t *testing.T) {
	if err := LoadAppConfig(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Error("loading a non-existent config should fail")
	}
}

func TestLoadAppConfig_InvalidProvider(t *testing.T) {
	origConfig := Config
	defer func() { Config = origConfig }()

	bad := `
providers:
  - type: gtfsrt
`
	if err := LoadAppConfig(writeConfig(t, bad)); err == nil {
		t.Error("provider without id should fail validation")
	}
}

func TestDefinitions(t *testing.T) {
	cfg := AppConfig{
		Providers: []ProviderConfig{
			{ID: "cityfeed", Type: "gtfsrt", Location: "de", FeedURL: "https://feeds.example.org/tu.pb", TimeoutMS: 5000},
		},
	}
	defs := cfg.Definitions()
	def, err := defs.Lookup("cityfeed")
	if err != nil {
		t.Fatal(err)
	}
	if def.Type != "gtfsrt" {
		t.Errorf("type = %q", def.Type)
	}
	if def.Extra["feedURL"] != "https://feeds.example.org/tu.pb" {
		t.Errorf("feedURL = %q", def.Extra["feedURL"])
	}
	if def.Extra["timeoutMS"] != "5000" {
		t.Errorf("timeoutMS = %q", def.Extra["timeoutMS"])
	}
	if def.Extra["location"] != "de" {
		t.Errorf("location = %q", def.Extra["location"])
	}
}
