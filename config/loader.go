package config

import (
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/theoremus-urban-solutions/timetable-engine/provider"
)

// Config is the global application configuration
var Config AppConfig

// LoadAppConfig loads and validates the application configuration from the
// given path, falling back to config.yml in the working directory.
func LoadAppConfig(path string) error {
	paths := []string{path, "config.yml"}
	var data []byte
	var err error
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err = os.ReadFile(p)
		if err == nil {
			break
		}
	}
	if err != nil {
		return err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}
	v := validator.New()
	if err := v.Struct(cfg.Engine); err != nil {
		return err
	}
	for _, p := range cfg.Providers {
		if err := v.Struct(p); err != nil {
			return err
		}
	}
	Config = cfg
	return nil
}

// Definitions converts the configured providers into definition records. The
// modification time of the backing source file is picked up when the source
// exists on disk, so edited definitions re-validate automatically.
func (c AppConfig) Definitions() provider.StaticSource {
	defs := make(provider.StaticSource, len(c.Providers))
	for _, p := range c.Providers {
		def := provider.Definition{
			ID:     p.ID,
			Type:   p.Type,
			Source: p.Source,
			Extra:  map[string]string{},
		}
		if p.Location != "" {
			def.Extra["location"] = p.Location
		}
		if p.FeedURL != "" {
			def.Extra["feedURL"] = p.FeedURL
		}
		if p.TimeoutMS > 0 {
			def.Extra["timeoutMS"] = strconv.Itoa(p.TimeoutMS)
		}
		if p.Source != "" {
			if fi, err := os.Stat(p.Source); err == nil {
				def.ModTime = fi.ModTime()
			}
		}
		defs[p.ID] = def
	}
	return defs
}
