// Package config handles application configuration loading and validation.
//
// Configuration is loaded from config.yml and validated using struct tags.
// It declares the provider definitions the engine serves and the
// coordination tunables.
package config
