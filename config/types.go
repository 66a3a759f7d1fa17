package config

// EngineConfig contains coordination tunables. Zero values select the
// engine defaults.
type EngineConfig struct {
	DefaultProvider string `yaml:"defaultProvider"`

	SufficiencyToleranceSec int     `yaml:"sufficiencyToleranceSec" validate:"gte=0"`
	SufficiencyRatio        float64 `yaml:"sufficiencyRatio" validate:"gte=0,lte=1"`
	DefaultCount            int     `yaml:"defaultCount" validate:"gte=0"`
	ManualRefreshMinWaitSec int     `yaml:"manualRefreshMinWaitSec" validate:"gte=0"`
	MetadataTTLSec          int     `yaml:"metadataTTLSec" validate:"gte=0"`
	DefaultGeoRadiusMeters  int     `yaml:"defaultGeoRadiusMeters" validate:"gte=0"`

	DebounceFirstMS int `yaml:"debounceFirstMS" validate:"gte=0"`
	DebounceResetMS int `yaml:"debounceResetMS" validate:"gte=0"`

	GracePeriodMS         int `yaml:"gracePeriodMS" validate:"gte=0"`
	ProviderIdleTimeoutMS int `yaml:"providerIdleTimeoutMS" validate:"gte=0"`
}

// ProviderConfig describes one timetable provider.
type ProviderConfig struct {
	ID       string `yaml:"id" validate:"required"`
	Type     string `yaml:"type" validate:"required"`
	Source   string `yaml:"source"`
	Location string `yaml:"location"`

	// FeedURL and TimeoutMS configure realtime-feed providers.
	FeedURL   string `yaml:"feedURL" validate:"omitempty,url"`
	TimeoutMS int    `yaml:"timeoutMS" validate:"gte=0"`
}

// MetastoreConfig selects where provider validation results persist. An
// empty path keeps them in memory.
type MetastoreConfig struct {
	Path string `yaml:"path"`
}

// AppConfig is the root configuration structure
type AppConfig struct {
	Engine    EngineConfig     `yaml:"engine"`
	Providers []ProviderConfig `yaml:"providers"`
	Metastore MetastoreConfig  `yaml:"metastore"`
}
