package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Tiles     TilesConfig     `yaml:"tiles" mapstructure:"tiles"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Sources   SourcesConfig   `yaml:"sources" mapstructure:"sources"`
	Analytics AnalyticsConfig `yaml:"analytics" mapstructure:"analytics"`
	Probe     ProbeConfig     `yaml:"probe" mapstructure:"probe"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the feature/catalog database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"`
	MaxLimit    int    `yaml:"max_limit" mapstructure:"max_limit"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	EnableMetrics  bool     `yaml:"enable_metrics" mapstructure:"enable_metrics"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// TilesConfig configures the vector tile encoder.
type TilesConfig struct {
	Extent              int     `yaml:"extent" mapstructure:"extent"`
	Buffer              float64 `yaml:"buffer" mapstructure:"buffer"`
	SimplifyPixels      float64 `yaml:"simplify_pixels" mapstructure:"simplify_pixels"`
	SimplifyMaxZoom     int     `yaml:"simplify_max_zoom" mapstructure:"simplify_max_zoom"`
	MaxCoordsPerFeature int     `yaml:"max_coords_per_feature" mapstructure:"max_coords_per_feature"`
}

// CacheConfig configures the encoded-tile cache and source metadata caches.
type CacheConfig struct {
	TileEntries     int           `yaml:"tile_entries" mapstructure:"tile_entries"`
	TileTTL         time.Duration `yaml:"tile_ttl" mapstructure:"tile_ttl"`
	SourceEntries   int           `yaml:"source_entries" mapstructure:"source_entries"`
	RevalidateAfter time.Duration `yaml:"revalidate_after" mapstructure:"revalidate_after"`
}

// SourcesConfig configures remote byte-range access to archives and rasters.
type SourcesConfig struct {
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxPerOrigin     int64         `yaml:"max_per_origin" mapstructure:"max_per_origin"`
	RatePerSecond    float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	BlockConcurrency int           `yaml:"block_concurrency" mapstructure:"block_concurrency"`
	UserAgent        string        `yaml:"user_agent" mapstructure:"user_agent"`
}

// AnalyticsConfig configures the spatial analytics module.
type AnalyticsConfig struct {
	SampleLimit int `yaml:"sample_limit" mapstructure:"sample_limit"`
	GridSize    int `yaml:"grid_size" mapstructure:"grid_size"`
	TopK        int `yaml:"top_k" mapstructure:"top_k"`
}

// ProbeConfig configures the datasource connectivity prober.
type ProbeConfig struct {
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GEOBASE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "geo-base.db")
	v.SetDefault("store.max_limit", 1000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("tiles.extent", 4096)
	v.SetDefault("tiles.buffer", 0.05)
	v.SetDefault("tiles.simplify_pixels", 1.0)
	v.SetDefault("tiles.simplify_max_zoom", 14)
	v.SetDefault("tiles.max_coords_per_feature", 10000)
	v.SetDefault("cache.tile_entries", 1000)
	v.SetDefault("cache.tile_ttl", time.Hour)
	v.SetDefault("cache.source_entries", 64)
	v.SetDefault("cache.revalidate_after", 5*time.Minute)
	v.SetDefault("sources.timeout", 30*time.Second)
	v.SetDefault("sources.max_per_origin", 8)
	v.SetDefault("sources.rate_per_second", 50)
	v.SetDefault("sources.block_concurrency", 4)
	v.SetDefault("sources.user_agent", "geo-base/1.0")
	v.SetDefault("analytics.sample_limit", 1000)
	v.SetDefault("analytics.grid_size", 3)
	v.SetDefault("analytics.top_k", 3)
	v.SetDefault("probe.interval", 15*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration is usable for the given mode.
// Modes: "serve" (tile/query server), "migrate", "load" (feature import).
func (c *Config) Validate(mode string) error {
	var problems []string

	checkStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required for the postgres driver")
			}
		case "sqlite":
			if c.Store.Path == "" {
				problems = append(problems, "store.path is required for the sqlite driver")
			}
		default:
			problems = append(problems, "store.driver must be postgres or sqlite")
		}
	}

	switch mode {
	case "serve":
		checkStore()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Tiles.Extent <= 0 {
			problems = append(problems, "tiles.extent must be > 0")
		}
		if c.Tiles.Buffer < 0 || c.Tiles.Buffer > 0.5 {
			problems = append(problems, "tiles.buffer must be between 0 and 0.5")
		}
		if c.Sources.MaxPerOrigin < 1 {
			problems = append(problems, "sources.max_per_origin must be >= 1")
		}
		if c.Analytics.SampleLimit < 1 {
			problems = append(problems, "analytics.sample_limit must be >= 1")
		}
	case "migrate", "load":
		checkStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
