package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Region    RegionConfig    `yaml:"region" mapstructure:"region"`
	Satellite SatelliteConfig `yaml:"satellite" mapstructure:"satellite"`
	Ground    GroundConfig    `yaml:"ground" mapstructure:"ground"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Geometry  GeometryConfig  `yaml:"geometry" mapstructure:"geometry"`
	Normalize NormalizeConfig `yaml:"normalize" mapstructure:"normalize"`
	Score     ScoreConfig     `yaml:"score" mapstructure:"score"`
	Artifact  ArtifactConfig  `yaml:"artifact" mapstructure:"artifact"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// RegionConfig bounds the study area. Measurements outside the region are
// discarded before storage. Boundary, when set, points at a polygon shapefile
// that overrides the bbox.
type RegionConfig struct {
	MinLon   float64 `yaml:"min_lon" mapstructure:"min_lon"`
	MinLat   float64 `yaml:"min_lat" mapstructure:"min_lat"`
	MaxLon   float64 `yaml:"max_lon" mapstructure:"max_lon"`
	MaxLat   float64 `yaml:"max_lat" mapstructure:"max_lat"`
	Boundary string  `yaml:"boundary" mapstructure:"boundary"`
}

// SatelliteConfig configures the Copernicus Data Space ingest.
type SatelliteConfig struct {
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	TokenURL     string `yaml:"token_url" mapstructure:"token_url"`
	Username     string `yaml:"username" mapstructure:"username"`
	Password     string `yaml:"password" mapstructure:"password"`
	Collection   string `yaml:"collection" mapstructure:"collection"`
	ProductLevel string `yaml:"product_level" mapstructure:"product_level"`
	CSVPath      string `yaml:"csv_path" mapstructure:"csv_path"`
}

// GroundConfig configures the OpenAQ ingest.
type GroundConfig struct {
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	Key           string  `yaml:"key" mapstructure:"key"`
	LookbackDays  int     `yaml:"lookback_days" mapstructure:"lookback_days"`
	RatePerMinute float64 `yaml:"rate_per_minute" mapstructure:"rate_per_minute"`
	SitesXLSX     string  `yaml:"sites_xlsx" mapstructure:"sites_xlsx"`
}

// CacheConfig configures the raw-file blob cache.
type CacheConfig struct {
	Dir         string `yaml:"dir" mapstructure:"dir"`
	MaxAgeHours int    `yaml:"max_age_hours" mapstructure:"max_age_hours"`
}

// GeometryConfig configures projection and footprint buffering.
type GeometryConfig struct {
	SourceCRS    string  `yaml:"source_crs" mapstructure:"source_crs"`
	MetricCRS    string  `yaml:"metric_crs" mapstructure:"metric_crs"`
	BufferMeters float64 `yaml:"buffer_meters" mapstructure:"buffer_meters"`
}

// NormalizeConfig configures Z-score statistics.
// Scope is "batch" (statistics from the run's own inputs) or "history"
// (statistics loaded from the store for each partition).
type NormalizeConfig struct {
	Scope string `yaml:"scope" mapstructure:"scope"`
}

// ScoreConfig configures the anomaly scoring model.
type ScoreConfig struct {
	Model         string  `yaml:"model" mapstructure:"model"`
	Contamination float64 `yaml:"contamination" mapstructure:"contamination"`
	Seed          uint64  `yaml:"seed" mapstructure:"seed"`
	MinSamples    int     `yaml:"min_samples" mapstructure:"min_samples"`
	Trees         int     `yaml:"trees" mapstructure:"trees"`
	SampleSize    int     `yaml:"sample_size" mapstructure:"sample_size"`
	Neighbors     int     `yaml:"neighbors" mapstructure:"neighbors"`
	PerParameter  bool    `yaml:"per_parameter" mapstructure:"per_parameter"`
}

// ArtifactConfig configures fitted-model persistence.
type ArtifactConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ServerConfig configures the read-only API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("AEROFUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "aerofuse.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("region.min_lon", -73.97)
	v.SetDefault("region.min_lat", 45.41)
	v.SetDefault("region.max_lon", -73.47)
	v.SetDefault("region.max_lat", 45.71)
	v.SetDefault("satellite.base_url", "https://catalogue.dataspace.copernicus.eu/odata/v1")
	v.SetDefault("satellite.token_url", "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token")
	v.SetDefault("satellite.collection", "SENTINEL-5P")
	v.SetDefault("satellite.product_level", "L2__CH4")
	v.SetDefault("ground.base_url", "https://api.openaq.org/v3")
	v.SetDefault("ground.lookback_days", 7)
	v.SetDefault("ground.rate_per_minute", 60)
	v.SetDefault("cache.dir", "cache")
	v.SetDefault("cache.max_age_hours", 168)
	v.SetDefault("geometry.source_crs", "EPSG:4326")
	v.SetDefault("geometry.metric_crs", "EPSG:32618")
	v.SetDefault("geometry.buffer_meters", 2500)
	v.SetDefault("normalize.scope", "batch")
	v.SetDefault("score.model", "isolation_forest")
	v.SetDefault("score.contamination", 0.05)
	v.SetDefault("score.seed", 42)
	v.SetDefault("score.min_samples", 10)
	v.SetDefault("score.trees", 100)
	v.SetDefault("score.sample_size", 256)
	v.SetDefault("score.neighbors", 20)
	v.SetDefault("artifact.dir", "models")

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

// Validate checks settings that every command depends on. Per-command
// requirements (API credentials, file paths) are checked by the commands
// themselves.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required")
	}
	if c.Region.MinLon >= c.Region.MaxLon || c.Region.MinLat >= c.Region.MaxLat {
		return eris.New("config: region bbox is inverted or empty")
	}
	if c.Geometry.BufferMeters < 0 {
		return eris.New("config: geometry.buffer_meters must be >= 0")
	}
	switch c.Normalize.Scope {
	case "batch", "history":
	default:
		return eris.Errorf("config: unknown normalize scope %q", c.Normalize.Scope)
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
