package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, -73.97, cfg.Region.MinLon, 0.001)
	assert.InDelta(t, 45.71, cfg.Region.MaxLat, 0.001)
	assert.Equal(t, "SENTINEL-5P", cfg.Satellite.Collection)
	assert.Equal(t, "L2__CH4", cfg.Satellite.ProductLevel)
	assert.Equal(t, "https://api.openaq.org/v3", cfg.Ground.BaseURL)
	assert.Equal(t, 7, cfg.Ground.LookbackDays)
	assert.InDelta(t, 60, cfg.Ground.RatePerMinute, 0.001)
	assert.Equal(t, 168, cfg.Cache.MaxAgeHours)
	assert.Equal(t, "EPSG:4326", cfg.Geometry.SourceCRS)
	assert.Equal(t, "EPSG:32618", cfg.Geometry.MetricCRS)
	assert.InDelta(t, 2500, cfg.Geometry.BufferMeters, 0.001)
	assert.Equal(t, "batch", cfg.Normalize.Scope)
	assert.Equal(t, "isolation_forest", cfg.Score.Model)
	assert.InDelta(t, 0.05, cfg.Score.Contamination, 0.001)
	assert.Equal(t, uint64(42), cfg.Score.Seed)
	assert.Equal(t, 10, cfg.Score.MinSamples)
	assert.Equal(t, 100, cfg.Score.Trees)
	assert.Equal(t, 256, cfg.Score.SampleSize)
	assert.Equal(t, 20, cfg.Score.Neighbors)
	assert.False(t, cfg.Score.PerParameter)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/aerofuse
log:
  level: debug
  format: console
score:
  model: local_density
  neighbors: 15
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "local_density", cfg.Score.Model)
	assert.Equal(t, 15, cfg.Score.Neighbors)
	// Defaults still apply for unset values
	assert.Equal(t, 100, cfg.Score.Trees)
	assert.InDelta(t, 2500, cfg.Geometry.BufferMeters, 0.001)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("AEROFUSE_STORE_DRIVER", "sqlite")
	t.Setenv("AEROFUSE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("AEROFUSE_GEOMETRY_BUFFER_METERS", "1000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.InDelta(t, 1000, cfg.Geometry.BufferMeters, 0.001)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validConfig returns a Config that passes Validate.
func validConfig() *Config {
	return &Config{
		Store:     StoreConfig{Driver: "sqlite", DatabaseURL: "aerofuse.db"},
		Region:    RegionConfig{MinLon: -73.97, MinLat: 45.41, MaxLon: -73.47, MaxLat: 45.71},
		Geometry:  GeometryConfig{SourceCRS: "EPSG:4326", MetricCRS: "EPSG:32618", BufferMeters: 2500},
		Normalize: NormalizeConfig{Scope: "batch"},
	}
}

func TestValidateOK(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Driver = "oracle"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store driver")
}

func TestValidateMissingDatabaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateInvertedRegion(t *testing.T) {
	cfg := validConfig()
	cfg.Region.MinLon, cfg.Region.MaxLon = cfg.Region.MaxLon, cfg.Region.MinLon

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "region bbox")
}

func TestValidateNegativeBuffer(t *testing.T) {
	cfg := validConfig()
	cfg.Geometry.BufferMeters = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer_meters")
}

func TestValidateUnknownScope(t *testing.T) {
	cfg := validConfig()
	cfg.Normalize.Scope = "global"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "normalize scope")
}
