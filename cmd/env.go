package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/plumesight/aerofuse/internal/blobcache"
	"github.com/plumesight/aerofuse/internal/region"
	"github.com/plumesight/aerofuse/internal/store"
)

// Blob cache keys follow the upstream bucket layout: one "latest" object per
// feed, overwritten on each ingest.
const (
	satelliteNetCDFKey = "sentinel-5p/latest.nc"
	satelliteCSVKey    = "sentinel-5p/latest.csv"
	groundJSONKey      = "openaq/latest.json"
)

// initStore opens the configured store backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initCache opens the raw-file blob cache.
func initCache() (*blobcache.Cache, error) {
	maxAge := blobcache.DefaultMaxAge
	if cfg.Cache.MaxAgeHours > 0 {
		maxAge = time.Duration(cfg.Cache.MaxAgeHours) * time.Hour
	}
	return blobcache.New(cfg.Cache.Dir, maxAge)
}

// initRegion builds the study region from config.
func initRegion() (*region.Region, error) {
	return region.FromConfig(cfg.Region)
}
