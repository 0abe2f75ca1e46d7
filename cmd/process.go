package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/plumesight/aerofuse/internal/blobcache"
	"github.com/plumesight/aerofuse/internal/measure"
	"github.com/plumesight/aerofuse/internal/region"
	"github.com/plumesight/aerofuse/internal/source"
	"github.com/plumesight/aerofuse/internal/store"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Parse cached raw files, clip to the study region, and store measurements",
	Long: `Parse the cached satellite CSV extract and ground JSON snapshot into
measurements, restrict ground readings to the site inventory when one is
configured, clip everything to the study region, and store the result.
Re-running is a no-op for rows already stored.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "process"))

		cache, err := initCache()
		if err != nil {
			return err
		}
		reg, err := initRegion()
		if err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		var sites *source.SiteSet
		if cfg.Ground.SitesXLSX != "" {
			sites, err = source.LoadSites(cfg.Ground.SitesXLSX)
			if err != nil {
				return eris.Wrap(err, "process: load sites")
			}
			log.Info("site inventory loaded", zap.Int("sites", sites.Len()))
		}

		processed := 0

		sat, err := processSatellite(ctx, cache, reg, st, cfg.Satellite.ProductLevel)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			fmt.Println("No cached satellite extract; skipping (the NetCDF product needs external conversion to CSV).")
		case err != nil:
			return err
		default:
			processed++
			log.Info("satellite extract processed",
				zap.Int("parsed", sat.Parsed),
				zap.Int("dropped", sat.Dropped),
				zap.Int("clipped", sat.Clipped),
				zap.Int("stored", sat.Stored),
			)
			fmt.Printf("Satellite: parsed %d rows (%d dropped), clipped %d outside region, stored %d new\n",
				sat.Parsed, sat.Dropped, sat.Clipped, sat.Stored)
		}

		gnd, err := processGround(ctx, cache, reg, sites, st)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			fmt.Println("No cached ground snapshot; skipping (run 'aerofuse ingest' first).")
		case err != nil:
			return err
		default:
			processed++
			log.Info("ground snapshot processed",
				zap.Int("parsed", gnd.Parsed),
				zap.Int("dropped", gnd.Dropped),
				zap.Int("offsite", gnd.OffSite),
				zap.Int("clipped", gnd.Clipped),
				zap.Int("stored", gnd.Stored),
			)
			fmt.Printf("Ground: parsed %d readings (%d dropped), %d off-site, clipped %d outside region, stored %d new\n",
				gnd.Parsed, gnd.Dropped, gnd.OffSite, gnd.Clipped, gnd.Stored)
		}

		if processed == 0 {
			return eris.New("no cached raw files to process (run 'aerofuse ingest' first)")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
}

// legReport tallies one source's trip from raw file to store.
type legReport struct {
	Parsed  int
	Dropped int
	OffSite int
	Clipped int
	Stored  int
}

func processSatellite(ctx context.Context, cache *blobcache.Cache, reg *region.Region, st store.Store, level string) (*legReport, error) {
	param, err := parameterFromLevel(level)
	if err != nil {
		return nil, err
	}

	f, err := cache.Open(satelliteCSVKey)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	ms, dropped, err := source.ParseSatelliteCSV(ctx, f, source.SatelliteCSVOptions{
		SourceID:  "s5p",
		Parameter: param,
		Unit:      satelliteUnit(param),
	})
	if err != nil {
		return nil, err
	}

	kept, clipped := reg.Clip(ms)
	stored, err := st.InsertMeasurements(ctx, kept)
	if err != nil {
		return nil, err
	}
	return &legReport{Parsed: len(ms), Dropped: dropped, Clipped: clipped, Stored: stored}, nil
}

func processGround(ctx context.Context, cache *blobcache.Cache, reg *region.Region, sites *source.SiteSet, st store.Store) (*legReport, error) {
	f, err := cache.Open(groundJSONKey)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	ms, dropped, err := source.ParseGroundJSON(ctx, f)
	if err != nil {
		return nil, err
	}

	offsite := 0
	if sites != nil {
		ms, offsite = sites.Filter(ms)
	}

	kept, clipped := reg.Clip(ms)
	stored, err := st.InsertMeasurements(ctx, kept)
	if err != nil {
		return nil, err
	}
	return &legReport{Parsed: len(ms) + offsite, Dropped: dropped, OffSite: offsite, Clipped: clipped, Stored: stored}, nil
}

// parameterFromLevel extracts the pollutant from a product level name like
// L2__CH4 or L2__NO2___.
func parameterFromLevel(level string) (measure.Parameter, error) {
	s := strings.TrimPrefix(level, "L2__")
	s = strings.Trim(s, "_")
	return measure.ParseParameter(s)
}

// satelliteUnit names the unit the extract reports a pollutant in. Methane
// comes as a mixing ratio, the rest as column densities.
func satelliteUnit(param measure.Parameter) string {
	if param == measure.CH4 {
		return "ppb"
	}
	return "umol/m2"
}
