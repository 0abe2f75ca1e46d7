package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/paulmach/orb/encoding/geojson"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/plumesight/aerofuse/internal/anomaly"
	"github.com/plumesight/aerofuse/internal/measure"
	"github.com/plumesight/aerofuse/internal/store"
)

var (
	exportRun       string
	exportFormat    string
	exportOut       string
	exportParameter string
	exportAnomalies bool
	exportLimit     int
)

// scoredCSVHeader is the stable column set downstream consumers parse.
// Geometry stays out of the CSV; use geojson for maps.
var scoredCSVHeader = []string{
	"id", "run_id", "satellite_id", "ground_id", "parameter", "day",
	"satellite_ts", "ground_ts", "satellite_value", "ground_value",
	"satellite_z", "ground_z", "value_variance", "score", "label",
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write scored pairs to CSV or GeoJSON",
	Long: `Export one run's scored pairs. CSV drops the geometry columns;
GeoJSON emits a FeatureCollection of station points with the scores as
properties. Without --run the latest complete run is exported.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		runID := exportRun
		if runID == "" {
			runID, err = latestCompleteRun(ctx, st)
			if err != nil {
				return err
			}
		}

		filter := store.ScoreFilter{RunID: runID, Limit: exportLimit}
		if exportParameter != "" {
			param, err := measure.ParseParameter(exportParameter)
			if err != nil {
				return err
			}
			filter.Parameter = param
		}
		if exportAnomalies {
			filter.Label = string(anomaly.LabelAnomaly)
		}

		rows, err := st.ListScoredPairs(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "export")
		}

		out := io.Writer(os.Stdout)
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return eris.Wrapf(err, "export: create %s", exportOut)
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		switch exportFormat {
		case "csv":
			err = writeScoredCSV(out, rows)
		case "geojson":
			err = writeScoredGeoJSON(out, rows)
		default:
			return eris.Errorf("--format must be csv or geojson, got %q", exportFormat)
		}
		if err != nil {
			return err
		}

		if exportOut != "" {
			fmt.Printf("Wrote %d rows of run %s to %s\n", len(rows), truncateID(runID), exportOut)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportRun, "run", "", "run id to export (default: latest complete run)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "output format: csv or geojson")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file (default: stdout)")
	exportCmd.Flags().StringVar(&exportParameter, "parameter", "", "restrict to one pollutant (ch4, no2, o3, co, so2)")
	exportCmd.Flags().BoolVar(&exportAnomalies, "anomalies-only", false, "export only pairs labeled anomaly")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "max rows (0 = all)")
	rootCmd.AddCommand(exportCmd)
}

var errNoRuns = eris.New("no complete runs (run 'aerofuse fuse' first)")

// latestCompleteRun returns the id of the most recent complete run.
func latestCompleteRun(ctx context.Context, st store.Store) (string, error) {
	runs, err := st.ListRuns(ctx, store.RunFilter{Status: store.RunStatusComplete, Limit: 1})
	if err != nil {
		return "", eris.Wrap(err, "list runs")
	}
	if len(runs) == 0 {
		return "", errNoRuns
	}
	return runs[0].ID, nil
}

func writeScoredCSV(out io.Writer, rows []store.ScoredRow) error {
	w := csv.NewWriter(out)
	if err := w.Write(scoredCSVHeader); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, r := range rows {
		rec := []string{
			r.ID, r.RunID, r.SatelliteID, r.GroundID, r.Parameter, r.Day,
			r.SatelliteTime.UTC().Format(time.RFC3339),
			r.GroundTime.UTC().Format(time.RFC3339),
			formatFloat(r.SatelliteValue), formatFloat(r.GroundValue),
			formatFloat(r.SatelliteZ), formatFloat(r.GroundZ),
			formatFloat(r.ValueVariance), formatFloat(r.Score), r.Label,
		}
		if err := w.Write(rec); err != nil {
			return eris.Wrap(err, "export: write csv row")
		}
	}
	w.Flush()
	return eris.Wrap(w.Error(), "export: flush csv")
}

func writeScoredGeoJSON(out io.Writer, rows []store.ScoredRow) error {
	fc := geojson.NewFeatureCollection()
	for _, r := range rows {
		f := geojson.NewFeature(r.Station)
		f.ID = r.ID
		f.Properties = geojson.Properties{
			"run_id":          r.RunID,
			"satellite_id":    r.SatelliteID,
			"ground_id":       r.GroundID,
			"parameter":       r.Parameter,
			"day":             r.Day,
			"satellite_ts":    r.SatelliteTime.UTC().Format(time.RFC3339),
			"ground_ts":       r.GroundTime.UTC().Format(time.RFC3339),
			"satellite_value": r.SatelliteValue,
			"ground_value":    r.GroundValue,
			"satellite_z":     r.SatelliteZ,
			"ground_z":        r.GroundZ,
			"value_variance":  r.ValueVariance,
			"score":           r.Score,
			"label":           r.Label,
		}
		fc.Append(f)
	}

	enc := json.NewEncoder(out)
	return eris.Wrap(enc.Encode(fc), "export: encode geojson")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
