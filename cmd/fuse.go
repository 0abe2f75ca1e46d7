package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/plumesight/aerofuse/internal/artifact"
	"github.com/plumesight/aerofuse/internal/config"
	"github.com/plumesight/aerofuse/internal/fusion"
	"github.com/plumesight/aerofuse/internal/geo"
	"github.com/plumesight/aerofuse/internal/measure"
	"github.com/plumesight/aerofuse/internal/store"
)

var (
	fuseFrom  string
	fuseTo    string
	fuseSince time.Duration
	fuseModel string
)

var fuseCmd = &cobra.Command{
	Use:   "fuse",
	Short: "Match, normalize, and score stored measurements",
	Long: `Run the fusion pipeline over stored measurements: buffer satellite
footprints, match ground stations into them by pollutant and day, normalize
both sides to Z-scores, and score each matched pair for anomalies. Scored
pairs, the run record, and the fitted model artifacts are persisted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "fuse"))

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		proj, err := geo.NewProjector(cfg.Geometry)
		if err != nil {
			return err
		}
		arts, err := artifact.NewStore(cfg.Artifact.Dir)
		if err != nil {
			return err
		}

		scoreCfg := cfg.Score
		if fuseModel != "" {
			scoreCfg.Model = fuseModel
		}

		from, to, err := fuseWindow(time.Now().UTC())
		if err != nil {
			return err
		}
		log.Info("fuse window", zap.Time("from", from), zap.Time("to", to))

		var baseline *fusion.Baseline
		if cfg.Normalize.Scope == "history" {
			baseline, err = loadBaseline(ctx, st)
			if err != nil {
				return err
			}
			log.Info("normalizing against stored history",
				zap.Int("satellite", len(baseline.Satellite)),
				zap.Int("ground", len(baseline.Ground)),
			)
		}

		out, err := executeFuse(ctx, st, proj, scoreCfg, baseline, arts, from, to)
		if err != nil {
			return err
		}
		if out == nil {
			fmt.Println("Nothing to fuse: no stored measurements in the window.")
			return nil
		}

		log.Info("fuse complete",
			zap.String("run", out.RunID),
			zap.Int("scored", out.Counts.Scored),
			zap.Int("anomalies", out.Counts.Anomalies),
		)
		formatFuseOutcome(os.Stdout, out)
		return nil
	},
}

func init() {
	fuseCmd.Flags().StringVar(&fuseFrom, "from", "", "window start (YYYY-MM-DD or RFC3339; default now minus --since)")
	fuseCmd.Flags().StringVar(&fuseTo, "to", "", "window end, exclusive (YYYY-MM-DD or RFC3339; default open)")
	fuseCmd.Flags().DurationVar(&fuseSince, "since", 168*time.Hour, "window length when --from is unset")
	fuseCmd.Flags().StringVar(&fuseModel, "model", "", "override the configured scoring model")
	rootCmd.AddCommand(fuseCmd)
}

// fuseWindow resolves the measurement window from flags. now anchors the
// default start.
func fuseWindow(now time.Time) (from, to time.Time, err error) {
	if fuseFrom != "" {
		from, err = parseTimeFlag(fuseFrom)
		if err != nil {
			return time.Time{}, time.Time{}, eris.Wrap(err, "--from")
		}
	} else {
		from = now.Add(-fuseSince)
	}
	if fuseTo != "" {
		to, err = parseTimeFlag(fuseTo)
		if err != nil {
			return time.Time{}, time.Time{}, eris.Wrap(err, "--to")
		}
	}
	if !to.IsZero() && !from.Before(to) {
		return time.Time{}, time.Time{}, eris.New("window is empty: --from is not before --to")
	}
	return from, to, nil
}

func parseTimeFlag(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, eris.Errorf("%q is not YYYY-MM-DD or RFC3339", s)
	}
	return t, nil
}

// loadBaseline pulls the full stored history for normalization statistics.
func loadBaseline(ctx context.Context, st store.Store) (*fusion.Baseline, error) {
	sat, err := st.ListMeasurements(ctx, store.MeasurementFilter{Source: measure.SourceSatellite})
	if err != nil {
		return nil, eris.Wrap(err, "fuse: load satellite history")
	}
	gnd, err := st.ListMeasurements(ctx, store.MeasurementFilter{Source: measure.SourceGround})
	if err != nil {
		return nil, eris.Wrap(err, "fuse: load ground history")
	}
	return &fusion.Baseline{Satellite: sat, Ground: gnd}, nil
}

// fuseOutcome is what one fuse invocation produced.
type fuseOutcome struct {
	RunID     string
	Counts    store.RunCounts
	Artifacts []string
	Summary   []store.ParameterSummary
}

// executeFuse loads the window, runs the pipeline, and persists the scores,
// the run record, and the fitted models. A nil outcome without an error means
// one side of the window was empty.
func executeFuse(ctx context.Context, st store.Store, proj *geo.Projector, scoreCfg config.ScoreConfig, baseline *fusion.Baseline, arts *artifact.Store, from, to time.Time) (*fuseOutcome, error) {
	satellite, err := st.ListMeasurements(ctx, store.MeasurementFilter{Source: measure.SourceSatellite, From: from, To: to})
	if err != nil {
		return nil, eris.Wrap(err, "fuse: load satellite window")
	}
	ground, err := st.ListMeasurements(ctx, store.MeasurementFilter{Source: measure.SourceGround, From: from, To: to})
	if err != nil {
		return nil, eris.Wrap(err, "fuse: load ground window")
	}
	if len(satellite) == 0 || len(ground) == 0 {
		return nil, nil
	}

	opts := []fusion.Option{}
	if baseline != nil {
		opts = append(opts, fusion.WithBaseline(*baseline))
	}
	p, err := fusion.New(proj, scoreCfg, opts...)
	if err != nil {
		return nil, err
	}

	run, err := st.CreateRun(ctx, scoreCfg.Model)
	if err != nil {
		return nil, err
	}

	res, err := p.Run(ctx, satellite, ground)
	if err != nil {
		return nil, failRun(ctx, st, run.ID, err)
	}

	if _, err := st.InsertScoredPairs(ctx, run.ID, res.Pairs); err != nil {
		return nil, failRun(ctx, st, run.ID, err)
	}

	counts := store.RunCounts{
		Satellite: len(satellite),
		Ground:    len(ground),
		Matched:   res.Matched,
		Scored:    len(res.Pairs),
		Skipped:   len(res.Skipped),
		Anomalies: res.Anomalies,
	}
	if err := st.CompleteRun(ctx, run.ID, counts); err != nil {
		return nil, err
	}

	out := &fuseOutcome{RunID: run.ID, Counts: counts}

	// Per-parameter runs fit one model per pollutant; suffix those artifacts
	// so they do not collide.
	keys := make([]string, 0, len(res.Models))
	for k := range res.Models {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		id := run.ID
		if k != fusion.CombinedModelKey {
			id = run.ID + "-" + k
		}
		path, err := arts.Save(id, res.Models[k])
		if err != nil {
			return nil, eris.Wrap(err, "fuse: save model")
		}
		out.Artifacts = append(out.Artifacts, path)
	}

	if counts.Scored > 0 {
		out.Summary, err = st.SummarizeRun(ctx, run.ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// failRun marks the run failed and hands the original error back.
func failRun(ctx context.Context, st store.Store, runID string, cause error) error {
	if err := st.FailRun(ctx, runID, cause); err != nil {
		zap.L().Error("fuse: record failure", zap.String("run", runID), zap.Error(err))
	}
	return cause
}

// formatFuseOutcome writes the run's counts and per-parameter summary to w.
func formatFuseOutcome(out io.Writer, o *fuseOutcome) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", truncateID(o.RunID))
	_, _ = fmt.Fprintf(w, "Satellite:\t%d\n", o.Counts.Satellite)
	_, _ = fmt.Fprintf(w, "Ground:\t%d\n", o.Counts.Ground)
	_, _ = fmt.Fprintf(w, "Matched:\t%d\n", o.Counts.Matched)
	_, _ = fmt.Fprintf(w, "Scored:\t%d\n", o.Counts.Scored)
	_, _ = fmt.Fprintf(w, "Skipped:\t%d\n", o.Counts.Skipped)
	_, _ = fmt.Fprintf(w, "Anomalies:\t%d\n", o.Counts.Anomalies)
	_ = w.Flush()

	if len(o.Summary) > 0 {
		_, _ = fmt.Fprintln(out)
		formatParameterSummary(out, o.Summary)
	}
}
