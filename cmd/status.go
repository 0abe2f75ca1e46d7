package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/plumesight/aerofuse/internal/blobcache"
	"github.com/plumesight/aerofuse/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored counts, cache freshness, and recent runs",
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
		cache, err := initCache()
		if err != nil {
			return err
		}

		counts, err := st.CountMeasurements(ctx)
		if err != nil {
			return err
		}
		entries, err := cache.Entries()
		if err != nil {
			return err
		}
		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: 5})
		if err != nil {
			return err
		}

		formatMeasurementCounts(os.Stdout, counts)
		fmt.Println()
		formatCacheEntries(os.Stdout, entries)
		fmt.Println()
		formatRunsList(os.Stdout, runs)

		for _, r := range runs {
			if r.Status != store.RunStatusComplete {
				continue
			}
			summary, err := st.SummarizeRun(ctx, r.ID)
			if err != nil {
				return err
			}
			if len(summary) > 0 {
				fmt.Printf("\nLatest complete run (%s):\n", truncateID(r.ID))
				formatParameterSummary(os.Stdout, summary)
			}
			break
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// formatMeasurementCounts writes the per-source/per-parameter row counts.
func formatMeasurementCounts(out io.Writer, counts []store.MeasurementCount) {
	if len(counts) == 0 {
		_, _ = fmt.Fprintln(out, "No measurements stored.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tPARAMETER\tROWS\tLATEST")
	_, _ = fmt.Fprintln(w, "------\t---------\t----\t------")
	for _, c := range counts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			c.Source, c.Parameter, c.Rows, c.Latest.UTC().Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}

// formatCacheEntries writes the blob cache contents with freshness.
func formatCacheEntries(out io.Writer, entries []blobcache.Entry) {
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(out, "Blob cache is empty.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tSIZE\tAGE\tFRESH")
	_, _ = fmt.Fprintln(w, "---\t----\t---\t-----")
	for _, e := range entries {
		fresh := "no"
		if e.Fresh {
			fresh = "yes"
		}
		age := time.Since(e.ModTime).Round(time.Minute)
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.Key, e.Size, age, fresh)
	}
	_ = w.Flush()
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, runs []store.Run) {
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs recorded.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tMODEL\tSTATUS\tSCORED\tANOMALIES\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t------\t---------\t-------\t--------")
	for _, r := range runs {
		scored, anomalies := "-", "-"
		if r.Counts != nil {
			scored = fmt.Sprintf("%d", r.Counts.Scored)
			anomalies = fmt.Sprintf("%d", r.Counts.Anomalies)
		}
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Model,
			r.Status,
			scored,
			anomalies,
			r.StartedAt.UTC().Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatParameterSummary writes one run's per-pollutant score summary.
func formatParameterSummary(out io.Writer, summary []store.ParameterSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PARAMETER\tPAIRS\tANOMALIES\tMEAN\tMAX")
	for _, s := range summary {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%.3f\t%.3f\n",
			s.Parameter, s.Pairs, s.Anomalies, s.MeanScore, s.MaxScore)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
