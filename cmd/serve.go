package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/plumesight/aerofuse/internal/anomaly"
	"github.com/plumesight/aerofuse/internal/measure"
	"github.com/plumesight/aerofuse/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve stored scored pairs over a read-only JSON API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(st),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(context.Background()) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// newRouter builds the read-only API over the store. The visualization
// frontend lives on another origin, hence the permissive CORS policy.
func newRouter(st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/scored", handleScored(st))
		r.Get("/runs", handleRuns(st))
		r.Get("/summary", handleSummary(st))
	})

	return r
}

func handleScored(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		runID := q.Get("run")
		if runID == "" {
			var err error
			runID, err = latestCompleteRun(r.Context(), st)
			switch {
			case errors.Is(err, errNoRuns):
				writeError(w, http.StatusNotFound, "no complete runs")
				return
			case err != nil:
				serveError(w, err)
				return
			}
		}

		filter := store.ScoreFilter{
			RunID:  runID,
			Limit:  queryInt(q.Get("limit"), 100),
			Offset: queryInt(q.Get("offset"), 0),
		}
		if p := q.Get("parameter"); p != "" {
			param, err := measure.ParseParameter(p)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown parameter %q", p))
				return
			}
			filter.Parameter = param
		}
		if q.Get("anomalies_only") == "true" {
			filter.Label = string(anomaly.LabelAnomaly)
		}
		if v := q.Get("min_score"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "min_score must be a number")
				return
			}
			filter.MinScore = f
		}

		rows, err := st.ListScoredPairs(r.Context(), filter)
		if err != nil {
			serveError(w, err)
			return
		}
		if rows == nil {
			rows = []store.ScoredRow{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"run_id":  runID,
			"count":   len(rows),
			"results": rows,
		})
	}
}

func handleRuns(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.RunFilter{
			Status: store.RunStatus(q.Get("status")),
			Limit:  queryInt(q.Get("limit"), 20),
			Offset: queryInt(q.Get("offset"), 0),
		}

		runs, err := st.ListRuns(r.Context(), filter)
		if err != nil {
			serveError(w, err)
			return
		}
		if runs == nil {
			runs = []store.Run{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count":   len(runs),
			"results": runs,
		})
	}
}

func handleSummary(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := r.URL.Query().Get("run")
		if runID == "" {
			var err error
			runID, err = latestCompleteRun(r.Context(), st)
			switch {
			case errors.Is(err, errNoRuns):
				writeError(w, http.StatusNotFound, "no complete runs")
				return
			case err != nil:
				serveError(w, err)
				return
			}
		}

		summary, err := st.SummarizeRun(r.Context(), runID)
		if err != nil {
			serveError(w, err)
			return
		}
		if summary == nil {
			summary = []store.ParameterSummary{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"run_id":  runID,
			"results": summary,
		})
	}
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("serve: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func serveError(w http.ResponseWriter, err error) {
	zap.L().Error("serve: store query failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
