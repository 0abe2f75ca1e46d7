// Package store persists measurements, fusion runs, and scored pairs behind a
// driver-neutral interface with SQLite and Postgres implementations.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"

	"github.com/plumesight/aerofuse/internal/fusion"
	"github.com/plumesight/aerofuse/internal/measure"
)

// RunStatus is the lifecycle state of a fusion run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunCounts summarizes what one run saw and produced.
type RunCounts struct {
	Satellite int `json:"satellite"`
	Ground    int `json:"ground"`
	Matched   int `json:"matched"`
	Scored    int `json:"scored"`
	Skipped   int `json:"skipped"`
	Anomalies int `json:"anomalies"`
}

// Run records one execution of the fusion pipeline.
type Run struct {
	ID          string     `json:"id"`
	Model       string     `json:"model"`
	Status      RunStatus  `json:"status"`
	Counts      *RunCounts `json:"counts,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status RunStatus `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// MeasurementFilter selects stored observations for one source kind.
// A zero Limit means no limit; fusion needs whole windows, not pages.
type MeasurementFilter struct {
	Source    measure.SourceKind
	Parameter measure.Parameter
	From      time.Time
	To        time.Time
	Limit     int
}

// ScoreFilter selects persisted scored pairs.
type ScoreFilter struct {
	RunID     string
	Parameter measure.Parameter
	Label     string
	MinScore  float64
	Limit     int
	Offset    int
}

// ScoredRow is the flat read model for one persisted scored pair. Station is
// the ground observation point; Footprint is the buffered satellite cell, kept
// out of JSON because list endpoints do not need ring coordinates.
type ScoredRow struct {
	ID             string      `json:"id"`
	RunID          string      `json:"run_id"`
	SatelliteID    string      `json:"satellite_id"`
	GroundID       string      `json:"ground_id"`
	Parameter      string      `json:"parameter"`
	Day            string      `json:"day"`
	SatelliteTime  time.Time   `json:"satellite_time"`
	GroundTime     time.Time   `json:"ground_time"`
	SatelliteValue float64     `json:"satellite_value"`
	GroundValue    float64     `json:"ground_value"`
	SatelliteZ     float64     `json:"satellite_z"`
	GroundZ        float64     `json:"ground_z"`
	ValueVariance  float64     `json:"value_variance"`
	Score          float64     `json:"score"`
	Label          string      `json:"label"`
	Station        orb.Point   `json:"station"`
	Footprint      orb.Polygon `json:"-"`
}

// ParameterSummary aggregates one run's scores for one pollutant.
type ParameterSummary struct {
	Parameter string  `json:"parameter"`
	Pairs     int     `json:"pairs"`
	Anomalies int     `json:"anomalies"`
	MeanScore float64 `json:"mean_score"`
	MaxScore  float64 `json:"max_score"`
}

// MeasurementCount aggregates stored observations for one source and
// parameter, with the newest timestamp seen.
type MeasurementCount struct {
	Source    measure.SourceKind `json:"source"`
	Parameter string             `json:"parameter"`
	Rows      int                `json:"rows"`
	Latest    time.Time          `json:"latest"`
}

// Store defines the persistence interface for the fusion pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, model string) (*Run, error)
	CompleteRun(ctx context.Context, runID string, counts RunCounts) error
	FailRun(ctx context.Context, runID string, cause error) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	// Measurements. Insert deduplicates on (source_id, parameter, timestamp)
	// and returns the number of rows actually written.
	InsertMeasurements(ctx context.Context, ms []measure.Measurement) (int, error)
	ListMeasurements(ctx context.Context, filter MeasurementFilter) ([]measure.Measurement, error)
	CountMeasurements(ctx context.Context) ([]MeasurementCount, error)

	// Scores
	InsertScoredPairs(ctx context.Context, runID string, pairs []fusion.ScoredPair) (int, error)
	ListScoredPairs(ctx context.Context, filter ScoreFilter) ([]ScoredRow, error)
	SummarizeRun(ctx context.Context, runID string) ([]ParameterSummary, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// tableFor routes a source kind to its observation table.
func tableFor(src measure.SourceKind) (string, error) {
	switch src {
	case measure.SourceSatellite:
		return "satellite_obs", nil
	case measure.SourceGround:
		return "ground_obs", nil
	}
	return "", eris.Errorf("store: no table for source kind %q", src)
}

// groundPoint extracts the station point from a ground geometry.
func groundPoint(g orb.Geometry) orb.Point {
	if pt, ok := g.(orb.Point); ok {
		return pt
	}
	return orb.Point{}
}

// flattenPair turns one pipeline result into its row form with a fresh id.
func flattenPair(runID string, p fusion.ScoredPair) ScoredRow {
	return ScoredRow{
		ID:             uuid.New().String(),
		RunID:          runID,
		SatelliteID:    p.Satellite.SourceID,
		GroundID:       p.Ground.SourceID,
		Parameter:      string(p.Satellite.Parameter),
		Day:            p.Satellite.Day().Format("2006-01-02"),
		SatelliteTime:  p.Satellite.Timestamp.UTC(),
		GroundTime:     p.Ground.Timestamp.UTC(),
		SatelliteValue: p.Satellite.Value,
		GroundValue:    p.Ground.Value,
		SatelliteZ:     p.SatZ,
		GroundZ:        p.GroundZ,
		ValueVariance:  p.ValueVariance,
		Score:          p.Score,
		Label:          string(p.Label),
		Station:        groundPoint(p.Ground.Geometry),
		Footprint:      p.Footprint,
	}
}
