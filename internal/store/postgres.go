package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/plumesight/aerofuse/internal/db"
	"github.com/plumesight/aerofuse/internal/fusion"
	"github.com/plumesight/aerofuse/internal/measure"
)

// PostgresStore implements Store using pgxpool. Geometries live in PostGIS
// columns as EWKB so downstream spatial queries can run in the database.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_run":   `INSERT INTO runs (id, model, status, started_at) VALUES ($1, $2, $3, $4)`,
	"complete_run": `UPDATE runs SET status = $1, counts = $2, completed_at = $3 WHERE id = $4`,
	"fail_run":     `UPDATE runs SET status = $1, error = $2, completed_at = $3 WHERE id = $4`,
	"get_run":      `SELECT id, model, status, counts, error, started_at, completed_at FROM runs WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	model        TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	counts       JSONB,
	error        TEXT,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS satellite_obs (
	source_id TEXT NOT NULL,
	parameter TEXT NOT NULL,
	ts        TIMESTAMPTZ NOT NULL,
	value     DOUBLE PRECISION NOT NULL,
	unit      TEXT NOT NULL DEFAULT '',
	geom      GEOMETRY(GEOMETRY, 4326) NOT NULL,
	PRIMARY KEY (source_id, parameter, ts)
);

CREATE TABLE IF NOT EXISTS ground_obs (
	source_id TEXT NOT NULL,
	parameter TEXT NOT NULL,
	ts        TIMESTAMPTZ NOT NULL,
	value     DOUBLE PRECISION NOT NULL,
	unit      TEXT NOT NULL DEFAULT '',
	geom      GEOMETRY(GEOMETRY, 4326) NOT NULL,
	PRIMARY KEY (source_id, parameter, ts)
);

CREATE TABLE IF NOT EXISTS fused_scores (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL REFERENCES runs(id),
	satellite_id    TEXT NOT NULL,
	ground_id       TEXT NOT NULL,
	parameter       TEXT NOT NULL,
	day             TEXT NOT NULL,
	satellite_ts    TIMESTAMPTZ NOT NULL,
	ground_ts       TIMESTAMPTZ NOT NULL,
	satellite_value DOUBLE PRECISION NOT NULL,
	ground_value    DOUBLE PRECISION NOT NULL,
	satellite_z     DOUBLE PRECISION NOT NULL,
	ground_z        DOUBLE PRECISION NOT NULL,
	value_variance  DOUBLE PRECISION NOT NULL,
	score           DOUBLE PRECISION NOT NULL,
	label           TEXT NOT NULL,
	station         GEOMETRY(POINT, 4326) NOT NULL,
	footprint       GEOMETRY(POLYGON, 4326) NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_satellite_obs_param_ts ON satellite_obs(parameter, ts);
CREATE INDEX IF NOT EXISTS idx_ground_obs_param_ts ON ground_obs(parameter, ts);
CREATE INDEX IF NOT EXISTS idx_satellite_obs_geom ON satellite_obs USING GIST (geom);
CREATE INDEX IF NOT EXISTS idx_ground_obs_geom ON ground_obs USING GIST (geom);
CREATE INDEX IF NOT EXISTS idx_fused_scores_run ON fused_scores(run_id);
CREATE INDEX IF NOT EXISTS idx_fused_scores_run_label ON fused_scores(run_id, label);
CREATE INDEX IF NOT EXISTS idx_fused_scores_station ON fused_scores USING GIST (station);
`

// measurementColumns is the insert column order for both observation tables.
var measurementColumns = []string{"source_id", "parameter", "ts", "value", "unit", "geom"}

// scoredColumns is the insert column order for fused_scores.
var scoredColumns = []string{
	"id", "run_id", "satellite_id", "ground_id", "parameter", "day",
	"satellite_ts", "ground_ts", "satellite_value", "ground_value",
	"satellite_z", "ground_z", "value_variance", "score", "label",
	"station", "footprint",
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, model string) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, model, status, started_at) VALUES ($1, $2, $3, $4)`,
		id, model, string(RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &Run{ID: id, Model: model, Status: RunStatusRunning, StartedAt: now}, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, counts RunCounts) error {
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal counts")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, counts = $2, completed_at = $3 WHERE id = $4`,
		string(RunStatusComplete), countsJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, completed_at = $3 WHERE id = $4`,
		string(RunStatusFailed), msg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var r Run
	var countsJSON []byte
	var errMsg *string
	var completedAt *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT id, model, status, counts, error, started_at, completed_at FROM runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &r.Model, &r.Status, &countsJSON, &errMsg, &r.StartedAt, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.New("run not found")
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	if countsJSON != nil {
		r.Counts = &RunCounts{}
		if err := json.Unmarshal(countsJSON, r.Counts); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run counts")
		}
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	r.CompletedAt = completedAt
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, model, status, counts, error, started_at, completed_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY started_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var countsJSON []byte
		var errMsg *string
		var completedAt *time.Time

		if err := rows.Scan(&r.ID, &r.Model, &r.Status, &countsJSON, &errMsg, &r.StartedAt, &completedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if countsJSON != nil {
			r.Counts = &RunCounts{}
			if err := json.Unmarshal(countsJSON, r.Counts); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal run counts")
			}
		}
		if errMsg != nil {
			r.Error = *errMsg
		}
		r.CompletedAt = completedAt
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) InsertMeasurements(ctx context.Context, ms []measure.Measurement) (int, error) {
	if len(ms) == 0 {
		return 0, nil
	}

	satellite, ground := measure.Split(ms)

	total := 0
	for _, batch := range []struct {
		source measure.SourceKind
		ms     []measure.Measurement
	}{
		{measure.SourceSatellite, satellite},
		{measure.SourceGround, ground},
	} {
		if len(batch.ms) == 0 {
			continue
		}
		table, err := tableFor(batch.source)
		if err != nil {
			return 0, err
		}

		rows := make([][]any, 0, len(batch.ms))
		for _, m := range batch.ms {
			if err := m.Validate(); err != nil {
				return 0, err
			}
			geomEWKB, err := geometryEWKB(m.Geometry)
			if err != nil {
				return 0, err
			}
			rows = append(rows, []any{m.SourceID, string(m.Parameter), m.Timestamp.UTC(), m.Value, m.Unit, geomEWKB})
		}

		n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
			Table:        table,
			Columns:      measurementColumns,
			ConflictKeys: []string{"source_id", "parameter", "ts"},
			SkipUpdates:  true,
		}, rows)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: insert %s observations", batch.source)
		}
		total += int(n)
	}
	return total, nil
}

func (s *PostgresStore) ListMeasurements(ctx context.Context, filter MeasurementFilter) ([]measure.Measurement, error) {
	table, err := tableFor(filter.Source)
	if err != nil {
		return nil, err
	}

	query := `SELECT source_id, parameter, ts, value, unit, ST_AsEWKB(geom) FROM ` + table + ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Parameter != "" {
		query += fmt.Sprintf(` AND parameter = $%d`, argIdx)
		args = append(args, string(filter.Parameter))
		argIdx++
	}
	if !filter.From.IsZero() {
		query += fmt.Sprintf(` AND ts >= $%d`, argIdx)
		args = append(args, filter.From)
		argIdx++
	}
	if !filter.To.IsZero() {
		query += fmt.Sprintf(` AND ts < $%d`, argIdx)
		args = append(args, filter.To)
		argIdx++
	}
	query += ` ORDER BY ts, source_id`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list measurements")
	}
	defer rows.Close()

	var out []measure.Measurement
	for rows.Next() {
		var m measure.Measurement
		var geomEWKB []byte
		if err := rows.Scan(&m.SourceID, &m.Parameter, &m.Timestamp, &m.Value, &m.Unit, &geomEWKB); err != nil {
			return nil, eris.Wrap(err, "postgres: scan measurement")
		}
		m.Source = filter.Source
		if m.Geometry, err = geometryFromEWKB(geomEWKB); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list measurements iterate")
}

func (s *PostgresStore) CountMeasurements(ctx context.Context) ([]MeasurementCount, error) {
	var out []MeasurementCount
	for _, src := range []measure.SourceKind{measure.SourceSatellite, measure.SourceGround} {
		counts, err := s.countTable(ctx, src)
		if err != nil {
			return nil, err
		}
		out = append(out, counts...)
	}
	return out, nil
}

func (s *PostgresStore) countTable(ctx context.Context, src measure.SourceKind) ([]MeasurementCount, error) {
	table, err := tableFor(src)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT parameter, COUNT(*), MAX(ts) FROM `+table+` GROUP BY parameter ORDER BY parameter`)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: count %s observations", src)
	}
	defer rows.Close()

	var out []MeasurementCount
	for rows.Next() {
		c := MeasurementCount{Source: src}
		if err := rows.Scan(&c.Parameter, &c.Rows, &c.Latest); err != nil {
			return nil, eris.Wrap(err, "postgres: scan count")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: count iterate")
}

func (s *PostgresStore) InsertScoredPairs(ctx context.Context, runID string, pairs []fusion.ScoredPair) (int, error) {
	if len(pairs) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(pairs))
	for _, p := range pairs {
		row := flattenPair(runID, p)
		station, err := pointEWKB(row.Station)
		if err != nil {
			return 0, err
		}
		footprint, err := polygonEWKB(row.Footprint)
		if err != nil {
			return 0, err
		}
		rows = append(rows, []any{
			row.ID, row.RunID, row.SatelliteID, row.GroundID, row.Parameter, row.Day,
			row.SatelliteTime, row.GroundTime, row.SatelliteValue, row.GroundValue,
			row.SatelliteZ, row.GroundZ, row.ValueVariance, row.Score, row.Label,
			station, footprint,
		})
	}

	n, err := db.CopyFrom(ctx, s.pool, "fused_scores", scoredColumns, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert scored pairs")
	}
	return int(n), nil
}

func (s *PostgresStore) ListScoredPairs(ctx context.Context, filter ScoreFilter) ([]ScoredRow, error) {
	query := `SELECT id, run_id, satellite_id, ground_id, parameter, day,
	   satellite_ts, ground_ts, satellite_value, ground_value,
	   satellite_z, ground_z, value_variance, score, label,
	   ST_AsEWKB(station), ST_AsEWKB(footprint)
	 FROM fused_scores WHERE true`
	args := []any{}
	argIdx := 1

	if filter.RunID != "" {
		query += fmt.Sprintf(` AND run_id = $%d`, argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.Parameter != "" {
		query += fmt.Sprintf(` AND parameter = $%d`, argIdx)
		args = append(args, string(filter.Parameter))
		argIdx++
	}
	if filter.Label != "" {
		query += fmt.Sprintf(` AND label = $%d`, argIdx)
		args = append(args, filter.Label)
		argIdx++
	}
	if filter.MinScore > 0 {
		query += fmt.Sprintf(` AND score >= $%d`, argIdx)
		args = append(args, filter.MinScore)
		argIdx++
	}
	query += ` ORDER BY score DESC, id`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
		argIdx++
		if filter.Offset > 0 {
			query += fmt.Sprintf(` OFFSET $%d`, argIdx)
			args = append(args, filter.Offset)
			argIdx++
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list scored pairs")
	}
	defer rows.Close()

	var out []ScoredRow
	for rows.Next() {
		var r ScoredRow
		var stationEWKB, footprintEWKB []byte
		if err := rows.Scan(&r.ID, &r.RunID, &r.SatelliteID, &r.GroundID, &r.Parameter, &r.Day,
			&r.SatelliteTime, &r.GroundTime, &r.SatelliteValue, &r.GroundValue,
			&r.SatelliteZ, &r.GroundZ, &r.ValueVariance, &r.Score, &r.Label,
			&stationEWKB, &footprintEWKB); err != nil {
			return nil, eris.Wrap(err, "postgres: scan scored pair")
		}
		if r.Station, err = pointFromEWKB(stationEWKB); err != nil {
			return nil, err
		}
		if r.Footprint, err = polygonFromEWKB(footprintEWKB); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list scored pairs iterate")
}

func (s *PostgresStore) SummarizeRun(ctx context.Context, runID string) ([]ParameterSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT parameter, COUNT(*),
		   SUM(CASE WHEN label = 'anomaly' THEN 1 ELSE 0 END),
		   AVG(score), MAX(score)
		 FROM fused_scores WHERE run_id = $1 GROUP BY parameter ORDER BY parameter`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summarize run")
	}
	defer rows.Close()

	var out []ParameterSummary
	for rows.Next() {
		var ps ParameterSummary
		if err := rows.Scan(&ps.Parameter, &ps.Pairs, &ps.Anomalies, &ps.MeanScore, &ps.MaxScore); err != nil {
			return nil, eris.Wrap(err, "postgres: scan summary")
		}
		out = append(out, ps)
	}
	return out, eris.Wrap(rows.Err(), "postgres: summarize iterate")
}
