package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/plumesight/aerofuse/internal/fusion"
	"github.com/plumesight/aerofuse/internal/measure"
)

// SQLiteStore implements Store using modernc.org/sqlite. Geometries are kept
// as WKT text; the single-node deployments this driver serves never need
// spatial indexing.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	model        TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	counts       TEXT,
	error        TEXT,
	started_at   TEXT NOT NULL,
	completed_at TEXT
);

CREATE TABLE IF NOT EXISTS satellite_obs (
	source_id TEXT NOT NULL,
	parameter TEXT NOT NULL,
	ts        TEXT NOT NULL,
	value     REAL NOT NULL,
	unit      TEXT NOT NULL DEFAULT '',
	geom      TEXT NOT NULL,
	PRIMARY KEY (source_id, parameter, ts)
);

CREATE TABLE IF NOT EXISTS ground_obs (
	source_id TEXT NOT NULL,
	parameter TEXT NOT NULL,
	ts        TEXT NOT NULL,
	value     REAL NOT NULL,
	unit      TEXT NOT NULL DEFAULT '',
	geom      TEXT NOT NULL,
	PRIMARY KEY (source_id, parameter, ts)
);

CREATE TABLE IF NOT EXISTS fused_scores (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL REFERENCES runs(id),
	satellite_id    TEXT NOT NULL,
	ground_id       TEXT NOT NULL,
	parameter       TEXT NOT NULL,
	day             TEXT NOT NULL,
	satellite_ts    TEXT NOT NULL,
	ground_ts       TEXT NOT NULL,
	satellite_value REAL NOT NULL,
	ground_value    REAL NOT NULL,
	satellite_z     REAL NOT NULL,
	ground_z        REAL NOT NULL,
	value_variance  REAL NOT NULL,
	score           REAL NOT NULL,
	label           TEXT NOT NULL,
	station         TEXT NOT NULL,
	footprint       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_satellite_obs_param_ts ON satellite_obs(parameter, ts);
CREATE INDEX IF NOT EXISTS idx_ground_obs_param_ts ON ground_obs(parameter, ts);
CREATE INDEX IF NOT EXISTS idx_fused_scores_run ON fused_scores(run_id);
CREATE INDEX IF NOT EXISTS idx_fused_scores_run_label ON fused_scores(run_id, label);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, model string) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC().Truncate(time.Second)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, model, status, started_at) VALUES (?, ?, ?, ?)`,
		id, model, string(RunStatusRunning), sqliteTime(now),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &Run{ID: id, Model: model, Status: RunStatusRunning, StartedAt: now}, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, counts RunCounts) error {
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal counts")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, counts = ?, completed_at = ? WHERE id = ?`,
		string(RunStatusComplete), string(countsJSON), sqliteTime(time.Now().UTC()), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(RunStatusFailed), msg, sqliteTime(time.Now().UTC()), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, model, status, counts, error, started_at, completed_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, model, status, counts, error, started_at, completed_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) InsertMeasurements(ctx context.Context, ms []measure.Measurement) (int, error) {
	if len(ms) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin measurements")
	}
	defer tx.Rollback()

	inserted := 0
	for _, m := range ms {
		if err := m.Validate(); err != nil {
			return 0, err
		}
		table, err := tableFor(m.Source)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO `+table+` (source_id, parameter, ts, value, unit, geom) VALUES (?, ?, ?, ?, ?, ?)`,
			m.SourceID, string(m.Parameter), sqliteTime(m.Timestamp), m.Value, m.Unit, wkt.MarshalString(m.Geometry),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert %s observation", m.Source)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit measurements")
	}
	return inserted, nil
}

func (s *SQLiteStore) ListMeasurements(ctx context.Context, filter MeasurementFilter) ([]measure.Measurement, error) {
	table, err := tableFor(filter.Source)
	if err != nil {
		return nil, err
	}

	query := `SELECT source_id, parameter, ts, value, unit, geom FROM ` + table + ` WHERE 1=1`
	var args []any

	if filter.Parameter != "" {
		query += ` AND parameter = ?`
		args = append(args, string(filter.Parameter))
	}
	if !filter.From.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, sqliteTime(filter.From))
	}
	if !filter.To.IsZero() {
		query += ` AND ts < ?`
		args = append(args, sqliteTime(filter.To))
	}
	query += ` ORDER BY ts, source_id`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list measurements")
	}
	defer rows.Close()

	var out []measure.Measurement
	for rows.Next() {
		var m measure.Measurement
		var ts, geomWKT string
		if err := rows.Scan(&m.SourceID, &m.Parameter, &ts, &m.Value, &m.Unit, &geomWKT); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan measurement")
		}
		m.Source = filter.Source
		if m.Timestamp, err = parseSQLiteTime(ts); err != nil {
			return nil, err
		}
		if m.Geometry, err = wkt.Unmarshal(geomWKT); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode geometry")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list measurements iterate")
}

func (s *SQLiteStore) CountMeasurements(ctx context.Context) ([]MeasurementCount, error) {
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

func (s *SQLiteStore) countTable(ctx context.Context, src measure.SourceKind) ([]MeasurementCount, error) {
	table, err := tableFor(src)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT parameter, COUNT(*), MAX(ts) FROM `+table+` GROUP BY parameter ORDER BY parameter`)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: count %s observations", src)
	}
	defer rows.Close()

	var out []MeasurementCount
	for rows.Next() {
		c := MeasurementCount{Source: src}
		var ts string
		if err := rows.Scan(&c.Parameter, &c.Rows, &ts); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan count")
		}
		if c.Latest, err = parseSQLiteTime(ts); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: count iterate")
}

func (s *SQLiteStore) InsertScoredPairs(ctx context.Context, runID string, pairs []fusion.ScoredPair) (int, error) {
	if len(pairs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin scores")
	}
	defer tx.Rollback()

	for _, p := range pairs {
		row := flattenPair(runID, p)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO fused_scores (id, run_id, satellite_id, ground_id, parameter, day,
			   satellite_ts, ground_ts, satellite_value, ground_value,
			   satellite_z, ground_z, value_variance, score, label, station, footprint)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.ID, row.RunID, row.SatelliteID, row.GroundID, row.Parameter, row.Day,
			sqliteTime(row.SatelliteTime), sqliteTime(row.GroundTime), row.SatelliteValue, row.GroundValue,
			row.SatelliteZ, row.GroundZ, row.ValueVariance, row.Score, row.Label,
			wkt.MarshalString(row.Station), wkt.MarshalString(row.Footprint),
		)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: insert scored pair")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit scores")
	}
	return len(pairs), nil
}

func (s *SQLiteStore) ListScoredPairs(ctx context.Context, filter ScoreFilter) ([]ScoredRow, error) {
	query := `SELECT id, run_id, satellite_id, ground_id, parameter, day,
	   satellite_ts, ground_ts, satellite_value, ground_value,
	   satellite_z, ground_z, value_variance, score, label, station, footprint
	 FROM fused_scores WHERE 1=1`
	var args []any

	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.Parameter != "" {
		query += ` AND parameter = ?`
		args = append(args, string(filter.Parameter))
	}
	if filter.Label != "" {
		query += ` AND label = ?`
		args = append(args, filter.Label)
	}
	if filter.MinScore > 0 {
		query += ` AND score >= ?`
		args = append(args, filter.MinScore)
	}
	query += ` ORDER BY score DESC, id`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list scored pairs")
	}
	defer rows.Close()

	var out []ScoredRow
	for rows.Next() {
		var r ScoredRow
		var satTS, gndTS, stationWKT, footprintWKT string
		if err := rows.Scan(&r.ID, &r.RunID, &r.SatelliteID, &r.GroundID, &r.Parameter, &r.Day,
			&satTS, &gndTS, &r.SatelliteValue, &r.GroundValue,
			&r.SatelliteZ, &r.GroundZ, &r.ValueVariance, &r.Score, &r.Label,
			&stationWKT, &footprintWKT); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan scored pair")
		}
		if r.SatelliteTime, err = parseSQLiteTime(satTS); err != nil {
			return nil, err
		}
		if r.GroundTime, err = parseSQLiteTime(gndTS); err != nil {
			return nil, err
		}
		if r.Station, err = wkt.UnmarshalPoint(stationWKT); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode station")
		}
		if r.Footprint, err = wkt.UnmarshalPolygon(footprintWKT); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode footprint")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list scored pairs iterate")
}

func (s *SQLiteStore) SummarizeRun(ctx context.Context, runID string) ([]ParameterSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT parameter, COUNT(*),
		   SUM(CASE WHEN label = 'anomaly' THEN 1 ELSE 0 END),
		   AVG(score), MAX(score)
		 FROM fused_scores WHERE run_id = ? GROUP BY parameter ORDER BY parameter`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: summarize run")
	}
	defer rows.Close()

	var out []ParameterSummary
	for rows.Next() {
		var ps ParameterSummary
		if err := rows.Scan(&ps.Parameter, &ps.Pairs, &ps.Anomalies, &ps.MeanScore, &ps.MaxScore); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan summary")
		}
		out = append(out, ps)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: summarize iterate")
}

// helpers

// sqliteTime renders a timestamp as fixed-width UTC text so lexical order in
// range filters matches chronological order.
func sqliteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "sqlite: parse time")
	}
	return t, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var r Run
	var countsJSON, errMsg, completedAt sql.NullString
	var startedAt string

	err := row.Scan(&r.ID, &r.Model, &r.Status, &countsJSON, &errMsg, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if r.StartedAt, err = parseSQLiteTime(startedAt); err != nil {
		return nil, err
	}
	if countsJSON.Valid {
		r.Counts = &RunCounts{}
		if err := json.Unmarshal([]byte(countsJSON.String), r.Counts); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run counts")
		}
	}
	if errMsg.Valid {
		r.Error = errMsg.String
	}
	if completedAt.Valid {
		t, err := parseSQLiteTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		r.CompletedAt = &t
	}
	return &r, nil
}
