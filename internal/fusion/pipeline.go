package fusion

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/plumesight/aerofuse/internal/anomaly"
	"github.com/plumesight/aerofuse/internal/config"
	"github.com/plumesight/aerofuse/internal/geo"
	"github.com/plumesight/aerofuse/internal/measure"
)

const projectConcurrency = 8

// CombinedModelKey names the fitted model when scoring runs over the whole
// batch instead of per parameter.
const CombinedModelKey = "combined"

// Baseline overrides the measurement sets normalization statistics are
// computed from. Without one, statistics come from the run's own batch.
type Baseline struct {
	Satellite []measure.Measurement
	Ground    []measure.Measurement
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBaseline normalizes against the given historical measurement sets
// instead of the current batch.
func WithBaseline(b Baseline) Option {
	return func(p *Pipeline) {
		p.baseline = &b
	}
}

// Pipeline runs the fusion stages in order: project and buffer satellite
// footprints, match ground observations into them, normalize the matched
// values, and score the result for anomalies. Records that fail a stage are
// skipped and counted, never fatal; only an unscorable batch aborts the run.
type Pipeline struct {
	projector *geo.Projector
	score     config.ScoreConfig
	baseline  *Baseline
}

// Result is everything one fusion run produced.
type Result struct {
	Pairs     []ScoredPair
	Unscored  []NormalizedPair
	Skipped   []SkippedRecord
	Stats     map[StatsKey]PartitionStats
	Invalid   []*InvalidPartitionError
	Models    map[string]anomaly.Detector
	Matched   int
	Anomalies int
}

// New builds a pipeline. The score configuration is validated eagerly so a
// bad model name fails here rather than after matching.
func New(projector *geo.Projector, score config.ScoreConfig, opts ...Option) (*Pipeline, error) {
	if _, err := anomaly.New(score); err != nil {
		return nil, err
	}
	p := &Pipeline{projector: projector, score: score}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run executes the full fusion sequence over one batch of measurements.
func (p *Pipeline) Run(ctx context.Context, satellite, ground []measure.Measurement) (*Result, error) {
	log := zap.L().With(
		zap.Int("satellite", len(satellite)),
		zap.Int("ground", len(ground)),
	)
	log.Info("fusion: starting run", zap.String("model", p.score.Model))
	start := time.Now()

	result := &Result{Models: make(map[string]anomaly.Detector)}

	footprints, skipped, err := p.buildFootprints(ctx, satellite)
	if err != nil {
		return nil, err
	}
	result.Skipped = skipped

	validGround, skippedGround := p.validGround(ground)
	result.Skipped = append(result.Skipped, skippedGround...)
	if len(result.Skipped) > 0 {
		log.Warn("fusion: records skipped before matching", zap.Int("count", len(result.Skipped)))
	}

	matched := Match(footprints, validGround)
	result.Matched = len(matched)
	log.Info("fusion: matching complete",
		zap.Int("footprints", len(footprints)),
		zap.Int("ground_valid", len(validGround)),
		zap.Int("pairs", len(matched)),
	)

	baseSat, baseGnd := measurements(footprints), validGround
	if p.baseline != nil {
		baseSat, baseGnd = p.baseline.Satellite, p.baseline.Ground
	}
	norm := Normalize(matched, baseSat, baseGnd)
	result.Stats = norm.Stats
	result.Invalid = norm.Invalid
	for _, inv := range norm.Invalid {
		log.Warn("fusion: partition had no values to normalize",
			zap.String("source", string(inv.Source)),
			zap.String("parameter", string(inv.Parameter)),
		)
	}

	if len(norm.Pairs) == 0 {
		log.Info("fusion: run complete, no pairs to score", zap.Duration("elapsed", time.Since(start)))
		return result, nil
	}

	if err := p.runScoring(norm.Pairs, result, log); err != nil {
		return nil, err
	}

	log.Info("fusion: run complete",
		zap.Int("scored", len(result.Pairs)),
		zap.Int("anomalies", result.Anomalies),
		zap.Int("skipped", len(result.Skipped)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

// buildFootprints validates and buffers satellite measurements in parallel.
// Each worker writes only its own index, so no synchronization is needed
// beyond the group wait. Per-record failures become skips; only context
// cancellation aborts.
func (p *Pipeline) buildFootprints(ctx context.Context, satellite []measure.Measurement) ([]Footprint, []SkippedRecord, error) {
	built := make([]Footprint, len(satellite))
	ok := make([]bool, len(satellite))
	reasons := make([]string, len(satellite))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(projectConcurrency)
	for i, m := range satellite {
		i, m := i, m
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := m.Validate(); err != nil {
				reasons[i] = err.Error()
				return nil
			}
			buffered, err := p.projector.ProjectAndBuffer(m.Geometry, true)
			if err != nil {
				reasons[i] = err.Error()
				return nil
			}
			poly, isPoly := buffered.(orb.Polygon)
			if !isPoly {
				reasons[i] = "footprint did not buffer to a polygon"
				return nil
			}
			built[i] = Footprint{Meas: m, Poly: poly}
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, eris.Wrap(err, "fusion: project footprints")
	}

	footprints := make([]Footprint, 0, len(satellite))
	var skipped []SkippedRecord
	for i, m := range satellite {
		if ok[i] {
			footprints = append(footprints, built[i])
			continue
		}
		skipped = append(skipped, SkippedRecord{SourceID: m.SourceID, Source: m.Source, Reason: reasons[i]})
	}
	return footprints, skipped, nil
}

// validGround drops ground observations that fail record or geometry
// validation. Geometries pass through untouched; only the checks run.
func (p *Pipeline) validGround(ground []measure.Measurement) ([]measure.Measurement, []SkippedRecord) {
	valid := make([]measure.Measurement, 0, len(ground))
	var skipped []SkippedRecord
	for _, m := range ground {
		if err := m.Validate(); err != nil {
			skipped = append(skipped, SkippedRecord{SourceID: m.SourceID, Source: m.Source, Reason: err.Error()})
			continue
		}
		if _, err := p.projector.ProjectAndBuffer(m.Geometry, false); err != nil {
			skipped = append(skipped, SkippedRecord{SourceID: m.SourceID, Source: m.Source, Reason: err.Error()})
			continue
		}
		valid = append(valid, m)
	}
	return valid, skipped
}

// runScoring fits the configured model and attaches verdicts. In combined
// mode the whole batch fits one model and a batch below the model's floor is
// fatal. In per-parameter mode each pollutant fits its own model, undersized
// pollutants are left unscored, and only a run where nothing at all could be
// scored fails.
func (p *Pipeline) runScoring(pairs []NormalizedPair, result *Result, log *zap.Logger) error {
	if !p.score.PerParameter {
		det, verdicts, err := p.fitGroup(pairs)
		if err != nil {
			return eris.Wrap(err, "fusion: score pairs")
		}
		result.Models[CombinedModelKey] = det
		attach(pairs, verdicts, result)
		return nil
	}

	groups := make(map[measure.Parameter][]NormalizedPair)
	for _, pr := range pairs {
		groups[pr.Satellite.Parameter] = append(groups[pr.Satellite.Parameter], pr)
	}
	params := make([]measure.Parameter, 0, len(groups))
	for param := range groups {
		params = append(params, param)
	}
	sort.Slice(params, func(i, j int) bool { return params[i] < params[j] })

	largest := 0
	for _, param := range params {
		group := groups[param]
		if len(group) > largest {
			largest = len(group)
		}

		det, verdicts, err := p.fitGroup(group)
		if err != nil {
			var insufficientErr *anomaly.InsufficientDataError
			if errors.As(err, &insufficientErr) {
				log.Warn("fusion: too few pairs to score parameter",
					zap.String("parameter", string(param)),
					zap.Int("pairs", len(group)),
					zap.Int("min", insufficientErr.Min),
				)
				result.Unscored = append(result.Unscored, group...)
				continue
			}
			return eris.Wrapf(err, "fusion: score parameter %s", param)
		}
		result.Models[string(param)] = det
		attach(group, verdicts, result)
	}

	if len(result.Models) == 0 {
		det, _ := anomaly.New(p.score)
		return eris.Wrap(
			&anomaly.InsufficientDataError{Kind: p.score.Model, Rows: largest, Min: det.MinSamples()},
			"fusion: no parameter had enough pairs to score",
		)
	}
	return nil
}

// fitGroup builds a fresh detector, fits it on the group, and returns both.
func (p *Pipeline) fitGroup(pairs []NormalizedPair) (anomaly.Detector, []anomaly.Verdict, error) {
	det, err := anomaly.New(p.score)
	if err != nil {
		return nil, nil, err
	}
	verdicts, err := det.FitScore(featureMatrix(pairs))
	if err != nil {
		return nil, nil, err
	}
	return det, verdicts, nil
}

// featureMatrix lays normalized pairs out as model input, one row per pair:
// satellite Z-score, ground Z-score, and their absolute disagreement.
func featureMatrix(pairs []NormalizedPair) *mat.Dense {
	x := mat.NewDense(len(pairs), 3, nil)
	for i, pr := range pairs {
		x.Set(i, 0, pr.SatZ)
		x.Set(i, 1, pr.GroundZ)
		x.Set(i, 2, pr.ValueVariance)
	}
	return x
}

func attach(pairs []NormalizedPair, verdicts []anomaly.Verdict, result *Result) {
	for i, pr := range pairs {
		v := verdicts[i]
		if v.Label == anomaly.LabelAnomaly {
			result.Anomalies++
		}
		result.Pairs = append(result.Pairs, ScoredPair{NormalizedPair: pr, Score: v.Score, Label: v.Label})
	}
}

func measurements(footprints []Footprint) []measure.Measurement {
	out := make([]measure.Measurement, len(footprints))
	for i, fp := range footprints {
		out[i] = fp.Meas
	}
	return out
}
