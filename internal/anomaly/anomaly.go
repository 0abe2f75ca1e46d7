// Package anomaly scores fused measurement pairs with interchangeable
// unsupervised models. Every model fits on the full batch, scores every row,
// and reports higher scores for more anomalous rows.
package anomaly

import (
	"fmt"
	"sort"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/plumesight/aerofuse/internal/config"
)

// Model kinds selectable at runtime.
const (
	KindIsolationForest  = "isolation_forest"
	KindOneClassBoundary = "one_class_boundary"
	KindLocalDensity     = "local_density"
)

// Label is a binary anomaly verdict.
type Label string

const (
	LabelNormal  Label = "normal"
	LabelAnomaly Label = "anomaly"
)

// Verdict is one row's outcome: a score where higher means more anomalous,
// and the label the model's own decision boundary assigns.
type Verdict struct {
	Score float64 `json:"score"`
	Label Label   `json:"label"`
}

// Detector is an unsupervised batch scorer. FitScore fits on the batch and
// scores it in one shot; Score applies a previously fitted state to new rows.
// State and Restore round-trip the fitted model for persistence.
type Detector interface {
	Kind() string
	MinSamples() int
	FitScore(x *mat.Dense) ([]Verdict, error)
	Score(x *mat.Dense) ([]Verdict, error)
	State() ([]byte, error)
	Restore(data []byte) error
}

// Compile-time interface checks.
var (
	_ Detector = (*IsolationForest)(nil)
	_ Detector = (*OneClassBoundary)(nil)
	_ Detector = (*LocalDensity)(nil)
)

// InsufficientDataError reports a batch too small to fit on. It is fatal to
// the run, unlike per-record skips.
type InsufficientDataError struct {
	Kind string
	Rows int
	Min  int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("anomaly: %s needs at least %d rows, got %d", e.Kind, e.Min, e.Rows)
}

// ErrNotFitted is returned by Score and State before a fit or restore.
var ErrNotFitted = eris.New("anomaly: model is not fitted")

// New builds the detector the configuration selects.
func New(cfg config.ScoreConfig) (Detector, error) {
	switch cfg.Model {
	case KindIsolationForest:
		return NewIsolationForest(cfg), nil
	case KindOneClassBoundary:
		return NewOneClassBoundary(cfg), nil
	case KindLocalDensity:
		return NewLocalDensity(cfg), nil
	default:
		return nil, eris.Errorf("anomaly: unknown model %q", cfg.Model)
	}
}

// minSamples clamps the configured floor so every model has enough rows for
// its own internal statistics.
func minSamples(cfg config.ScoreConfig) int {
	if cfg.MinSamples < 2 {
		return 2
	}
	return cfg.MinSamples
}

// checkBatch validates a feature matrix against the model's row floor.
func checkBatch(kind string, x *mat.Dense, min int) (rows, cols int, err error) {
	if x == nil {
		return 0, 0, eris.Errorf("anomaly: %s given nil feature matrix", kind)
	}
	rows, cols = x.Dims()
	if rows < min {
		return 0, 0, &InsufficientDataError{Kind: kind, Rows: rows, Min: min}
	}
	if cols == 0 {
		return 0, 0, eris.Errorf("anomaly: %s given zero-width feature matrix", kind)
	}
	return rows, cols, nil
}

// labelByThreshold converts scores to verdicts: strictly above the fitted
// decision threshold is anomalous.
func labelByThreshold(scores []float64, threshold float64) []Verdict {
	out := make([]Verdict, len(scores))
	for i, s := range scores {
		v := Verdict{Score: s, Label: LabelNormal}
		if s > threshold {
			v.Label = LabelAnomaly
		}
		out[i] = v
	}
	return out
}

// decisionThreshold places the label boundary at the (1 - contamination)
// quantile of the training scores, so roughly the contaminated fraction of
// the batch ends up labeled anomalous.
func decisionThreshold(scores []float64, contamination float64) float64 {
	if contamination <= 0 {
		contamination = 0
	}
	if contamination >= 1 {
		contamination = 1
	}
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)
	return stat.Quantile(1-contamination, stat.Empirical, sorted, nil)
}
