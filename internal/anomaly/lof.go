package anomaly

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"

	"github.com/plumesight/aerofuse/internal/config"
)

// lrdEpsilon keeps reachability densities finite when a neighborhood
// collapses onto duplicate points.
const lrdEpsilon = 1e-10

// LocalDensity scores rows by local outlier factor: the ratio between the
// reachability density of a row's neighborhood and the row's own. Rows in
// sparse surroundings score above 1 and grow with isolation.
type LocalDensity struct {
	k             int
	contamination float64
	min           int

	state *densityState
}

// densityState keeps the training set, each training row's k-distance and
// local reachability density, so new rows can be scored against the fitted
// neighborhood structure. Fields are exported for gob.
type densityState struct {
	Points    []float64 // row-major Rows x Dim
	Rows, Dim int
	K         int
	KDist     []float64
	LRD       []float64
	Threshold float64
}

// NewLocalDensity builds an unfitted detector from configuration.
func NewLocalDensity(cfg config.ScoreConfig) *LocalDensity {
	k := cfg.Neighbors
	if k <= 0 {
		k = 20
	}
	return &LocalDensity{k: k, contamination: cfg.Contamination, min: minSamples(cfg)}
}

func (l *LocalDensity) Kind() string    { return KindLocalDensity }
func (l *LocalDensity) MinSamples() int { return l.min }

// FitScore computes every row's local outlier factor over the batch. The
// neighbor count is capped at rows-1; ties in neighbor distance break by row
// index, so the fit is fully deterministic.
func (l *LocalDensity) FitScore(x *mat.Dense) ([]Verdict, error) {
	rows, cols, err := checkBatch(l.Kind(), x, l.min)
	if err != nil {
		return nil, err
	}

	k := l.k
	if k > rows-1 {
		k = rows - 1
	}

	points := make([]float64, 0, rows*cols)
	for r := 0; r < rows; r++ {
		points = append(points, mat.Row(nil, r, x)...)
	}
	st := &densityState{Points: points, Rows: rows, Dim: cols, K: k}

	// Pairwise distances, then each row's k nearest.
	neighbors := make([][]int, rows)
	st.KDist = make([]float64, rows)
	dist := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		dist[i] = make([]float64, rows)
	}
	for i := 0; i < rows; i++ {
		for j := i + 1; j < rows; j++ {
			d := euclidean(st.row(i), st.row(j))
			dist[i][j] = d
			dist[j][i] = d
		}
	}
	for i := 0; i < rows; i++ {
		neighbors[i] = nearestK(dist[i], i, k)
		st.KDist[i] = dist[i][neighbors[i][k-1]]
	}

	// Local reachability density of every training row.
	st.LRD = make([]float64, rows)
	for i := 0; i < rows; i++ {
		sum := 0.0
		for _, j := range neighbors[i] {
			sum += math.Max(st.KDist[j], dist[i][j])
		}
		st.LRD[i] = float64(k) / (sum + lrdEpsilon)
	}

	scores := make([]float64, rows)
	for i := 0; i < rows; i++ {
		sum := 0.0
		for _, j := range neighbors[i] {
			sum += st.LRD[j]
		}
		scores[i] = sum / (float64(k) * st.LRD[i])
	}

	st.Threshold = decisionThreshold(scores, l.contamination)
	l.state = st

	return labelByThreshold(scores, st.Threshold), nil
}

// Score measures new rows against the fitted neighborhood structure.
func (l *LocalDensity) Score(x *mat.Dense) ([]Verdict, error) {
	if l.state == nil {
		return nil, ErrNotFitted
	}
	rows, cols, err := checkBatch(l.Kind(), x, 1)
	if err != nil {
		return nil, err
	}
	if cols != l.state.Dim {
		return nil, eris.Errorf("anomaly: %s fitted on %d features, given %d", l.Kind(), l.state.Dim, cols)
	}

	st := l.state
	scores := make([]float64, rows)
	row := make([]float64, cols)
	dists := make([]float64, st.Rows)
	for r := 0; r < rows; r++ {
		mat.Row(row, r, x)
		for j := 0; j < st.Rows; j++ {
			dists[j] = euclidean(row, st.row(j))
		}
		nb := nearestK(dists, -1, st.K)

		reach := 0.0
		lrdSum := 0.0
		for _, j := range nb {
			reach += math.Max(st.KDist[j], dists[j])
			lrdSum += st.LRD[j]
		}
		lrd := float64(st.K) / (reach + lrdEpsilon)
		scores[r] = lrdSum / (float64(st.K) * lrd)
	}
	return labelByThreshold(scores, st.Threshold), nil
}

// State serializes the fitted neighborhood structure.
func (l *LocalDensity) State() ([]byte, error) {
	if l.state == nil {
		return nil, ErrNotFitted
	}
	return marshalState(l.Kind(), l.state)
}

// Restore replaces the fitted state with a previously serialized one.
func (l *LocalDensity) Restore(blob []byte) error {
	st := &densityState{}
	if err := unmarshalState(blob, l.Kind(), st); err != nil {
		return err
	}
	l.state = st
	return nil
}

func (s *densityState) row(i int) []float64 {
	return s.Points[i*s.Dim : (i+1)*s.Dim]
}

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// nearestK returns the indexes of the k smallest distances, excluding self
// (pass self = -1 to keep everything). Ties break by index.
func nearestK(dists []float64, self, k int) []int {
	idx := make([]int, 0, len(dists))
	for i := range dists {
		if i == self {
			continue
		}
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool {
		if dists[idx[a]] != dists[idx[b]] {
			return dists[idx[a]] < dists[idx[b]]
		}
		return idx[a] < idx[b]
	})
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}
