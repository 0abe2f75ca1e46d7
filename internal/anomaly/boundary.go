package anomaly

import (
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/plumesight/aerofuse/internal/config"
)

// OneClassBoundary draws an elliptical boundary around the batch: the
// Mahalanobis distance from the batch mean under the batch covariance,
// thresholded at the (1 - nu) training quantile. Rows strictly outside the
// boundary are anomalous; the score is the distance itself.
type OneClassBoundary struct {
	nu  float64
	min int

	state *boundaryState
}

// boundaryState is the fitted ellipse. Cov carries the ridge that made the
// factorization succeed, so restoring always re-factorizes cleanly. The
// factorization itself is rebuilt lazily and never serialized.
type boundaryState struct {
	Mean      []float64
	Cov       []float64 // row-major Dim x Dim
	Dim       int
	Threshold float64

	chol *mat.Cholesky
}

// NewOneClassBoundary builds an unfitted boundary model from configuration.
// Contamination plays the role of nu: the fraction of training rows left
// outside the boundary.
func NewOneClassBoundary(cfg config.ScoreConfig) *OneClassBoundary {
	return &OneClassBoundary{nu: cfg.Contamination, min: minSamples(cfg)}
}

func (b *OneClassBoundary) Kind() string    { return KindOneClassBoundary }
func (b *OneClassBoundary) MinSamples() int { return b.min }

// FitScore estimates the batch mean and covariance, factorizes the
// covariance (escalating a diagonal ridge until it is positive definite),
// and scores every row by Mahalanobis distance.
func (b *OneClassBoundary) FitScore(x *mat.Dense) ([]Verdict, error) {
	rows, cols, err := checkBatch(b.Kind(), x, b.min)
	if err != nil {
		return nil, err
	}

	mean := make([]float64, cols)
	for j := 0; j < cols; j++ {
		mean[j] = stat.Mean(mat.Col(nil, j, x), nil)
	}

	cov := mat.NewSymDense(cols, nil)
	stat.CovarianceMatrix(cov, x, nil)

	trace := 0.0
	for i := 0; i < cols; i++ {
		trace += cov.At(i, i)
	}
	lambda := 1e-9 * math.Max(trace/float64(cols), 1e-12)

	var chol mat.Cholesky
	var ridged *mat.SymDense
	ok := false
	for attempt := 0; attempt < 6; attempt++ {
		ridged = addRidge(cov, lambda)
		if chol.Factorize(ridged) {
			ok = true
			break
		}
		lambda *= 1000
	}
	if !ok {
		return nil, eris.Errorf("anomaly: %s covariance would not factorize", b.Kind())
	}

	st := &boundaryState{
		Mean: mean,
		Dim:  cols,
		Cov:  flattenSym(ridged),
		chol: &chol,
	}

	meanVec := mat.NewVecDense(cols, mean)
	dists := make([]float64, rows)
	for r := 0; r < rows; r++ {
		dists[r] = stat.Mahalanobis(x.RowView(r), meanVec, &chol)
	}
	st.Threshold = decisionThreshold(dists, b.nu)
	b.state = st

	return labelByThreshold(dists, st.Threshold), nil
}

// Score measures new rows against the fitted boundary.
func (b *OneClassBoundary) Score(x *mat.Dense) ([]Verdict, error) {
	if b.state == nil {
		return nil, ErrNotFitted
	}
	rows, cols, err := checkBatch(b.Kind(), x, 1)
	if err != nil {
		return nil, err
	}
	if cols != b.state.Dim {
		return nil, eris.Errorf("anomaly: %s fitted on %d features, given %d", b.Kind(), b.state.Dim, cols)
	}
	if err := b.state.ensureChol(); err != nil {
		return nil, err
	}

	meanVec := mat.NewVecDense(b.state.Dim, b.state.Mean)
	dists := make([]float64, rows)
	for r := 0; r < rows; r++ {
		dists[r] = stat.Mahalanobis(x.RowView(r), meanVec, b.state.chol)
	}
	return labelByThreshold(dists, b.state.Threshold), nil
}

// State serializes the fitted boundary.
func (b *OneClassBoundary) State() ([]byte, error) {
	if b.state == nil {
		return nil, ErrNotFitted
	}
	return marshalState(b.Kind(), b.state)
}

// Restore replaces the fitted state with a previously serialized one.
func (b *OneClassBoundary) Restore(blob []byte) error {
	st := &boundaryState{}
	if err := unmarshalState(blob, b.Kind(), st); err != nil {
		return err
	}
	b.state = st
	return nil
}

func (s *boundaryState) ensureChol() error {
	if s.chol != nil {
		return nil
	}
	sym := mat.NewSymDense(s.Dim, nil)
	for i := 0; i < s.Dim; i++ {
		for j := i; j < s.Dim; j++ {
			sym.SetSym(i, j, s.Cov[i*s.Dim+j])
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		return eris.New("anomaly: restored boundary covariance is not positive definite")
	}
	s.chol = &chol
	return nil
}

func addRidge(cov *mat.SymDense, lambda float64) *mat.SymDense {
	n := cov.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	out.CopySym(cov)
	for i := 0; i < n; i++ {
		out.SetSym(i, i, cov.At(i, i)+lambda)
	}
	return out
}

func flattenSym(s *mat.SymDense) []float64 {
	n := s.SymmetricDim()
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = s.At(i, j)
		}
	}
	return out
}
