package anomaly

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/plumesight/aerofuse/internal/config"
)

func testScoreConfig(model string) config.ScoreConfig {
	return config.ScoreConfig{
		Model:         model,
		Contamination: 0.05,
		Seed:          42,
		MinSamples:    10,
		Trees:         100,
		SampleSize:    256,
		Neighbors:     20,
	}
}

// clusterWithOutliers builds a tight cluster around the origin plus a few
// rows far outside it. Returns the matrix and the outlier row indexes.
func clusterWithOutliers(t *testing.T, n, outliers int) (*mat.Dense, []int) {
	t.Helper()
	rng := rand.New(rand.NewPCG(7, 11))
	x := mat.NewDense(n+outliers, 3, nil)
	for r := 0; r < n; r++ {
		for c := 0; c < 3; c++ {
			x.Set(r, c, rng.Float64()-0.5)
		}
	}
	idx := make([]int, 0, outliers)
	for i := 0; i < outliers; i++ {
		r := n + i
		for c := 0; c < 3; c++ {
			x.Set(r, c, 25+5*float64(i))
		}
		idx = append(idx, r)
	}
	return x, idx
}

func TestNew(t *testing.T) {
	tests := []struct {
		model   string
		want    string
		wantErr bool
	}{
		{model: "isolation_forest", want: KindIsolationForest},
		{model: "one_class_boundary", want: KindOneClassBoundary},
		{model: "local_density", want: KindLocalDensity},
		{model: "svm", wantErr: true},
		{model: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			d, err := New(testScoreConfig(tt.model))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Kind())
		})
	}
}

func TestNewMinSamplesFloor(t *testing.T) {
	cfg := testScoreConfig(KindIsolationForest)
	cfg.MinSamples = 0
	d, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, d.MinSamples())

	cfg.MinSamples = 25
	d, err = New(cfg)
	require.NoError(t, err)
	assert.Equal(t, 25, d.MinSamples())
}

func allKinds(t *testing.T) []Detector {
	t.Helper()
	out := make([]Detector, 0, 3)
	for _, kind := range []string{KindIsolationForest, KindOneClassBoundary, KindLocalDensity} {
		d, err := New(testScoreConfig(kind))
		require.NoError(t, err)
		out = append(out, d)
	}
	return out
}

func TestFitScoreInsufficientData(t *testing.T) {
	x := mat.NewDense(4, 3, []float64{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
		1, 1, 1,
	})
	for _, d := range allKinds(t) {
		t.Run(d.Kind(), func(t *testing.T) {
			_, err := d.FitScore(x)
			var insufficientErr *InsufficientDataError
			require.ErrorAs(t, err, &insufficientErr)
			assert.Equal(t, d.Kind(), insufficientErr.Kind)
			assert.Equal(t, 4, insufficientErr.Rows)
			assert.Equal(t, 10, insufficientErr.Min)
		})
	}
}

func TestFitScoreNilAndEmpty(t *testing.T) {
	for _, d := range allKinds(t) {
		t.Run(d.Kind(), func(t *testing.T) {
			_, err := d.FitScore(nil)
			assert.Error(t, err)
		})
	}
}

func TestScoreBeforeFit(t *testing.T) {
	x := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	for _, d := range allKinds(t) {
		t.Run(d.Kind(), func(t *testing.T) {
			_, err := d.Score(x)
			assert.ErrorIs(t, err, ErrNotFitted)
			_, err = d.State()
			assert.ErrorIs(t, err, ErrNotFitted)
		})
	}
}

func TestFitScoreFlagsObviousOutliers(t *testing.T) {
	x, outliers := clusterWithOutliers(t, 200, 4)
	for _, d := range allKinds(t) {
		t.Run(d.Kind(), func(t *testing.T) {
			verdicts, err := d.FitScore(x)
			require.NoError(t, err)
			require.Len(t, verdicts, 204)

			maxInlier := math.Inf(-1)
			for r := 0; r < 200; r++ {
				assert.False(t, math.IsNaN(verdicts[r].Score))
				if verdicts[r].Score > maxInlier {
					maxInlier = verdicts[r].Score
				}
			}
			for _, r := range outliers {
				assert.Equal(t, LabelAnomaly, verdicts[r].Label, "row %d should be anomalous", r)
				assert.Greater(t, verdicts[r].Score, maxInlier, "row %d should outscore every inlier", r)
			}
		})
	}
}

func TestFitScoreContaminationFraction(t *testing.T) {
	x, _ := clusterWithOutliers(t, 200, 4)
	for _, d := range allKinds(t) {
		t.Run(d.Kind(), func(t *testing.T) {
			verdicts, err := d.FitScore(x)
			require.NoError(t, err)

			anomalies := 0
			for _, v := range verdicts {
				if v.Label == LabelAnomaly {
					anomalies++
				}
			}
			// contamination 0.05 over 204 rows: roughly 10 anomalies, and
			// never more than the configured fraction plus quantile slack.
			assert.Greater(t, anomalies, 0)
			assert.LessOrEqual(t, anomalies, 12)
		})
	}
}

func TestFitScoreDeterministic(t *testing.T) {
	x, _ := clusterWithOutliers(t, 120, 3)
	for _, kind := range []string{KindIsolationForest, KindOneClassBoundary, KindLocalDensity} {
		t.Run(kind, func(t *testing.T) {
			a, err := New(testScoreConfig(kind))
			require.NoError(t, err)
			b, err := New(testScoreConfig(kind))
			require.NoError(t, err)

			va, err := a.FitScore(x)
			require.NoError(t, err)
			vb, err := b.FitScore(x)
			require.NoError(t, err)
			assert.Equal(t, va, vb)
		})
	}
}

func TestIsolationForestSeedChangesScores(t *testing.T) {
	x, _ := clusterWithOutliers(t, 120, 3)

	cfg := testScoreConfig(KindIsolationForest)
	a := NewIsolationForest(cfg)
	va, err := a.FitScore(x)
	require.NoError(t, err)

	cfg.Seed = 43
	b := NewIsolationForest(cfg)
	vb, err := b.FitScore(x)
	require.NoError(t, err)

	assert.NotEqual(t, va, vb)
}

func TestStateRestoreRoundTrip(t *testing.T) {
	x, _ := clusterWithOutliers(t, 150, 3)
	probe := mat.NewDense(2, 3, []float64{
		0.1, -0.2, 0.3,
		40, 42, 44,
	})

	for _, kind := range []string{KindIsolationForest, KindOneClassBoundary, KindLocalDensity} {
		t.Run(kind, func(t *testing.T) {
			fitted, err := New(testScoreConfig(kind))
			require.NoError(t, err)
			_, err = fitted.FitScore(x)
			require.NoError(t, err)

			want, err := fitted.Score(probe)
			require.NoError(t, err)
			assert.Equal(t, LabelNormal, want[0].Label)
			assert.Equal(t, LabelAnomaly, want[1].Label)

			blob, err := fitted.State()
			require.NoError(t, err)
			require.NotEmpty(t, blob)

			restored, err := New(testScoreConfig(kind))
			require.NoError(t, err)
			require.NoError(t, restored.Restore(blob))

			got, err := restored.Score(probe)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestRestoreRejectsOtherKind(t *testing.T) {
	x, _ := clusterWithOutliers(t, 150, 2)
	forest, err := New(testScoreConfig(KindIsolationForest))
	require.NoError(t, err)
	_, err = forest.FitScore(x)
	require.NoError(t, err)
	blob, err := forest.State()
	require.NoError(t, err)

	boundary, err := New(testScoreConfig(KindOneClassBoundary))
	require.NoError(t, err)
	err = boundary.Restore(blob)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "written by isolation_forest")
}

func TestRestoreRejectsGarbage(t *testing.T) {
	for _, d := range allKinds(t) {
		t.Run(d.Kind(), func(t *testing.T) {
			assert.Error(t, d.Restore(nil))
			assert.Error(t, d.Restore([]byte("not a gzip blob")))
		})
	}
}

func TestScoreDimensionMismatch(t *testing.T) {
	x, _ := clusterWithOutliers(t, 150, 2)
	narrow := mat.NewDense(1, 2, []float64{1, 2})
	for _, d := range allKinds(t) {
		t.Run(d.Kind(), func(t *testing.T) {
			_, err := d.FitScore(x)
			require.NoError(t, err)
			_, err = d.Score(narrow)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "fitted on 3 features, given 2")
		})
	}
}

func TestFitScoreConstantBatch(t *testing.T) {
	// Every row identical: no model should return NaN scores.
	x := mat.NewDense(20, 3, nil)
	for r := 0; r < 20; r++ {
		for c := 0; c < 3; c++ {
			x.Set(r, c, 1.5)
		}
	}
	for _, d := range allKinds(t) {
		t.Run(d.Kind(), func(t *testing.T) {
			verdicts, err := d.FitScore(x)
			require.NoError(t, err)
			for _, v := range verdicts {
				assert.False(t, math.IsNaN(v.Score))
				assert.False(t, math.IsInf(v.Score, 0))
			}
		})
	}
}

func TestDecisionThreshold(t *testing.T) {
	scores := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	th := decisionThreshold(scores, 0.1)
	verdicts := labelByThreshold(scores, th)
	anomalies := 0
	for _, v := range verdicts {
		if v.Label == LabelAnomaly {
			anomalies++
		}
	}
	assert.Equal(t, 1, anomalies)
	assert.Equal(t, LabelAnomaly, verdicts[9].Label)

	// Zero contamination puts the threshold at the max score, so nothing is
	// strictly above it.
	th = decisionThreshold(scores, 0)
	for _, v := range labelByThreshold(scores, th) {
		assert.Equal(t, LabelNormal, v.Label)
	}
}

func TestAvgPathLength(t *testing.T) {
	assert.Equal(t, 0.0, avgPathLength(0))
	assert.Equal(t, 0.0, avgPathLength(1))
	assert.Equal(t, 1.0, avgPathLength(2))
	// c(256) from the isolation forest construction, within rounding.
	assert.InDelta(t, 10.24, avgPathLength(256), 0.05)
	assert.Greater(t, avgPathLength(100), avgPathLength(10))
}

func TestNearestK(t *testing.T) {
	dists := []float64{0, 3, 1, 2, 1}

	got := nearestK(dists, 0, 2)
	assert.Equal(t, []int{2, 4}, got)

	got = nearestK(dists, -1, 3)
	assert.Equal(t, []int{0, 2, 4}, got)

	got = nearestK(dists, 0, 10)
	assert.Len(t, got, 4)
}
