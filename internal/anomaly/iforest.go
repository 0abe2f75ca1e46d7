package anomaly

import (
	"math"
	"math/rand/v2"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"

	"github.com/plumesight/aerofuse/internal/config"
)

const eulerGamma = 0.5772156649015329

// IsolationForest isolates anomalies with randomized binary trees: a row
// that separates from its subsample in few random splits sits in a short
// branch and scores high. Scores are 2^(-E[h]/c) in (0, 1].
type IsolationForest struct {
	trees         int
	sampleSize    int
	contamination float64
	seed          uint64
	min           int

	state *forestState
}

// forestState is the fitted forest. Fields are exported for gob.
type forestState struct {
	Trees     []isoTree
	Subsample int
	Features  int
	Threshold float64
}

type isoTree struct {
	Nodes []isoNode
}

// isoNode is one random split, or a leaf when Left is negative. Children
// index into the flat node slice.
type isoNode struct {
	Feature     int
	Split       float64
	Left, Right int
	Size        int
}

// NewIsolationForest builds an unfitted forest from configuration.
func NewIsolationForest(cfg config.ScoreConfig) *IsolationForest {
	trees := cfg.Trees
	if trees <= 0 {
		trees = 100
	}
	sample := cfg.SampleSize
	if sample <= 0 {
		sample = 256
	}
	return &IsolationForest{
		trees:         trees,
		sampleSize:    sample,
		contamination: cfg.Contamination,
		seed:          cfg.Seed,
		min:           minSamples(cfg),
	}
}

func (f *IsolationForest) Kind() string    { return KindIsolationForest }
func (f *IsolationForest) MinSamples() int { return f.min }

// FitScore grows the forest on the batch and scores every row. The decision
// threshold lands at the (1 - contamination) quantile of the batch scores.
// Each tree draws from its own seeded stream, so identical input and seed
// reproduce the forest exactly.
func (f *IsolationForest) FitScore(x *mat.Dense) ([]Verdict, error) {
	rows, cols, err := checkBatch(f.Kind(), x, f.min)
	if err != nil {
		return nil, err
	}

	sub := f.sampleSize
	if sub > rows {
		sub = rows
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sub))))

	st := &forestState{Subsample: sub, Features: cols, Trees: make([]isoTree, f.trees)}
	for i := range st.Trees {
		rng := rand.New(rand.NewPCG(f.seed, uint64(i)))
		sample := rng.Perm(rows)[:sub]
		b := &isoTreeBuilder{x: x, cols: cols, rng: rng, maxDepth: maxDepth}
		b.build(sample, 0)
		st.Trees[i] = isoTree{Nodes: b.nodes}
	}

	scores := make([]float64, rows)
	row := make([]float64, cols)
	for r := 0; r < rows; r++ {
		mat.Row(row, r, x)
		scores[r] = st.score(row)
	}
	st.Threshold = decisionThreshold(scores, f.contamination)
	f.state = st

	return labelByThreshold(scores, st.Threshold), nil
}

// Score applies the fitted forest to new rows.
func (f *IsolationForest) Score(x *mat.Dense) ([]Verdict, error) {
	if f.state == nil {
		return nil, ErrNotFitted
	}
	rows, cols, err := checkBatch(f.Kind(), x, 1)
	if err != nil {
		return nil, err
	}
	if cols != f.state.Features {
		return nil, eris.Errorf("anomaly: %s fitted on %d features, given %d", f.Kind(), f.state.Features, cols)
	}

	scores := make([]float64, rows)
	row := make([]float64, cols)
	for r := 0; r < rows; r++ {
		mat.Row(row, r, x)
		scores[r] = f.state.score(row)
	}
	return labelByThreshold(scores, f.state.Threshold), nil
}

// State serializes the fitted forest.
func (f *IsolationForest) State() ([]byte, error) {
	if f.state == nil {
		return nil, ErrNotFitted
	}
	return marshalState(f.Kind(), f.state)
}

// Restore replaces the fitted state with a previously serialized one.
func (f *IsolationForest) Restore(blob []byte) error {
	st := &forestState{}
	if err := unmarshalState(blob, f.Kind(), st); err != nil {
		return err
	}
	f.state = st
	return nil
}

type isoTreeBuilder struct {
	x        *mat.Dense
	cols     int
	rng      *rand.Rand
	maxDepth int
	nodes    []isoNode
}

// build grows one subtree over the given row indexes and returns its node
// index. The parent slot is appended before recursing so the root is always
// node zero.
func (b *isoTreeBuilder) build(idx []int, depth int) int {
	if len(idx) <= 1 || depth >= b.maxDepth {
		b.nodes = append(b.nodes, isoNode{Left: -1, Right: -1, Size: len(idx)})
		return len(b.nodes) - 1
	}

	// Choose a feature that still varies inside this partition.
	feat := -1
	var lo, hi float64
	for _, candidate := range b.rng.Perm(b.cols) {
		lo, hi = math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := b.x.At(i, candidate)
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi > lo {
			feat = candidate
			break
		}
	}
	if feat < 0 {
		b.nodes = append(b.nodes, isoNode{Left: -1, Right: -1, Size: len(idx)})
		return len(b.nodes) - 1
	}

	split := lo + b.rng.Float64()*(hi-lo)
	var left, right []int
	for _, i := range idx {
		if b.x.At(i, feat) < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	nodeIdx := len(b.nodes)
	b.nodes = append(b.nodes, isoNode{Feature: feat, Split: split})
	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[nodeIdx].Left = l
	b.nodes[nodeIdx].Right = r
	return nodeIdx
}

// pathLength walks a row down the tree, crediting leaves with the expected
// depth of the points they still hold.
func (t isoTree) pathLength(row []float64) float64 {
	depth := 0.0
	n := 0
	for {
		node := t.Nodes[n]
		if node.Left < 0 {
			return depth + avgPathLength(node.Size)
		}
		depth++
		if row[node.Feature] < node.Split {
			n = node.Left
		} else {
			n = node.Right
		}
	}
}

// avgPathLength is the expected path length of an unsuccessful search in a
// binary search tree over m points.
func avgPathLength(m int) float64 {
	switch {
	case m <= 1:
		return 0
	case m == 2:
		return 1
	}
	fm := float64(m)
	return 2*(math.Log(fm-1)+eulerGamma) - 2*(fm-1)/fm
}

func (st *forestState) score(row []float64) float64 {
	if len(st.Trees) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range st.Trees {
		sum += t.pathLength(row)
	}
	c := avgPathLength(st.Subsample)
	if c == 0 {
		return 0
	}
	return math.Pow(2, -(sum/float64(len(st.Trees)))/c)
}
