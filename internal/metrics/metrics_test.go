package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/janpfeifer/rankGo/internal/mslr"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDCGAtK(t *testing.T) {
	// (2^3-1)/log2(2) + (2^2-1)/log2(3) + (2^0-1)/log2(4)
	want := 7.0 + 3.0/math.Log2(3)
	assert.InDelta(t, want, DCGAtK([]float32{3, 2, 0}, 10), 1e-9)
	assert.InDelta(t, 7.0, DCGAtK([]float32{3, 2, 0}, 1), 1e-9)
	assert.Equal(t, 0.0, DCGAtK(nil, 10))
}

func TestQueryNDCG(t *testing.T) {
	labels := []float32{0, 1, 2}

	// Perfect ranking.
	ndcg, ok := QueryNDCG(labels, []float32{0.1, 0.2, 0.3}, 10)
	require.True(t, ok)
	assert.InDelta(t, 1.0, ndcg, 1e-9)

	// Reversed ranking.
	ndcg, ok = QueryNDCG(labels, []float32{0.3, 0.2, 0.1}, 10)
	require.True(t, ok)
	ideal := 3.0 + 1.0/math.Log2(3)
	worst := 1.0/math.Log2(3) + 3.0/math.Log2(4)
	assert.InDelta(t, worst/ideal, ndcg, 1e-9)

	// No relevant items: skipped.
	_, ok = QueryNDCG([]float32{0, 0}, []float32{1, 2}, 10)
	assert.False(t, ok)
}

func TestCrossEntropy(t *testing.T) {
	// Equal scores: every pair costs log(2).
	cost, numPairs := RankNetCost([]float32{1, 0}, []float32{0.5, 0.5}, 1)
	assert.Equal(t, 2, numPairs)
	assert.InDelta(t, 2*math.Ln2, cost, 1e-6)

	// Correct order with a gap of 2: both orderings of the pair cost log(1+exp(-2)).
	cost, numPairs = RankNetCost([]float32{1, 0, 1}, []float32{2, 0, 2}, 1)
	assert.Equal(t, 4, numPairs)
	assert.InDelta(t, 4*math.Log1p(math.Exp(-2)), cost, 1e-5)

	// Wrong order costs more than the right order.
	wrong, _ := RankNetCost([]float32{1, 0}, []float32{0, 2}, 1)
	right, _ := RankNetCost([]float32{1, 0}, []float32{2, 0}, 1)
	assert.Greater(t, wrong, right)
	assert.InDelta(t, 2*(2+math.Log1p(math.Exp(-2))), wrong, 1e-5)
}

// constScorer scores each row by its first feature.
type constScorer struct{ fail bool }

func (s constScorer) Score(features []float32, numRows int) ([]float32, error) {
	if s.fail {
		return nil, errors.New("failed")
	}
	width := len(features) / numRows
	scores := make([]float32, numRows)
	for ii := range scores {
		scores[ii] = features[ii*width]
	}
	return scores, nil
}

func (s constScorer) String() string { return "first-feature" }

func TestDatasetMetrics(t *testing.T) {
	ds, err := mslr.FromRows("test", 1, []mslr.Row{
		{QID: "q1", Label: 2, Features: []float32{0.9}},
		{QID: "q1", Label: 0, Features: []float32{0.1}},
		{QID: "q2", Label: 0, Features: []float32{0.9}},
		{QID: "q2", Label: 1, Features: []float32{0.1}},
		{QID: "q3", Label: 0, Features: []float32{0.5}},
	})
	require.NoError(t, err)

	ndcgs, err := NDCGAtK(constScorer{}, ds, 2, []int{1, 10})
	require.NoError(t, err)
	// q1 is perfect (1.0), q2 is reversed, q3 has no relevant items and is skipped.
	assert.InDelta(t, 0.5, ndcgs[1], 1e-9)
	assert.InDelta(t, (1.0+1.0/math.Log2(3))/2, ndcgs[10], 1e-9)

	loss, err := CrossEntropyLoss(constScorer{}, ds, 0)
	require.NoError(t, err)
	q1, _ := RankNetCost([]float32{2, 0}, []float32{0.9, 0.1}, 1)
	q2, _ := RankNetCost([]float32{0, 1}, []float32{0.9, 0.1}, 1)
	assert.InDelta(t, (q1+q2)/4, loss, 1e-6)

	_, err = NDCGAtK(constScorer{fail: true}, ds, 2, []int{10})
	assert.Error(t, err)
}

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(100, 10*time.Millisecond, 1.2)
	w.Record(100, 30*time.Millisecond, 0.8)
	snap := w.Snapshot()
	assert.InDelta(t, 5000.0, snap.PairsPerSec, 1e-6)
	assert.InDelta(t, 20.0, snap.AvgComputeMS, 1e-6)
	assert.InDelta(t, 1.0, snap.MeanLoss, 1e-9)
	assert.Equal(t, 0.8, snap.LastLoss)
	assert.Equal(t, 2, snap.Steps)
	assert.Equal(t, Window{}, w)
}
