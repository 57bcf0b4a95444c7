package ranking

import "github.com/pkg/errors"

// PairBatch is a batch of item pairs (i, j), both items of each pair drawn from the same query.
//
// Features are stored row-major: row n of Xi is Xi[n*Width : (n+1)*Width].
type PairBatch struct {
	Width  int
	Xi, Xj []float32
	Yi, Yj []float32
}

// Len returns the number of pairs in the batch.
func (b PairBatch) Len() int {
	return len(b.Yi)
}

// Empty returns whether either side of the batch has no rows. Empty batches are skipped.
func (b PairBatch) Empty() bool {
	return len(b.Yi) == 0 || len(b.Yj) == 0 || len(b.Xi) == 0 || len(b.Xj) == 0
}

// Labels returns the pairwise binary labels: 1 if item i is more relevant than item j, 0 otherwise.
func (b PairBatch) Labels() []float32 {
	labels := make([]float32, len(b.Yi))
	for n := range labels {
		if b.Yi[n] > b.Yj[n] {
			labels[n] = 1
		}
	}
	return labels
}

// Check that the dimensions of the batch are consistent.
func (b PairBatch) Check() error {
	if b.Width <= 0 {
		return errors.Errorf("pair batch has invalid width %d", b.Width)
	}
	n := len(b.Yi)
	if len(b.Yj) != n {
		return errors.Errorf("pair batch has %d labels on the i side, but %d on the j side", n, len(b.Yj))
	}
	if len(b.Xi) != n*b.Width || len(b.Xj) != n*b.Width {
		return errors.Errorf("pair batch of %d pairs and width %d has %d and %d feature values, expected %d",
			n, b.Width, len(b.Xi), len(b.Xj), n*b.Width)
	}
	return nil
}

// Scorer scores items independently: one score per row of features (row-major, numRows x width).
type Scorer interface {
	Score(features []float32, numRows int) ([]float32, error)
	String() string
}

// PairScorer returns the probability that item i should be ranked above item j, for each pair.
type PairScorer interface {
	Predict(batch PairBatch) ([]float32, error)
	String() string
}

// PairLearner is a PairScorer that can be trained on batches of pairs.
type PairLearner interface {
	PairScorer

	// TrainStep performs one optimizer step on the batch and returns its loss (mean binary cross-entropy).
	TrainStep(batch PairBatch) (loss float32, err error)

	// Loss returns the mean binary cross-entropy of the batch, without updating the model.
	Loss(batch PairBatch) (loss float32, err error)
}
