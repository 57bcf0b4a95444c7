package metrics

import (
	"github.com/chewxy/math32"
	"github.com/janpfeifer/rankGo/internal/mslr"
	"github.com/janpfeifer/rankGo/internal/ranking"
	"github.com/pkg/errors"
)

// RankNetCost returns the summed RankNet cost over all ordered pairs (i, j) of one query's items with
// different relevance, and the number of such pairs:
//
//	C_ij = ½(1 - S_ij)·σ·(s_i - s_j) + log(1 + exp(-σ·(s_i - s_j)))
//
// where S_ij is +1 if item i is more relevant than j, and -1 otherwise.
func RankNetCost(labels, scores []float32, sigma float32) (cost float64, numPairs int) {
	for i := range labels {
		for j := range labels {
			if labels[i] == labels[j] {
				continue
			}
			var sij float32 = -1
			if labels[i] > labels[j] {
				sij = 1
			}
			diff := sigma * (scores[i] - scores[j])
			cost += float64(0.5*(1-sij)*diff + softplus(-diff))
			numPairs++
		}
	}
	return
}

// softplus returns log(1 + exp(x)).
func softplus(x float32) float32 {
	if x > 0 {
		return x + math32.Log1p(math32.Exp(-x))
	}
	return math32.Log1p(math32.Exp(x))
}

// CrossEntropy returns the mean RankNet cost (with σ=1) over all pairs of the dataset, given the scores of
// all its rows. It returns 0 if the dataset has no pairs with different relevance.
func CrossEntropy(ds *mslr.Dataset, scores []float32) float64 {
	var total float64
	var totalPairs int
	for _, q := range ds.Queries {
		cost, numPairs := RankNetCost(ds.Labels[q.Start:q.End], scores[q.Start:q.End], 1)
		total += cost
		totalPairs += numPairs
	}
	if totalPairs == 0 {
		return 0
	}
	return total / float64(totalPairs)
}

// CrossEntropyLoss scores the dataset with scorer and returns its mean RankNet pairwise cross-entropy.
func CrossEntropyLoss(scorer ranking.Scorer, ds *mslr.Dataset, batchSize int) (float64, error) {
	scores, err := ScoreDataset(scorer, ds, batchSize)
	if err != nil {
		return 0, errors.WithMessage(err, "cross-entropy loss")
	}
	return CrossEntropy(ds, scores), nil
}
