// Package metrics implements the ranking quality metrics used in evaluation: NDCG@k and the
// RankNet pairwise cross-entropy, plus a Window of training statistics.
package metrics

import (
	"math"

	"github.com/janpfeifer/rankGo/internal/generics"
	"github.com/janpfeifer/rankGo/internal/mslr"
	"github.com/janpfeifer/rankGo/internal/ranking"
	"github.com/pkg/errors"
)

// DCGAtK returns the discounted cumulative gain of the top k relevances (given in ranked order):
// sum of (2^rel - 1) / log2(position + 2), positions starting at 0.
func DCGAtK(rankedRelevances []float32, k int) float64 {
	var dcg float64
	for ii, rel := range rankedRelevances {
		if ii >= k {
			break
		}
		dcg += (math.Pow(2, float64(rel)) - 1) / math.Log2(float64(ii+2))
	}
	return dcg
}

// QueryNDCG returns the NDCG@k of one query, given the relevance labels and scores of its items.
// Items are ranked by score, descending, ties keeping their original order.
//
// It returns ok=false if the ideal DCG is 0 (no relevant item), in which case the query should be skipped.
func QueryNDCG(labels, scores []float32, k int) (ndcg float64, ok bool) {
	ideal := DCGAtK(sortedRelevances(labels, generics.SliceOrdering(labels, true)), k)
	if ideal == 0 {
		return 0, false
	}
	dcg := DCGAtK(sortedRelevances(labels, generics.SliceOrdering(scores, true)), k)
	ndcg = dcg / ideal
	if math.IsNaN(ndcg) {
		return 0, false
	}
	return ndcg, true
}

func sortedRelevances(labels []float32, order []int) []float32 {
	return generics.SliceMap(order, func(idx int) float32 { return labels[idx] })
}

// ScoreDataset scores every row of the dataset with scorer, feeding it whole queries in batches of up
// to batchSize rows.
func ScoreDataset(scorer ranking.Scorer, ds *mslr.Dataset, batchSize int) ([]float32, error) {
	scores := make([]float32, 0, ds.NumRows())
	for batch := range ds.QueryBatches(batchSize) {
		if batch.Len() == 0 {
			continue
		}
		batchScores, err := scorer.Score(batch.Features, batch.Len())
		if err != nil {
			return nil, errors.WithMessagef(err, "scoring rows %d to %d of %s", batch.Start, batch.End, ds.Name)
		}
		if len(batchScores) != batch.Len() {
			return nil, errors.Errorf("scorer %s returned %d scores for %d rows", scorer, len(batchScores), batch.Len())
		}
		scores = append(scores, batchScores...)
	}
	return scores, nil
}

// NDCG returns the mean NDCG for each cutoff in ks, over the queries of the dataset, given the scores of
// all rows. Queries without any relevant item are skipped.
func NDCG(ds *mslr.Dataset, scores []float32, ks []int) map[int]float64 {
	perK := make(map[int][]float64, len(ks))
	for _, q := range ds.Queries {
		labels := ds.Labels[q.Start:q.End]
		queryScores := scores[q.Start:q.End]
		for _, k := range ks {
			if ndcg, ok := QueryNDCG(labels, queryScores, k); ok {
				perK[k] = append(perK[k], ndcg)
			}
		}
	}
	results := make(map[int]float64, len(ks))
	for _, k := range ks {
		results[k] = generics.Mean(perK[k])
	}
	return results
}

// NDCGAtK scores the dataset with scorer and returns the mean NDCG for each of the cutoffs ks.
func NDCGAtK(scorer ranking.Scorer, ds *mslr.Dataset, batchSize int, ks []int) (map[int]float64, error) {
	scores, err := ScoreDataset(scorer, ds, batchSize)
	if err != nil {
		return nil, err
	}
	return NDCG(ds, scores, ks), nil
}
