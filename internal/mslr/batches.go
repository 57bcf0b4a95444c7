package mslr

import (
	"iter"
	"math/rand"
	"slices"

	"github.com/janpfeifer/rankGo/internal/ranking"
)

// pair of row indices in a Dataset.
type pair struct {
	i, j int
}

// queryPairs appends to pairs all ordered pairs of items of the query that have different relevance.
// Pairs are grouped by the relevance of the first item, in order of first appearance.
func (ds *Dataset) queryPairs(q Query, pairs []pair) []pair {
	var relevances []float32
	for rowIdx := q.Start; rowIdx < q.End; rowIdx++ {
		if !slices.Contains(relevances, ds.Labels[rowIdx]) {
			relevances = append(relevances, ds.Labels[rowIdx])
		}
	}
	for _, rel := range relevances {
		for i := q.Start; i < q.End; i++ {
			if ds.Labels[i] != rel {
				continue
			}
			for j := q.Start; j < q.End; j++ {
				if ds.Labels[j] != rel {
					pairs = append(pairs, pair{i, j})
				}
			}
		}
	}
	return pairs
}

// NumPairs returns the total number of ordered pairs with different relevance, within each query.
func (ds *Dataset) NumPairs() int {
	var total int
	for _, q := range ds.Queries {
		counts := make(map[float32]int)
		for rowIdx := q.Start; rowIdx < q.End; rowIdx++ {
			counts[ds.Labels[rowIdx]]++
		}
		for _, count := range counts {
			total += count * (q.Len() - count)
		}
	}
	return total
}

// makePairBatch copies the features and labels of the given pairs into a new PairBatch.
func (ds *Dataset) makePairBatch(pairs []pair) ranking.PairBatch {
	batch := ranking.PairBatch{
		Width: ds.Width,
		Xi:    make([]float32, 0, len(pairs)*ds.Width),
		Xj:    make([]float32, 0, len(pairs)*ds.Width),
		Yi:    make([]float32, 0, len(pairs)),
		Yj:    make([]float32, 0, len(pairs)),
	}
	for _, p := range pairs {
		batch.Xi = append(batch.Xi, ds.Row(p.i)...)
		batch.Xj = append(batch.Xj, ds.Row(p.j)...)
		batch.Yi = append(batch.Yi, ds.Labels[p.i])
		batch.Yj = append(batch.Yj, ds.Labels[p.j])
	}
	return batch
}

// PairBatches returns an iterator over batches of pairs (x_i, y_i, x_j, y_j), pairs only formed within each query.
//
// The order of the queries is shuffled with rng, if it is not nil. Pairs of consecutive queries are buffered
// and yielded in batches of exactly batchSize pairs, and whatever is left at the end is yielded as the
// last batch -- which may be empty, and should then be skipped by the caller.
// If batchSize <= 0, all pairs are yielded in one batch.
//
// Each call returns a new iterator, so it can be restarted at every epoch.
func (ds *Dataset) PairBatches(batchSize int, rng *rand.Rand) iter.Seq[ranking.PairBatch] {
	return func(yield func(ranking.PairBatch) bool) {
		order := make([]int, len(ds.Queries))
		for ii := range order {
			order[ii] = ii
		}
		if rng != nil {
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		var buf []pair
		for _, queryIdx := range order {
			buf = ds.queryPairs(ds.Queries[queryIdx], buf)
			if batchSize <= 0 {
				continue
			}
			start := 0
			for start+batchSize <= len(buf) {
				if !yield(ds.makePairBatch(buf[start : start+batchSize])) {
					return
				}
				start += batchSize
			}
			buf = slices.Delete(buf, 0, start)
		}
		yield(ds.makePairBatch(buf))
	}
}

// QueryBatch is a batch of whole queries: a contiguous range of rows [Start, End) of a Dataset.
type QueryBatch struct {
	Start, End int
	Features   []float32
	Labels     []float32
	Queries    []Query
}

// Len returns the number of rows in the batch.
func (b QueryBatch) Len() int { return b.End - b.Start }

// QueryBatches returns an iterator over batches of whole queries, packing consecutive queries while the
// number of rows fits batchSize. A query larger than batchSize is yielded alone.
// If batchSize <= 0, the whole dataset is yielded as one batch.
func (ds *Dataset) QueryBatches(batchSize int) iter.Seq[QueryBatch] {
	return func(yield func(QueryBatch) bool) {
		first := 0
		for ii := range ds.Queries {
			start, end := ds.Queries[first].Start, ds.Queries[ii].End
			next := ii + 1
			if next < len(ds.Queries) && (batchSize <= 0 || ds.Queries[next].End-start <= batchSize) {
				continue
			}
			batch := QueryBatch{
				Start:    start,
				End:      end,
				Features: ds.Features[start*ds.Width : end*ds.Width],
				Labels:   ds.Labels[start:end],
				Queries:  ds.Queries[first:next],
			}
			if !yield(batch) {
				return
			}
			first = next
		}
	}
}
