package mslr

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/janpfeifer/rankGo/internal/ranking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleData = `2 qid:10 1:0.5 3:1.0
0 qid:10 1:0.1 2:0.2 # a comment
1 qid:10 2:0.7

1 qid:20 1:1 2:1 3:1
1 qid:20 1:2 2:2 3:2
0 qid:30 3:4
`

func TestParse(t *testing.T) {
	ds, err := Parse(context.Background(), strings.NewReader(sampleData), "sample", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Width)
	assert.Equal(t, 6, ds.NumRows())
	assert.Equal(t, []float32{2, 0, 1, 1, 1, 0}, ds.Labels)
	require.Len(t, ds.Queries, 3)
	assert.Equal(t, Query{QID: "10", Start: 0, End: 3}, ds.Queries[0])
	assert.Equal(t, Query{QID: "20", Start: 3, End: 5}, ds.Queries[1])
	assert.Equal(t, Query{QID: "30", Start: 5, End: 6}, ds.Queries[2])
	assert.Equal(t, []float32{0.5, 0, 1}, ds.Row(0))
	assert.Equal(t, []float32{0.1, 0.2, 0}, ds.Row(1))
	assert.Equal(t, []float32{0, 0, 4}, ds.Row(5))

	// Explicit width.
	ds, err = Parse(context.Background(), strings.NewReader(sampleData), "sample", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, ds.Width)
	assert.Equal(t, []float32{0.5, 0, 1, 0, 0}, ds.Row(0))

	// Width too small.
	_, err = Parse(context.Background(), strings.NewReader(sampleData), "sample", 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample:1:")
}

func TestParseErrors(t *testing.T) {
	for _, line := range []string{
		"x qid:1 1:1",
		"1 1:1",
		"1 qid: 1:1",
		"1 qid:1 1",
		"1 qid:1 0:1",
		"1 qid:1 1:y",
		"1",
	} {
		_, err := Parse(context.Background(), strings.NewReader(line), "bad", 0)
		assert.Errorf(t, err, "line %q should fail to parse", line)
	}
}

func TestNonContiguousQueries(t *testing.T) {
	data := "1 qid:a 1:1\n0 qid:b 1:2\n0 qid:a 1:3\n"
	ds, err := Parse(context.Background(), strings.NewReader(data), "mixed", 0)
	require.NoError(t, err)
	require.Len(t, ds.Queries, 2)
	assert.Equal(t, Query{QID: "a", Start: 0, End: 2}, ds.Queries[0])
	assert.Equal(t, []float32{1, 3, 2}, ds.Features)
}

func TestFromRows(t *testing.T) {
	ds, err := FromRows("rows", 0, []Row{
		{QID: "q1", Label: 1, Features: []float32{1, 2}},
		{QID: "q1", Label: 0, Features: []float32{3, 4}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Width)
	assert.Equal(t, []float32{1, 2, 3, 4}, ds.Features)

	_, err = FromRows("rows", 2, []Row{{QID: "q1", Features: []float32{1}}})
	assert.Error(t, err)
}

func TestLoadFold(t *testing.T) {
	dir := t.TempDir()
	foldDir := filepath.Join(dir, "Fold1")
	require.NoError(t, os.MkdirAll(foldDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(foldDir, "train.txt"), []byte(sampleData), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(foldDir, "vali.txt"), []byte("1 qid:7 1:1\n0 qid:7 2:1\n"), 0o644))

	train, valid, err := LoadFold(context.Background(), dir, "Fold1", 3)
	require.NoError(t, err)
	assert.Equal(t, 6, train.NumRows())
	assert.Equal(t, 2, valid.NumRows())
	assert.Equal(t, "vali.txt", valid.Name)

	_, _, err = LoadFold(context.Background(), dir, "Fold2", 3)
	assert.Error(t, err)

	// Cancelled loads stop while parsing.
	var sb strings.Builder
	for ii := range 3 * checkCancelEvery {
		fmt.Fprintf(&sb, "%d qid:%d 1:0.5 2:0.25\n", ii%3, ii/10)
	}
	largeDir := filepath.Join(dir, "Large")
	require.NoError(t, os.MkdirAll(largeDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(largeDir, "train.txt"), []byte(sb.String()), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(largeDir, "vali.txt"), []byte(sb.String()), 0o644))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = LoadFold(ctx, dir, "Large", 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	_, _, err = LoadFold(context.Background(), dir, "Large", 3)
	assert.NoError(t, err)
}

func TestNumPairs(t *testing.T) {
	ds, err := Parse(context.Background(), strings.NewReader(sampleData), "sample", 0)
	require.NoError(t, err)
	// Query 10: 3 different labels -> 6 ordered pairs. Query 20: same labels. Query 30: single item.
	assert.Equal(t, 6, ds.NumPairs())
}

func collectPairBatches(ds *Dataset, batchSize int, rng *rand.Rand) []ranking.PairBatch {
	var batches []ranking.PairBatch
	for batch := range ds.PairBatches(batchSize, rng) {
		batches = append(batches, batch)
	}
	return batches
}

func TestPairBatches(t *testing.T) {
	var rows []Row
	// 3 queries, each with 3 items of relevance 0, 1, 2; the first feature identifies the query.
	for q := range 3 {
		for rel := range 3 {
			rows = append(rows, Row{
				QID:      string(rune('a' + q)),
				Label:    float32(rel),
				Features: []float32{float32(q), float32(rel)},
			})
		}
	}
	ds, err := FromRows("synthetic", 2, rows)
	require.NoError(t, err)
	require.Equal(t, 18, ds.NumPairs())

	// Batches of 4: 18 pairs -> 4 full batches + remainder of 2.
	batches := collectPairBatches(ds, 4, rand.New(rand.NewSource(1)))
	require.Len(t, batches, 5)
	total := 0
	for ii, batch := range batches {
		require.NoError(t, batch.Check())
		if ii < 4 {
			require.Equal(t, 4, batch.Len())
		}
		total += batch.Len()
		for n := range batch.Len() {
			// Same query on both sides, and always different relevance.
			assert.Equal(t, batch.Xi[n*2], batch.Xj[n*2])
			assert.NotEqual(t, batch.Yi[n], batch.Yj[n])
			assert.Equal(t, batch.Yi[n], batch.Xi[n*2+1])
			assert.Equal(t, batch.Yj[n], batch.Xj[n*2+1])
		}
	}
	assert.Equal(t, 18, total)

	// Exact multiple: last batch is empty.
	batches = collectPairBatches(ds, 6, nil)
	require.Len(t, batches, 4)
	assert.True(t, batches[3].Empty())

	// All in one batch.
	batches = collectPairBatches(ds, 0, nil)
	require.Len(t, batches, 1)
	assert.Equal(t, 18, batches[0].Len())

	// Labels are balanced: each pair appears in both orders.
	labels := batches[0].Labels()
	var sum float32
	for _, l := range labels {
		sum += l
	}
	assert.Equal(t, float32(9), sum)

	// Restartable and stoppable.
	count := 0
	for range ds.PairBatches(1, nil) {
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)
	assert.Len(t, collectPairBatches(ds, 1, nil), 19)
}

func TestQueryBatches(t *testing.T) {
	ds, err := Parse(context.Background(), strings.NewReader(sampleData), "sample", 0)
	require.NoError(t, err)

	var batches []QueryBatch
	for batch := range ds.QueryBatches(3) {
		batches = append(batches, batch)
	}
	require.Len(t, batches, 2)
	assert.Equal(t, 3, batches[0].Len())
	assert.Len(t, batches[0].Queries, 1)
	assert.Equal(t, 3, batches[1].Len())
	assert.Len(t, batches[1].Queries, 2)
	assert.Len(t, batches[1].Features, 3*ds.Width)

	// A query larger than the batch size goes alone.
	batches = batches[:0]
	for batch := range ds.QueryBatches(2) {
		batches = append(batches, batch)
	}
	require.Len(t, batches, 3)
	assert.Equal(t, 3, batches[0].Len())
	assert.Equal(t, 2, batches[1].Len())
	assert.Equal(t, 1, batches[2].Len())

	batches = batches[:0]
	for batch := range ds.QueryBatches(0) {
		batches = append(batches, batch)
	}
	require.Len(t, batches, 1)
	assert.Equal(t, 6, batches[0].Len())
}
