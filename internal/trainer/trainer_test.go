package trainer

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/janpfeifer/rankGo/internal/config"
	"github.com/janpfeifer/rankGo/internal/mslr"
	"github.com/janpfeifer/rankGo/internal/ranking"
	"github.com/janpfeifer/rankGo/internal/ranking/gomlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

// fakeLearner returns the loss of each batch as the first feature of the first pair.
type fakeLearner struct {
	steps int
}

func (l *fakeLearner) Predict(batch ranking.PairBatch) ([]float32, error) {
	return make([]float32, batch.Len()), nil
}

func (l *fakeLearner) TrainStep(batch ranking.PairBatch) (float32, error) {
	if batch.Empty() {
		return 0, errors.New("empty batch")
	}
	l.steps++
	return batch.Xi[0], nil
}

func (l *fakeLearner) Loss(batch ranking.PairBatch) (float32, error) { return batch.Xi[0], nil }

func (l *fakeLearner) String() string { return "fake" }

func batchesOf(batches ...ranking.PairBatch) func(yield func(ranking.PairBatch) bool) {
	return func(yield func(ranking.PairBatch) bool) {
		for _, batch := range batches {
			if !yield(batch) {
				return
			}
		}
	}
}

func lossBatch(loss float32) ranking.PairBatch {
	return ranking.PairBatch{Width: 1, Xi: []float32{loss}, Xj: []float32{0}, Yi: []float32{1}, Yj: []float32{0}}
}

func TestTrainOnBatchesSkipsEmpty(t *testing.T) {
	learner := &fakeLearner{}
	mean, numBatches, err := trainOnBatches(context.Background(), learner,
		batchesOf(lossBatch(1), lossBatch(3)), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 2.0, mean)
	assert.Equal(t, 2, numBatches)

	// Zero-row batches don't change the mean.
	learner = &fakeLearner{}
	empty := ranking.PairBatch{Width: 1}
	mean, numBatches, err = trainOnBatches(context.Background(), learner,
		batchesOf(empty, lossBatch(1), empty, lossBatch(3), empty), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 2.0, mean)
	assert.Equal(t, 2, numBatches)
	assert.Equal(t, 2, learner.steps)

	// Only empty batches.
	mean, numBatches, err = trainOnBatches(context.Background(), learner, batchesOf(empty), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, mean)
	assert.Equal(t, 0, numBatches)

	// Cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = trainOnBatches(ctx, learner, batchesOf(lossBatch(1)), 0, 1)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "EpochRunning", StateEpochRunning.String())
	assert.Equal(t, "Terminated", StateTerminated.String())
	assert.Equal(t, "State(9)", State(9).String())
}

// syntheticDataset has 2 rows per query: one with features v and one with -v, and the row with the
// positive first feature is the relevant one.
func syntheticDataset(t *testing.T, name string, numQueries int, rng *rand.Rand) *mslr.Dataset {
	var rows []mslr.Row
	for q := range numQueries {
		v := make([]float32, 4)
		for ii := range v {
			v[ii] = float32(rng.NormFloat64())
		}
		neg := make([]float32, 4)
		for ii := range v {
			neg[ii] = -v[ii]
		}
		qid := fmt.Sprintf("%s%d", name, q)
		var label float32
		if v[0] > 0 {
			label = 1
		}
		rows = append(rows,
			mslr.Row{QID: qid, Label: label, Features: v},
			mslr.Row{QID: qid, Label: 1 - label, Features: neg})
	}
	ds, err := mslr.FromRows(name, 4, rows)
	require.NoError(t, err)
	return ds
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Structure = ranking.NetworkSpec{4, 3, 1}
	cfg.LearningRate = 0.05
	cfg.BatchSize = 16
	cfg.EvalBatchSize = 64
	cfg.NDCGAt = []int{1, 2}
	cfg.CheckpointDir = t.TempDir()
	cfg.Seed = 17
	cfg.LogEvery = 2
	return cfg
}

// seedWithLiveUnits returns the first seed, starting from cfg.Seed, whose initial network doesn't give the
// same score to every row of ds: with a width 1 ReLU layer, some initializations have no active unit.
func seedWithLiveUnits(t *testing.T, backend backends.Backend, cfg *config.Config, ds *mslr.Dataset) int64 {
	for seed := cfg.Seed; seed < cfg.Seed+20; seed++ {
		m, err := gomlx.NewPairwiseModel(backend, gomlx.ModelConfig{
			Spec:      cfg.Structure,
			Optimizer: cfg.Optimizer,
			BatchSize: cfg.BatchSize,
			Seed:      seed,
		})
		require.NoError(t, err)
		scores, err := m.Scores(ds.Features, ds.NumRows())
		require.NoError(t, err)
		m.Finalize()
		if slices.Max(scores)-slices.Min(scores) > 1e-4 {
			return seed
		}
	}
	t.Fatalf("no seed in [%d, %d) gives a network with live units", cfg.Seed, cfg.Seed+20)
	return 0
}

func TestRunEndToEnd(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(1))
	train := syntheticDataset(t, "train", 24, rng)
	valid := syntheticDataset(t, "valid", 8, rng)
	cfg := testConfig(t)
	cfg.AdditionalEpochs = 51
	cfg.Seed = seedWithLiveUnits(t, backend, cfg, train)

	trainer, err := New(backend, cfg, train, valid)
	require.NoError(t, err)
	assert.False(t, trainer.ResumeMissed())
	summary, err := trainer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, trainer.State())

	require.Len(t, summary.Losses, 51)
	assert.Equal(t, 0, summary.Losses[0].Epoch)
	assert.Equal(t, 3, summary.Losses[0].NumBatches) // 48 pairs in batches of 16.
	assert.Less(t, summary.Losses[50].Loss, summary.Losses[0].Loss)

	// Evaluated at epochs 5, 10, ..., 50.
	require.Len(t, summary.Evaluations, 10)
	assert.Equal(t, trainer.History(), summary.Evaluations)
	for ii, eval := range summary.Evaluations {
		assert.Equal(t, 5*(ii+1), eval.Epoch)
		assert.Greater(t, eval.PairLoss, 0.0)
		assert.Greater(t, eval.CrossEntropy, 0.0)
		for _, k := range cfg.NDCGAt {
			assert.GreaterOrEqual(t, eval.NDCG[k], 0.0)
			assert.LessOrEqual(t, eval.NDCG[k], 1.0+1e-9)
		}
	}

	// Checkpoints saved.
	for _, epoch := range []int{5, 25, 50, 51} {
		assert.Truef(t, gomlx.CheckpointExists(gomlx.CheckpointDir(cfg.CheckpointDir, cfg.Structure, epoch)),
			"checkpoint of epoch %d", epoch)
	}
	assert.False(t, gomlx.CheckpointExists(gomlx.CheckpointDir(cfg.CheckpointDir, cfg.Structure, 0)))
	assert.Equal(t, gomlx.FinalModelDir(cfg.CheckpointDir, cfg.Structure), summary.FinalModel)
	require.True(t, gomlx.CheckpointExists(summary.FinalModel))

	// The final model scores as the trained model.
	final, err := gomlx.LoadInference(backend, summary.FinalModel, cfg.Structure, cfg.EvalBatchSize)
	require.NoError(t, err)
	want, err := trainer.Model().Scores(valid.Features, valid.NumRows())
	require.NoError(t, err)
	got, err := final.Score(valid.Features, valid.NumRows())
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-6)

	// Resume from the checkpoint of epoch 50.
	cfg.StartEpoch = 50
	cfg.AdditionalEpochs = 1
	resumed, err := New(backend, cfg, train, valid)
	require.NoError(t, err)
	assert.False(t, resumed.ResumeMissed())
	assert.Equal(t, 50, resumed.Model().Epoch())
}

func TestResumeMissing(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(2))
	train := syntheticDataset(t, "train", 4, rng)
	cfg := testConfig(t)
	cfg.StartEpoch = 10
	cfg.AdditionalEpochs = 1

	trainer, err := New(backend, cfg, train, nil)
	require.NoError(t, err)
	assert.True(t, trainer.ResumeMissed())
	summary, err := trainer.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.ResumeMissed)
	require.Len(t, summary.Losses, 1)
	assert.Equal(t, 10, summary.Losses[0].Epoch)
	assert.Empty(t, summary.Evaluations)
	assert.True(t, gomlx.CheckpointExists(gomlx.CheckpointDir(cfg.CheckpointDir, cfg.Structure, 11)))

	cfg.StartEpoch = 20
	cfg.StrictResume = true
	_, err = New(backend, cfg, train, nil)
	assert.True(t, errors.Is(err, ranking.ErrCheckpointNotFound))
}

func TestNewErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(3))
	train := syntheticDataset(t, "train", 2, rng)

	cfg := testConfig(t)
	cfg.Optimizer = "adagrad"
	_, err := New(backend, cfg, train, nil)
	assert.True(t, errors.Is(err, ranking.ErrUnsupportedOptimizer))

	cfg = testConfig(t)
	cfg.Structure = ranking.NetworkSpec{5, 1}
	_, err = New(backend, cfg, train, nil)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.ModelParams = "unknown_param=3"
	_, err = New(backend, cfg, train, nil)
	assert.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(4))
	valid := syntheticDataset(t, "valid", 6, rng)
	cfg := testConfig(t)
	inf, err := gomlx.NewInferenceModel(backend, cfg.Structure, cfg.EvalBatchSize)
	require.NoError(t, err)

	eval, err := Evaluate(inf, valid, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, eval.Epoch)
	assert.Greater(t, eval.PairLoss, 0.0)
	assert.Greater(t, eval.CrossEntropy, 0.0)
	keys := make([]int, 0, len(eval.NDCG))
	for k := range eval.NDCG {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	assert.Equal(t, []int{1, 2}, keys)

	// Evaluating doesn't change the model.
	before, err := inf.Score(valid.Features, valid.NumRows())
	require.NoError(t, err)
	_, err = Evaluate(inf, valid, cfg)
	require.NoError(t, err)
	after, err := inf.Score(valid.Features, valid.NumRows())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = Evaluate(inf, nil, cfg)
	assert.Error(t, err)
}
