package gomlx

import (
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/rankGo/internal/parameters"
	"github.com/janpfeifer/rankGo/internal/ranking"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelConfig configures the creation of a PairwiseModel.
type ModelConfig struct {
	Spec ranking.NetworkSpec

	// Optimizer is "adam" or "sgd", and LearningRate its base learning rate.
	Optimizer    string
	LearningRate float64

	// BatchSize is the usual number of pairs per batch: batches of this size are not padded.
	BatchSize int

	// Seed for the initialization of the weights. 0 means a time-based seed. It can also be set with the
	// "initializers_seed" hyperparameter in Params.
	Seed int64

	// Params overrides context hyperparameters, e.g. "adam_epsilon". Unknown parameters are an error.
	Params parameters.Params

	// ResumeFrom is the directory of a training checkpoint to load. If it doesn't exist, NewPairwiseModel
	// fails with ranking.ErrCheckpointNotFound.
	ResumeFrom string
}

// PairwiseModel is the trainable RankNet: it scores both items of a pair with the same ScoringNetwork, and
// returns sigmoid(s_i - s_j).
//
// It implements ranking.PairLearner.
type PairwiseModel struct {
	*model

	optimizer     optimizers.Interface
	trainStepExec *context.Exec

	// lrVar is the learning rate variable used by the optimizer, epochVar stores the scheduler state.
	lrVar, epochVar *context.Variable

	// checkpoint the model was loaded from, if any.
	checkpoint *checkpoints.Handler

	// muLearning "write" for learning, and "read" for scoring.
	muLearning sync.RWMutex
}

var (
	// Assert PairwiseModel is a ranking.PairLearner.
	_ ranking.PairLearner = (*PairwiseModel)(nil)
)

const (
	scheduleScope = "schedule"
	epochVarName  = "epoch"
)

// NewPairwiseModel creates the model with its variables, loading them from cfg.ResumeFrom if given.
func NewPairwiseModel(backend backends.Backend, cfg ModelConfig) (m *PairwiseModel, err error) {
	if err = cfg.Spec.Validate(); err != nil {
		return nil, err
	}
	if err = ranking.ValidateOptimizer(cfg.Optimizer); err != nil {
		return nil, err
	}
	ctx := newContext()
	m = &PairwiseModel{}

	// Load checkpoint first: it also restores the hyperparameters, which are then overwritten.
	if cfg.ResumeFrom != "" {
		if !CheckpointExists(cfg.ResumeFrom) {
			return nil, errors.Wrapf(ranking.ErrCheckpointNotFound, "resuming from %q", cfg.ResumeFrom)
		}
		m.checkpoint, err = loadCheckpoint(ctx, cfg.ResumeFrom)
		if err != nil {
			return nil, err
		}
	}

	// Overwrite hyperparameters from the configuration and the given params.
	ctx.SetParam(optimizers.ParamOptimizer, cfg.Optimizer)
	if cfg.LearningRate > 0 {
		ctx.SetParam(optimizers.ParamLearningRate, cfg.LearningRate)
	}
	if cfg.Seed != 0 {
		ctx.SetParam(initializers.ParamInitialSeed, int(cfg.Seed))
	}
	if err = extractParams(cfg.Params, ctx); err != nil {
		return nil, err
	}
	if err = ranking.ValidateOptimizer(context.GetParamOr(ctx, optimizers.ParamOptimizer, "")); err != nil {
		return nil, err
	}

	// Create variables: either initialized or loaded from the checkpoint.
	var net *ScoringNetwork
	err = tryCatch(func() error {
		var netErr error
		net, netErr = newScoringNetwork(backend, ctx, cfg.Spec)
		if netErr != nil {
			return netErr
		}
		m.lrVar = optimizers.LearningRateVar(ctx, dtypes.Float32, BaseLearningRate(ctx))
		m.epochVar = ctx.In(scheduleScope).VariableWithValue(epochVarName, int64(0)).SetTrainable(false)
		m.optimizer = optimizers.FromContext(ctx)
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating model %s", cfg.Spec)
	}
	m.model = newModel(backend, ctx, net, cfg.BatchSize)
	m.trainStepExec = context.NewExec(backend, ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			g := inputs[0].Graph()
			ctx.SetTraining(g, true)
			loss := net.LossGraph(inputs[0], inputs[1], inputs[2], inputs[3])
			m.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})
	if m.checkpoint != nil {
		klog.Infof("Loaded %s from %s at epoch %d", m, m.checkpoint.Dir(), m.Epoch())
	}
	return m, nil
}

// String implements fmt.Stringer and ranking.PairScorer.
func (m *PairwiseModel) String() string {
	if m == nil {
		return "<nil>[GoMLX]"
	}
	if m.checkpoint == nil {
		return fmt.Sprintf("%s_%s[GoMLX]", ModelName, m.net.Spec)
	}
	return fmt.Sprintf("%s_%s[GoMLX]@%s", ModelName, m.net.Spec, m.checkpoint.Dir())
}

// Predict implements ranking.PairScorer. It doesn't change the model.
func (m *PairwiseModel) Predict(batch ranking.PairBatch) ([]float32, error) {
	m.muLearning.RLock()
	defer m.muLearning.RUnlock()
	return m.predict(batch)
}

// Scores returns the score of each of the numRows rows of features (row-major).
func (m *PairwiseModel) Scores(features []float32, numRows int) ([]float32, error) {
	m.muLearning.RLock()
	defer m.muLearning.RUnlock()
	return m.scores(features, numRows)
}

// Loss implements ranking.PairLearner.
func (m *PairwiseModel) Loss(batch ranking.PairBatch) (float32, error) {
	m.muLearning.RLock()
	defer m.muLearning.RUnlock()
	return m.loss(batch)
}

// TrainStep implements ranking.PairLearner: it performs one optimizer step on the batch and returns the loss
// before the update.
func (m *PairwiseModel) TrainStep(batch ranking.PairBatch) (float32, error) {
	if batch.Empty() {
		return 0, errors.New("train step on an empty pair batch")
	}
	m.muLearning.Lock()
	defer m.muLearning.Unlock()
	inputs, err := m.pairInputs(batch)
	if err != nil {
		return 0, err
	}
	outputs, err := call(m.trainStepExec, donate(m.backend, inputs...)...)
	if err != nil {
		return 0, errors.WithMessagef(err, "training on %d pairs", batch.Len())
	}
	return tensors.ToScalar[float32](outputs[0]), nil
}

// Epoch returns the epoch stored in the model: the one it was last saved or loaded at.
func (m *PairwiseModel) Epoch() int {
	return int(tensors.ToScalar[int64](m.epochVar.Value()))
}

// SetEpoch updates the scheduler state at the start of the epoch, and the learning rate accordingly.
// The schedule is stepped before training the epoch, so epoch uses the learning rate of StepLR(base, epoch+1).
func (m *PairwiseModel) SetEpoch(epoch int) {
	m.muLearning.Lock()
	defer m.muLearning.Unlock()
	m.epochVar.SetValue(tensors.FromScalar(int64(epoch)))
	m.lrVar.SetValue(tensors.FromScalar(float32(StepLR(BaseLearningRate(m.ctx), epoch+1))))
}

// LearningRate currently used by the optimizer.
func (m *PairwiseModel) LearningRate() float64 {
	return float64(tensors.ToScalar[float32](m.lrVar.Value()))
}

// Finalize frees the executors. The model can't be used afterward.
func (m *PairwiseModel) Finalize() {
	m.trainStepExec.Finalize()
	m.model.Finalize()
}
