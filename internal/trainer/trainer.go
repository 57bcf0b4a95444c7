// Package trainer implements the RankNet training loop: a state machine that trains the PairwiseModel
// epoch by epoch, checkpoints it periodically, and evaluates it with the InferenceModel.
package trainer

import (
	"context"
	"fmt"
	"iter"
	"math/rand"
	"os"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/rankGo/internal/config"
	"github.com/janpfeifer/rankGo/internal/metrics"
	"github.com/janpfeifer/rankGo/internal/mslr"
	"github.com/janpfeifer/rankGo/internal/parameters"
	"github.com/janpfeifer/rankGo/internal/ranking"
	"github.com/janpfeifer/rankGo/internal/ranking/gomlx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of the Trainer.
type State int

const (
	StateInitializing State = iota
	StateEpochRunning
	StateCheckpointing
	StateEvaluating
	StateTerminated
)

var stateNames = []string{"Initializing", "EpochRunning", "Checkpointing", "Evaluating", "Terminated"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// EpochLoss is the training result of one epoch.
type EpochLoss struct {
	Epoch      int
	Loss       float64
	NumBatches int
	Elapsed    time.Duration
}

// Summary of a training run.
type Summary struct {
	Structure              ranking.NetworkSpec
	StartEpoch, FinalEpoch int
	ResumeMissed           bool
	Losses                 []EpochLoss
	Evaluations            []ranking.Evaluation

	// LastCheckpoint and FinalModel are the directories saved at the end of the run.
	LastCheckpoint, FinalModel string
}

// Trainer drives the training of a PairwiseModel.
type Trainer struct {
	cfg          *config.Config
	train, valid *mslr.Dataset

	model     *gomlx.PairwiseModel
	inference *gomlx.InferenceModel
	rng       *rand.Rand

	state        State
	resumeMissed bool
	losses       []EpochLoss
	history      []ranking.Evaluation
}

// New validates the configuration and creates the models.
//
// If cfg.StartEpoch is not 0, the training checkpoint of that epoch is loaded. If it is missing, a warning is
// logged and the training continues from freshly initialized weights (see ResumeMissed), unless
// cfg.StrictResume is set, in which case it fails with ranking.ErrCheckpointNotFound.
func New(backend backends.Backend, cfg *config.Config, train, valid *mslr.Dataset) (*Trainer, error) {
	t := &Trainer{cfg: cfg, train: train, valid: valid}
	t.setState(StateInitializing)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	width := cfg.Structure.InputWidth()
	for _, ds := range []*mslr.Dataset{train, valid} {
		if ds != nil && ds.Width != width {
			return nil, errors.Errorf("dataset %s has %d features, but network %s expects %d", ds.Name, ds.Width, cfg.Structure, width)
		}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	t.rng = rand.New(rand.NewSource(seed))

	modelCfg := gomlx.ModelConfig{
		Spec:         cfg.Structure,
		Optimizer:    cfg.Optimizer,
		LearningRate: cfg.LearningRate,
		BatchSize:    cfg.BatchSize,
		Seed:         t.rng.Int63(),
		Params:       parameters.NewFromConfigString(cfg.ModelParams),
	}
	if cfg.StartEpoch != 0 {
		path := gomlx.CheckpointDir(cfg.CheckpointDir, cfg.Structure, cfg.StartEpoch)
		switch {
		case gomlx.CheckpointExists(path):
			modelCfg.ResumeFrom = path
		case cfg.StrictResume:
			return nil, errors.Wrapf(ranking.ErrCheckpointNotFound, "resuming from epoch %d in %q", cfg.StartEpoch, path)
		default:
			klog.Warningf("Checkpoint %q for epoch %d not found, training from scratch", path, cfg.StartEpoch)
			t.resumeMissed = true
		}
	}

	var err error
	t.model, err = gomlx.NewPairwiseModel(backend, modelCfg)
	if err != nil {
		return nil, err
	}
	t.inference, err = gomlx.NewInferenceModel(backend, cfg.Structure, cfg.EvalBatchSize)
	if err != nil {
		return nil, err
	}
	if err = t.inference.SyncFrom(t.model); err != nil {
		return nil, err
	}
	if err = os.MkdirAll(cfg.CheckpointDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating checkpoint directory %q", cfg.CheckpointDir)
	}
	klog.Infof("Trainer ready: %s, optimizer=%s, lr=%g, epochs %d to %d",
		t.model, cfg.Optimizer, cfg.LearningRate, cfg.StartEpoch, cfg.FinalEpoch())
	return t, nil
}

func (t *Trainer) setState(state State) {
	if t.state != state || state == StateInitializing {
		klog.V(1).Infof("Trainer state: %s -> %s", t.state, state)
	}
	t.state = state
}

// State returns the current state of the trainer.
func (t *Trainer) State() State { return t.state }

// ResumeMissed returns whether the trainer was asked to resume from a checkpoint that didn't exist.
func (t *Trainer) ResumeMissed() bool { return t.resumeMissed }

// History returns the evaluations done so far.
func (t *Trainer) History() []ranking.Evaluation { return t.history }

// Model returns the PairwiseModel being trained.
func (t *Trainer) Model() *gomlx.PairwiseModel { return t.model }

// Inference returns the InferenceModel used for evaluation.
func (t *Trainer) Inference() *gomlx.InferenceModel { return t.inference }

// RunEpoch trains one epoch over all the training pairs, with the learning rate of the epoch.
// It returns the mean loss over the non-empty batches.
func (t *Trainer) RunEpoch(ctx context.Context, epoch int) (float64, error) {
	t.setState(StateEpochRunning)
	t.model.SetEpoch(epoch)
	klog.Infof("Epoch %d: lr=%g", epoch, t.model.LearningRate())
	start := time.Now()
	meanLoss, numBatches, err := trainOnBatches(ctx, t.model, t.train.PairBatches(t.cfg.BatchSize, t.rng), epoch, t.cfg.LogEvery)
	if err != nil {
		return 0, errors.WithMessagef(err, "epoch %d", epoch)
	}
	elapsed := time.Since(start)
	t.losses = append(t.losses, EpochLoss{Epoch: epoch, Loss: meanLoss, NumBatches: numBatches, Elapsed: elapsed})
	klog.Infof("Epoch %d: loss=%.5f over %d batches (%s)", epoch, meanLoss, numBatches, elapsed.Round(time.Millisecond))
	return meanLoss, nil
}

// trainOnBatches does one train step per non-empty batch, and returns the mean loss and the number of
// batches used. The context is checked between batches.
func trainOnBatches(ctx context.Context, learner ranking.PairLearner, batches iter.Seq[ranking.PairBatch],
	epoch, logEvery int) (meanLoss float64, numBatches int, err error) {
	var window metrics.Window
	var lossSum float64
	for batch := range batches {
		if err = ctx.Err(); err != nil {
			return 0, numBatches, errors.WithMessage(err, "training interrupted")
		}
		if batch.Empty() {
			continue
		}
		stepStart := time.Now()
		loss, stepErr := learner.TrainStep(batch)
		if stepErr != nil {
			return 0, numBatches, stepErr
		}
		window.Record(batch.Len(), time.Since(stepStart), float64(loss))
		lossSum += float64(loss)
		numBatches++
		if logEvery > 0 && numBatches%logEvery == 0 {
			snap := window.Snapshot()
			klog.Infof("Epoch %d, batch %d: loss=%.5f (mean of last %d: %.5f), %.0f pairs/s",
				epoch, numBatches, snap.LastLoss, snap.Steps, snap.MeanLoss, snap.PairsPerSec)
		}
	}
	if numBatches == 0 {
		return 0, 0, nil
	}
	return lossSum / float64(numBatches), numBatches, nil
}

// Run trains from cfg.StartEpoch to cfg.FinalEpoch, checkpointing and evaluating every cfg.CheckpointEvery
// epochs, and finally saves the last checkpoint and the final model.
//
// If the context is cancelled, it returns the summary so far along with the error.
func (t *Trainer) Run(ctx context.Context) (*Summary, error) {
	cfg := t.cfg
	summary := &Summary{
		Structure:    cfg.Structure,
		StartEpoch:   cfg.StartEpoch,
		FinalEpoch:   cfg.FinalEpoch(),
		ResumeMissed: t.resumeMissed,
	}
	defer func() {
		summary.Losses = t.losses
		summary.Evaluations = t.history
	}()

	for epoch := cfg.StartEpoch; epoch < cfg.FinalEpoch(); epoch++ {
		if _, err := t.RunEpoch(ctx, epoch); err != nil {
			return summary, err
		}
		if epoch%cfg.CheckpointEvery == 0 && epoch != cfg.StartEpoch {
			if err := t.checkpoint(epoch); err != nil {
				return summary, err
			}
			if t.valid == nil {
				continue
			}
			if _, err := t.evaluate(epoch); err != nil {
				return summary, err
			}
		}
	}

	t.setState(StateTerminated)
	summary.LastCheckpoint = gomlx.CheckpointDir(cfg.CheckpointDir, cfg.Structure, cfg.FinalEpoch())
	if err := t.model.SaveCheckpoint(summary.LastCheckpoint, cfg.FinalEpoch()); err != nil {
		return summary, err
	}
	if err := t.inference.SyncFrom(t.model); err != nil {
		return summary, err
	}
	summary.FinalModel = gomlx.FinalModelDir(cfg.CheckpointDir, cfg.Structure)
	if err := t.inference.Save(summary.FinalModel); err != nil {
		return summary, err
	}
	klog.Infof("Training finished: checkpoint in %q, final model in %q", summary.LastCheckpoint, summary.FinalModel)
	return summary, nil
}

// checkpoint saves the training state of the epoch and syncs the inference model.
func (t *Trainer) checkpoint(epoch int) error {
	t.setState(StateCheckpointing)
	path := gomlx.CheckpointDir(t.cfg.CheckpointDir, t.cfg.Structure, epoch)
	if err := t.model.SaveCheckpoint(path, epoch); err != nil {
		return err
	}
	klog.Infof("Epoch %d: saved checkpoint %q", epoch, path)
	return t.inference.SyncFrom(t.model)
}

// evaluate the inference model on the validation set, and record it in the history.
func (t *Trainer) evaluate(epoch int) (ranking.Evaluation, error) {
	t.setState(StateEvaluating)
	eval, err := Evaluate(t.inference, t.valid, t.cfg)
	if err != nil {
		return eval, errors.WithMessagef(err, "evaluating epoch %d", epoch)
	}
	eval.Epoch = epoch
	t.history = append(t.history, eval)
	klog.Infof("Evaluation: %s", eval)
	return eval, nil
}
