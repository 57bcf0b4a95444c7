package gomlx

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/rankGo/internal/ranking"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CheckpointDir returns the directory of the training checkpoint of the given epoch:
// "<dir>/ranknet_<structure>_<epoch>".
func CheckpointDir(dir string, spec ranking.NetworkSpec, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%d", ModelName, spec, epoch))
}

// FinalModelDir returns the directory of the final model snapshot: "<dir>/ranknet_<structure>".
func FinalModelDir(dir string, spec ranking.NetworkSpec) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s", ModelName, spec))
}

// CheckpointExists returns whether path is a non-empty directory.
func CheckpointExists(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}

// loadCheckpoint attaches the checkpoint in path to ctx: variables created afterward take the loaded values,
// and the hyperparameters are restored.
func loadCheckpoint(ctx *context.Context, path string) (*checkpoints.Handler, error) {
	handler, err := checkpoints.
		Build(ctx).
		Dir(path).
		Immediate().
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load checkpoint from %q", path)
	}
	return handler, nil
}

// saveContext saves all variables and hyperparameters of ctx into path. A previous checkpoint in path is
// replaced.
func saveContext(ctx *context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		klog.Warningf("Overwriting checkpoint in %q", path)
		if err = os.RemoveAll(path); err != nil {
			return errors.Wrapf(err, "removing previous checkpoint in %q", path)
		}
	}
	return tryCatch(func() error {
		handler, err := checkpoints.
			Build(ctx).
			Dir(path).
			Immediate().
			Keep(1).
			Done()
		if err != nil {
			return errors.WithMessagef(err, "failed to build checkpoint in %q", path)
		}
		if err = handler.Save(); err != nil {
			return errors.WithMessagef(err, "failed to save checkpoint in %q", path)
		}
		return nil
	})
}

// SaveCheckpoint saves the full training state into path: the network, the optimizer state, the learning
// rate and the epoch.
func (m *PairwiseModel) SaveCheckpoint(path string, epoch int) error {
	m.muLearning.Lock()
	defer m.muLearning.Unlock()
	m.epochVar.SetValue(tensors.FromScalar(int64(epoch)))
	if err := saveContext(m.ctx, path); err != nil {
		return err
	}
	klog.V(1).Infof("Saved checkpoint of epoch %d in %q", epoch, path)
	return nil
}

// Save the network variables (only) into path.
func (m *InferenceModel) Save(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := saveContext(m.ctx, path); err != nil {
		return err
	}
	klog.V(1).Infof("Saved %s in %q", m, path)
	return nil
}

// LoadInference creates an InferenceModel with the network variables loaded from path, which can be either a
// training checkpoint or a final model snapshot.
func LoadInference(backend backends.Backend, path string, spec ranking.NetworkSpec, batchSize int) (*InferenceModel, error) {
	if !CheckpointExists(path) {
		return nil, errors.Wrapf(ranking.ErrCheckpointNotFound, "loading inference model from %q", path)
	}
	ctx := newContext()
	var net *ScoringNetwork
	err := tryCatch(func() error {
		if _, err := loadCheckpoint(ctx, path); err != nil {
			return err
		}
		var netErr error
		net, netErr = newScoringNetwork(backend, ctx, spec)
		return netErr
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "loading inference model %s from %q", spec, path)
	}
	return &InferenceModel{
		model:  newModel(backend, ctx, net, batchSize),
		source: path,
	}, nil
}
