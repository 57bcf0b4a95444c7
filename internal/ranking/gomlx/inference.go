package gomlx

import (
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/rankGo/internal/ranking"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InferenceModel holds its own copy of the ScoringNetwork variables, used to score items during
// evaluation. Training the PairwiseModel doesn't affect it until the next SyncFrom.
//
// It implements ranking.Scorer and ranking.PairScorer.
type InferenceModel struct {
	*model

	// source describes where the current values came from.
	source string

	mu sync.Mutex
}

var (
	_ ranking.Scorer     = (*InferenceModel)(nil)
	_ ranking.PairScorer = (*InferenceModel)(nil)
)

// NewInferenceModel creates an InferenceModel with freshly initialized variables.
// Use SyncFrom to copy the variables of a PairwiseModel.
func NewInferenceModel(backend backends.Backend, spec ranking.NetworkSpec, batchSize int) (*InferenceModel, error) {
	ctx := newContext()
	var net *ScoringNetwork
	err := tryCatch(func() error {
		var netErr error
		net, netErr = newScoringNetwork(backend, ctx, spec)
		return netErr
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating inference model %s", spec)
	}
	return &InferenceModel{
		model:  newModel(backend, ctx, net, batchSize),
		source: "init",
	}, nil
}

// String implements fmt.Stringer and ranking.Scorer.
func (m *InferenceModel) String() string {
	if m == nil {
		return "<nil>[GoMLX]"
	}
	return fmt.Sprintf("%s_%s[GoMLX inference]@%s", ModelName, m.net.Spec, m.source)
}

// SyncFrom copies the values of the variables of the PairwiseModel.
func (m *InferenceModel) SyncFrom(src *PairwiseModel) error {
	src.muLearning.RLock()
	defer src.muLearning.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	err := tryCatch(func() error {
		return m.net.copyValuesFrom(src.net)
	})
	if err != nil {
		return errors.WithMessagef(err, "syncing inference model from %s", src)
	}
	m.source = fmt.Sprintf("epoch_%d", src.Epoch())
	klog.V(1).Infof("Synced %s", m)
	return nil
}

// Score implements ranking.Scorer.
func (m *InferenceModel) Score(features []float32, numRows int) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scores(features, numRows)
}

// Predict implements ranking.PairScorer.
func (m *InferenceModel) Predict(batch ranking.PairBatch) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.predict(batch)
}

// PairLoss returns the mean binary cross-entropy of the batch, computed with the inference variables on
// both sides of the pairs.
func (m *InferenceModel) PairLoss(batch ranking.PairBatch) (float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loss(batch)
}
