package gomlx

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/rankGo/internal/ranking"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// model holds a ScoringNetwork in its context, and the executors that don't change the variables.
// It is shared by the PairwiseModel and the InferenceModel.
type model struct {
	backend backends.Backend
	ctx     *context.Context
	net     *ScoringNetwork

	// batchSize is the expected batch size, which is not padded.
	batchSize int

	// Executors.
	scoresExec, predictExec, lossExec *context.Exec
}

func newModel(backend backends.Backend, ctx *context.Context, net *ScoringNetwork, batchSize int) *model {
	m := &model{
		backend:   backend,
		ctx:       ctx,
		net:       net,
		batchSize: batchSize,
	}
	m.scoresExec = context.NewExec(backend, ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			return net.ScoreGraph(inputs[0])
		})
	m.predictExec = context.NewExec(backend, ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			return net.ProbabilityGraph(inputs[0], inputs[1])
		})
	m.lossExec = context.NewExec(backend, ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			return net.LossGraph(inputs[0], inputs[1], inputs[2], inputs[3])
		})
	return m
}

// Spec returns the network spec of the model.
func (m *model) Spec() ranking.NetworkSpec {
	return m.net.Spec
}

// Context returns the GoMLX context holding the model variables.
func (m *model) Context() *context.Context {
	return m.ctx
}

func (m *model) checkWidth(width int) error {
	if width != m.net.Spec.InputWidth() {
		return errors.Errorf("features have width %d, but network %s expects %d", width, m.net.Spec, m.net.Spec.InputWidth())
	}
	return nil
}

// pairInputs returns the padded x1, x2, labels and number of pairs of the batch.
func (m *model) pairInputs(batch ranking.PairBatch) ([]*tensors.Tensor, error) {
	if err := batch.Check(); err != nil {
		return nil, err
	}
	if err := m.checkWidth(batch.Width); err != nil {
		return nil, err
	}
	numPairs := batch.Len()
	paddedSize := paddedBatchSize(numPairs, m.batchSize)
	if klog.V(2).Enabled() {
		klog.Infof("pair batch of %d pairs padded to %d", numPairs, paddedSize)
	}
	return []*tensors.Tensor{
		featuresTensor(batch.Xi, paddedSize, batch.Width),
		featuresTensor(batch.Xj, paddedSize, batch.Width),
		labelsTensor(batch.Labels(), paddedSize),
		tensors.FromScalar(int32(numPairs)),
	}, nil
}

// scores returns one score per row of features.
func (m *model) scores(features []float32, numRows int) ([]float32, error) {
	if numRows == 0 {
		return []float32{}, nil
	}
	if len(features)%numRows != 0 {
		return nil, errors.Errorf("%d feature values can't be split in %d rows", len(features), numRows)
	}
	width := len(features) / numRows
	if err := m.checkWidth(width); err != nil {
		return nil, err
	}
	paddedSize := paddedBatchSize(numRows, m.batchSize)
	outputs, err := call(m.scoresExec, donate(m.backend, featuresTensor(features, paddedSize, width))...)
	if err != nil {
		return nil, errors.WithMessagef(err, "scoring %d rows", numRows)
	}
	// Remove any padding:
	return tensors.CopyFlatData[float32](outputs[0])[:numRows], nil
}

// predict returns the pairwise probabilities of the batch.
func (m *model) predict(batch ranking.PairBatch) ([]float32, error) {
	if batch.Empty() {
		return []float32{}, nil
	}
	inputs, err := m.pairInputs(batch)
	if err != nil {
		return nil, err
	}
	outputs, err := call(m.predictExec, donate(m.backend, inputs[0], inputs[1])...)
	if err != nil {
		return nil, errors.WithMessagef(err, "predicting %d pairs", batch.Len())
	}
	return tensors.CopyFlatData[float32](outputs[0])[:batch.Len()], nil
}

// loss returns the mean binary cross-entropy of the batch, without changing the variables.
func (m *model) loss(batch ranking.PairBatch) (float32, error) {
	if batch.Empty() {
		return 0, errors.New("loss of an empty pair batch")
	}
	inputs, err := m.pairInputs(batch)
	if err != nil {
		return 0, err
	}
	outputs, err := call(m.lossExec, donate(m.backend, inputs...)...)
	if err != nil {
		return 0, errors.WithMessagef(err, "loss of %d pairs", batch.Len())
	}
	return tensors.ToScalar[float32](outputs[0]), nil
}

// Finalize frees the executors. The model can't be used afterward.
func (m *model) Finalize() {
	m.scoresExec.Finalize()
	m.predictExec.Finalize()
	m.lossExec.Finalize()
}
