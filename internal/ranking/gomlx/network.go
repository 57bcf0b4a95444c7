package gomlx

import (
	"fmt"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/rankGo/internal/ranking"
	"github.com/pkg/errors"
)

// denseLayer holds the variables of one fully-connected layer.
type denseLayer struct {
	weights, biases *context.Variable
}

// ScoringNetwork maps a feature vector to a score in (0, 1).
//
// Its layers are an ordered list of dense layers, with variables stored under the scopes
// "/ranknet/layer_000", "/ranknet/layer_001", etc. Intermediate layers use ReLU, and the last one
// uses a sigmoid.
type ScoringNetwork struct {
	Spec   ranking.NetworkSpec
	layers []denseLayer
}

// LayerScope returns the scope name of the variables of layer layerIdx.
func LayerScope(layerIdx int) string {
	return fmt.Sprintf("layer_%03d", layerIdx)
}

// newScoringNetwork creates the variables of the network in ctx, under the ModelName scope, and initializes
// them on the backend.
//
// Weights are initialized with Glorot uniform values, seeded by the initializers.ParamInitialSeed
// hyperparameter, and biases with zeros. If ctx has a checkpoint loaded, the variables take the loaded
// values instead.
func newScoringNetwork(backend backends.Backend, ctx *context.Context, spec ranking.NetworkSpec) (*ScoringNetwork, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	net := &ScoringNetwork{Spec: spec}
	netCtx := ctx.In(ModelName).WithInitializer(initializers.GlorotUniformFn(ctx))
	for layerIdx := range spec.NumLayers() {
		in, out := spec.LayerDims(layerIdx)
		layerCtx := netCtx.In(LayerScope(layerIdx))
		net.layers = append(net.layers, denseLayer{
			weights: layerCtx.VariableWithShape("weights", shapes.Make(dtypes.Float32, in, out)),
			biases:  layerCtx.VariableWithShape("biases", shapes.Make(dtypes.Float32, out)),
		})
	}
	ctx.InitializeVariables(backend)
	return net, nil
}

// NumLayers returns the number of dense layers.
func (net *ScoringNetwork) NumLayers() int {
	return len(net.layers)
}

// ScoreGraph returns the scores, shaped [batchSize], for the features x, shaped [batchSize, width].
func (net *ScoringNetwork) ScoreGraph(x *Node) *Node {
	g := x.Graph()
	batchSize := x.Shape().Dim(0)
	x.AssertDims(batchSize, net.Spec.InputWidth())
	lastLayer := len(net.layers) - 1
	for layerIdx, layer := range net.layers {
		weights := layer.weights.ValueGraph(g)
		biases := ExpandAxes(layer.biases.ValueGraph(g), 0)
		x = Add(Dot(x, weights), biases)
		if layerIdx < lastLayer {
			x = activations.Relu(x)
		} else {
			x = Sigmoid(x)
		}
	}
	x.AssertDims(batchSize, 1)
	return Squeeze(x, -1)
}

// ProbabilityGraph returns sigmoid(score(x1) - score(x2)): the probability that the items in x1 should be
// ranked above the items in x2. Both sides are scored with the same variables.
func (net *ScoringNetwork) ProbabilityGraph(x1, x2 *Node) *Node {
	return Sigmoid(Sub(net.ScoreGraph(x1), net.ScoreGraph(x2)))
}

// LossGraph returns the mean binary cross-entropy of the pair probabilities of x1 and x2 against labels,
// considering only the first numPairs pairs: the remaining ones are padding.
func (net *ScoringNetwork) LossGraph(x1, x2, labels, numPairs *Node) *Node {
	probs := net.ProbabilityGraph(x1, x2)
	return losses.BinaryCrossentropy([]*Node{labels, pairsMask(probs, numPairs)}, []*Node{probs})
}

// pairsMask returns a boolean mask shaped like x's first axis, set to true for the first numPairs elements.
func pairsMask(x, numPairs *Node) *Node {
	batchSize := x.Shape().Dim(0)
	return LessThan(Iota(x.Graph(), shapes.Make(numPairs.DType(), batchSize), 0), numPairs)
}

// copyValuesFrom copies the values of the variables of src into net, as new tensors.
func (net *ScoringNetwork) copyValuesFrom(src *ScoringNetwork) error {
	if net.Spec.String() != src.Spec.String() {
		return errors.Errorf("can't copy variables of network %s into network %s", src.Spec, net.Spec)
	}
	for layerIdx, layer := range net.layers {
		srcLayer := src.layers[layerIdx]
		layer.weights.SetValue(cloneTensor(srcLayer.weights.Value()))
		layer.biases.SetValue(cloneTensor(srcLayer.biases.Value()))
	}
	return nil
}

func cloneTensor(t *tensors.Tensor) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[float32](t), t.Shape().Dimensions...)
}
