// Package ranking defines the standard types and interfaces shared by the pairwise ranking
// models, the dataset loaders and the trainer.
package ranking

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/chewxy/math32"
	"github.com/janpfeifer/rankGo/internal/generics"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidNetworkSpec is returned when a NetworkSpec doesn't describe a valid network.
	ErrInvalidNetworkSpec = errors.New("invalid network spec")

	// ErrUnsupportedOptimizer is returned at setup if the optimizer name is not known.
	ErrUnsupportedOptimizer = errors.New("unsupported optimizer")

	// ErrCheckpointNotFound is returned when resuming from a checkpoint that doesn't exist and
	// the resume is strict.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// SupportedOptimizers lists the names of the optimizers the models can be trained with.
var SupportedOptimizers = []string{"adam", "sgd"}

// ValidateOptimizer returns an error wrapping ErrUnsupportedOptimizer if name is not in SupportedOptimizers.
func ValidateOptimizer(name string) error {
	if !slices.Contains(SupportedOptimizers, name) {
		return errors.Wrapf(ErrUnsupportedOptimizer, "optimizer %q (supported: %v)", name, SupportedOptimizers)
	}
	return nil
}

// NetworkSpec lists the widths of the fully-connected layers of the scoring network.
// The first element is the width of the feature vector.
//
// There is one dense layer per consecutive pair of widths, plus a final layer projecting the last
// width to the score (width 1). So a spec always has len(spec) layers, even if its last width is 1.
type NetworkSpec []int

// Validate returns an error wrapping ErrInvalidNetworkSpec if the spec is not usable.
func (spec NetworkSpec) Validate() error {
	if len(spec) < 2 {
		return errors.Wrapf(ErrInvalidNetworkSpec, "spec %v must have at least 2 widths", []int(spec))
	}
	for ii, width := range spec {
		if width < 1 {
			return errors.Wrapf(ErrInvalidNetworkSpec, "spec %v has width %d at position %d, widths must be >= 1",
				[]int(spec), width, ii)
		}
	}
	return nil
}

// InputWidth is the width of the feature vectors accepted by the network.
func (spec NetworkSpec) InputWidth() int { return spec[0] }

// NumLayers returns the number of dense layers of the network.
func (spec NetworkSpec) NumLayers() int {
	return len(spec)
}

// LayerDims returns the input and output width of the layer layerIdx.
func (spec NetworkSpec) LayerDims(layerIdx int) (in, out int) {
	in = spec[layerIdx]
	if layerIdx+1 < len(spec) {
		return in, spec[layerIdx+1]
	}
	return in, 1
}

// String returns the structure descriptor used in checkpoint names, e.g. "136_64_16".
func (spec NetworkSpec) String() string {
	parts := make([]string, len(spec))
	for ii, width := range spec {
		parts[ii] = strconv.Itoa(width)
	}
	return strings.Join(parts, "_")
}

// ParseNetworkSpec parses a comma (or "_") separated list of widths, like "136,64,16".
func ParseNetworkSpec(s string) (NetworkSpec, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", ",")
	if s == "" {
		return nil, errors.Wrap(ErrInvalidNetworkSpec, "empty network spec")
	}
	var spec NetworkSpec
	for _, part := range strings.Split(s, ",") {
		width, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidNetworkSpec, "failed to parse width %q in %q: %v", part, s, err)
		}
		spec = append(spec, width)
	}
	return spec, spec.Validate()
}

// Sigmoid is the logistic function in float32.
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// Evaluation holds the results of one evaluation round over the validation set.
type Evaluation struct {
	Epoch int

	// PairLoss is the mean binary cross-entropy of the pairwise probabilities over the validation pairs.
	PairLoss float64

	// CrossEntropy is the RankNet pairwise cost over all pairs of the validation set, scored by the inference model.
	CrossEntropy float64

	// NDCG at the configured cutoffs.
	NDCG map[int]float64
}

// String implements fmt.Stringer.
func (e Evaluation) String() string {
	parts := []string{
		fmt.Sprintf("epoch=%d", e.Epoch),
		fmt.Sprintf("pair_loss=%.5f", e.PairLoss),
		fmt.Sprintf("cross_entropy=%.5f", e.CrossEntropy),
	}
	for k := range generics.SortedKeys(e.NDCG) {
		parts = append(parts, fmt.Sprintf("NDCG@%d=%.5f", k, e.NDCG[k]))
	}
	return strings.Join(parts, ", ")
}
