// Package gomlx implements the RankNet models with GoMLX: the ScoringNetwork, the PairwiseModel used for
// training and the InferenceModel used for evaluation, plus their checkpoints.
//
// The PairwiseModel implements ranking.PairLearner, and the InferenceModel implements ranking.Scorer.
package gomlx

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/rankGo/internal/generics"
	"github.com/janpfeifer/rankGo/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelName is used as the scope of the network variables and as the prefix of the checkpoint names.
const ModelName = "ranknet"

// NewBackend creates the GoMLX backend for the given configuration (e.g. "go" or "xla:cpu").
// An empty config uses the GOMLX_BACKEND environment variable, or the default backend.
func NewBackend(config string) (backend backends.Backend, err error) {
	err = exceptions.TryCatch[error](func() {
		if config == "" {
			backend = backends.New()
		} else {
			backend = backends.NewWithConfig(config)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating GoMLX backend %q", config)
	}
	klog.V(1).Infof("GoMLX backend: %s", backend.Name())
	return backend, nil
}

// newContext creates a context with the hyperparameters set to their defaults.
func newContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,
		optimizers.ParamAdamEpsilon:  1e-7,
		optimizers.ParamAdamDType:    "",

		// 0 means a time-based seed.
		initializers.ParamInitialSeed: 0,
	})
	return ctx.Checked(false)
}

// extractParams and write them as context hyperparameters.
func extractParams(params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If error happened skip the rest.
			return
		}
		if scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (int) for model %s", key, ModelName)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float64) for model %s", key, ModelName)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (bool) for model %s", key, ModelName)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("model %s parameter %q is of unknown type %T", ModelName, key, defaultValue)
		}
	})
	if err != nil {
		return err
	}
	return parameters.CheckConsumed(params)
}

// paddedBatchSize returns a padded size for numRows.
// This is important so we don't have too many different versions of the program for every different batch size.
func paddedBatchSize(numRows, batchSize int) int {
	// Make sure the configured batchSize is supported without padding.
	if numRows == batchSize {
		return numRows
	}
	paddedSize := 1
	for paddedSize < numRows {
		// Increase 1.5x at a time.
		paddedSize = paddedSize + (paddedSize+1)/2
	}
	return paddedSize
}

// featuresTensor creates a [paddedRows, width] tensor with the given row-major features, padded with zeros.
func featuresTensor(features []float32, paddedRows, width int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, paddedRows, width))
	tensors.MutableFlatData(t, func(flat []float32) {
		copy(flat, features)
	})
	return t
}

// labelsTensor creates a [paddedRows] tensor with the given labels, padded with zeros.
func labelsTensor(labels []float32, paddedRows int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, paddedRows))
	tensors.MutableFlatData(t, func(flat []float32) {
		copy(flat, labels)
	})
	return t
}

// donate the tensors to the executor, since they are not used afterward.
func donate(backend backends.Backend, inputs ...*tensors.Tensor) []any {
	return generics.SliceMap(inputs, func(t *tensors.Tensor) any {
		return graph.DonateTensorBuffer(t, backend)
	})
}

// call the executor and convert any panic into an error.
func call(exec *context.Exec, args ...any) (outputs []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs = exec.Call(args...)
	})
	return
}

// tryCatch runs fn, converting any panic into an error.
func tryCatch(fn func() error) (err error) {
	panicErr := exceptions.TryCatch[error](func() {
		err = fn()
	})
	if panicErr != nil {
		return panicErr
	}
	return err
}
