package gomlx

import (
	"math"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

// StepLR schedule parameters: the learning rate is multiplied by LRGamma every LRStepSize epochs.
const (
	LRStepSize = 10
	LRGamma    = 0.5
)

// StepLR returns the learning rate for the epoch: baseLR * LRGamma^floor(epoch/LRStepSize).
func StepLR(baseLR float64, epoch int) float64 {
	if epoch < 0 {
		epoch = 0
	}
	return baseLR * math.Pow(LRGamma, float64(epoch/LRStepSize))
}

// BaseLearningRate configured in the context.
func BaseLearningRate(ctx *context.Context) float64 {
	return context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.001)
}
