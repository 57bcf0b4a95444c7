package trainer

import (
	"github.com/janpfeifer/rankGo/internal/config"
	"github.com/janpfeifer/rankGo/internal/metrics"
	"github.com/janpfeifer/rankGo/internal/mslr"
	"github.com/janpfeifer/rankGo/internal/ranking"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Evaluator scores items and pairs for evaluation. It is implemented by gomlx.InferenceModel.
type Evaluator interface {
	ranking.Scorer
	PairLoss(batch ranking.PairBatch) (float32, error)
}

// Evaluate the model on the validation dataset: the mean pairwise binary cross-entropy, the RankNet
// cross-entropy over all pairs and the NDCG at the configured cutoffs.
//
// The returned Evaluation has Epoch set to 0, to be filled by the caller.
func Evaluate(model Evaluator, valid *mslr.Dataset, cfg *config.Config) (ranking.Evaluation, error) {
	var eval ranking.Evaluation
	if valid == nil {
		return eval, errors.New("no validation dataset to evaluate on")
	}

	// Pairwise loss, weighted by the number of pairs of each batch.
	var lossSum float64
	var numPairs int
	for batch := range valid.PairBatches(cfg.EvalBatchSize, nil) {
		if batch.Empty() {
			continue
		}
		loss, err := model.PairLoss(batch)
		if err != nil {
			return eval, err
		}
		lossSum += float64(loss) * float64(batch.Len())
		numPairs += batch.Len()
	}
	if numPairs > 0 {
		eval.PairLoss = lossSum / float64(numPairs)
	}
	klog.V(1).Infof("Validation pairwise loss of %s: %.5f over %d pairs", model, eval.PairLoss, numPairs)

	var err error
	eval.CrossEntropy, err = metrics.CrossEntropyLoss(model, valid, cfg.EvalBatchSize)
	if err != nil {
		return eval, err
	}
	eval.NDCG, err = metrics.NDCGAtK(model, valid, cfg.EvalBatchSize, cfg.NDCGAt)
	if err != nil {
		return eval, err
	}
	return eval, nil
}
