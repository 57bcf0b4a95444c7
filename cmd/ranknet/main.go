// ranknet trains a pairwise RankNet model on an MSLR-WEB10K/30K fold.
//
// Example:
//
//	ranknet -data=data/mslr-web10k -fold=Fold1 -additional_epoch=20 -lr=0.001 -optim=adam
//
// To resume from the checkpoint saved at epoch 20, and train 10 more epochs:
//
//	ranknet -start_epoch=20 -additional_epoch=10
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/janpfeifer/must"
	"github.com/janpfeifer/rankGo/internal/config"
	"github.com/janpfeifer/rankGo/internal/mslr"
	"github.com/janpfeifer/rankGo/internal/profilers"
	"github.com/janpfeifer/rankGo/internal/ranking"
	"github.com/janpfeifer/rankGo/internal/ranking/gomlx"
	"github.com/janpfeifer/rankGo/internal/trainer"
	"github.com/janpfeifer/rankGo/internal/ui/report"
	"github.com/janpfeifer/rankGo/internal/ui/spinning"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "YAML file with the configuration. Flags explicitly set override its values.")

	flagStartEpoch      = flag.Int("start_epoch", 0, "Epoch to resume from: if not 0, the checkpoint of that epoch is loaded.")
	flagAdditionalEpoch = flag.Int("additional_epoch", 100, "Number of epochs to train.")
	flagLR              = flag.Float64("lr", 0.001, "Base learning rate, halved every 10 epochs.")
	flagOptimizer       = flag.String("optim", "adam", "Optimizer: adam or sgd.")
	flagData            = flag.String("data", "data/mslr-web10k", "Directory with the MSLR folds.")
	flagFold            = flag.String("fold", "Fold1", "Fold to train on: it must contain train.txt and vali.txt.")
	flagCheckpointDir   = flag.String("ckpt_dir", "ckptdir", "Directory where to save the checkpoints and the final model.")
	flagStructure       = flag.String("structure", "136,64,16", "Widths of the network layers, the first being the number of features.")
	flagBatchSize       = flag.Int("batch_size", 100_000, "Number of pairs per training batch.")
	flagEvalBatchSize   = flag.Int("eval_batch_size", 1_000_000, "Number of pairs (or rows) per evaluation batch.")
	flagNDCG            = flag.String("ndcg", "10,30", "Cutoffs k of the NDCG@k evaluation metric.")
	flagBackend         = flag.String("backend", "", "GoMLX backend configuration, e.g. \"go\" or \"xla:cpu\". "+
		"If empty, it uses $GOMLX_BACKEND or the default backend.")
	flagModel = flag.String("model", "", "Model hyperparameters to override, as a comma-separated list of key=value, "+
		"e.g. \"adam_epsilon=1e-7\".")
	flagStrictResume    = flag.Bool("strict_resume", false, "Fail if the checkpoint of -start_epoch doesn't exist, instead of training from scratch.")
	flagSeed            = flag.Int64("seed", 0, "Random seed. 0 means a time-based seed.")
	flagCheckpointEvery = flag.Int("checkpoint_every", 5, "Number of epochs between checkpoints and evaluations.")
	flagLogEvery        = flag.Int("log_every", 100, "Number of batches between training progress logs.")
)

// Globals
var (
	// globalCtx used everywhere. It is cancelled when the program is about to exit either by
	// an interrupt (ctrl+C) or by reaching the end.
	globalCtx = context.Background()
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, 30*time.Second)
	defer globalCancel()

	must.M(profilers.Setup(globalCtx))
	defer profilers.OnQuit()

	cfg, err := loadConfig()
	if err != nil {
		klog.Fatalf("Invalid configuration: %+v", err)
	}
	backend := must.M1(gomlx.NewBackend(cfg.Backend))

	spinner := spinning.New(globalCtx, os.Stdout, fmt.Sprintf("Loading %s from %s", cfg.Fold, cfg.DataDir))
	train, valid, err := mslr.LoadFold(globalCtx, cfg.DataDir, cfg.Fold, cfg.Structure.InputWidth())
	spinner.Done()
	if err != nil {
		klog.Fatalf("Failed to load data: %+v", err)
	}
	klog.Infof("Training on %d rows (%d pairs), validating on %d rows (%d pairs)",
		train.NumRows(), train.NumPairs(), valid.NumRows(), valid.NumPairs())

	t, err := trainer.New(backend, cfg, train, valid)
	if err != nil {
		klog.Fatalf("Failed to set up training: %+v", err)
	}
	summary, err := t.Run(globalCtx)
	report.Print(os.Stdout, summary)
	if err != nil {
		if globalCtx.Err() != nil {
			klog.Warningf("Training interrupted: %v", err)
			return
		}
		klog.Fatalf("Training failed: %+v", err)
	}
}

// loadConfig returns the configuration from the -config file (or the defaults), overridden by the flags
// explicitly set.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *flagConfig != "" {
		var err error
		cfg, err = config.LoadYAML(*flagConfig)
		if err != nil {
			return nil, err
		}
	}
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	useFlag := func(name string) bool {
		return *flagConfig == "" || setFlags[name]
	}

	if useFlag("start_epoch") {
		cfg.StartEpoch = *flagStartEpoch
	}
	if useFlag("additional_epoch") {
		cfg.AdditionalEpochs = *flagAdditionalEpoch
	}
	if useFlag("lr") {
		cfg.LearningRate = *flagLR
	}
	if useFlag("optim") {
		cfg.Optimizer = *flagOptimizer
	}
	if useFlag("data") {
		cfg.DataDir = *flagData
	}
	if useFlag("fold") {
		cfg.Fold = *flagFold
	}
	if useFlag("ckpt_dir") {
		cfg.CheckpointDir = *flagCheckpointDir
	}
	if useFlag("structure") {
		spec, err := ranking.ParseNetworkSpec(*flagStructure)
		if err != nil {
			return nil, errors.WithMessage(err, "flag -structure")
		}
		cfg.Structure = spec
	}
	if useFlag("batch_size") {
		cfg.BatchSize = *flagBatchSize
	}
	if useFlag("eval_batch_size") {
		cfg.EvalBatchSize = *flagEvalBatchSize
	}
	if useFlag("ndcg") {
		ks, err := parseInts(*flagNDCG)
		if err != nil {
			return nil, errors.WithMessage(err, "flag -ndcg")
		}
		cfg.NDCGAt = ks
	}
	if useFlag("backend") {
		cfg.Backend = *flagBackend
	}
	if useFlag("model") {
		cfg.ModelParams = *flagModel
	}
	if useFlag("strict_resume") {
		cfg.StrictResume = *flagStrictResume
	}
	if useFlag("seed") {
		cfg.Seed = *flagSeed
	}
	if useFlag("checkpoint_every") {
		cfg.CheckpointEvery = *flagCheckpointEvery
	}
	if useFlag("log_every") {
		cfg.LogEvery = *flagLogEvery
	}
	return cfg, cfg.Validate()
}

// parseInts parses a comma-separated list of integers.
func parseInts(s string) ([]int, error) {
	var values []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid list of integers %q", s)
		}
		values = append(values, v)
	}
	return values, nil
}
