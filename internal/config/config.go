// Package config holds the configuration of a RankNet training run: defaults, YAML loading and validation.
package config

import (
	"os"

	"github.com/janpfeifer/rankGo/internal/ranking"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config captures the knobs of a training run.
type Config struct {
	// StartEpoch is the epoch to resume from. If not 0, the checkpoint of that epoch is loaded.
	StartEpoch int `yaml:"start_epoch"`

	// AdditionalEpochs is the number of epochs to train after StartEpoch.
	AdditionalEpochs int `yaml:"additional_epoch"`

	// LearningRate is the base learning rate, decayed by the StepLR schedule.
	LearningRate float64 `yaml:"lr"`

	// Optimizer is either "adam" or "sgd".
	Optimizer string `yaml:"optim"`

	// DataDir holds the MSLR folds, and Fold selects which one (e.g. "Fold1").
	DataDir string `yaml:"data"`
	Fold    string `yaml:"fold"`

	// CheckpointDir is where checkpoints and the final model are saved.
	CheckpointDir string `yaml:"ckpt_dir"`

	// Structure holds the layer widths of the scoring network, the first being the number of features.
	Structure ranking.NetworkSpec `yaml:"structure"`

	BatchSize     int   `yaml:"batch_size"`
	EvalBatchSize int   `yaml:"eval_batch_size"`
	NDCGAt        []int `yaml:"ndcg"`

	// CheckpointEvery is the epoch cadence of checkpointing and evaluation.
	CheckpointEvery int `yaml:"checkpoint_every"`

	// LogEvery is the number of batches between training progress logs.
	LogEvery int `yaml:"log_every"`

	// Backend configures the GoMLX backend (e.g. "go" or "xla:cpu"). Empty uses GOMLX_BACKEND or the default.
	Backend string `yaml:"backend"`

	// ModelParams is a "key=value,..." string overriding model hyperparameters (e.g. "adam_epsilon=1e-7").
	ModelParams string `yaml:"model"`

	// StrictResume makes a missing resume checkpoint a fatal error, instead of a warning.
	StrictResume bool `yaml:"strict_resume"`

	// Seed for weights initialization and batch shuffling. 0 means a time-based seed.
	Seed int64 `yaml:"seed"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		AdditionalEpochs: 100,
		LearningRate:     0.001,
		Optimizer:        "adam",
		DataDir:          "data/mslr-web10k",
		Fold:             "Fold1",
		CheckpointDir:    "ckptdir",
		Structure:        ranking.NetworkSpec{136, 64, 16},
		BatchSize:        100_000,
		EvalBatchSize:    1_000_000,
		NDCGAt:           []int{10, 30},
		CheckpointEvery:  5,
		LogEvery:         100,
	}
}

// LoadYAML reads the YAML file at path on top of the default configuration and validates it.
// Fields not present in the file keep their default values.
func LoadYAML(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration from %q", path)
	}
	cfg := Default()
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing configuration %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "configuration %q", path)
	}
	return cfg, nil
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := ranking.ValidateOptimizer(c.Optimizer); err != nil {
		return err
	}
	if err := c.Structure.Validate(); err != nil {
		return err
	}
	if c.StartEpoch < 0 {
		return errors.Errorf("start_epoch must be >= 0 (got %d)", c.StartEpoch)
	}
	if c.AdditionalEpochs < 0 {
		return errors.Errorf("additional_epoch must be >= 0 (got %d)", c.AdditionalEpochs)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("lr must be > 0 (got %g)", c.LearningRate)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.EvalBatchSize <= 0 {
		return errors.Errorf("eval_batch_size must be > 0 (got %d)", c.EvalBatchSize)
	}
	for _, k := range c.NDCGAt {
		if k <= 0 {
			return errors.Errorf("ndcg cutoffs must be > 0 (got %v)", c.NDCGAt)
		}
	}
	if c.CheckpointEvery <= 0 {
		return errors.Errorf("checkpoint_every must be > 0 (got %d)", c.CheckpointEvery)
	}
	if c.LogEvery <= 0 {
		return errors.Errorf("log_every must be > 0 (got %d)", c.LogEvery)
	}
	if c.CheckpointDir == "" {
		return errors.New("ckpt_dir must be set")
	}
	return nil
}

// FinalEpoch returns StartEpoch+AdditionalEpochs: the exclusive end of the epochs trained, and the epoch of
// the last checkpoint.
func (c *Config) FinalEpoch() int {
	return c.StartEpoch + c.AdditionalEpochs
}
