// Package config holds the recognized options for a training run. A Config is
// loaded from YAML once at startup, patched with command line overrides, and
// validated before anything else is built from it.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

var (
	ErrInvalidConfig = errors.New("config: invalid configuration")
	ErrBadOverride   = errors.New("config: malformed override")
)

type Config struct {
	Main      Main      `yaml:"main"`
	Data      Data      `yaml:"data"`
	Model     Model     `yaml:"model"`
	Optimizer Optimizer `yaml:"optimizer"`
	Trainer   Trainer   `yaml:"trainer"`
	Callbacks Callbacks `yaml:"callbacks"`
	Logging   Logging   `yaml:"logging"`
	Cache     Cache     `yaml:"cache"`
}

type Main struct {
	PathToOutputDir string `yaml:"path_to_output_dir"`
	Seed            int64  `yaml:"seed"`
}

type Data struct {
	Dataset    Dataset    `yaml:"dataset"`
	Tokenizer  Tokenizer  `yaml:"tokenizer"`
	Dataloader Dataloader `yaml:"dataloader"`
}

type Dataset struct {
	PathToFEMRExtract string `yaml:"path_to_femr_extract"`

	// Fractions of patients assigned to train and val. The remainder goes to
	// test.
	TrainFrac float64 `yaml:"train_frac"`
	ValFrac   float64 `yaml:"val_frac"`
}

type Tokenizer struct {
	PathToCode2Int   string `yaml:"path_to_code_2_int"`
	PathToCode2Count string `yaml:"path_to_code_2_count"`

	// MinCodeCount drops codes seen fewer times than this. Nil keeps all.
	MinCodeCount *int `yaml:"min_code_count"`
}

type Dataloader struct {
	BatchSize          int  `yaml:"batch_size"`
	MaxLength          int  `yaml:"max_length"`
	IsTruncationRandom bool `yaml:"is_truncation_random"`
	NWorkers           int  `yaml:"n_workers"`
}

type Model struct {
	Name         string                 `yaml:"name"`
	HiddenSize   int                    `yaml:"hidden_size"`
	ConfigKwargs map[string]interface{} `yaml:"config_kwargs"`
}

type Optimizer struct {
	LR        float64   `yaml:"lr"`
	Scheduler Scheduler `yaml:"scheduler"`
}

type Scheduler struct {
	NumWarmupSteps int     `yaml:"num_warmup_steps"`
	NumDecaySteps  int     `yaml:"num_decay_steps"`
	InitialLR      float64 `yaml:"initial_lr"`
	FinalLR        float64 `yaml:"final_lr"`
}

type Trainer struct {
	Devices            int    `yaml:"devices"`
	DistributedBackend string `yaml:"distributed_backend"`

	// Values in (0, 1] are fractions of an epoch, values above 1 are batch
	// counts.
	LimitTrainBatches float64 `yaml:"limit_train_batches"`
	LimitValBatches   float64 `yaml:"limit_val_batches"`
	ValCheckInterval  float64 `yaml:"val_check_interval"`

	IsUseBF16 bool `yaml:"is_use_bf16"`
	IsUseFP16 bool `yaml:"is_use_fp16"`

	MaxEpochs             int     `yaml:"max_epochs"`
	MinEpochs             int     `yaml:"min_epochs"`
	AccumulateGradBatches int     `yaml:"accumulate_grad_batches"`
	GradientClipValue     float64 `yaml:"gradient_clip_value"`
	GradientClipAlgorithm string  `yaml:"gradient_clip_algorithm"`
}

// Precision maps the precision flags to the trainer's precision string.
func (t Trainer) Precision() string {
	switch {
	case t.IsUseBF16:
		return "bf16"
	case t.IsUseFP16:
		return "16"
	default:
		return "32"
	}
}

type Callbacks struct {
	EarlyStopping      EarlyStopping      `yaml:"early_stopping"`
	ModelCheckpointing ModelCheckpointing `yaml:"model_checkpointing"`
}

type EarlyStopping struct {
	Patience   int    `yaml:"patience"`
	MetricMode string `yaml:"metric_mode"`
}

type ModelCheckpointing struct {
	SaveTopK                   int `yaml:"save_top_k"`
	SaveMostRecentK            int `yaml:"save_most_recent_k"`
	MostRecentEveryNTrainSteps int `yaml:"most_recent_every_n_train_steps"`
	EveryNTrainSteps           int `yaml:"every_n_train_steps"`
}

type Logging struct {
	Wandb          Tracker `yaml:"wandb"`
	MLFlow         Tracker `yaml:"mlflow"`
	IsLogGradNorm  bool    `yaml:"is_log_grad_norm"`
	LogEveryNSteps int     `yaml:"log_every_n_steps"`
}

// Tracker configures one external experiment tracker.
type Tracker struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
}

// Cache holds the storage locations external collaborators would otherwise
// pick up from the process environment. Empty values resolve to the run's
// log directory.
type Cache struct {
	WandbDir   string `yaml:"wandb_dir"`
	MLFlowDir  string `yaml:"mlflow_dir"`
	DatasetDir string `yaml:"dataset_dir"`
}

// Default returns a Config with every option set to its default value. Paths
// are left empty and must be supplied.
func Default() *Config {
	return &Config{
		Main: Main{Seed: 1},
		Data: Data{
			Dataset: Dataset{TrainFrac: 0.8, ValFrac: 0.1},
			Dataloader: Dataloader{
				BatchSize: 4,
				MaxLength: 1024,
				NWorkers:  2,
			},
		},
		Model: Model{
			Name:       "gpt2-base",
			HiddenSize: 64,
		},
		Optimizer: Optimizer{
			LR: 2e-4,
			Scheduler: Scheduler{
				NumWarmupSteps: 50000,
				NumDecaySteps:  4000000,
				InitialLR:      1e-6,
				FinalLR:        2e-5,
			},
		},
		Trainer: Trainer{
			Devices:               1,
			DistributedBackend:    "auto",
			LimitTrainBatches:     1.0,
			LimitValBatches:       1.0,
			ValCheckInterval:      1.0,
			MaxEpochs:             20,
			MinEpochs:             1,
			AccumulateGradBatches: 1,
			GradientClipAlgorithm: "norm",
		},
		Callbacks: Callbacks{
			EarlyStopping: EarlyStopping{Patience: 3, MetricMode: "min"},
			ModelCheckpointing: ModelCheckpointing{
				SaveTopK:                   1,
				SaveMostRecentK:            1,
				MostRecentEveryNTrainSteps: 10000,
				EveryNTrainSteps:           30000,
			},
		},
		Logging: Logging{LogEveryNSteps: 50},
	}
}

// Load reads a YAML file over Default. Keys that are not recognized options
// are an error.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse is Load on an in-memory document.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Save writes the resolved configuration as YAML.
func (c *Config) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}
