package config

import (
	"fmt"
	"path/filepath"
)

// Strategies the trainer recognizes for distributed_backend.
var Strategies = []string{"auto", "ddp", "fsdp", "deepspeed"}

// Validate checks every option once. It returns the first problem found,
// wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	checks := []struct {
		ok  bool
		msg string
	}{
		{c.Main.PathToOutputDir != "", "main.path_to_output_dir is required"},

		{c.Data.Dataset.PathToFEMRExtract != "", "data.dataset.path_to_femr_extract is required"},
		{c.Data.Dataset.TrainFrac >= 0 && c.Data.Dataset.ValFrac >= 0 &&
			c.Data.Dataset.TrainFrac+c.Data.Dataset.ValFrac <= 1,
			"data.dataset train_frac and val_frac must be non-negative and sum to at most 1"},
		{c.Data.Tokenizer.PathToCode2Int != "", "data.tokenizer.path_to_code_2_int is required"},
		{c.Data.Tokenizer.PathToCode2Count != "", "data.tokenizer.path_to_code_2_count is required"},
		{c.Data.Tokenizer.MinCodeCount == nil || *c.Data.Tokenizer.MinCodeCount >= 0,
			"data.tokenizer.min_code_count must be >= 0"},
		{c.Data.Dataloader.BatchSize > 0, "data.dataloader.batch_size must be > 0"},
		{c.Data.Dataloader.MaxLength > 1, "data.dataloader.max_length must be > 1"},
		{c.Data.Dataloader.NWorkers >= 0, "data.dataloader.n_workers must be >= 0"},

		{c.Model.Name != "", "model.name is required"},
		{c.Model.HiddenSize > 0, "model.hidden_size must be > 0"},

		{c.Optimizer.LR > 0, "optimizer.lr must be > 0"},
		{c.Optimizer.Scheduler.NumWarmupSteps > 0, "optimizer.scheduler.num_warmup_steps must be > 0"},
		{c.Optimizer.Scheduler.NumDecaySteps > 0, "optimizer.scheduler.num_decay_steps must be > 0"},

		{c.Trainer.Devices >= 1, "trainer.devices must be >= 1"},
		{contains(Strategies, c.Trainer.DistributedBackend),
			fmt.Sprintf("trainer.distributed_backend must be one of %v", Strategies)},
		{c.Trainer.LimitTrainBatches > 0, "trainer.limit_train_batches must be > 0"},
		{c.Trainer.LimitValBatches > 0, "trainer.limit_val_batches must be > 0"},
		{c.Trainer.ValCheckInterval > 0, "trainer.val_check_interval must be > 0"},
		{!(c.Trainer.IsUseBF16 && c.Trainer.IsUseFP16), "trainer: is_use_bf16 and is_use_fp16 are exclusive"},
		{c.Trainer.MaxEpochs >= 1, "trainer.max_epochs must be >= 1"},
		{c.Trainer.MinEpochs >= 0 && c.Trainer.MinEpochs <= c.Trainer.MaxEpochs,
			"trainer.min_epochs must be in [0, max_epochs]"},
		{c.Trainer.AccumulateGradBatches >= 1, "trainer.accumulate_grad_batches must be >= 1"},
		{c.Trainer.GradientClipValue >= 0, "trainer.gradient_clip_value must be >= 0"},
		{contains([]string{"", "value", "norm"}, c.Trainer.GradientClipAlgorithm),
			"trainer.gradient_clip_algorithm must be value or norm"},

		{c.Callbacks.EarlyStopping.Patience >= 0, "callbacks.early_stopping.patience must be >= 0"},
		{contains([]string{"min", "max"}, c.Callbacks.EarlyStopping.MetricMode),
			"callbacks.early_stopping.metric_mode must be min or max"},
		{c.Callbacks.ModelCheckpointing.SaveTopK >= -1, "callbacks.model_checkpointing.save_top_k must be >= -1"},
		{c.Callbacks.ModelCheckpointing.SaveMostRecentK >= -1,
			"callbacks.model_checkpointing.save_most_recent_k must be >= -1"},
		{c.Callbacks.ModelCheckpointing.MostRecentEveryNTrainSteps >= 0,
			"callbacks.model_checkpointing.most_recent_every_n_train_steps must be >= 0"},
		{c.Callbacks.ModelCheckpointing.EveryNTrainSteps >= 0,
			"callbacks.model_checkpointing.every_n_train_steps must be >= 0"},

		{c.Logging.LogEveryNSteps >= 1, "logging.log_every_n_steps must be >= 1"},
	}

	for _, check := range checks {
		if !check.ok {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, check.msg)
		}
	}
	return nil
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (c *Config) LogDir() string {
	return filepath.Join(c.Main.PathToOutputDir, "logs")
}

func (c *Config) CkptDir() string {
	return filepath.Join(c.Main.PathToOutputDir, "ckpts")
}

func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir(), "info.log")
}

// ResolvedCache fills empty cache locations with the run's log directory.
func (c *Config) ResolvedCache() Cache {
	cache := c.Cache
	if cache.WandbDir == "" {
		cache.WandbDir = c.LogDir()
	}
	if cache.MLFlowDir == "" {
		cache.MLFlowDir = c.LogDir()
	}
	if cache.DatasetDir == "" {
		cache.DatasetDir = filepath.Join(c.Main.PathToOutputDir, "cache")
	}
	return cache
}
