// Package launch runs a training job end to end from a validated config:
// output directories, logging, resume detection, experiment loggers,
// tokenizer, model, data loaders, callbacks and the fit loop.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/herclab/ehrtrain/config"
	"github.com/herclab/ehrtrain/femr"
	"github.com/herclab/ehrtrain/loggers"
	"github.com/herclab/ehrtrain/logging"
	"github.com/herclab/ehrtrain/model"
	"github.com/herclab/ehrtrain/schedule"
	"github.com/herclab/ehrtrain/tokenizer"
	"github.com/herclab/ehrtrain/trainer"
	"k8s.io/klog/v2"
)

type Options struct {
	// Rank of this process. Only rank zero writes run id files and logs
	// hyperparameters.
	Rank int

	// Verbosity is the klog V level.
	Verbosity int

	// Progress receives the training progress bar. Nil disables it.
	Progress io.Writer
}

// Result summarizes a finished run.
type Result struct {
	Resumed    bool
	ResumeFrom string
	Epoch      int
	GlobalStep int
	LR         float64
	// RunIDs maps each logger name to its run id.
	RunIDs  map[string]string
	Metrics map[string]float64
}

// ResumeCheckpoint returns the checkpoint a run in cfg's output directory
// would resume from, or "" for a fresh run.
func ResumeCheckpoint(cfg *config.Config) string {
	path := filepath.Join(cfg.CkptDir(), trainer.LastCheckpoint)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// Run trains the model cfg describes. A run whose output directory already
// holds ckpts/last.ckpt resumes from it.
func Run(ctx context.Context, cfg *config.Config, opts Options) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for _, dir := range []string{cfg.Main.PathToOutputDir, cfg.LogDir(), cfg.CkptDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	if err := logging.Setup(cfg.LogFile(), opts.Verbosity); err != nil {
		return nil, err
	}
	defer logging.Flush()

	if opts.Rank == 0 {
		if err := cfg.Save(filepath.Join(cfg.LogDir(), "config.yaml")); err != nil {
			return nil, err
		}
	}
	klog.Infof("seed %d, strategy %s on %d device(s), precision %s",
		cfg.Main.Seed, cfg.Trainer.DistributedBackend, cfg.Trainer.Devices, cfg.Trainer.Precision())

	resumeFrom := ResumeCheckpoint(cfg)
	res := &Result{Resumed: resumeFrom != "", ResumeFrom: resumeFrom, RunIDs: make(map[string]string)}

	runLoggers, err := loggers.Setup(cfg, loggers.Options{Resume: res.Resumed, Rank: opts.Rank})
	if err != nil {
		return nil, err
	}
	for _, l := range runLoggers {
		res.RunIDs[l.Name()] = l.RunID()
	}

	klog.Info("========================== Starting main ==========================")
	if res.Resumed {
		klog.Infof(">>>> Resuming from CHECKPOINT | Loading from: %s <<<<", resumeFrom)
	} else {
		klog.Infof(">>>> Training from SCRATCH | Saving to: %s <<<<", cfg.Main.PathToOutputDir)
	}

	fitErr := fit(ctx, cfg, opts, runLoggers, res)

	status := loggers.StatusFinished
	switch {
	case fitErr != nil && ctx.Err() != nil:
		status = loggers.StatusKilled
	case fitErr != nil:
		status = loggers.StatusFailed
	}
	if fitErr == nil {
		if err := runLoggers.LogArtifacts(cfg.CkptDir()); err != nil {
			klog.Errorf("logging checkpoints as artifacts: %v", err)
		}
	}
	if err := runLoggers.Finalize(status); err != nil {
		return res, errors.Join(fitErr, err)
	}
	return res, fitErr
}

func fit(ctx context.Context, cfg *config.Config, opts Options, runLoggers loggers.Multi, res *Result) error {
	tc := cfg.Data.Tokenizer
	klog.Infof("Loading tokenizer: %s", tc.PathToCode2Int)
	tok, err := tokenizer.Load(tc.PathToCode2Int, tc.PathToCode2Count, tc.MinCodeCount)
	if err != nil {
		return fmt.Errorf("tokenizer: %w", err)
	}
	klog.Infof("Vocab size: %d", tok.VocabSize())

	klog.Infof("Loading model: %s", cfg.Model.Name)
	m, err := model.Build(cfg, tok)
	if err != nil {
		return err
	}
	s := cfg.Optimizer.Scheduler
	sched, err := schedule.New(m, s.NumWarmupSteps, s.NumDecaySteps, s.InitialLR, s.FinalLR, -1)
	if err != nil {
		return err
	}

	klog.Info("Loading FEMR datasets...")
	datasets, err := femr.LoadDatasets(cfg)
	if err != nil {
		return err
	}
	for _, split := range femr.Splits {
		klog.Infof("%s: %d patients", split, datasets[split].Len())
	}
	klog.Info("Loading FEMR dataloaders...")
	loaders := femr.LoadDataloaders(cfg, datasets, tok, m.Objective())

	topts := trainer.OptionsFromConfig(cfg)
	topts.Progress = opts.Progress
	tr, err := trainer.New(m, sched, runLoggers, topts, trainer.DefaultCallbacks(cfg)...)
	if err != nil {
		return err
	}

	err = tr.Fit(ctx, loaders[femr.Train], loaders[femr.Val], res.ResumeFrom)
	res.Epoch = tr.Epoch
	res.GlobalStep = tr.GlobalStep
	res.LR = sched.LR()
	res.Metrics = tr.Metrics
	return err
}
