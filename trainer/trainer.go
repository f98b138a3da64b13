// Package trainer runs the fit loop for a language model: epochs of
// accumulated training batches, a learning-rate schedule stepped once per
// optimizer step, periodic validation, callbacks and checkpoint resume.
package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/herclab/ehrtrain/config"
	"github.com/herclab/ehrtrain/femr"
	"github.com/herclab/ehrtrain/schedule"
	"k8s.io/klog/v2"
)

var (
	ErrNoBatches = errors.New("trainer: no batches to run")
	ErrBadOption = errors.New("trainer: bad option")
)

// Module is the model a Trainer fits.
type Module interface {
	schedule.LearningRater

	// TrainStep accumulates gradients for a batch and returns its loss.
	TrainStep(b femr.Batch) (float64, error)
	EvalStep(b femr.Batch) (float64, error)
	GradNorm() float64
	ClipGradients(algorithm string, value float64)
	// OptimizerStep applies and clears the accumulated gradients.
	OptimizerStep()

	State() (json.RawMessage, error)
	LoadState(raw json.RawMessage) error
}

// MetricsLogger receives metrics as the run logs them.
type MetricsLogger interface {
	LogMetrics(step int, metrics map[string]float64) error
}

// BatchSource delivers the batches of one epoch in order.
type BatchSource interface {
	NumBatches() int
	Stream(ctx context.Context, epoch int) <-chan femr.Batch
}

type Options struct {
	MaxEpochs int
	MinEpochs int

	AccumulateGradBatches int
	GradientClipValue     float64
	GradientClipAlgorithm string

	// Values in (0, 1] are fractions of the loader, values above 1 are
	// batch counts.
	LimitTrainBatches float64
	LimitValBatches   float64
	ValCheckInterval  float64

	LogEveryNSteps int

	Devices   int
	Strategy  string
	Precision string

	// Progress receives the progress bar. Nil disables it.
	Progress io.Writer
}

// OptionsFromConfig maps the trainer and logging sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	t := cfg.Trainer
	return Options{
		MaxEpochs:             t.MaxEpochs,
		MinEpochs:             t.MinEpochs,
		AccumulateGradBatches: t.AccumulateGradBatches,
		GradientClipValue:     t.GradientClipValue,
		GradientClipAlgorithm: t.GradientClipAlgorithm,
		LimitTrainBatches:     t.LimitTrainBatches,
		LimitValBatches:       t.LimitValBatches,
		ValCheckInterval:      t.ValCheckInterval,
		LogEveryNSteps:        cfg.Logging.LogEveryNSteps,
		Devices:               t.Devices,
		Strategy:              t.DistributedBackend,
		Precision:             t.Precision(),
		Progress:              os.Stderr,
	}
}

// Trainer fits one Module. Callbacks see the Trainer's exported counters and
// metrics and may request a stop.
type Trainer struct {
	opts      Options
	module    Module
	sched     *schedule.LambdaLR
	logger    MetricsLogger
	callbacks []Callback

	// Epoch is the current epoch, counted from zero.
	Epoch int
	// GlobalStep counts optimizer steps.
	GlobalStep int
	// BatchIdx counts the training batches consumed in the current epoch.
	BatchIdx int

	// Metrics holds the most recent value of every logged metric.
	Metrics map[string]float64

	shouldStop bool
	epochDone  bool
	bar        *pb.ProgressBar
}

// New creates a Trainer. logger may be nil.
func New(module Module, sched *schedule.LambdaLR, logger MetricsLogger, opts Options, callbacks ...Callback) (*Trainer, error) {
	if opts.AccumulateGradBatches < 1 {
		opts.AccumulateGradBatches = 1
	}
	if opts.LogEveryNSteps < 1 {
		opts.LogEveryNSteps = 1
	}
	if opts.MaxEpochs < 1 {
		return nil, fmt.Errorf("%w: max_epochs=%d", ErrBadOption, opts.MaxEpochs)
	}
	for _, v := range []float64{opts.LimitTrainBatches, opts.LimitValBatches, opts.ValCheckInterval} {
		if v <= 0 {
			return nil, fmt.Errorf("%w: batch limits and val_check_interval must be > 0", ErrBadOption)
		}
	}
	if opts.Devices > 1 || (opts.Strategy != "" && opts.Strategy != "auto") {
		klog.Warningf("devices=%d strategy=%s recorded; training runs in-process on one device", opts.Devices, opts.Strategy)
	}
	return &Trainer{
		opts:      opts,
		module:    module,
		sched:     sched,
		logger:    logger,
		callbacks: callbacks,
		Metrics:   make(map[string]float64),
	}, nil
}

// Module returns the model being fit.
func (t *Trainer) Module() Module { return t.module }

// Stop asks the fit loop to end. It is honored once min_epochs have run.
func (t *Trainer) Stop() { t.shouldStop = true }

// limitBatches applies a limit_*_batches style value to a loader of n
// batches.
func limitBatches(limit float64, n int) int {
	if limit > 1 {
		return int(math.Min(limit, float64(n)))
	}
	k := int(limit * float64(n))
	if k < 1 && n > 0 {
		k = 1
	}
	return k
}

// valInterval is the number of training batches between validation runs.
func valInterval(v float64, trainBatches int) int {
	if v > 1 {
		return int(v)
	}
	k := int(v * float64(trainBatches))
	if k < 1 {
		k = 1
	}
	return k
}

func (t *Trainer) canStop() bool {
	return t.shouldStop && t.Epoch >= t.opts.MinEpochs
}

// Fit trains until max_epochs or a callback stops the run. When ckptPath is
// not empty the run resumes from that checkpoint.
func (t *Trainer) Fit(ctx context.Context, train, val BatchSource, ckptPath string) error {
	if ckptPath != "" {
		if err := t.restore(ckptPath); err != nil {
			return fmt.Errorf("resume from %s: %w", ckptPath, err)
		}
	}

	nTrain := limitBatches(t.opts.LimitTrainBatches, train.NumBatches())
	if nTrain == 0 {
		return ErrNoBatches
	}
	nVal := 0
	if val != nil {
		nVal = limitBatches(t.opts.LimitValBatches, val.NumBatches())
	}
	interval := valInterval(t.opts.ValCheckInterval, nTrain)

	klog.Infof("fit: %d train batches, %d val batches per check, val every %d batches, epochs %d..%d, precision %s",
		nTrain, nVal, interval, t.opts.MinEpochs, t.opts.MaxEpochs, t.opts.Precision)

	if t.opts.Progress != nil {
		t.bar = pb.New(nTrain).SetWriter(t.opts.Progress).Start()
		defer t.bar.Finish()
	}

	for ; t.Epoch < t.opts.MaxEpochs; t.Epoch++ {
		if t.epochDone {
			t.epochDone = false
			t.BatchIdx = 0
			continue
		}
		if err := t.trainEpoch(ctx, train, val, nTrain, nVal, interval); err != nil {
			return err
		}
		if t.canStop() {
			klog.Infof("stopping at epoch %d step %d", t.Epoch, t.GlobalStep)
			break
		}
	}
	return nil
}

func (t *Trainer) trainEpoch(ctx context.Context, train, val BatchSource, nTrain, nVal, interval int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if t.bar != nil {
		t.bar.SetCurrent(int64(t.BatchIdx))
		t.bar.Set("prefix", fmt.Sprintf("epoch %d ", t.Epoch))
	}

	skip := t.BatchIdx
	var losses []float64
	i := 0
	for b := range train.Stream(ctx, t.Epoch) {
		if i >= nTrain {
			break
		}
		if i < skip {
			i++
			continue
		}

		loss, err := t.module.TrainStep(b)
		if err != nil {
			return fmt.Errorf("epoch %d batch %d: %w", t.Epoch, i, err)
		}
		losses = append(losses, loss)
		i++
		t.BatchIdx = i
		if t.bar != nil {
			t.bar.Increment()
		}

		if len(losses) == t.opts.AccumulateGradBatches || i == nTrain {
			if err := t.optimizerStep(mean(losses)); err != nil {
				return err
			}
			losses = losses[:0]
		}

		if val != nil && nVal > 0 && i%interval == 0 {
			if err := t.validate(ctx, val, nVal); err != nil {
				return err
			}
			if t.canStop() {
				break
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if i < nTrain {
		return nil
	}

	t.epochDone = true
	for _, cb := range t.callbacks {
		if err := cb.OnTrainEpochEnd(t); err != nil {
			return err
		}
	}
	t.epochDone = false
	t.BatchIdx = 0
	return nil
}

func (t *Trainer) optimizerStep(loss float64) error {
	for _, cb := range t.callbacks {
		cb.OnBeforeOptimizerStep(t)
	}
	if t.opts.GradientClipValue > 0 {
		t.module.ClipGradients(t.opts.GradientClipAlgorithm, t.opts.GradientClipValue)
	}
	lr := t.module.LearningRate()
	t.module.OptimizerStep()
	if t.sched != nil {
		t.sched.Step()
	}
	t.GlobalStep++

	t.Metrics["train/loss"] = loss
	t.Metrics["optim/lr"] = lr
	t.Metrics["epoch"] = float64(t.Epoch)
	if t.GlobalStep%t.opts.LogEveryNSteps == 0 {
		t.Log("train/loss", "optim/lr", "epoch")
		if _, ok := t.Metrics["optim/grad_norm_raw"]; ok {
			t.Log("optim/grad_norm_raw")
		}
	}

	for _, cb := range t.callbacks {
		if err := cb.OnTrainStepEnd(t); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) validate(ctx context.Context, val BatchSource, nVal int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var losses []float64
	for b := range val.Stream(ctx, 0) {
		if len(losses) >= nVal {
			break
		}
		loss, err := t.module.EvalStep(b)
		if err != nil {
			return fmt.Errorf("validation: %w", err)
		}
		losses = append(losses, loss)
	}
	if len(losses) == 0 {
		return ctx.Err()
	}

	t.Metrics["val/loss"] = mean(losses)
	klog.V(1).Infof("epoch %d step %d val/loss %.4f", t.Epoch, t.GlobalStep, t.Metrics["val/loss"])
	t.Log("val/loss")

	for _, cb := range t.callbacks {
		if err := cb.OnValidationEnd(t); err != nil {
			return err
		}
	}
	return nil
}

// Log sends the current values of keys to the logger at the current step.
func (t *Trainer) Log(keys ...string) {
	if t.logger == nil {
		return
	}
	m := make(map[string]float64, len(keys))
	for _, k := range keys {
		if v, ok := t.Metrics[k]; ok {
			m[k] = v
		}
	}
	if err := t.logger.LogMetrics(t.GlobalStep, m); err != nil {
		klog.Errorf("log metrics at step %d: %v", t.GlobalStep, err)
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
