package trainer

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/herclab/ehrtrain/config"
	"k8s.io/klog/v2"
)

// Callback hooks into the fit loop. Embed Base to implement only some hooks.
type Callback interface {
	OnBeforeOptimizerStep(t *Trainer)
	OnTrainStepEnd(t *Trainer) error
	OnValidationEnd(t *Trainer) error
	OnTrainEpochEnd(t *Trainer) error
}

type Base struct{}

func (Base) OnBeforeOptimizerStep(*Trainer) {}
func (Base) OnTrainStepEnd(*Trainer) error  { return nil }
func (Base) OnValidationEnd(*Trainer) error { return nil }
func (Base) OnTrainEpochEnd(*Trainer) error { return nil }

func better(mode string, a, b float64) bool {
	if mode == "max" {
		return a > b
	}
	return a < b
}

// EarlyStopping stops the run when Monitor has not improved for Patience
// validation checks.
type EarlyStopping struct {
	Base

	Monitor  string  `json:"-"`
	Mode     string  `json:"-"`
	Patience int     `json:"-"`
	MinDelta float64 `json:"-"`

	Best    float64 `json:"best"`
	HasBest bool    `json:"has_best"`
	Wait    int     `json:"wait"`
}

func (e *EarlyStopping) OnValidationEnd(t *Trainer) error {
	current, ok := t.Metrics[e.Monitor]
	if !ok {
		return nil
	}
	if math.IsNaN(current) || math.IsInf(current, 0) {
		klog.Warningf("%s is %v; stopping", e.Monitor, current)
		t.Stop()
		return nil
	}

	shifted := current + e.MinDelta
	if e.Mode == "max" {
		shifted = current - e.MinDelta
	}
	if !e.HasBest || better(e.Mode, shifted, e.Best) {
		if e.HasBest {
			klog.V(1).Infof("%s improved from %.4f to %.4f", e.Monitor, e.Best, current)
		}
		e.Best, e.HasBest, e.Wait = current, true, 0
		return nil
	}

	e.Wait++
	if e.Wait >= e.Patience {
		klog.Infof("%s did not improve in the last %d checks; best %.4f", e.Monitor, e.Wait, e.Best)
		t.Stop()
	}
	return nil
}

func (e *EarlyStopping) StateKey() string {
	return fmt.Sprintf("EarlyStopping{monitor=%s,mode=%s}", e.Monitor, e.Mode)
}

func (e *EarlyStopping) SaveState() (json.RawMessage, error) {
	return json.Marshal(e)
}

func (e *EarlyStopping) LoadState(raw json.RawMessage) error {
	return json.Unmarshal(raw, e)
}

type savedCheckpoint struct {
	Path  string  `json:"path"`
	Score float64 `json:"score"`
}

// ModelCheckpoint writes checkpoints named epoch={e}-step={s}-{Suffix}.ckpt
// every EveryNTrainSteps optimizer steps and every EveryNEpochs epochs.
//
// With a Monitor, only the SaveTopK best checkpoints by that metric are kept.
// Monitor "step" ranks by global step, which keeps the most recent ones.
// SaveTopK -1 keeps everything and 0 keeps nothing. SaveLast also writes
// last.ckpt whenever the callback fires.
type ModelCheckpoint struct {
	Base
	Dir              string
	Suffix           string
	Monitor          string
	Mode             string
	SaveTopK         int
	EveryNTrainSteps int
	EveryNEpochs     int
	SaveLast         bool

	kept []savedCheckpoint
}

func (c *ModelCheckpoint) OnTrainStepEnd(t *Trainer) error {
	if c.EveryNTrainSteps <= 0 || t.GlobalStep%c.EveryNTrainSteps != 0 {
		return nil
	}
	return c.save(t)
}

func (c *ModelCheckpoint) OnTrainEpochEnd(t *Trainer) error {
	if c.EveryNEpochs <= 0 || (t.Epoch+1)%c.EveryNEpochs != 0 {
		return nil
	}
	return c.save(t)
}

// Kept lists the checkpoint files currently retained, best first.
func (c *ModelCheckpoint) Kept() []string {
	paths := make([]string, len(c.kept))
	for i, k := range c.kept {
		paths[i] = k.Path
	}
	return paths
}

func (c *ModelCheckpoint) score(t *Trainer) (float64, bool) {
	switch c.Monitor {
	case "":
		return 0, true
	case "step":
		return float64(t.GlobalStep), true
	}
	v, ok := t.Metrics[c.Monitor]
	return v, ok
}

func (c *ModelCheckpoint) save(t *Trainer) error {
	var paths []string

	score, ok := c.score(t)
	if !ok {
		klog.V(1).Infof("checkpoint %s: %s not available at step %d", c.Suffix, c.Monitor, t.GlobalStep)
	}
	path := filepath.Join(c.Dir, fmt.Sprintf("epoch=%d-step=%d-%s.ckpt", t.Epoch, t.GlobalStep, c.Suffix))
	var evicted string
	if ok && c.SaveTopK != 0 {
		var keep bool
		if evicted, keep = c.admit(path, score); keep {
			paths = append(paths, path)
		}
	}
	if c.SaveLast {
		paths = append(paths, filepath.Join(c.Dir, LastCheckpoint))
	}
	if len(paths) == 0 {
		return nil
	}

	ckpt, err := t.Checkpoint()
	if err != nil {
		return err
	}
	if err := WriteCheckpoint(ckpt, paths...); err != nil {
		return err
	}
	klog.V(1).Infof("saved checkpoint %v", paths)

	if evicted != "" && evicted != path {
		if err := os.Remove(evicted); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// admit records path in the kept set. It reports whether path should be
// written and which file, if any, dropped out of the top k.
func (c *ModelCheckpoint) admit(path string, score float64) (evicted string, keep bool) {
	for i := range c.kept {
		if c.kept[i].Path == path {
			c.kept[i].Score = score
			c.sortKept()
			return "", true
		}
	}
	if c.Monitor == "" || c.SaveTopK < 0 || len(c.kept) < c.SaveTopK {
		c.kept = append(c.kept, savedCheckpoint{Path: path, Score: score})
		c.sortKept()
		return "", true
	}

	worst := c.kept[len(c.kept)-1]
	if !better(c.Mode, score, worst.Score) {
		return "", false
	}
	c.kept[len(c.kept)-1] = savedCheckpoint{Path: path, Score: score}
	c.sortKept()
	return worst.Path, true
}

func (c *ModelCheckpoint) sortKept() {
	if c.Monitor == "" {
		return
	}
	sort.SliceStable(c.kept, func(i, j int) bool {
		return better(c.Mode, c.kept[i].Score, c.kept[j].Score)
	})
}

func (c *ModelCheckpoint) StateKey() string {
	return fmt.Sprintf("ModelCheckpoint{suffix=%s,monitor=%s}", c.Suffix, c.Monitor)
}

func (c *ModelCheckpoint) SaveState() (json.RawMessage, error) {
	return json.Marshal(c.kept)
}

func (c *ModelCheckpoint) LoadState(raw json.RawMessage) error {
	return json.Unmarshal(raw, &c.kept)
}

// GradNorm records the norm of the accumulated gradient before clipping as
// optim/grad_norm_raw.
type GradNorm struct {
	Base
}

func (GradNorm) OnBeforeOptimizerStep(t *Trainer) {
	t.Metrics["optim/grad_norm_raw"] = t.Module().GradNorm()
}

// DefaultCallbacks builds early stopping on val/loss and the four
// checkpoint series: top-k by val/loss, one per epoch, persistent every N
// steps, and the most recent k with last.ckpt.
func DefaultCallbacks(cfg *config.Config) []Callback {
	es := cfg.Callbacks.EarlyStopping
	mc := cfg.Callbacks.ModelCheckpointing
	dir := cfg.CkptDir()

	callbacks := []Callback{
		&EarlyStopping{Monitor: "val/loss", Mode: es.MetricMode, Patience: es.Patience},
		&ModelCheckpoint{
			Dir:              dir,
			Suffix:           "val_loss",
			Monitor:          "val/loss",
			Mode:             "min",
			SaveTopK:         mc.SaveTopK,
			EveryNTrainSteps: mc.MostRecentEveryNTrainSteps,
		},
		&ModelCheckpoint{Dir: dir, Suffix: "epoch", SaveTopK: -1, EveryNEpochs: 1},
		&ModelCheckpoint{Dir: dir, Suffix: "persist", SaveTopK: -1, EveryNTrainSteps: mc.EveryNTrainSteps},
		&ModelCheckpoint{
			Dir:              dir,
			Suffix:           "recent",
			Monitor:          "step",
			Mode:             "max",
			SaveTopK:         mc.SaveMostRecentK,
			EveryNTrainSteps: mc.MostRecentEveryNTrainSteps,
			SaveLast:         true,
		},
	}
	if cfg.Logging.IsLogGradNorm {
		callbacks = append(callbacks, GradNorm{})
	}
	return callbacks
}
