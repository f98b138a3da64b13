package trainer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/herclab/ehrtrain/schedule"
	"k8s.io/klog/v2"
)

// LastCheckpoint is the file name of the checkpoint a run resumes from.
const LastCheckpoint = "last.ckpt"

// Checkpoint is everything needed to continue a run.
type Checkpoint struct {
	Epoch      int  `json:"epoch"`
	GlobalStep int  `json:"global_step"`
	BatchIdx   int  `json:"batch_idx"`
	EpochDone  bool `json:"epoch_done"`

	Model     json.RawMessage            `json:"state_dict"`
	Scheduler *schedule.State            `json:"lr_scheduler,omitempty"`
	Callbacks map[string]json.RawMessage `json:"callbacks,omitempty"`
}

// Stateful callbacks have their state saved in checkpoints under StateKey.
type Stateful interface {
	StateKey() string
	SaveState() (json.RawMessage, error)
	LoadState(raw json.RawMessage) error
}

// Checkpoint captures the current state of the run.
func (t *Trainer) Checkpoint() (*Checkpoint, error) {
	model, err := t.module.State()
	if err != nil {
		return nil, err
	}
	ckpt := &Checkpoint{
		Epoch:      t.Epoch,
		GlobalStep: t.GlobalStep,
		BatchIdx:   t.BatchIdx,
		EpochDone:  t.epochDone,
		Model:      model,
		Callbacks:  make(map[string]json.RawMessage),
	}
	if t.sched != nil {
		st := t.sched.State()
		ckpt.Scheduler = &st
	}
	for _, cb := range t.callbacks {
		s, ok := cb.(Stateful)
		if !ok {
			continue
		}
		raw, err := s.SaveState()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.StateKey(), err)
		}
		ckpt.Callbacks[s.StateKey()] = raw
	}
	return ckpt, nil
}

// WriteCheckpoint writes ckpt to each path. Each file is replaced
// atomically.
func WriteCheckpoint(ckpt *Checkpoint, paths ...string) error {
	raw, err := json.Marshal(ckpt)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, raw, 0644); err != nil {
			return err
		}
		if err := os.Rename(tmp, path); err != nil {
			return err
		}
	}
	return nil
}

// ReadCheckpoint loads a checkpoint written by WriteCheckpoint.
func ReadCheckpoint(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(raw, &ckpt); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &ckpt, nil
}

func (t *Trainer) restore(path string) error {
	ckpt, err := ReadCheckpoint(path)
	if err != nil {
		return err
	}
	if err := t.module.LoadState(ckpt.Model); err != nil {
		return err
	}
	if t.sched != nil && ckpt.Scheduler != nil {
		t.sched.LoadState(*ckpt.Scheduler)
	}
	for _, cb := range t.callbacks {
		s, ok := cb.(Stateful)
		if !ok {
			continue
		}
		if raw, ok := ckpt.Callbacks[s.StateKey()]; ok {
			if err := s.LoadState(raw); err != nil {
				return fmt.Errorf("%s: %w", s.StateKey(), err)
			}
		}
	}

	t.Epoch = ckpt.Epoch
	t.GlobalStep = ckpt.GlobalStep
	t.BatchIdx = ckpt.BatchIdx
	t.epochDone = ckpt.EpochDone
	klog.Infof("restored %s: epoch %d step %d batch %d", path, t.Epoch, t.GlobalStep, t.BatchIdx)
	return nil
}
