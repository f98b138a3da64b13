package schedule

import "k8s.io/klog/v2"

// LearningRater is the part of an optimizer that a schedule drives.
type LearningRater interface {
	LearningRate() float64
	SetLearningRate(lr float64)
}

// State is the persisted part of a LambdaLR. It is written into checkpoints so
// that a resumed run continues the curve where it stopped.
type State struct {
	LastEpoch int       `json:"last_epoch"`
	BaseLR    float64   `json:"base_lr"`
	Params    ParamsDoc `json:"params"`
}

// ParamsDoc is the serialized form of Params.
type ParamsDoc struct {
	WarmupSteps int     `json:"num_warmup_steps"`
	DecaySteps  int     `json:"num_decay_steps"`
	InitialLR   float64 `json:"initial_lr"`
	FinalLR     float64 `json:"final_lr"`
}

// LambdaLR applies a Params multiplier to an optimizer once per step.
// A LambdaLR is owned by a single training loop and is not safe for
// concurrent Step calls. The Params it wraps are.
type LambdaLR struct {
	opt       LearningRater
	params    Params
	lastEpoch int
	lr        float64
}

// New binds the schedule shape to the optimizer's current learning rate,
// which becomes the peak rate. Pass lastEpoch = -1 for a fresh run, or the
// index of the last completed step when resuming.
//
// Like a LambdaLR, construction performs one Step, so the optimizer leaves
// New with the rate for step lastEpoch+1 already applied.
func New(opt LearningRater, warmupSteps, decaySteps int, initialLR, finalLR float64, lastEpoch int) (*LambdaLR, error) {
	p := Params{
		WarmupSteps: warmupSteps,
		DecaySteps:  decaySteps,
		InitialLR:   initialLR,
		PeakLR:      opt.LearningRate(),
		FinalLR:     finalLR,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if lastEpoch < -1 {
		lastEpoch = -1
	}

	s := &LambdaLR{
		opt:       opt,
		params:    p,
		lastEpoch: lastEpoch,
	}
	s.Step()
	return s, nil
}

// MustNew is like New but panics on invalid parameters.
func MustNew(opt LearningRater, warmupSteps, decaySteps int, initialLR, finalLR float64, lastEpoch int) *LambdaLR {
	s, err := New(opt, warmupSteps, decaySteps, initialLR, finalLR, lastEpoch)
	if err != nil {
		panic(err)
	}
	return s
}

// Step advances the step counter and writes the new rate into the optimizer.
func (s *LambdaLR) Step() float64 {
	s.lastEpoch++
	s.apply()
	return s.lr
}

func (s *LambdaLR) apply() {
	s.lr = s.params.PeakLR * s.params.Multiplier(s.lastEpoch)
	s.opt.SetLearningRate(s.lr)
}

// LR returns the learning rate most recently applied.
func (s *LambdaLR) LR() float64 {
	return s.lr
}

// LastEpoch returns the current step index.
func (s *LambdaLR) LastEpoch() int {
	return s.lastEpoch
}

// Multiplier is the step-indexed provider bound to this schedule's peak rate.
func (s *LambdaLR) Multiplier(step int) float64 {
	return s.params.Multiplier(step)
}

// Params returns the bound schedule shape.
func (s *LambdaLR) Params() Params {
	return s.params
}

func (s *LambdaLR) doc() ParamsDoc {
	return ParamsDoc{
		WarmupSteps: s.params.WarmupSteps,
		DecaySteps:  s.params.DecaySteps,
		InitialLR:   s.params.InitialLR,
		FinalLR:     s.params.FinalLR,
	}
}

func (s *LambdaLR) State() State {
	return State{
		LastEpoch: s.lastEpoch,
		BaseLR:    s.params.PeakLR,
		Params:    s.doc(),
	}
}

// ShapeChanged reports whether st was saved by a schedule with a different
// shape. States without a recorded shape never differ.
func (s *LambdaLR) ShapeChanged(st State) bool {
	return st.Params != (ParamsDoc{}) && st.Params != s.doc()
}

// LoadState restores the step counter and peak rate from a checkpoint and
// re-applies the rate for that step. The shape stays as constructed so that a
// resumed run may change the decay horizon; a change is logged.
func (s *LambdaLR) LoadState(st State) {
	if s.ShapeChanged(st) {
		klog.Warningf("resuming schedule saved as %+v with %+v", st.Params, s.doc())
	}
	if st.BaseLR != 0 {
		s.params.PeakLR = st.BaseLR
	}
	s.lastEpoch = st.LastEpoch
	s.apply()
}
