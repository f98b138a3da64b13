package model

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/herclab/ehrtrain/config"
	"github.com/herclab/ehrtrain/femr"
	"github.com/herclab/ehrtrain/mlp"
	"github.com/herclab/ehrtrain/mlp/parameters"
	"github.com/herclab/ehrtrain/tokenizer"
)

// LanguageModel predicts tokens from a decayed bag of their context with an
// MLP head. Causal families see only earlier tokens. Masked families see
// both sides of each masked position.
type LanguageModel struct {
	Config HFConfig

	net    *mlp.MLP
	window int
	decay  float64

	// scratch buffers reused between samples
	input  []float64
	target []float64
}

// Build resolves the model config and creates a fresh model whose learning
// rate is the configured peak rate.
func Build(cfg *config.Config, tok *tokenizer.Tokenizer) (*LanguageModel, error) {
	hc, err := ResolveConfig(cfg, tok)
	if err != nil {
		return nil, err
	}
	return New(hc, cfg.Optimizer.LR, cfg.Main.Seed+parameters.InitSeedOffset)
}

// New creates a model for a resolved config.
func New(hc HFConfig, lr float64, seed int64) (*LanguageModel, error) {
	g, gprime, err := activation(fmt.Sprint(hc.Attr("head_activation", parameters.Activation)))
	if err != nil {
		return nil, err
	}
	window, ok := hc.Attr("head_context_window", parameters.ContextWindow).(int)
	if !ok || window < 1 {
		return nil, fmt.Errorf("%w: head_context_window=%v", ErrBadConfigValue, hc.Attrs["head_context_window"])
	}
	decay, err := toFloat(hc.Attr("head_context_decay", parameters.ContextDecay))
	if err != nil || decay <= 0 || decay > 1 {
		return nil, fmt.Errorf("%w: head_context_decay=%v", ErrBadConfigValue, hc.Attrs["head_context_decay"])
	}

	rng := rand.New(rand.NewSource(seed))
	net := mlp.NewMLP(rng, lr, g, gprime, hc.VocabSize, hc.HiddenSize, hc.VocabSize)
	net.OutputSoftmax = true

	return &LanguageModel{
		Config: hc,
		net:    net,
		window: window,
		decay:  decay,
		input:  make([]float64, hc.VocabSize),
		target: make([]float64, hc.VocabSize),
	}, nil
}

func activation(name string) (g, gprime func(float64) float64, err error) {
	switch name {
	case "tanh":
		return mlp.Tanh, mlp.TanhDeriv, nil
	case "relu":
		return mlp.ReLU, mlp.ReLUDeriv, nil
	case "sigmoid":
		return mlp.Sigmoid, mlp.SigmoidDeriv, nil
	case "identity":
		return mlp.Identity, mlp.Unit, nil
	}
	return nil, nil, fmt.Errorf("%w: head_activation=%q", ErrBadConfigValue, name)
}

func toFloat(v interface{}) (float64, error) {
	switch v := v.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	}
	return 0, fmt.Errorf("not a number: %v", v)
}

func (m *LanguageModel) Objective() femr.Objective {
	return m.Config.Objective()
}

func (m *LanguageModel) LearningRate() float64 {
	return m.net.LearningRate()
}

func (m *LanguageModel) SetLearningRate(lr float64) {
	m.net.SetLearningRate(lr)
}

// context fills m.input with the decayed bag of tokens around position j.
func (m *LanguageModel) context(ids, mask []int, j int) {
	for i := range m.input {
		m.input[i] = 0
	}
	add := func(k, dist int) {
		if k < 0 || k >= len(ids) || mask[k] == 0 {
			return
		}
		m.input[ids[k]] += math.Pow(m.decay, float64(dist-1))
	}
	for dist := 1; dist <= m.window; dist++ {
		add(j-dist, dist)
		if m.Objective() == femr.Masked {
			add(j+dist, dist)
		}
	}
}

// forEachTarget calls fn with the cross-entropy of every labeled position
// in b after setting up the network's forward pass for it.
func (m *LanguageModel) forEachTarget(b femr.Batch, fn func(label int) error) (float64, error) {
	total, n := 0.0, 0
	for row := range b.InputIDs {
		ids, mask, labels := b.InputIDs[row], b.AttentionMask[row], b.Labels[row]
		for j, label := range labels {
			if label == tokenizer.IgnoreIndex {
				continue
			}
			// causal models predict from what precedes; the first token has
			// no context
			if m.Objective() == femr.Causal && j == 0 {
				continue
			}
			if label < 0 || label >= m.Config.VocabSize {
				return 0, fmt.Errorf("%w: label %d outside vocabulary of %d", ErrBadConfigValue, label, m.Config.VocabSize)
			}
			m.context(ids, mask, j)
			if err := m.net.ForwardPass(m.input); err != nil {
				return 0, err
			}
			p := m.net.OutputLayer().Activation[label]
			total += -math.Log(math.Max(p, 1e-12))
			n++
			if fn != nil {
				if err := fn(label); err != nil {
					return 0, err
				}
			}
		}
	}
	if n == 0 {
		return 0, nil
	}
	return total / float64(n), nil
}

// TrainStep accumulates gradients over the batch and returns its mean
// token loss. Weights change only on OptimizerStep.
func (m *LanguageModel) TrainStep(b femr.Batch) (float64, error) {
	return m.forEachTarget(b, func(label int) error {
		for i := range m.target {
			m.target[i] = 0
		}
		m.target[label] = 1
		return m.net.BackwardPass(m.target)
	})
}

// EvalStep returns the mean token loss without touching gradients.
func (m *LanguageModel) EvalStep(b femr.Batch) (float64, error) {
	return m.forEachTarget(b, nil)
}

// GradNorm is the L2 norm of the pending gradient.
func (m *LanguageModel) GradNorm() float64 {
	return m.net.GradNorm()
}

// ClipGradients clips the pending gradient by "value" or "norm".
func (m *LanguageModel) ClipGradients(algorithm string, value float64) {
	if value <= 0 {
		return
	}
	switch algorithm {
	case "value":
		m.net.ClipGradValue(value)
	default:
		m.net.ClipGradNorm(value)
	}
}

// OptimizerStep applies and clears the pending gradient.
func (m *LanguageModel) OptimizerStep() {
	m.net.UpdateWeights()
}

type savedModel struct {
	Config HFConfig  `json:"config"`
	Head   mlp.State `json:"head"`
}

func (m *LanguageModel) State() (json.RawMessage, error) {
	return json.Marshal(savedModel{Config: m.Config, Head: m.net.Snapshot()})
}

// LoadState restores weights saved by State. The saved config must describe
// the same shape.
func (m *LanguageModel) LoadState(raw json.RawMessage) error {
	var s savedModel
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	if s.Config.VocabSize != m.Config.VocabSize || s.Config.HiddenSize != m.Config.HiddenSize {
		return fmt.Errorf("%w: checkpoint is %dx%d, model is %dx%d", mlp.ErrShape,
			s.Config.VocabSize, s.Config.HiddenSize, m.Config.VocabSize, m.Config.HiddenSize)
	}
	return m.net.LoadState(s.Head)
}

// Predict returns the next-token distribution after ids.
func (m *LanguageModel) Predict(ids []int) ([]float64, error) {
	mask := make([]int, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	m.context(ids, mask, len(ids))
	out, err := m.net.Predict(m.input)
	if err != nil {
		return nil, err
	}
	return append([]float64(nil), out...), nil
}
