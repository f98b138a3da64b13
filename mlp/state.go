package mlp

import "fmt"

// State is a snapshot of the network's trainable values.
type State struct {
	Sizes   []int       `json:"sizes"`
	Alpha   float64     `json:"alpha"`
	Weights [][]float64 `json:"weights"`
	Biases  [][]float64 `json:"biases"`
}

// Snapshot copies the current weights and biases.
func (nn *MLP) Snapshot() State {
	s := State{Alpha: nn.Alpha}
	for _, layer := range nn.Layer {
		s.Sizes = append(s.Sizes, layer.TotalNeurons())
		s.Weights = append(s.Weights, append([]float64(nil), layer.Weight...))
		s.Biases = append(s.Biases, append([]float64(nil), layer.Bias...))
	}
	return s
}

// LoadState restores a snapshot taken from a network of the same shape.
// Pending gradients are dropped.
func (nn *MLP) LoadState(s State) error {
	if len(s.Sizes) != len(nn.Layer) || len(s.Weights) != len(nn.Layer) || len(s.Biases) != len(nn.Layer) {
		return fmt.Errorf("%w: snapshot has %d layers, network has %d", ErrShape, len(s.Sizes), len(nn.Layer))
	}
	for i, layer := range nn.Layer {
		if s.Sizes[i] != layer.TotalNeurons() || len(s.Weights[i]) != len(layer.Weight) || len(s.Biases[i]) != len(layer.Bias) {
			return fmt.Errorf("%w: layer %d has size %d, snapshot has %d", ErrShape, i, layer.TotalNeurons(), s.Sizes[i])
		}
	}
	for i, layer := range nn.Layer {
		copy(layer.Weight, s.Weights[i])
		copy(layer.Bias, s.Biases[i])
	}
	nn.Alpha = s.Alpha
	nn.ZeroGrad()
	return nil
}
