// mlp implements a simple multilayer perceptron based on this one:
// https://github.com/charlesdaniels/teaching-learning/tree/master/algorithms/backprop
//
// It is used as the trainable head of the language models: gradients are
// accumulated across samples and applied in one UpdateWeights call, so the
// learning rate can be driven by an external schedule once per optimizer
// step.
package mlp

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

var ErrShape = errors.New("mlp: shape mismatch")

type Layer struct {

	// Previous layer, nil for input layer
	Prev *Layer

	// Next layer, nil for output layer
	Next *Layer

	// Weight[j * Prev.TotalNeurons() + i] = weight for neuron j in THIS
	// layer coming in from the output of neuron i in the PREVIOUS layer.
	Weight []float64

	// Outputs for this layer
	Output []float64

	// The output after activation -- this is separate because we need the
	// pre-activation outputs for certain computations
	Activation []float64

	Delta []float64

	Bias []float64

	// Accumulated gradients, same layout as Weight and Bias. They hold the
	// ascent direction, so UpdateWeights adds them.
	Grad     []float64
	BiasGrad []float64
}

func (l *Layer) TotalNeurons() int {
	return len(l.Output)
}

// Retrieve the weight associated with the link from prevNeuron in the previous
// layer, to thisNeuron in this layer.
func (l *Layer) GetWeight(thisNeuron, prevNeuron int) float64 {

	// input layer
	if l.Prev == nil {
		return 1.0
	}
	return l.Weight[thisNeuron*l.Prev.TotalNeurons()+prevNeuron]
}

func (l *Layer) SetWeight(thisNeuron, prevNeuron int, newWeight float64) {
	if l.Prev == nil {
		return
	}
	l.Weight[thisNeuron*l.Prev.TotalNeurons()+prevNeuron] = newWeight
}

func NewLayer(rng *rand.Rand, size int, prev, next *Layer) *Layer {
	l := &Layer{
		Prev:       prev,
		Next:       next,
		Delta:      make([]float64, size),
		Output:     make([]float64, size),
		Activation: make([]float64, size),
		Bias:       make([]float64, size),
		BiasGrad:   make([]float64, size),
	}

	if prev != nil {
		fanIn := prev.TotalNeurons()
		scale := math.Sqrt(1.0 / float64(fanIn))
		l.Weight = make([]float64, size*fanIn)
		l.Grad = make([]float64, size*fanIn)
		for i := range l.Weight {
			l.Weight[i] = (2*rng.Float64() - 1) * scale
		}
	}

	return l
}

type MLP struct {
	Layer []*Layer

	// Learning rate
	Alpha float64

	ActivationFunction func(float64) float64

	DerivActivationFunction func(float64) float64

	// OutputSoftmax makes the output layer a softmax over its inputs, so
	// BackwardPass computes the cross-entropy gradient for a one-hot or
	// probability target.
	OutputSoftmax bool

	// number of BackwardPass calls accumulated since the last update
	accumulated int
}

func (nn *MLP) InputLayer() *Layer {
	return nn.Layer[0]
}

func (nn *MLP) OutputLayer() *Layer {
	return nn.Layer[len(nn.Layer)-1]
}

func NewMLP(rng *rand.Rand, alpha float64, g, gprime func(float64) float64, layerSizes ...int) *MLP {
	nn := &MLP{
		Layer:                   make([]*Layer, len(layerSizes)),
		Alpha:                   alpha,
		ActivationFunction:      g,
		DerivActivationFunction: gprime,
	}

	// generate the layers and their links back to the previous layers
	for i, v := range layerSizes {
		if i == 0 {
			nn.Layer[i] = NewLayer(rng, v, nil, nil)
		} else {
			nn.Layer[i] = NewLayer(rng, v, nn.Layer[i-1], nil)
		}
	}

	for i := range nn.OutputLayer().Weight {
		nn.OutputLayer().Weight[i] = 0
	}

	// generate links to next layers
	for i := range layerSizes {
		if i < len(layerSizes)-1 {
			nn.Layer[i].Next = nn.Layer[i+1]
		}
	}

	return nn
}

// LearningRate and SetLearningRate let a schedule drive Alpha.
func (nn *MLP) LearningRate() float64 {
	return nn.Alpha
}

func (nn *MLP) SetLearningRate(lr float64) {
	nn.Alpha = lr
}

func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-1.0*x))
}

func SigmoidDeriv(x float64) float64 {
	return Sigmoid(x) * (1 - Sigmoid(x))
}

func Logit(x float64) float64 {
	return math.Log(x / (1 - x))
}

func ReLU(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

func ReLUDeriv(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

func Tanh(x float64) float64 {
	return math.Tanh(x)
}

func TanhDeriv(x float64) float64 {
	t := math.Tanh(x)
	return 1 - t*t
}

func Identity(x float64) float64 {
	return x
}

func Unit(x float64) float64 {
	return 1.0
}

func (nn *MLP) ForwardPass(input []float64) error {
	// The input must be the same size as the input layer, for obvious
	// reasons.
	if len(input) != nn.InputLayer().TotalNeurons() {
		return fmt.Errorf("%w: input vector size %d =/= input layer size %d",
			ErrShape, len(input), nn.InputLayer().TotalNeurons())
	}

	// copy input data into input layer outputs
	for i := 0; i < nn.InputLayer().TotalNeurons(); i++ {
		nn.InputLayer().Activation[i] = input[i]

		// in_j is not used for the input layer
		nn.InputLayer().Output[i] = 0
	}

	// consider remaining layers
	for l := 1; l < len(nn.Layer); l++ {
		layer := nn.Layer[l]
		prev := layer.Prev
		for j := 0; j < layer.TotalNeurons(); j++ {
			// in_j ← ∑i w_i,j a_i + b_j
			sum := layer.Bias[j]
			row := layer.Weight[j*prev.TotalNeurons() : (j+1)*prev.TotalNeurons()]
			for i, a := range prev.Activation {
				if a == 0 {
					continue
				}
				sum += a * row[i]
			}

			// We also save in_j because we need it later for
			// computing the Δ values
			layer.Output[j] = sum

			// a_j ← g(in_j)
			layer.Activation[j] = nn.ActivationFunction(sum)
		}
	}

	if nn.OutputSoftmax {
		softmax(nn.OutputLayer().Output, nn.OutputLayer().Activation)
	}

	return nil
}

func softmax(in, out []float64) {
	max := math.Inf(-1)
	for _, v := range in {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	for i, v := range in {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
}

// BackwardPass computes deltas against the expected output and adds this
// sample's gradient to the accumulators. Call UpdateWeights to apply them.
func (nn *MLP) BackwardPass(output []float64) error {
	if len(output) != nn.OutputLayer().TotalNeurons() {
		return fmt.Errorf("%w: output vector size %d =/= output layer size %d",
			ErrShape, len(output), nn.OutputLayer().TotalNeurons())
	}

	out := nn.OutputLayer()
	for j := 0; j < out.TotalNeurons(); j++ {
		// Δ[j] ← g'(in_j) × (y_j - a_j)
		//
		// With a softmax output and cross-entropy loss the g' term
		// cancels.
		if nn.OutputSoftmax {
			out.Delta[j] = output[j] - out.Activation[j]
		} else {
			out.Delta[j] = nn.DerivActivationFunction(out.Output[j]) * (output[j] - out.Activation[j])
		}
	}

	// and for the hidden layers; the input layer has no weights to update
	for l := len(nn.Layer) - 2; l >= 1; l-- {
		layer := nn.Layer[l]
		for i := 0; i < layer.TotalNeurons(); i++ {
			// Δ[i] ← g'(in_i) ∑j w_i,j Δ[j]
			//
			//    The indices appear reversed because of how
			//    GetWeight() is written, j is the destination
			//    neuron on layer.Next, i is the neuron in this
			//    current layer.
			sum := 0.0
			for j := 0; j < layer.Next.TotalNeurons(); j++ {
				sum += layer.Next.GetWeight(j, i) * layer.Next.Delta[j]
			}
			layer.Delta[i] = sum * nn.DerivActivationFunction(layer.Output[i])
		}
	}

	for l := 1; l < len(nn.Layer); l++ {
		layer := nn.Layer[l]
		prev := layer.Prev
		for j := 0; j < layer.TotalNeurons(); j++ {
			d := layer.Delta[j]
			if d == 0 {
				continue
			}
			// ∂w_i,j ← a_i × Δ[j]
			row := layer.Grad[j*prev.TotalNeurons() : (j+1)*prev.TotalNeurons()]
			for i, a := range prev.Activation {
				row[i] += a * d
			}
			// the a_i for the bias is implied to be 1
			layer.BiasGrad[j] += d
		}
	}

	nn.accumulated++
	return nil
}

// Accumulated returns the number of samples whose gradients are pending.
func (nn *MLP) Accumulated() int {
	return nn.accumulated
}

// scaleGrads multiplies every pending gradient by f.
func (nn *MLP) scaleGrads(f float64) {
	for _, layer := range nn.Layer[1:] {
		for i := range layer.Grad {
			layer.Grad[i] *= f
		}
		for i := range layer.BiasGrad {
			layer.BiasGrad[i] *= f
		}
	}
}

// GradNorm returns the L2 norm of the mean pending gradient.
func (nn *MLP) GradNorm() float64 {
	if nn.accumulated == 0 {
		return 0
	}
	sum := 0.0
	for _, layer := range nn.Layer[1:] {
		for _, g := range layer.Grad {
			sum += g * g
		}
		for _, g := range layer.BiasGrad {
			sum += g * g
		}
	}
	return math.Sqrt(sum) / float64(nn.accumulated)
}

// ClipGradNorm rescales the mean pending gradient so its L2 norm is at most
// maxNorm, and returns the norm before clipping.
func (nn *MLP) ClipGradNorm(maxNorm float64) float64 {
	norm := nn.GradNorm()
	if maxNorm > 0 && norm > maxNorm {
		nn.scaleGrads(maxNorm / norm)
	}
	return norm
}

// ClipGradValue clamps each element of the mean pending gradient to
// [-v, v].
func (nn *MLP) ClipGradValue(v float64) {
	if v <= 0 || nn.accumulated == 0 {
		return
	}
	limit := v * float64(nn.accumulated)
	for _, layer := range nn.Layer[1:] {
		for _, grads := range [][]float64{layer.Grad, layer.BiasGrad} {
			for i, g := range grads {
				grads[i] = math.Max(-limit, math.Min(limit, g))
			}
		}
	}
}

// UpdateWeights applies the mean of the accumulated gradients, scaled by
// Alpha, and clears the accumulators.
func (nn *MLP) UpdateWeights() {
	if nn.accumulated == 0 {
		return
	}
	step := nn.Alpha / float64(nn.accumulated)
	for _, layer := range nn.Layer[1:] {
		for i, g := range layer.Grad {
			// w_i,j ← w_i,j + α × a_i × Δ[j]
			layer.Weight[i] += step * g
			layer.Grad[i] = 0
		}
		for i, g := range layer.BiasGrad {
			layer.Bias[i] += step * g
			layer.BiasGrad[i] = 0
		}
	}
	nn.accumulated = 0
}

// ZeroGrad drops pending gradients without applying them.
func (nn *MLP) ZeroGrad() {
	nn.scaleGrads(0)
	nn.accumulated = 0
}

func (nn *MLP) Train(input, output []float64) error {
	err := nn.ForwardPass(input)
	if err != nil {
		return err
	}

	err = nn.BackwardPass(output)
	if err != nil {
		return err
	}

	nn.UpdateWeights()

	return nil
}

func (nn *MLP) Predict(input []float64) ([]float64, error) {
	err := nn.ForwardPass(input)
	if err != nil {
		return nil, err
	}

	return nn.OutputLayer().Activation, nil
}
