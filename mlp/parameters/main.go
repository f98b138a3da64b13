// Package parameters holds the default shape of the MLP language model head.
package parameters

const (
	// Number of preceding tokens summarized into the bag-of-context input.
	ContextWindow int = 32

	// Hidden activation used when a model config does not name one.
	Activation string = "tanh"

	// Weight of each context position decays geometrically with distance
	// from the predicted token.
	ContextDecay float64 = 0.9

	// Seed offset so the head's initialization differs from the data seed.
	InitSeedOffset int64 = 7919
)
