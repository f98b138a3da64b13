package femr

import (
	"math/rand"

	"github.com/herclab/ehrtrain/tokenizer"
)

// Objective selects how labels are derived from inputs.
type Objective int

const (
	// Causal predicts every next token. Labels equal inputs, with padding
	// ignored.
	Causal Objective = iota

	// Masked replaces a fraction of tokens with [MASK] and predicts only
	// those.
	Masked
)

func (o Objective) String() string {
	if o == Masked {
		return "masked"
	}
	return "causal"
}

const DefaultMaskProb = 0.15

type CollateOptions struct {
	MaxLength        int
	RandomTruncation bool
	Objective        Objective

	// MaskProb is the masking rate for the Masked objective. Zero means
	// DefaultMaskProb.
	MaskProb float64
}

// Batch is a padded, rectangular group of tokenized timelines.
type Batch struct {
	PatientIDs    []int64
	InputIDs      [][]int
	AttentionMask [][]int
	Labels        [][]int
}

func (b Batch) Size() int { return len(b.InputIDs) }

// Tokens counts the non-padding positions in the batch.
func (b Batch) Tokens() int {
	n := 0
	for _, row := range b.AttentionMask {
		for _, m := range row {
			n += m
		}
	}
	return n
}

// Truncate cuts ids to at most maxLength tokens. With random set, a window
// is chosen uniformly from rng. Otherwise the prefix is kept.
func Truncate(ids []int, maxLength int, random bool, rng *rand.Rand) []int {
	if len(ids) <= maxLength {
		return ids
	}
	start := 0
	if random {
		start = rng.Intn(len(ids) - maxLength + 1)
	}
	return ids[start : start+maxLength]
}

// Collate tokenizes, truncates and pads a group of patients.
func Collate(patients []Patient, tok *tokenizer.Tokenizer, opts CollateOptions, rng *rand.Rand) Batch {
	maskProb := opts.MaskProb
	if maskProb == 0 {
		maskProb = DefaultMaskProb
	}

	seqs := make([][]int, len(patients))
	width := 0
	for i, p := range patients {
		seqs[i] = Truncate(tok.Encode(p.Codes()), opts.MaxLength, opts.RandomTruncation, rng)
		if len(seqs[i]) > width {
			width = len(seqs[i])
		}
	}

	b := Batch{
		PatientIDs:    make([]int64, len(patients)),
		InputIDs:      make([][]int, len(patients)),
		AttentionMask: make([][]int, len(patients)),
		Labels:        make([][]int, len(patients)),
	}

	for i, seq := range seqs {
		b.PatientIDs[i] = patients[i].PatientID
		input := make([]int, width)
		mask := make([]int, width)
		labels := make([]int, width)

		for j := 0; j < width; j++ {
			if j >= len(seq) {
				input[j] = tok.PadID()
				labels[j] = tokenizer.IgnoreIndex
				continue
			}
			input[j] = seq[j]
			mask[j] = 1

			switch opts.Objective {
			case Masked:
				labels[j] = tokenizer.IgnoreIndex
				if !tok.IsSpecialID(seq[j]) && rng.Float64() < maskProb {
					labels[j] = seq[j]
					input[j] = tok.MaskID()
				}
			default:
				labels[j] = seq[j]
			}
		}

		b.InputIDs[i] = input
		b.AttentionMask[i] = mask
		b.Labels[i] = labels
	}
	return b
}
