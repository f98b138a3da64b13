// Package tokenizer maps clinical event codes to integer token ids.
//
// A vocabulary is described by two JSON files: code_2_int (code -> id) and
// code_2_count (code -> number of occurrences in the training split). Codes
// seen fewer than MinCodeCount times are dropped and encode as [UNK].
package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// Special tokens, always at ids 0..6 in this order.
const (
	PAD  = "[PAD]"
	BOS  = "[BOS]"
	EOS  = "[EOS]"
	UNK  = "[UNK]"
	SEP  = "[SEP]"
	CLS  = "[CLS]"
	MASK = "[MASK]"
)

var SpecialTokens = []string{PAD, BOS, EOS, UNK, SEP, CLS, MASK}

// IgnoreIndex marks label positions that do not contribute to the loss.
const IgnoreIndex = -100

var (
	ErrEmptyVocab   = errors.New("tokenizer: vocabulary is empty")
	ErrUnknownToken = errors.New("tokenizer: unknown token id")
)

type Tokenizer struct {
	atoi  map[string]int
	itoa  []string
	count map[string]int
}

// New builds a tokenizer from a code->id map and a code->count map. When
// minCodeCount is non-nil, codes with a lower count are dropped. Kept codes
// are re-indexed densely after the special tokens, ordered by their original
// id.
func New(code2int, code2count map[string]int, minCodeCount *int) (*Tokenizer, error) {
	codes := make([]string, 0, len(code2int))
	for code := range code2int {
		if isSpecial(code) {
			continue
		}
		if minCodeCount != nil && code2count[code] < *minCodeCount {
			continue
		}
		codes = append(codes, code)
	}
	if len(codes) == 0 {
		return nil, ErrEmptyVocab
	}
	sort.Slice(codes, func(i, j int) bool {
		a, b := code2int[codes[i]], code2int[codes[j]]
		if a != b {
			return a < b
		}
		return codes[i] < codes[j]
	})

	t := &Tokenizer{
		atoi:  make(map[string]int, len(codes)+len(SpecialTokens)),
		itoa:  make([]string, 0, len(codes)+len(SpecialTokens)),
		count: code2count,
	}
	for _, tok := range append(append([]string{}, SpecialTokens...), codes...) {
		t.atoi[tok] = len(t.itoa)
		t.itoa = append(t.itoa, tok)
	}
	return t, nil
}

// Load reads the two vocabulary files.
func Load(pathToCode2Int, pathToCode2Count string, minCodeCount *int) (*Tokenizer, error) {
	code2int, err := readJSON(pathToCode2Int)
	if err != nil {
		return nil, err
	}
	code2count, err := readJSON(pathToCode2Count)
	if err != nil {
		return nil, err
	}
	return New(code2int, code2count, minCodeCount)
}

func readJSON(path string) (map[string]int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := make(map[string]int)
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("tokenizer: parsing %s: %w", path, err)
	}
	return m, nil
}

func isSpecial(tok string) bool {
	for _, s := range SpecialTokens {
		if s == tok {
			return true
		}
	}
	return false
}

func (t *Tokenizer) VocabSize() int {
	return len(t.itoa)
}

// TokenID returns the id for a code or special token, and false if the
// token is not in the vocabulary.
func (t *Tokenizer) TokenID(tok string) (int, bool) {
	id, ok := t.atoi[tok]
	return id, ok
}

func (t *Tokenizer) PadID() int  { return 0 }
func (t *Tokenizer) BOSID() int  { return 1 }
func (t *Tokenizer) EOSID() int  { return 2 }
func (t *Tokenizer) UNKID() int  { return 3 }
func (t *Tokenizer) MaskID() int { return 6 }

// IsSpecialID reports whether id is one of the special tokens.
func (t *Tokenizer) IsSpecialID(id int) bool {
	return id >= 0 && id < len(SpecialTokens)
}

// Encode maps a patient's codes to ids, wrapped in [BOS] ... [EOS].
func (t *Tokenizer) Encode(codes []string) []int {
	ids := make([]int, 0, len(codes)+2)
	ids = append(ids, t.BOSID())
	for _, c := range codes {
		if id, ok := t.atoi[c]; ok && !isSpecial(c) {
			ids = append(ids, id)
		} else {
			ids = append(ids, t.UNKID())
		}
	}
	return append(ids, t.EOSID())
}

// Decode maps ids back to tokens.
func (t *Tokenizer) Decode(ids []int) ([]string, error) {
	out := make([]string, len(ids))
	for i, id := range ids {
		if id < 0 || id >= len(t.itoa) {
			return nil, fmt.Errorf("%w: %d at position %d", ErrUnknownToken, id, i)
		}
		out[i] = t.itoa[id]
	}
	return out, nil
}

// Count returns how often a code occurred when the vocabulary was built.
func (t *Tokenizer) Count(code string) int {
	return t.count[code]
}
