// Package model resolves a model configuration for one of the supported
// families and builds the trainable language model around it.
package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/herclab/ehrtrain/config"
	"github.com/herclab/ehrtrain/femr"
	"github.com/herclab/ehrtrain/tokenizer"
)

var (
	ErrUnsupportedModel = errors.New("model: model not supported")
	ErrUnknownConfigKey = errors.New("model: config does not have attribute")
	ErrBadConfigValue   = errors.New("model: bad config value")
)

type Family string

const (
	GPT   Family = "gpt2"
	BERT  Family = "bert"
	Mamba Family = "mamba"
)

// familySpec lists the attributes a family's config recognizes and which of
// them carries the hidden width.
type familySpec struct {
	objective femr.Objective
	hiddenKey string
	attrs     []string
}

// Attributes understood by every family's language head.
var headAttrs = []string{"head_activation", "head_context_window", "head_context_decay"}

var families = map[Family]familySpec{
	GPT: {
		objective: femr.Causal,
		hiddenKey: "n_embd",
		attrs: []string{
			"n_layer", "n_head", "n_embd", "n_inner", "activation_function",
			"resid_pdrop", "embd_pdrop", "attn_pdrop", "layer_norm_epsilon",
			"initializer_range", "scale_attn_weights", "use_cache",
		},
	},
	BERT: {
		objective: femr.Masked,
		hiddenKey: "hidden_size",
		attrs: []string{
			"num_hidden_layers", "num_attention_heads", "hidden_size",
			"intermediate_size", "hidden_act", "hidden_dropout_prob",
			"attention_probs_dropout_prob", "type_vocab_size", "layer_norm_eps",
			"initializer_range", "position_embedding_type",
		},
	},
	Mamba: {
		objective: femr.Causal,
		hiddenKey: "d_model",
		attrs: []string{
			"d_model", "n_layer", "d_state", "d_conv", "expand", "rms_norm",
			"residual_in_fp32", "fused_add_norm", "pad_vocab_size_multiple",
			"initializer_range",
		},
	},
}

// FamilyOf picks the family from a model name such as "gpt2-base" or
// "bert-large".
func FamilyOf(name string) (Family, error) {
	lower := strings.ToLower(name)
	for _, f := range []Family{GPT, BERT, Mamba} {
		if strings.Contains(lower, string(f)) {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedModel, name)
}

// HFConfig is the resolved configuration of a model.
type HFConfig struct {
	Name       string                 `json:"name"`
	Family     Family                 `json:"family"`
	VocabSize  int                    `json:"vocab_size"`
	NPositions int                    `json:"n_positions"`
	HiddenSize int                    `json:"hidden_size"`
	Attrs      map[string]interface{} `json:"attrs"`
}

// Objective is the training objective implied by the family.
func (c HFConfig) Objective() femr.Objective {
	return families[c.Family].objective
}

// Attr returns a config attribute, or def if it is unset.
func (c HFConfig) Attr(key string, def interface{}) interface{} {
	if v, ok := c.Attrs[key]; ok {
		return v
	}
	return def
}

// ResolveConfig builds the family config for cfg.Model, sized for tok and
// the dataloader's max length. Every config_kwargs key must be an attribute
// of the family.
func ResolveConfig(cfg *config.Config, tok *tokenizer.Tokenizer) (HFConfig, error) {
	family, err := FamilyOf(cfg.Model.Name)
	if err != nil {
		return HFConfig{}, err
	}
	spec := families[family]

	hc := HFConfig{
		Name:       cfg.Model.Name,
		Family:     family,
		VocabSize:  tok.VocabSize(),
		NPositions: cfg.Data.Dataloader.MaxLength,
		HiddenSize: cfg.Model.HiddenSize,
		Attrs:      make(map[string]interface{}),
	}

	keys := make([]string, 0, len(cfg.Model.ConfigKwargs))
	for k := range cfg.Model.ConfigKwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if !contains(spec.attrs, key) && !contains(headAttrs, key) {
			return HFConfig{}, fmt.Errorf("%w %s: %s", ErrUnknownConfigKey, family, key)
		}
		val := cfg.Model.ConfigKwargs[key]
		hc.Attrs[key] = val
		if key == spec.hiddenKey {
			n, ok := val.(int)
			if !ok || n <= 0 {
				return HFConfig{}, fmt.Errorf("%w: %s=%v", ErrBadConfigValue, key, val)
			}
			hc.HiddenSize = n
		}
	}
	hc.Attrs[spec.hiddenKey] = hc.HiddenSize
	return hc, nil
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
