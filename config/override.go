package config

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
	"gopkg.in/yaml.v2"
)

// ApplyOverrides patches the config with "dotted.key=value" assignments, as
// given on the command line. Values are parsed as YAML scalars, so
// "trainer.max_epochs=3" sets an int and "model.name=bert-base" a string.
// Assignments to keys that are not recognized options fail.
func (c *Config) ApplyOverrides(overrides ...string) error {
	if len(overrides) == 0 {
		return nil
	}

	tree, err := c.tree()
	if err != nil {
		return err
	}

	for _, o := range overrides {
		eq := strings.IndexByte(o, '=')
		if eq <= 0 {
			return fmt.Errorf("%w: %q is not key=value", ErrBadOverride, o)
		}
		key, raw := strings.TrimSpace(o[:eq]), o[eq+1:]

		var value interface{}
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrBadOverride, o, err)
		}
		if err := setPath(tree, strings.Split(key, "."), value); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrBadOverride, o, err)
		}
	}

	raw, err := yaml.Marshal(tree)
	if err != nil {
		return err
	}
	patched := Default()
	if err := yaml.UnmarshalStrict(raw, patched); err != nil {
		return fmt.Errorf("%w: %v", ErrBadOverride, err)
	}
	*c = *patched
	return nil
}

func setPath(tree map[interface{}]interface{}, path []string, value interface{}) error {
	for i, part := range path {
		if part == "" {
			return fmt.Errorf("empty path segment")
		}
		if i == len(path)-1 {
			tree[part] = value
			return nil
		}
		next, ok := tree[part].(map[interface{}]interface{})
		if !ok {
			if tree[part] != nil {
				return fmt.Errorf("%s is not a section", strings.Join(path[:i+1], "."))
			}
			next = make(map[interface{}]interface{})
			tree[part] = next
		}
		tree = next
	}
	return nil
}

func (c *Config) tree() (map[interface{}]interface{}, error) {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	tree := make(map[interface{}]interface{})
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// AsMap returns the config as a nested map keyed by option name, suitable
// for logging as run hyperparameters.
func (c *Config) AsMap() (map[string]interface{}, error) {
	tree, err := c.tree()
	if err != nil {
		return nil, err
	}
	return stringKeys(tree), nil
}

func stringKeys(m map[interface{}]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if sub, ok := v.(map[interface{}]interface{}); ok {
			out[fmt.Sprint(k)] = stringKeys(sub)
			continue
		}
		out[fmt.Sprint(k)] = v
	}
	return out
}

// Flatten turns a nested map into dotted keys with string values.
func Flatten(m map[string]interface{}) map[string]string {
	out := make(map[string]string)
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]interface{}, out map[string]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch v := v.(type) {
		case map[string]interface{}:
			flatten(key, v, out)
		case nil:
			out[key] = "None"
		default:
			out[key] = fmt.Sprint(v)
		}
	}
}

// SortedKeys returns the keys of a flattened config in lexical order.
func SortedKeys(m map[string]string) []string {
	keys := maps.Keys(m)
	sort.Strings(keys)
	return keys
}
