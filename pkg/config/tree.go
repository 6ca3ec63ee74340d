// Package config holds the declarative network configuration tree consumed
// by the reconciliation engine.
//
// A tree is a nested YAML mapping. The plugin manifest says where each
// category lives inside it; below that path the tree is keyed by instance
// name, and each instance carries an opaque configuration object.
package config

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gopkg.in/yaml.v3"
)

// Node is the configuration object of a single plugin instance.
type Node = map[string]any

// Tree is a full declarative configuration.
type Tree map[string]any

// cosmeticKeys never make an instance dirty when they are the only
// difference between two configurations.
var cosmeticKeys = map[string]bool{
	"name":        true,
	"description": true,
	"extra":       true,
}

// Load reads a YAML (or JSON) tree from path.
func Load(path string) (Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML or JSON document into a Tree. An empty document
// yields an empty, non-nil tree.
func Parse(data []byte) (Tree, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Tree{}, nil
	}
	// Decode into the unnamed map type: yaml reuses the target's map type
	// for nested mappings, and lookups below the top level expect
	// map[string]any.
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return normalizeTree(Tree(raw)), nil
}

// Format renders the tree as YAML.
func (t Tree) Format() ([]byte, error) {
	return yaml.Marshal(map[string]any(t))
}

// Clone returns a deep copy of the tree.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	return Tree(cloneMap(t))
}

// Category returns the instances found at path, keyed by instance name.
// A missing path is not an error: it means the category has no instances.
func (t Tree) Category(path []string) (map[string]Node, error) {
	var cur any = map[string]any(t)
	for i, key := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil, fmt.Errorf("config path %v: %q is not a mapping", path, path[i-1])
		}
		cur, ok = m[key]
		if !ok || cur == nil {
			return map[string]Node{}, nil
		}
	}
	m, ok := asMap(cur)
	if !ok {
		return nil, fmt.Errorf("config path %v: not a mapping of instances", path)
	}
	out := make(map[string]Node, len(m))
	for name, v := range m {
		switch n := v.(type) {
		case map[string]any:
			out[name] = n
		case Tree:
			out[name] = map[string]any(n)
		case nil:
			out[name] = Node{}
		default:
			return nil, fmt.Errorf("config path %v: instance %q is %T, want a mapping", path, name, v)
		}
	}
	return out, nil
}

// SetCategory replaces the instances at path, creating intermediate
// mappings as needed.
func (t Tree) SetCategory(path []string, instances map[string]Node) {
	if len(path) == 0 {
		return
	}
	cur := map[string]any(t)
	for _, key := range path[:len(path)-1] {
		next, ok := asMap(cur[key])
		if !ok {
			next = map[string]any{}
			cur[key] = next
		}
		cur = next
	}
	m := make(map[string]any, len(instances))
	for name, n := range instances {
		m[name] = map[string]any(n)
	}
	cur[path[len(path)-1]] = m
}

// Equal reports whether two instance configurations are structurally the
// same, ignoring cosmetic keys such as a human-readable name.
func Equal(a, b Node) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return cmp.Equal(a, b,
		cmpopts.EquateEmpty(),
		cmpopts.IgnoreMapEntries(func(k string, _ any) bool { return cosmeticKeys[k] }),
	)
}

// Diff returns a human-readable diff between two instance configurations,
// for debug logging.
func Diff(a, b Node) string {
	return cmp.Diff(a, b,
		cmpopts.EquateEmpty(),
		cmpopts.IgnoreMapEntries(func(k string, _ any) bool { return cosmeticKeys[k] }),
	)
}

// Decode converts an instance configuration into a typed struct using the
// struct's yaml tags.
func Decode(n Node, out any) error {
	data, err := yaml.Marshal(map[string]any(n))
	if err != nil {
		return fmt.Errorf("encode node: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode node: %w", err)
	}
	return nil
}

// Names returns the sorted instance names of a category map.
func Names(instances map[string]Node) []string {
	names := make([]string, 0, len(instances))
	for name := range instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// normalizeTree converts yaml's map[any]any leftovers (from non-string keys)
// into map[string]any so that equality and lookups behave uniformly.
func normalizeTree(t Tree) Tree {
	for k, v := range t {
		t[k] = normalize(v)
	}
	return t
}

// asMap accepts both mapping types a tree may hold.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Tree:
		return map[string]any(m), true
	}
	return nil, false
}

func normalize(v any) any {
	switch x := v.(type) {
	case Tree:
		return normalize(map[string]any(x))
	case map[string]any:
		for k, vv := range x {
			x[k] = normalize(vv)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[fmt.Sprint(k)] = normalize(vv)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case Tree:
		return cloneMap(x)
	case []any:
		s := make([]any, len(x))
		for i := range x {
			s[i] = cloneValue(x[i])
		}
		return s
	default:
		return v
	}
}

// CloneNode returns a deep copy of an instance configuration.
func CloneNode(n Node) Node {
	if n == nil {
		return nil
	}
	return cloneMap(n)
}
