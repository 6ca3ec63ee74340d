package plugin

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// Registration describes one plugin category.
type Registration struct {
	Category string
	// InitSeq orders categories: apply ascending, flush descending.
	InitSeq int
	// Path locates the category's instances in the tree. Defaults to
	// []string{Category}.
	Path []string
	// Interface marks categories whose changes raise the interface change
	// notification in addition to the general one.
	Interface bool
	New       func(ID) Plugin
}

// TreePath returns the registration's path in the configuration tree.
func (r Registration) TreePath() []string {
	if len(r.Path) == 0 {
		return []string{r.Category}
	}
	return r.Path
}

// Manifest is the ordered set of registered categories.
type Manifest struct {
	regs  []Registration
	byCat map[string]Registration
}

// NewManifest validates registrations and orders them by InitSeq.
func NewManifest(regs ...Registration) (*Manifest, error) {
	m := &Manifest{byCat: make(map[string]Registration, len(regs))}
	for _, r := range regs {
		if r.Category == "" {
			return nil, errors.New("registration with empty category")
		}
		if r.New == nil {
			return nil, fmt.Errorf("registration %q: nil constructor", r.Category)
		}
		if _, dup := m.byCat[r.Category]; dup {
			return nil, fmt.Errorf("registration %q: duplicate category", r.Category)
		}
		m.byCat[r.Category] = r
		m.regs = append(m.regs, r)
	}
	slices.SortStableFunc(m.regs, func(a, b Registration) int {
		if c := cmp.Compare(a.InitSeq, b.InitSeq); c != 0 {
			return c
		}
		return cmp.Compare(a.Category, b.Category)
	})
	return m, nil
}

// Lookup returns the registration for a category.
func (m *Manifest) Lookup(category string) (Registration, bool) {
	r, ok := m.byCat[category]
	return r, ok
}

// Ascending returns registrations in apply order.
func (m *Manifest) Ascending() []Registration {
	return slices.Clone(m.regs)
}

// Descending returns registrations in flush order.
func (m *Manifest) Descending() []Registration {
	out := slices.Clone(m.regs)
	slices.Reverse(out)
	return out
}

// Categories lists category names in apply order.
func (m *Manifest) Categories() []string {
	out := make([]string, len(m.regs))
	for i, r := range m.regs {
		out[i] = r.Category
	}
	return out
}
