package configstore

import (
	"fmt"
	"net/netip"

	"github.com/psaab/netcfgd/pkg/config"
	"github.com/psaab/netcfgd/pkg/plugin"
)

// AddressOwner is implemented by plugins that assign subnets to an
// interface. Validate uses it to find overlapping IPv4 subnets.
type AddressOwner interface {
	Prefixes() []netip.Prefix
}

type ownedPrefix struct {
	id     plugin.ID
	prefix netip.Prefix
}

// Validate checks a candidate tree without side effects: every instance
// must pass its plugin's Configure on a fresh value, and no two instances
// may declare overlapping IPv4 subnets. It returns one reason per problem.
func Validate(m *plugin.Manifest, tree config.Tree) []string {
	var reasons []string
	var owned []ownedPrefix

	for _, r := range m.Ascending() {
		insts, err := tree.Category(r.TreePath())
		if err != nil {
			reasons = append(reasons, err.Error())
			continue
		}
		for _, name := range config.Names(insts) {
			id := plugin.ID{Category: r.Category, Name: name}
			p := r.New(id)
			if err := p.Configure(config.CloneNode(insts[name])); err != nil {
				reasons = append(reasons, fmt.Sprintf("%s: %v", id, err))
				continue
			}
			ao, ok := p.(AddressOwner)
			if !ok {
				continue
			}
			for _, pfx := range ao.Prefixes() {
				if pfx.Addr().Is4() {
					owned = append(owned, ownedPrefix{id: id, prefix: pfx.Masked()})
				}
			}
		}
	}

	for i := range owned {
		for j := i + 1; j < len(owned); j++ {
			a, b := owned[i], owned[j]
			if a.id == b.id {
				continue
			}
			if a.prefix.Overlaps(b.prefix) {
				reasons = append(reasons, fmt.Sprintf("subnet %s of %s overlaps %s of %s",
					a.prefix, a.id, b.prefix, b.id))
			}
		}
	}
	return reasons
}
