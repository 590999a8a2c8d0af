package md

import (
	"fmt"

	"github.com/verdantlabs/green/internal/image"
)

// A sidecar paired with the file it was read from.
type Sidecar struct {
	Path string
	Md   *Md
}

// Incorporates the sidecars of this crate's externs and returns their
// file paths in dependency order.
//
// Each extern's id joins Deps and its contexts join Contexts, so the
// next consumer of this sidecar sees the whole transitive closure. The
// returned paths are ordered so that every sidecar precedes all of its
// dependents; this crate itself is excluded (its blocks go last).
//
// The sort works over 64-bit metadata ids only; sidecar content is
// opaque payload. A dependency id with no corresponding sidecar fails
// with [ErrUnknownDependency], a cycle with [ErrCyclicDependency] —
// either means sidecar corruption or a manipulated target directory.
func (m *Md) ExtendFromExterns(externs []Sidecar) ([]string, error) {
	type node struct {
		path string
		deps []uint64
	}
	arena := make(map[uint64]node, len(externs)+1)

	for _, x := range externs {
		if !containsID(m.Deps, x.Md.This) {
			m.Deps = append(m.Deps, x.Md.This)
		}
		for _, bc := range x.Md.Contexts {
			if !containsContext(m.Contexts, bc) {
				m.Contexts = append(m.Contexts, bc)
			}
		}
		deps := make([]uint64, 0, len(x.Md.Deps))
		for _, d := range x.Md.Deps {
			deps = append(deps, d.Uint64())
		}
		arena[x.Md.This.Uint64()] = node{path: x.Path, deps: deps}
	}

	self := m.This.Uint64()
	deps := make([]uint64, 0, len(m.Deps))
	for _, d := range m.Deps {
		deps = append(deps, d.Uint64())
	}
	arena[self] = node{deps: deps}

	// Depth-first postorder from self: dependencies land before their
	// dependents, self lands last and is dropped from the result.
	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[uint64]int, len(arena))
	ordered := make([]string, 0, len(arena))

	var visit func(id uint64) error
	visit = func(id uint64) error {
		switch state[id] {
		case done:
			return nil
		case inProgress:
			return fmt.Errorf("%w: sorting %s: via %s", ErrCyclicDependency, m.This, image.MdIDFromUint64(id))
		}
		n, ok := arena[id]
		if !ok {
			return fmt.Errorf("%w: sorting %s: %s not found", ErrUnknownDependency, m.This, image.MdIDFromUint64(id))
		}
		state[id] = inProgress
		for _, d := range n.deps {
			if err := visit(d); err != nil {
				return err
			}
		}
		state[id] = done
		if id != self {
			ordered = append(ordered, n.path)
		}
		return nil
	}
	if err := visit(self); err != nil {
		return nil, err
	}

	return ordered, nil
}

func containsID(ids []image.MdID, id image.MdID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func containsContext(bcs []BuildContext, bc BuildContext) bool {
	for _, x := range bcs {
		if x == bc {
			return true
		}
	}
	return false
}
