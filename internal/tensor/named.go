package tensor

import "fmt"

// Named maps unique string names to tensors. Lookup order is irrelevant;
// Keys preserves insertion order for stable iteration.
type Named struct {
	names []string
	m     map[string]*Tensor
}

func NewNamed() *Named {
	return &Named{m: make(map[string]*Tensor)}
}

// Set inserts the tensor under name, replacing any previous entry.
func (n *Named) Set(name string, t *Tensor) {
	if _, ok := n.m[name]; !ok {
		n.names = append(n.names, name)
	}
	n.m[name] = t
}

// Get returns the tensor stored under name.
func (n *Named) Get(name string) (*Tensor, error) {
	t, ok := n.m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return t, nil
}

// Remove deletes the entry for name and reports whether it existed.
func (n *Named) Remove(name string) bool {
	if _, ok := n.m[name]; !ok {
		return false
	}
	delete(n.m, name)
	for i, k := range n.names {
		if k == name {
			n.names = append(n.names[:i], n.names[i+1:]...)
			break
		}
	}
	return true
}

func (n *Named) Contains(name string) bool {
	_, ok := n.m[name]
	return ok
}

func (n *Named) Len() int { return len(n.m) }

// Keys returns the names in insertion order.
func (n *Named) Keys() []string {
	return append([]string(nil), n.names...)
}
