// Package registry maps public tunnel names to the agent connection serving them.
package registry

import (
	"errors"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("no such tunnel")

// Tunnel binds a public name to the connection of the agent serving it. C is
// the relay's handle on a live agent session; it is compared with == so a
// stale mapping can be told apart from a newer one.
type Tunnel[C comparable] struct {
	Name     string
	TunnelID string
	Conn     C
}

// Registry is safe for concurrent use. Every operation is atomic per name;
// there is no table-wide lock.
type Registry[C comparable] struct {
	m sync.Map // name -> *Tunnel[C]
}

func New[C comparable]() *Registry[C] { return &Registry[C]{} }

// Register inserts or replaces the mapping for name. The last registration wins.
func (r *Registry[C]) Register(name, tunnelID string, conn C) {
	r.m.Store(name, &Tunnel[C]{Name: name, TunnelID: tunnelID, Conn: conn})
}

func (r *Registry[C]) Resolve(name string) (C, error) {
	t, ok := r.Lookup(name)
	if !ok {
		var zero C
		return zero, ErrNotFound
	}
	return t.Conn, nil
}

func (r *Registry[C]) Lookup(name string) (*Tunnel[C], bool) {
	v, ok := r.m.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Tunnel[C]), true
}

// UnregisterByConnection drops every name still mapped to conn and returns
// them. A name already claimed by a newer connection is left alone.
func (r *Registry[C]) UnregisterByConnection(conn C) []string {
	var removed []string
	r.m.Range(func(k, v any) bool {
		t := v.(*Tunnel[C])
		if t.Conn == conn && r.m.CompareAndDelete(k, v) {
			removed = append(removed, t.Name)
		}
		return true
	})
	sort.Strings(removed)
	return removed
}

// Names is a sorted snapshot of registered names.
func (r *Registry[C]) Names() []string {
	out := []string{}
	r.m.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

func (r *Registry[C]) Len() int {
	n := 0
	r.m.Range(func(_, _ any) bool { n++; return true })
	return n
}
