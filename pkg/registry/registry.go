// Package registry builds the chainable route namespace. A route is a dotted
// path such as "test.not.attribute"; each node on that path may carry its own
// handler while also holding children, so "test" and "test.not" coexist.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/xkilldash9x/navchain/pkg/errs"
)

var (
	// ErrNotCallable is returned when a route exists but has no handler.
	ErrNotCallable = errors.New("route is not callable")
	// ErrRouteNotFound is returned when no node exists at a route.
	ErrRouteNotFound = errors.New("route not found")
)

// Handler is bound to a route. The receiver is passed explicitly.
type Handler[S any] func(s S, args ...any) error

// Entry is one row of a declarative route table.
type Entry[S any] struct {
	Routes  []string
	Handler Handler[S]
}

type node[S any] struct {
	handler  Handler[S]
	children map[string]*node[S]
}

func newNode[S any]() *node[S] {
	return &node[S]{children: make(map[string]*node[S])}
}

// Tree is a namespace of routes for receivers of type S.
type Tree[S any] struct {
	mu   sync.RWMutex
	root *node[S]
}

// New returns an empty tree.
func New[S any]() *Tree[S] {
	return &Tree[S]{root: newNode[S]()}
}

// Register binds h to every route. A nil h removes the callability of each
// route while leaving any children in place. Registering over an existing
// route replaces its handler.
func (t *Tree[S]) Register(routes []string, h Handler[S]) error {
	for _, r := range routes {
		if _, err := split(r); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range routes {
		segs, _ := split(r)
		n := t.root
		for _, seg := range segs {
			child, ok := n.children[seg]
			if !ok {
				child = newNode[S]()
				n.children[seg] = child
			}
			n = child
		}
		n.handler = h
	}
	return nil
}

// Load registers every entry of a route table in order.
func (t *Tree[S]) Load(table []Entry[S]) error {
	for _, e := range table {
		if err := t.Register(e.Routes, e.Handler); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the handler at route, if the route is callable.
func (t *Tree[S]) Lookup(route string) (Handler[S], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.find(route)
	if n == nil || n.handler == nil {
		return nil, false
	}
	return n.handler, true
}

// Children lists the direct child segments under route, sorted.
func (t *Tree[S]) Children(route string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.root
	if route != "" {
		n = t.find(route)
	}
	if n == nil {
		return nil
	}
	out := make([]string, 0, len(n.children))
	for k := range n.children {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Routes lists every callable route, sorted.
func (t *Tree[S]) Routes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	var walk func(prefix string, n *node[S])
	walk = func(prefix string, n *node[S]) {
		if n.handler != nil && prefix != "" {
			out = append(out, prefix)
		}
		for seg, child := range n.children {
			p := seg
			if prefix != "" {
				p = prefix + "." + seg
			}
			walk(p, child)
		}
	}
	walk("", t.root)
	sort.Strings(out)
	return out
}

// Call invokes the handler at route with s as receiver.
func (t *Tree[S]) Call(s S, route string, args ...any) error {
	t.mu.RLock()
	n := t.find(route)
	var h Handler[S]
	if n != nil {
		h = n.handler
	}
	t.mu.RUnlock()

	switch {
	case n == nil:
		return errs.Wrap(errs.KindNotFound, route, ErrRouteNotFound)
	case h == nil:
		return errs.Wrap(errs.KindConfiguration, route, ErrNotCallable)
	}
	return h(s, args...)
}

// find must be called with t.mu held.
func (t *Tree[S]) find(route string) *node[S] {
	segs, err := split(route)
	if err != nil {
		return nil
	}
	n := t.root
	for _, seg := range segs {
		n = n.children[seg]
		if n == nil {
			return nil
		}
	}
	return n
}

func split(route string) ([]string, error) {
	segs := strings.Split(route, ".")
	for _, s := range segs {
		if s == "" {
			return nil, errs.Newf(errs.KindConfiguration, "register", "invalid route %q", route)
		}
	}
	return segs, nil
}
