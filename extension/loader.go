// Package extension resolves named implementations of a capability.
//
// A Loader is populated at startup with one factory per name, typically
// from configuration, and constructs each implementation at most once on
// first use. Construction of different names proceeds in parallel; only
// concurrent first uses of the same name wait on each other.
package extension

import (
	"fmt"
	"sort"
	"sync"

	"kite-rpc/rpcerr"
)

// Factory constructs an implementation.
type Factory[T any] func() (T, error)

// holder memoizes one named instance.
type holder[T any] struct {
	once     sync.Once
	factory  Factory[T]
	instance T
	err      error
}

// Loader maps names to lazily built singletons of T.
type Loader[T any] struct {
	kind    string // capability name for error messages, e.g. "balancer"
	mu      sync.RWMutex
	holders map[string]*holder[T]
}

// NewLoader returns an empty Loader for the capability kind.
func NewLoader[T any](kind string) *Loader[T] {
	return &Loader[T]{
		kind:    kind,
		holders: make(map[string]*holder[T]),
	}
}

// Register adds a factory under name. Registering a name twice is an error.
func (l *Loader[T]) Register(name string, factory Factory[T]) error {
	if name == "" {
		return rpcerr.Errorf("extension.Register", rpcerr.Invalid, "%s name should not be empty", l.kind)
	}
	if factory == nil {
		return rpcerr.Errorf("extension.Register", rpcerr.Invalid, "%s %q has a nil factory", l.kind, name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.holders[name]; ok {
		return rpcerr.Errorf("extension.Register", rpcerr.Invalid, "cannot override %s %q", l.kind, name)
	}
	l.holders[name] = &holder[T]{factory: factory}
	return nil
}

// MustRegister is like Register but panics on error. For use at startup.
func (l *Loader[T]) MustRegister(name string, factory Factory[T]) {
	if err := l.Register(name, factory); err != nil {
		panic(err)
	}
}

// Get returns the instance registered under name, building it on first use.
// A factory error is remembered and returned by every later Get.
func (l *Loader[T]) Get(name string) (T, error) {
	l.mu.RLock()
	h, ok := l.holders[name]
	l.mu.RUnlock()
	if !ok {
		var zero T
		return zero, rpcerr.E("extension.Get", rpcerr.Invalid, fmt.Errorf("no such %s: %q", l.kind, name))
	}
	h.once.Do(func() {
		h.instance, h.err = h.factory()
	})
	return h.instance, h.err
}

// Names returns the registered names in sorted order.
func (l *Loader[T]) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.holders))
	for name := range l.holders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
