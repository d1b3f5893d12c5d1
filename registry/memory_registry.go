package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu       sync.RWMutex
	nodes    map[string]string
	watchers map[string]map[chan struct{}]struct{}
}

// NewMemoryRegistry returns an empty in-process registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		nodes:    make(map[string]string),
		watchers: make(map[string]map[chan struct{}]struct{}),
	}
}

func (r *MemoryRegistry) CreatePersistentNode(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[path]; ok {
		return nil
	}
	r.nodes[path] = ""
	r.notifyLocked(path)
	return nil
}

func (r *MemoryRegistry) GetNodeData(ctx context.Context, path string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.nodes[path]
	if !ok {
		return "", ErrNoNode
	}
	return data, nil
}

func (r *MemoryRegistry) SetNodeData(ctx context.Context, path, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.nodes[path]; ok && old == data {
		return nil
	}
	r.nodes[path] = data
	r.notifyLocked(path)
	return nil
}

func (r *MemoryRegistry) GetChildren(ctx context.Context, path string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for key := range r.nodes {
		if name := childName(path, key); name != "" {
			seen[name] = struct{}{}
		}
	}
	children := make([]string, 0, len(seen))
	for name := range seen {
		children = append(children, name)
	}
	sort.Strings(children)
	return children, nil
}

func (r *MemoryRegistry) DeleteNode(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[path]; !ok {
		return nil
	}
	delete(r.nodes, path)
	r.notifyLocked(path)
	return nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, path string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	set, ok := r.watchers[path]
	if !ok {
		set = make(map[chan struct{}]struct{})
		r.watchers[path] = set
	}
	set[ch] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		if set, ok := r.watchers[path]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(r.watchers, path)
			}
		}
	}()
	return ch
}

// Close closes every watch channel.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, set := range r.watchers {
		for ch := range set {
			close(ch)
		}
		delete(r.watchers, path)
	}
	return nil
}

// notifyLocked signals the watchers of every ancestor of path.
// The caller must hold r.mu.
func (r *MemoryRegistry) notifyLocked(path string) {
	for watched, set := range r.watchers {
		if !strings.HasPrefix(path, strings.TrimSuffix(watched, "/")+"/") {
			continue
		}
		for ch := range set {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}
