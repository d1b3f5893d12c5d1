// Package registry abstracts the external key/value store that holds
// published service instances.
//
// The store is a tree of nodes addressed by slash-separated paths, each
// holding a string value:
//
//	/kite-rpc/{ServiceKey}/{Addr}  →  metadata (e.g. live connection count)
//
// Two backends are provided: EtcdRegistry for deployments and
// MemoryRegistry for single-process use and tests.
package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"kite-rpc/extension"
)

// ErrNoNode is returned when a path does not exist.
var ErrNoNode = errors.New("registry: node does not exist")

// Registry is the watch-capable key/value store behind the service directory.
type Registry interface {
	// CreatePersistentNode creates path with empty data. It is a no-op if
	// the node already exists.
	CreatePersistentNode(ctx context.Context, path string) error
	// GetNodeData returns the data stored at path or ErrNoNode.
	GetNodeData(ctx context.Context, path string) (string, error)
	// SetNodeData stores data at path, creating the node if needed.
	SetNodeData(ctx context.Context, path, data string) error
	// GetChildren returns the sorted names of the direct children of path.
	GetChildren(ctx context.Context, path string) ([]string, error)
	// DeleteNode removes path. Deleting a missing node is not an error.
	DeleteNode(ctx context.Context, path string) error
	// Watch signals on the returned channel whenever a node below path is
	// created, changed or deleted. Signals coalesce. The channel is closed
	// when ctx is done or the store ends the watch.
	Watch(ctx context.Context, path string) <-chan struct{}
	// Close releases the connection to the store.
	Close() error
}

// Options configures the registry backends.
type Options struct {
	Endpoints   []string      // etcd endpoints, e.g. ["127.0.0.1:2379"]
	DialTimeout time.Duration // etcd dial timeout
}

// NewLoader returns the named registry backends: "etcd" and "memory".
func NewLoader(opts Options) *extension.Loader[Registry] {
	l := extension.NewLoader[Registry]("registry")
	l.MustRegister("memory", func() (Registry, error) {
		return NewMemoryRegistry(), nil
	})
	l.MustRegister("etcd", func() (Registry, error) {
		return NewEtcdRegistry(opts.Endpoints, opts.DialTimeout)
	})
	return l
}

// childName returns the first path segment of key below parent, or "" if
// key is not strictly below parent.
func childName(parent, key string) string {
	prefix := strings.TrimSuffix(parent, "/") + "/"
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	rest := key[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
