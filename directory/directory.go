// Package directory publishes service instances and resolves service keys
// to candidate addresses.
//
// It is a thin adapter over a registry.Registry. Its contract is what the
// load balancer depends on: publish is idempotent, lookups reflect the
// registry as watched, and per-instance metadata (the live connection
// count) is readable by every client.
package directory

import (
	"context"
	"path"
	"sync"

	log "github.com/sirupsen/logrus"

	"kite-rpc/registry"
	"kite-rpc/rpcerr"
)

// DefaultRoot is the registry path under which services are published.
const DefaultRoot = "/kite-rpc"

// Directory is the service directory.
type Directory struct {
	reg  registry.Registry
	root string

	ctx    context.Context // bounds the watch goroutines
	cancel context.CancelFunc

	mu        sync.Mutex                     // protects published and the entry creation in lookups
	published map[string]map[string]struct{} // addr → service keys published at addr
	lookups   sync.Map                       // serviceKey → *entry
}

// entry caches the candidate list of one service key.
type entry struct {
	mu    sync.RWMutex
	addrs []string
	ready chan struct{}
	err   error
}

// New returns a Directory storing its nodes below root in reg.
// An empty root means DefaultRoot.
func New(reg registry.Registry, root string) *Directory {
	if root == "" {
		root = DefaultRoot
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Directory{
		reg:       reg,
		root:      root,
		ctx:       ctx,
		cancel:    cancel,
		published: make(map[string]map[string]struct{}),
	}
}

// ServicePath returns the registry path of a service key.
func (d *Directory) ServicePath(serviceKey string) string {
	return path.Join(d.root, serviceKey)
}

// NodePath returns the registry path of one published instance.
func (d *Directory) NodePath(serviceKey, addr string) string {
	return path.Join(d.root, serviceKey, addr)
}

// Publish registers addr as a candidate for serviceKey with the given
// metadata. Publishing the same pair again only updates the metadata.
func (d *Directory) Publish(ctx context.Context, serviceKey, addr, metadata string) error {
	if serviceKey == "" || addr == "" {
		return rpcerr.Errorf("directory.Publish", rpcerr.Invalid, "service key and address are required")
	}
	p := d.NodePath(serviceKey, addr)
	if err := d.reg.CreatePersistentNode(ctx, p); err != nil {
		return rpcerr.E("directory.Publish", err)
	}
	if err := d.reg.SetNodeData(ctx, p, metadata); err != nil {
		return rpcerr.E("directory.Publish", err)
	}

	d.mu.Lock()
	keys, ok := d.published[addr]
	if !ok {
		keys = make(map[string]struct{})
		d.published[addr] = keys
	}
	keys[serviceKey] = struct{}{}
	d.mu.Unlock()

	log.WithFields(log.Fields{"service": serviceKey, "addr": addr, "metadata": metadata}).Info("directory: published")
	return nil
}

// Unpublish removes addr from the candidates of serviceKey.
func (d *Directory) Unpublish(ctx context.Context, serviceKey, addr string) error {
	if err := d.reg.DeleteNode(ctx, d.NodePath(serviceKey, addr)); err != nil {
		return rpcerr.E("directory.Unpublish", err)
	}
	d.mu.Lock()
	if keys, ok := d.published[addr]; ok {
		delete(keys, serviceKey)
		if len(keys) == 0 {
			delete(d.published, addr)
		}
	}
	d.mu.Unlock()
	log.WithFields(log.Fields{"service": serviceKey, "addr": addr}).Info("directory: unpublished")
	return nil
}

// UpdateMetadata sets the metadata of every service this directory has
// published at addr.
func (d *Directory) UpdateMetadata(ctx context.Context, addr, value string) error {
	d.mu.Lock()
	keys := make([]string, 0, len(d.published[addr]))
	for key := range d.published[addr] {
		keys = append(keys, key)
	}
	d.mu.Unlock()

	for _, key := range keys {
		if err := d.reg.SetNodeData(ctx, d.NodePath(key, addr), value); err != nil {
			return rpcerr.E("directory.UpdateMetadata", err)
		}
	}
	return nil
}

// Metadata returns the metadata of one published instance.
func (d *Directory) Metadata(ctx context.Context, serviceKey, addr string) (string, error) {
	return d.reg.GetNodeData(ctx, d.NodePath(serviceKey, addr))
}

// Lookup returns the candidate addresses of serviceKey.
//
// The first lookup of a key reads the registry and starts a watch; later
// lookups return the cached list. The returned slice is shared and must
// not be modified. It keeps its identity until the candidate set changes,
// which lets balancers detect a change by comparing slices.
func (d *Directory) Lookup(ctx context.Context, serviceKey string) ([]string, error) {
	e, created := d.entry(serviceKey)
	if created {
		// Watch before reading so no change between the two is lost.
		wctx, wcancel := context.WithCancel(d.ctx)
		changes := d.reg.Watch(wctx, d.ServicePath(serviceKey))
		addrs, err := d.reg.GetChildren(ctx, d.ServicePath(serviceKey))
		if err != nil {
			wcancel()
			d.lookups.Delete(serviceKey)
			e.err = rpcerr.E("directory.Lookup", err)
			close(e.ready)
			return nil, e.err
		}
		e.addrs = addrs
		close(e.ready)
		go d.watch(serviceKey, e, changes, wcancel)
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.addrs, nil
}

func (d *Directory) entry(serviceKey string) (*entry, bool) {
	if v, ok := d.lookups.Load(serviceKey); ok {
		return v.(*entry), false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.lookups.Load(serviceKey); ok {
		return v.(*entry), false
	}
	e := &entry{ready: make(chan struct{})}
	d.lookups.Store(serviceKey, e)
	return e, true
}

// watch refreshes the cached candidates of serviceKey on every registry
// change until the directory is closed. If the registry ends the watch
// first, the entry is dropped so the next Lookup reads and watches again.
func (d *Directory) watch(serviceKey string, e *entry, changes <-chan struct{}, cancel context.CancelFunc) {
	defer cancel()
	defer func() {
		if d.ctx.Err() != nil {
			return
		}
		d.lookups.CompareAndDelete(serviceKey, e)
		log.WithFields(log.Fields{"service": serviceKey}).Warn("directory: watch ended, candidates will be reloaded")
	}()
	servicePath := d.ServicePath(serviceKey)
	for range changes {
		addrs, err := d.reg.GetChildren(d.ctx, servicePath)
		if err != nil {
			log.WithFields(log.Fields{"service": serviceKey}).WithError(err).Warn("directory: refresh failed")
			continue
		}
		e.mu.Lock()
		if !equal(e.addrs, addrs) {
			e.addrs = addrs
			log.WithFields(log.Fields{"service": serviceKey, "candidates": addrs}).Debug("directory: candidates changed")
		}
		e.mu.Unlock()
	}
}

// Close stops every watch. It does not close the registry.
func (d *Directory) Close() error {
	d.cancel()
	return nil
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
