// Package provider holds the service objects a server exposes, keyed by
// service key, and resolves an inbound request to a method call.
package provider

import (
	"context"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"kite-rpc/message"
	"kite-rpc/rpcerr"
)

// ServiceConfig describes one service object to expose.
type ServiceConfig struct {
	Interface string // defaults to the type name of Service
	Version   string
	Group     string
	Service   any
}

// ServiceKey returns the key the service is published under.
func (c ServiceConfig) ServiceKey() string {
	return message.ServiceKey(c.Interface, c.Group, c.Version)
}

// Publisher announces a service instance. *directory.Directory implements it.
type Publisher interface {
	Publish(ctx context.Context, serviceKey, addr, metadata string) error
}

// Provider is the service map of a server.
type Provider struct {
	mu       sync.RWMutex
	services map[string]*Service
}

func New() *Provider {
	return &Provider{services: make(map[string]*Service)}
}

// AddService builds the method table of cfg.Service and adds it under its
// service key. Adding a second object under the same key is an error.
func (p *Provider) AddService(cfg ServiceConfig) error {
	svc, err := newService(cfg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.services[svc.key]; ok {
		return rpcerr.Errorf("provider.AddService", rpcerr.Invalid, "service %s is already added", svc.key)
	}
	p.services[svc.key] = svc
	log.WithFields(log.Fields{"service": svc.key, "methods": len(svc.methods)}).Info("provider: service added")
	return nil
}

// GetService returns the service added under serviceKey.
func (p *Provider) GetService(serviceKey string) (*Service, error) {
	p.mu.RLock()
	svc, ok := p.services[serviceKey]
	p.mu.RUnlock()
	if !ok {
		return nil, rpcerr.Errorf("provider.GetService", rpcerr.RemoteInvocation, "service %s not found", serviceKey)
	}
	return svc, nil
}

// Services returns every added service, sorted by key.
func (p *Provider) Services() []*Service {
	p.mu.RLock()
	out := make([]*Service, 0, len(p.services))
	for _, svc := range p.services {
		out = append(out, svc)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// Publish announces every service at addr with the given metadata.
func (p *Provider) Publish(ctx context.Context, pub Publisher, addr, metadata string) error {
	for _, svc := range p.Services() {
		if err := pub.Publish(ctx, svc.key, addr, metadata); err != nil {
			return err
		}
	}
	return nil
}

// Invoke resolves req to a service and calls the method it names.
func (p *Provider) Invoke(ctx context.Context, req *message.Request) (any, error) {
	svc, err := p.GetService(req.ServiceKey())
	if err != nil {
		return nil, err
	}
	return svc.Invoke(ctx, req)
}
