// Package loadbalance provides the strategies that pick one target address
// out of the candidates the service directory returns for a request.
//
// Four strategies are implemented:
//   - Random:          uniform choice, no state
//   - RoundRobin:      equal-capacity instances, in order
//   - ConsistentHash:  same arguments land on the same instance
//   - MinConnections:  fewest live connections, read from instance metadata
package loadbalance

import (
	"context"

	"kite-rpc/extension"
	"kite-rpc/message"
	"kite-rpc/rpcerr"
)

// Balancer selects one address from the available candidates.
// The client calls Select before each RPC; it must be goroutine-safe.
type Balancer interface {
	// Select picks one of candidates for req. An empty candidate list is a
	// NoAvailableService error.
	Select(ctx context.Context, candidates []string, req *message.Request) (string, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// MetadataSource reads the metadata published for one instance of a service.
// *directory.Directory implements it.
type MetadataSource interface {
	Metadata(ctx context.Context, serviceKey, addr string) (string, error)
}

// checkCandidates is the behavior shared by every strategy.
func checkCandidates(candidates []string, req *message.Request) error {
	if len(candidates) == 0 {
		return rpcerr.Errorf("loadbalance.Select", rpcerr.NoAvailableService, "no instance available for %s", req.ServiceKey())
	}
	return nil
}

// NewLoader returns the named strategies: "random", "roundrobin",
// "consistenthash" and "minconn". meta feeds "minconn".
func NewLoader(meta MetadataSource) *extension.Loader[Balancer] {
	l := extension.NewLoader[Balancer]("loadbalance")
	l.MustRegister("random", func() (Balancer, error) {
		return NewRandomBalancer(), nil
	})
	l.MustRegister("roundrobin", func() (Balancer, error) {
		return &RoundRobinBalancer{}, nil
	})
	l.MustRegister("consistenthash", func() (Balancer, error) {
		return NewConsistentHashBalancer(), nil
	})
	l.MustRegister("minconn", func() (Balancer, error) {
		if meta == nil {
			return nil, rpcerr.Errorf("loadbalance.NewLoader", rpcerr.Invalid, "minconn needs a metadata source")
		}
		return NewMinConnectionsBalancer(meta), nil
	})
	return l
}
