package loadbalance

import (
	"context"
	"sync/atomic"

	"kite-rpc/message"
)

// RoundRobinBalancer walks the candidate list in order.
// One counter is shared by every service key.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Select(ctx context.Context, candidates []string, req *message.Request) (string, error) {
	if err := checkCandidates(candidates, req); err != nil {
		return "", err
	}
	index := (b.counter.Add(1) - 1) % uint64(len(candidates))
	return candidates[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
