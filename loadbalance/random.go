package loadbalance

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"kite-rpc/message"
)

// RandomBalancer picks a candidate uniformly at random.
type RandomBalancer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRandomBalancer() *RandomBalancer {
	return &RandomBalancer{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *RandomBalancer) Select(ctx context.Context, candidates []string, req *message.Request) (string, error) {
	if err := checkCandidates(candidates, req); err != nil {
		return "", err
	}
	b.mu.Lock()
	i := b.rnd.Intn(len(candidates))
	b.mu.Unlock()
	return candidates[i], nil
}

func (b *RandomBalancer) Name() string {
	return "Random"
}
