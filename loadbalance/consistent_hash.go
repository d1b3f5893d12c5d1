package loadbalance

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"unsafe"

	"kite-rpc/message"
)

// VirtualNodes is the number of MD5 digests taken per address. Each digest
// yields four ring points, so an address owns 4*VirtualNodes points.
const VirtualNodes = 40

// ConsistentHashBalancer maps a request to an instance through a hash ring,
// so calls with the same service key and arguments reach the same instance
// until the candidate set changes. When it does, only the points of the
// added or removed addresses move.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest point → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// One ring is cached per service key. It is rebuilt when the candidate
// slice handed to Select is a different slice than the one it was built
// from; the directory hands out the same slice until the set changes.
type ConsistentHashBalancer struct {
	mu    sync.RWMutex
	rings map[string]*hashRing
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{rings: make(map[string]*hashRing)}
}

func (b *ConsistentHashBalancer) Select(ctx context.Context, candidates []string, req *message.Request) (string, error) {
	if err := checkCandidates(candidates, req); err != nil {
		return "", err
	}
	key := req.ServiceKey()
	id := identityOf(candidates)

	b.mu.RLock()
	ring, ok := b.rings[key]
	b.mu.RUnlock()

	if !ok || ring.id != id {
		ring = newHashRing(candidates, id)
		b.mu.Lock()
		b.rings[key] = ring
		b.mu.Unlock()
	}
	return ring.lookup(selectKey(req)), nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// listIdentity tells two candidate slices apart without comparing them.
type listIdentity struct {
	data *string
	len  int
}

func identityOf(candidates []string) listIdentity {
	return listIdentity{data: unsafe.SliceData(candidates), len: len(candidates)}
}

type hashRing struct {
	id     listIdentity
	hashes []uint32          // sorted
	owners map[uint32]string // point → address
}

func newHashRing(candidates []string, id listIdentity) *hashRing {
	r := &hashRing{
		id:     id,
		hashes: make([]uint32, 0, len(candidates)*VirtualNodes*4),
		owners: make(map[uint32]string, len(candidates)*VirtualNodes*4),
	}
	for _, addr := range candidates {
		for i := 0; i < VirtualNodes; i++ {
			digest := md5.Sum([]byte(addr + strconv.Itoa(i)))
			for h := 0; h < 4; h++ {
				m := pointHash(digest, h)
				if _, taken := r.owners[m]; !taken {
					r.hashes = append(r.hashes, m)
				}
				r.owners[m] = addr
			}
		}
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
	return r
}

// lookup returns the owner of the first point >= hash, wrapping to the
// first point of the ring.
func (r *hashRing) lookup(hash uint32) string {
	idx := sort.Search(len(r.hashes), func(i int) bool {
		return r.hashes[i] >= hash
	})
	if idx == len(r.hashes) {
		idx = 0
	}
	return r.owners[r.hashes[idx]]
}

// pointHash reads the h-th little-endian uint32 of an MD5 digest.
func pointHash(digest [md5.Size]byte, h int) uint32 {
	return binary.LittleEndian.Uint32(digest[h*4 : h*4+4])
}

// selectKey hashes the service key and the stringified arguments.
func selectKey(req *message.Request) uint32 {
	digest := md5.Sum([]byte(req.ServiceKey() + fmt.Sprint(req.Params)))
	return pointHash(digest, 0)
}
