package loadbalance

import (
	"context"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"kite-rpc/message"
	"kite-rpc/rpcerr"
)

// MinConnectionsBalancer picks the candidate with the fewest live
// connections, as published by each server in its instance metadata.
// Ties go to the candidate listed first. Candidates whose metadata is
// missing or not a number are skipped.
type MinConnectionsBalancer struct {
	meta MetadataSource
}

func NewMinConnectionsBalancer(meta MetadataSource) *MinConnectionsBalancer {
	return &MinConnectionsBalancer{meta: meta}
}

func (b *MinConnectionsBalancer) Select(ctx context.Context, candidates []string, req *message.Request) (string, error) {
	if err := checkCandidates(candidates, req); err != nil {
		return "", err
	}
	key := req.ServiceKey()
	best, bestCount := "", 0
	for _, addr := range candidates {
		data, err := b.meta.Metadata(ctx, key, addr)
		if err != nil {
			log.WithFields(log.Fields{"service": key, "addr": addr}).WithError(err).Debug("loadbalance: skip instance without metadata")
			continue
		}
		count, err := strconv.Atoi(strings.TrimSpace(data))
		if err != nil {
			log.WithFields(log.Fields{"service": key, "addr": addr, "metadata": data}).Debug("loadbalance: skip instance with unreadable metadata")
			continue
		}
		if best == "" || count < bestCount {
			best, bestCount = addr, count
		}
	}
	if best == "" {
		return "", rpcerr.Errorf("loadbalance.Select", rpcerr.NoAvailableService, "no instance of %s has readable connection metadata", key)
	}
	return best, nil
}

func (b *MinConnectionsBalancer) Name() string {
	return "MinConnections"
}
