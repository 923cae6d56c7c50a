package application

import (
	"context"
	"sync"
	"time"

	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

const DefaultHeartbeatTTL = 60 * time.Second

// AgentRegistry tracks agent heartbeats and answers pool health from them.
type AgentRegistry struct {
	mu    sync.RWMutex
	ttl   time.Duration
	clock ports.Clock
	seen  map[domain.PoolID]map[string]time.Time
}

func NewAgentRegistry(ttl time.Duration, clock ports.Clock) *AgentRegistry {
	if ttl <= 0 {
		ttl = DefaultHeartbeatTTL
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &AgentRegistry{ttl: ttl, clock: clock, seen: map[domain.PoolID]map[string]time.Time{}}
}

func (r *AgentRegistry) Beat(pool domain.PoolID, agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agents, ok := r.seen[pool]
	if !ok {
		agents = map[string]time.Time{}
		r.seen[pool] = agents
	}
	agents[agent] = r.clock.Now()
}

// Ready lists the agents of pool whose last heartbeat is within the TTL.
func (r *AgentRegistry) Ready(pool domain.PoolID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := r.clock.Now().Add(-r.ttl)
	ready := make([]string, 0, len(r.seen[pool]))
	for agent, at := range r.seen[pool] {
		if !at.Before(cutoff) {
			ready = append(ready, agent)
		}
	}
	return ready
}

func (r *AgentRegistry) Health(_ context.Context, pool domain.Pool) (domain.PoolHealth, error) {
	return domain.PoolHealth{
		PoolID:      pool.ID,
		ReadyAgents: len(r.Ready(pool.ID)),
		MinReady:    pool.MinReadyAgents,
	}, nil
}
