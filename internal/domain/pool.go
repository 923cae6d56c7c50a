package domain

import (
	"fmt"
	"strings"
	"time"
)

type PoolID string

const DefaultMinReadyAgents = 1

type Pool struct {
	ID             PoolID
	Name           string
	Active         bool
	MinReadyAgents int
	Agents         []string
	UpdatedAt      time.Time
}

func (p Pool) Validate() error {
	if strings.TrimSpace(string(p.ID)) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if p.MinReadyAgents < 0 {
		return fmt.Errorf("min ready agents must not be negative")
	}

	return nil
}

func (p *Pool) NormalizeAgents() {
	if p == nil {
		return
	}

	agents := make([]string, 0, len(p.Agents))
	seen := make(map[string]struct{}, len(p.Agents))
	for _, agent := range p.Agents {
		trimmed := strings.TrimSpace(agent)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		agents = append(agents, trimmed)
	}

	p.Agents = agents
}

// PoolIDForIndex names partitions pool-0..pool-N.
func PoolIDForIndex(i int) PoolID {
	return PoolID(fmt.Sprintf("pool-%d", i))
}

type PoolHealth struct {
	PoolID      PoolID
	ReadyAgents int
	MinReady    int
}

func (h PoolHealth) Healthy() bool {
	threshold := h.MinReady
	if threshold <= 0 {
		threshold = DefaultMinReadyAgents
	}
	return h.ReadyAgents >= threshold
}

type PoolAssignment struct {
	WalletKey string
	PoolID    PoolID
	Healthy   bool
	// Routing reports that the session is bound to PoolID. Every assignment
	// made from the pool table sets it, anonymous ones included. WalletKey
	// tells whether the choice is stable across sessions.
	Routing bool
}
