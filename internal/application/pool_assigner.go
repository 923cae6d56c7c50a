package application

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

const (
	DefaultAssignRetries = 3
	DefaultPoolCount     = 2
)

type PoolStatus struct {
	Pool   domain.Pool
	Health domain.PoolHealth
	Err    error
}

// PoolAssigner maps users onto agent pools and administers the pool set.
type PoolAssigner struct {
	pools   ports.PoolRepository
	health  ports.PoolHealthProbe
	clock   ports.Clock
	logger  *slog.Logger
	retries int
	delay   func(attempt int) time.Duration
	pick    func(n int) int
}

type PoolAssignerOption func(*PoolAssigner)

func WithAssignRetries(n int) PoolAssignerOption {
	return func(a *PoolAssigner) {
		if n >= 0 {
			a.retries = n
		}
	}
}

// WithRetryDelay replaces the jittered backoff between assignment attempts.
func WithRetryDelay(delay func(attempt int) time.Duration) PoolAssignerOption {
	return func(a *PoolAssigner) {
		if delay != nil {
			a.delay = delay
		}
	}
}

func WithRandom(pick func(n int) int) PoolAssignerOption {
	return func(a *PoolAssigner) {
		if pick != nil {
			a.pick = pick
		}
	}
}

func NewPoolAssigner(pools ports.PoolRepository, health ports.PoolHealthProbe, clock ports.Clock, logger *slog.Logger, opts ...PoolAssignerOption) *PoolAssigner {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &PoolAssigner{
		pools:   pools,
		health:  health,
		clock:   clock,
		logger:  logger,
		retries: DefaultAssignRetries,
		delay: func(attempt int) time.Duration {
			return ExponentialDelay(attempt, 500*time.Millisecond, 5*time.Second)
		},
		pick: rand.IntN,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assign picks a pool for wallet. A known wallet hashes to a stable pool and
// falls back to the first healthy one; an anonymous user gets a random healthy
// pool. When nothing is healthy after the retries it returns ErrPoolsNotReady.
func (a *PoolAssigner) Assign(ctx context.Context, wallet string) (domain.PoolAssignment, error) {
	const op = "application.PoolAssigner.Assign"
	wallet = strings.TrimSpace(wallet)

	for attempt := 0; ; attempt++ {
		assignment, err := a.assignOnce(ctx, wallet)
		if err == nil {
			return assignment, nil
		}
		if !errors.Is(err, domain.ErrPoolsNotReady) || attempt >= a.retries {
			return domain.PoolAssignment{}, err
		}

		wait := a.delay(attempt)
		a.logger.Warn("no healthy pool, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.PoolAssignment{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (a *PoolAssigner) assignOnce(ctx context.Context, wallet string) (domain.PoolAssignment, error) {
	candidates, err := a.activePools(ctx)
	if err != nil {
		return domain.PoolAssignment{}, err
	}
	if len(candidates) == 0 {
		return domain.PoolAssignment{}, fmt.Errorf("%w: no active pools", domain.ErrPoolsNotReady)
	}

	statuses := a.probe(ctx, candidates)
	healthy := make([]PoolStatus, 0, len(statuses))
	for _, status := range statuses {
		if status.Err == nil && status.Health.Healthy() {
			healthy = append(healthy, status)
		}
	}
	if len(healthy) == 0 {
		return domain.PoolAssignment{}, fmt.Errorf("%w: %d pools, none healthy", domain.ErrPoolsNotReady, len(candidates))
	}

	if wallet == "" {
		chosen := healthy[a.pick(len(healthy))]
		return domain.PoolAssignment{PoolID: chosen.Pool.ID, Healthy: true, Routing: true}, nil
	}

	preferred := statuses[walletIndex(wallet, len(statuses))]
	if preferred.Err == nil && preferred.Health.Healthy() {
		return domain.PoolAssignment{WalletKey: wallet, PoolID: preferred.Pool.ID, Healthy: true, Routing: true}, nil
	}

	a.logger.Info("preferred pool unhealthy, falling back",
		slog.String("preferred", string(preferred.Pool.ID)),
		slog.String("fallback", string(healthy[0].Pool.ID)))
	return domain.PoolAssignment{WalletKey: wallet, PoolID: healthy[0].Pool.ID, Healthy: true, Routing: true}, nil
}

func walletIndex(wallet string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(wallet))
	return int(h.Sum32() % uint32(n))
}

// EnsureDefaultPools creates pool-0..pool-{n-1} if they do not exist yet.
// Existing pools keep their settings.
func (a *PoolAssigner) EnsureDefaultPools(ctx context.Context, n int) ([]domain.Pool, error) {
	if n <= 0 {
		n = DefaultPoolCount
	}

	created := make([]domain.Pool, 0, n)
	for i := 0; i < n; i++ {
		id := domain.PoolIDForIndex(i)
		_, err := a.pools.GetByID(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrPoolNotFound) {
			return nil, fmt.Errorf("load pool %s: %w", id, err)
		}

		pool := domain.Pool{
			ID:             id,
			Name:           string(id),
			Active:         true,
			MinReadyAgents: domain.DefaultMinReadyAgents,
			UpdatedAt:      a.clock.Now(),
		}
		if err := a.pools.Save(ctx, pool); err != nil {
			return nil, fmt.Errorf("save pool: %w", err)
		}
		created = append(created, pool)
	}

	return created, nil
}

func (a *PoolAssigner) Activate(ctx context.Context, id domain.PoolID) (domain.Pool, error) {
	return a.setActive(ctx, id, true)
}

func (a *PoolAssigner) Deactivate(ctx context.Context, id domain.PoolID) (domain.Pool, error) {
	return a.setActive(ctx, id, false)
}

func (a *PoolAssigner) setActive(ctx context.Context, id domain.PoolID, active bool) (domain.Pool, error) {
	pool, err := a.pools.GetByID(ctx, id)
	if err != nil {
		return domain.Pool{}, err
	}

	pool.Active = active
	pool.UpdatedAt = a.clock.Now()
	pool.NormalizeAgents()
	if err := pool.Validate(); err != nil {
		return domain.Pool{}, err
	}
	if err := a.pools.Save(ctx, pool); err != nil {
		return domain.Pool{}, fmt.Errorf("save pool: %w", err)
	}

	return pool, nil
}

// Register records agent as a member of pool.
func (a *PoolAssigner) Register(ctx context.Context, id domain.PoolID, agent string) (domain.Pool, error) {
	pool, err := a.pools.GetByID(ctx, id)
	if err != nil {
		return domain.Pool{}, err
	}
	for _, existing := range pool.Agents {
		if existing == agent {
			return pool, nil
		}
	}

	pool.Agents = append(pool.Agents, agent)
	pool.NormalizeAgents()
	pool.UpdatedAt = a.clock.Now()
	if err := a.pools.Save(ctx, pool); err != nil {
		return domain.Pool{}, fmt.Errorf("save pool: %w", err)
	}
	return pool, nil
}

func (a *PoolAssigner) List(ctx context.Context) ([]domain.Pool, error) {
	pools, err := a.pools.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
	return pools, nil
}

// Status probes every pool, active or not.
func (a *PoolAssigner) Status(ctx context.Context) ([]PoolStatus, error) {
	pools, err := a.List(ctx)
	if err != nil {
		return nil, err
	}
	return a.probe(ctx, pools), nil
}

func (a *PoolAssigner) activePools(ctx context.Context) ([]domain.Pool, error) {
	pools, err := a.List(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]domain.Pool, 0, len(pools))
	for _, pool := range pools {
		if pool.Active {
			active = append(active, pool)
		}
	}
	return active, nil
}

func (a *PoolAssigner) probe(ctx context.Context, pools []domain.Pool) []PoolStatus {
	statuses := make([]PoolStatus, 0, len(pools))
	for _, pool := range pools {
		status := PoolStatus{Pool: pool}
		if a.health == nil {
			status.Health = domain.PoolHealth{PoolID: pool.ID, ReadyAgents: len(pool.Agents), MinReady: pool.MinReadyAgents}
		} else {
			status.Health, status.Err = a.health.Health(ctx, pool)
		}
		if status.Err != nil {
			a.logger.Warn("pool health probe failed",
				slog.String("op", "application.PoolAssigner.probe"),
				slog.String("pool_id", string(pool.ID)),
				slog.Any("err", status.Err))
		}
		statuses = append(statuses, status)
	}
	return statuses
}
