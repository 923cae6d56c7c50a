package ports

import (
	"context"

	"github.com/bnema/paychat/internal/domain"
)

type PoolRepository interface {
	GetByID(ctx context.Context, id domain.PoolID) (domain.Pool, error)
	List(ctx context.Context) ([]domain.Pool, error)
	Save(ctx context.Context, pool domain.Pool) error
}

// PoolHealthProbe reports how many agents are ready in a pool right now.
type PoolHealthProbe interface {
	Health(ctx context.Context, pool domain.Pool) (domain.PoolHealth, error)
}
