package toml

import (
	"context"
	"sort"
	"sync"

	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
	"github.com/spf13/viper"
)

const (
	PoolsPathKey   = "pools.path"
	poolConfigFile = "pools.toml"
)

type PoolRepository struct {
	path string
	mu   *sync.RWMutex
}

var _ ports.PoolRepository = (*PoolRepository)(nil)

func NewPoolRepository(cfg *viper.Viper) (*PoolRepository, error) {
	path, err := resolvePath(cfg, PoolsPathKey, poolConfigFile)
	if err != nil {
		return nil, err
	}

	return &PoolRepository{path: path, mu: lockForPath(path)}, nil
}

func (r *PoolRepository) Path() string {
	return r.path
}

func (r *PoolRepository) Save(ctx context.Context, pool domain.Pool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pool.NormalizeAgents()
	if err := pool.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.readSchema()
	if err != nil {
		return err
	}
	file.applyDefaults()

	encoded := toPoolSchema(pool)
	updated := false
	for i := range file.Pools {
		if file.Pools[i].ID == encoded.ID {
			file.Pools[i] = encoded
			updated = true
			break
		}
	}
	if !updated {
		file.Pools = append(file.Pools, encoded)
	}
	sort.Slice(file.Pools, func(i, j int) bool { return file.Pools[i].ID < file.Pools[j].ID })

	if err := ctx.Err(); err != nil {
		return err
	}

	return writeTOMLFile(r.path, file)
}

func (r *PoolRepository) GetByID(ctx context.Context, id domain.PoolID) (domain.Pool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Pool{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readSchema()
	if err != nil {
		return domain.Pool{}, err
	}

	for _, entry := range file.Pools {
		if entry.ID == string(id) {
			return fromPoolSchema(entry), nil
		}
	}

	return domain.Pool{}, domain.ErrPoolNotFound
}

func (r *PoolRepository) List(ctx context.Context) ([]domain.Pool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readSchema()
	if err != nil {
		return nil, err
	}

	pools := make([]domain.Pool, 0, len(file.Pools))
	for _, entry := range file.Pools {
		pools = append(pools, fromPoolSchema(entry))
	}

	return pools, nil
}

func (r *PoolRepository) readSchema() (poolsFileSchema, error) {
	var file poolsFileSchema
	if err := readTOMLFile(r.path, "pools", &file); err != nil {
		return poolsFileSchema{}, err
	}
	if err := file.validateVersion(); err != nil {
		return poolsFileSchema{}, err
	}
	file.applyDefaults()

	return file, nil
}

func toPoolSchema(pool domain.Pool) poolSchema {
	agents := make([]string, len(pool.Agents))
	copy(agents, pool.Agents)

	return poolSchema{
		ID:             string(pool.ID),
		Name:           pool.Name,
		Active:         pool.Active,
		MinReadyAgents: pool.MinReadyAgents,
		Agents:         agents,
		UpdatedAt:      formatTime(pool.UpdatedAt),
	}
}

func fromPoolSchema(schema poolSchema) domain.Pool {
	agents := make([]string, len(schema.Agents))
	copy(agents, schema.Agents)

	return domain.Pool{
		ID:             domain.PoolID(schema.ID),
		Name:           schema.Name,
		Active:         schema.Active,
		MinReadyAgents: schema.MinReadyAgents,
		Agents:         agents,
		UpdatedAt:      parseTime(schema.UpdatedAt),
	}
}
