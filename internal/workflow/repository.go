package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pitabwire/approvals/model"
)

// Repository loads and saves workflow-enabled entities of one type.
type Repository interface {
	// Load returns the entity or a NOT_FOUND envelope.
	Load(ctx context.Context, tenantID, entityID string) (model.WorkflowEnabled, error)

	// Save persists the entity's current state.
	Save(ctx context.Context, entity model.WorkflowEnabled) error
}

// Repositories maps entity types to repositories. Lookups ignore case.
type Repositories struct {
	mu    sync.RWMutex
	repos map[string]Repository
	names map[string]string
}

// NewRepositories creates an empty registry.
func NewRepositories() *Repositories {
	return &Repositories{
		repos: make(map[string]Repository),
		names: make(map[string]string),
	}
}

// Register binds a repository to an entity type, replacing any previous
// binding.
func (r *Repositories) Register(entityType string, repo Repository) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(entityType)
	r.repos[key] = repo
	r.names[key] = entityType
}

// Resolve returns the repository for the entity type.
func (r *Repositories) Resolve(entityType string) (Repository, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	repo, ok := r.repos[strings.ToLower(entityType)]
	return repo, ok
}

// Types returns the registered entity types in registration spelling.
func (r *Repositories) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// MemoryRepository keeps entities in memory keyed by tenant and ID.
type MemoryRepository struct {
	mu       sync.RWMutex
	entities map[string]model.WorkflowEnabled
	saves    int
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entities: make(map[string]model.WorkflowEnabled)}
}

func entityKey(tenantID, entityID string) string {
	return tenantID + "/" + entityID
}

// Put stores an entity under the tenant without counting as a save.
func (r *MemoryRepository) Put(tenantID string, entity model.WorkflowEnabled) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[entityKey(tenantID, entity.EntityID())] = entity
}

// Load implements Repository.
func (r *MemoryRepository) Load(_ context.Context, tenantID, entityID string) (model.WorkflowEnabled, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[entityKey(tenantID, entityID)]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("entity %q not found", entityID))
	}
	return e, nil
}

// Save implements Repository. The tenant is taken from TenantScoped
// entities, then from the request context.
func (r *MemoryRepository) Save(ctx context.Context, entity model.WorkflowEnabled) error {
	tenantID := ""
	if ts, ok := entity.(model.TenantScoped); ok {
		tenantID = ts.TenantID()
	}
	if tenantID == "" {
		if rctx := model.RequestContextFrom(ctx); rctx != nil {
			tenantID = rctx.TenantID
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[entityKey(tenantID, entity.EntityID())] = entity
	r.saves++
	return nil
}

// Saves returns how many times Save was called. For testing.
func (r *MemoryRepository) Saves() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saves
}
