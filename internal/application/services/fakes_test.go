package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/claimvalidation/internal/adapters/cache"
	"github.com/zatekoja/claimvalidation/internal/application/services"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	"github.com/zatekoja/claimvalidation/internal/domain/providers"
	"github.com/zatekoja/claimvalidation/internal/domain/repositories"
	apperrors "github.com/zatekoja/claimvalidation/pkg/errors"
)

// stubLLM answers every structured request with respond
type stubLLM struct {
	mu       sync.Mutex
	respond  func(req providers.StructuredRequest) ([]byte, error)
	requests []providers.StructuredRequest
}

func (s *stubLLM) GenerateStructured(ctx context.Context, req providers.StructuredRequest) ([]byte, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.respond(req)
}

func (s *stubLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func fixedLLM(payload string) *stubLLM {
	return &stubLLM{respond: func(providers.StructuredRequest) ([]byte, error) { return []byte(payload), nil }}
}

func failingLLM(err error) *stubLLM {
	return &stubLLM{respond: func(providers.StructuredRequest) ([]byte, error) { return nil, err }}
}

const appropriateReview = `{"is_medically_appropriate":true,"medical_necessity_concerns":[],"alignment_with_standards":"aligned","recommendations":[],"confidence_score":0.92}`

const inappropriateReview = `{"is_medically_appropriate":false,"medical_necessity_concerns":["Service SRV2001 is not medically justified for diagnosis E11.9"],"alignment_with_standards":"not aligned","recommendations":["Review documentation"],"confidence_score":0.85}`

// failingCache returns err from every call
type failingCache struct{ err error }

func (f failingCache) Get(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingCache) Set(context.Context, string, []byte, int) error { return f.err }
func (f failingCache) SetNX(context.Context, string, []byte, int) (bool, error) { return false, f.err }
func (f failingCache) Delete(context.Context, string) error { return f.err }
func (f failingCache) Exists(context.Context, string) (bool, error) { return false, f.err }

// memoryTaskRepo enforces one active task per type like the database indexes do
type memoryTaskRepo struct {
	mu    sync.Mutex
	tasks map[string]*entities.TaskRecord
}

func newMemoryTaskRepo() *memoryTaskRepo {
	return &memoryTaskRepo{tasks: map[string]*entities.TaskRecord{}}
}

func cloneTask(t *entities.TaskRecord) *entities.TaskRecord {
	c := *t
	c.Details = map[string]any{}
	for k, v := range t.Details {
		c.Details[k] = v
	}
	return &c
}

func (r *memoryTaskRepo) Create(ctx context.Context, task *entities.TaskRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tasks {
		if existing.Status.IsActive() && existing.TaskType == task.TaskType {
			return apperrors.NewConflictError("an active task already exists (uq_validation_tasks_active_type)")
		}
	}
	r.tasks[task.TaskID] = cloneTask(task)
	return nil
}

func (r *memoryTaskRepo) GetByID(ctx context.Context, taskID string) (*entities.TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return nil, apperrors.NewNotFoundError("task with id " + taskID + " not found")
	}
	return cloneTask(task), nil
}

func (r *memoryTaskRepo) Update(ctx context.Context, task *entities.TaskRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.TaskID]; !ok {
		return apperrors.NewNotFoundError("task with id " + task.TaskID + " not found")
	}
	r.tasks[task.TaskID] = cloneTask(task)
	return nil
}

func (r *memoryTaskRepo) list(match func(*entities.TaskRecord) bool) []*entities.TaskRecord {
	var out []*entities.TaskRecord
	for _, t := range r.tasks {
		if match(t) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *memoryTaskRepo) ListActive(ctx context.Context, filter repositories.TaskFilter) ([]*entities.TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(func(t *entities.TaskRecord) bool {
		return t.Status.IsActive() &&
			(filter.TaskType == "" || t.TaskType == filter.TaskType) &&
			(filter.OwnerUserID == "" || t.OwnerUserID == filter.OwnerUserID)
	}), nil
}

func (r *memoryTaskRepo) ListByOwner(ctx context.Context, ownerUserID string, limit int) ([]*entities.TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.list(func(t *entities.TaskRecord) bool { return t.OwnerUserID == ownerUserID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryTaskRepo) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for id, t := range r.tasks {
		if t.Status.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			delete(r.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

// put stores a task directly, bypassing admission
func (r *memoryTaskRepo) put(task *entities.TaskRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.TaskID] = cloneTask(task)
}

// memoryClaimRepo stages writes made inside a transaction of fakeTx and
// applies them only on commit.
type memoryClaimRepo struct {
	mu      sync.Mutex
	claims  map[string]*entities.Claim
	refined map[string]*entities.Claim
	order   []string
	saveErr map[string]error
}

func newMemoryClaimRepo(claims ...*entities.Claim) *memoryClaimRepo {
	r := &memoryClaimRepo{claims: map[string]*entities.Claim{}, refined: map[string]*entities.Claim{}, saveErr: map[string]error{}}
	for _, c := range claims {
		c := *c
		if c.Status == "" {
			c.Status = entities.ClaimStatusNotValidated
		}
		r.claims[c.ClaimID] = &c
		r.order = append(r.order, c.ClaimID)
	}
	return r
}

func (r *memoryClaimRepo) get(id string) *entities.Claim {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *r.claims[id]
	return &c
}

func (r *memoryClaimRepo) FindByIDs(ctx context.Context, ids []string) ([]*entities.Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.Claim
	for _, id := range ids {
		if c, ok := r.claims[id]; ok {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memoryClaimRepo) Save(ctx context.Context, claim *entities.Claim) error {
	r.mu.Lock()
	err := r.saveErr[claim.ClaimID]
	_, known := r.claims[claim.ClaimID]
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if !known {
		return apperrors.NewNotFoundError("claim with id " + claim.ClaimID + " not found")
	}
	c := *claim
	stage(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.claims[c.ClaimID] = &c
	})
	return nil
}

func (r *memoryClaimRepo) UpsertRefined(ctx context.Context, claim *entities.Claim) error {
	c := *claim
	stage(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.refined[c.ClaimID] = &c
	})
	return nil
}

func (r *memoryClaimRepo) ListIDsByStatus(ctx context.Context, tenantID string, status entities.ClaimStatus, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, id := range r.order {
		c := r.claims[id]
		if c.TenantID == tenantID && c.Status == status && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *memoryClaimRepo) ListRefined(ctx context.Context, filter repositories.ClaimFilter) ([]*entities.Claim, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*entities.Claim
	for _, id := range r.order {
		c, ok := r.refined[id]
		if ok && c.TenantID == filter.TenantID && (filter.ErrorKind == "" || c.ErrorKind == filter.ErrorKind) {
			all = append(all, c)
		}
	}
	total := len(all)
	start := min(filter.Offset, total)
	end := min(start+filter.Limit, total)
	return all[start:end], total, nil
}

// mockMetricsRepository records aggregate increments
type mockMetricsRepository struct {
	mock.Mock
}

func (m *mockMetricsRepository) FindAggregate(ctx context.Context, tenantID string, kind entities.ErrorKind) (*entities.MetricsAggregate, error) {
	args := m.Called(ctx, tenantID, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.MetricsAggregate), args.Error(1)
}

func (m *mockMetricsRepository) UpsertAggregate(ctx context.Context, tenantID string, kind entities.ErrorKind, claimCount int64, paidAmount float64) error {
	args := m.Called(ctx, tenantID, kind, claimCount, paidAmount)
	return args.Error(0)
}

func (m *mockMetricsRepository) ListByTenant(ctx context.Context, tenantID string) ([]*entities.MetricsAggregate, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entities.MetricsAggregate), args.Error(1)
}

type pendingWritesKey struct{}

type pendingWrites struct{ apply []func() }

// stage defers a write until the surrounding fakeTx commits. Outside a
// transaction the write applies immediately.
func stage(ctx context.Context, apply func()) {
	if p, ok := ctx.Value(pendingWritesKey{}).(*pendingWrites); ok {
		p.apply = append(p.apply, apply)
		return
	}
	apply()
}

// fakeTx commits staged writes when fn succeeds and drops them otherwise
type fakeTx struct {
	commits   int
	rollbacks int
}

func (f *fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	pending := &pendingWrites{}
	if err := fn(context.WithValue(ctx, pendingWritesKey{}, pending)); err != nil {
		f.rollbacks++
		return err
	}
	for _, apply := range pending.apply {
		apply()
	}
	f.commits++
	return nil
}

// putRules stores a rule payload for tenant through a RuleStore
func putRules(t *testing.T, store *services.RuleStore, tenant string, kind entities.RuleKind, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	ruleSet, err := services.NormalizeRuleSet(data, tenant, kind)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), ruleSet, time.Hour))
}

// passingTechnicalRules caches a technical rule set every test claim satisfies
func passingTechnicalRules(t *testing.T, store *services.RuleStore, tenant string) {
	t.Helper()
	putRules(t, store, tenant, entities.RuleKindTechnical, map[string]any{"paid_amount_threshold": 1000000})
}

func newStore() (*services.RuleStore, *cache.MemoryAdapter) {
	backend := cache.NewMemoryAdapter()
	return services.NewRuleStore(backend, nil), backend
}

func paid(v float64) *float64 { return &v }

var (
	errBoom        = errors.New("boom")
	errRateLimited = fmt.Errorf("429 Too Many Requests: %w", providers.ErrLLMRateLimited)
)
