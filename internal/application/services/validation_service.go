package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	"github.com/zatekoja/claimvalidation/internal/domain/providers"
	"github.com/zatekoja/claimvalidation/internal/domain/repositories"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/claimvalidation/pkg/errors"
	"github.com/zatekoja/claimvalidation/pkg/retry"
)

// Defaults for ValidationService
const (
	DefaultPendingBatchLimit = 50
	DefaultClaimPageSize     = 50
	DefaultIdempotencyTTL    = 24 * time.Hour
	DefaultTaskHeartbeat     = time.Minute
)

// DefaultStatusRetry bounds how hard a runner tries to record a final task status
var DefaultStatusRetry = retry.Config{
	MaxAttempts:     5,
	InitialDelay:    200 * time.Millisecond,
	MaxDelay:        5 * time.Second,
	BackoffFactor:   2.0,
	MaxTotalTimeout: 30 * time.Second,
}

// ErrNoPendingClaims is returned by SubmitPending when nothing awaits validation
var ErrNoPendingClaims = errors.New("no claims to process")

// ValidationServiceConfig tunes ValidationService
type ValidationServiceConfig struct {
	DefaultTenantID string
	BatchLimit      int
	RulesTTL        time.Duration
	IdempotencyTTL  time.Duration
	// StatusRetry applies to terminal task status writes
	StatusRetry retry.Config
	// Heartbeat is the longest a running task goes without a status write
	Heartbeat time.Duration
}

// ValidationService is the entry point for batch submission, task status,
// results and rule management.
type ValidationService struct {
	tasks        *TaskController
	orchestrator *BatchOrchestrator
	claims       repositories.ClaimRepository
	metrics      repositories.MetricsRepository
	parser       *RuleParser
	store        *RuleStore
	checks       *CheckCompiler
	extractor    providers.DocumentTextExtractor
	cache        providers.CacheProvider
	cfg          ValidationServiceConfig

	running sync.WaitGroup
}

// ValidationServiceDeps groups the collaborators of ValidationService
type ValidationServiceDeps struct {
	Tasks        *TaskController
	Orchestrator *BatchOrchestrator
	Claims       repositories.ClaimRepository
	Metrics      repositories.MetricsRepository
	Parser       *RuleParser
	Store        *RuleStore
	Checks       *CheckCompiler
	Extractor    providers.DocumentTextExtractor
	// Cache backs idempotency keys. Optional.
	Cache providers.CacheProvider
}

// NewValidationService creates a validation service
func NewValidationService(deps ValidationServiceDeps, cfg ValidationServiceConfig) *ValidationService {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultPendingBatchLimit
	}
	if cfg.RulesTTL <= 0 {
		cfg.RulesTTL = DefaultRulesTTL
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if cfg.StatusRetry.MaxAttempts <= 0 {
		cfg.StatusRetry = DefaultStatusRetry
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultTaskHeartbeat
	}
	return &ValidationService{
		tasks:        deps.Tasks,
		orchestrator: deps.Orchestrator,
		claims:       deps.Claims,
		metrics:      deps.Metrics,
		parser:       deps.Parser,
		store:        deps.Store,
		checks:       deps.Checks,
		extractor:    deps.Extractor,
		cache:        deps.Cache,
		cfg:          cfg,
	}
}

func idempotencyCacheKey(userID, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", userID, key)
}

// SubmitBatch admits a validation task for claimIDs and runs it in the
// background. It returns as soon as the task is created. A repeated
// idempotencyKey from the same user returns the task created the first time.
func (s *ValidationService) SubmitBatch(ctx context.Context, claimIDs []string, userID, idempotencyKey string) (*entities.TaskRecord, error) {
	ids := dedupe(claimIDs)
	if len(ids) == 0 {
		return nil, apperrors.NewValidationError("at least one claim id is required")
	}
	logger := observability.LoggerFromContext(ctx)

	if existing := s.idempotentTask(ctx, userID, idempotencyKey); existing != nil {
		logger.Info().Str("task_id", existing.TaskID).Str("idempotency_key", idempotencyKey).Msg("returning task for repeated submission")
		return existing, nil
	}

	task, err := s.tasks.Admit(ctx, entities.TaskTypeValidation, userID,
		fmt.Sprintf("Queued %d claims for validation", len(ids)),
		map[string]any{"claim_count": len(ids)})
	if err != nil {
		return nil, err
	}

	if idempotencyKey != "" && s.cache != nil {
		ttl := int(s.cfg.IdempotencyTTL / time.Second)
		if ok, err := s.cache.SetNX(ctx, idempotencyCacheKey(userID, idempotencyKey), []byte(task.TaskID), ttl); err != nil {
			logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("failed to record idempotency key")
		} else if !ok {
			logger.Warn().Str("task_id", task.TaskID).Str("idempotency_key", idempotencyKey).Msg("idempotency key already recorded")
		}
	}

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.runTask(context.WithoutCancel(ctx), task.TaskID, ids)
	}()
	return task, nil
}

func (s *ValidationService) idempotentTask(ctx context.Context, userID, key string) *entities.TaskRecord {
	if key == "" || s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, idempotencyCacheKey(userID, key))
	if err != nil {
		if !errors.Is(err, providers.ErrCacheMiss) {
			observability.LoggerFromContext(ctx).Warn().Err(err).Msg("idempotency lookup failed")
		}
		return nil
	}
	task, err := s.tasks.Get(ctx, string(data))
	if err != nil {
		return nil
	}
	return task
}

// runTask drives one admitted task to a terminal status
func (s *ValidationService) runTask(ctx context.Context, taskID string, ids []string) {
	ctx = observability.WithTask(ctx, taskID)
	logger := observability.LoggerFromContext(ctx)

	if _, err := s.tasks.UpdateStatus(ctx, taskID, entities.TaskUpdate{
		Status:   entities.TaskStatusRunning,
		Progress: intPtr(10),
		Message:  strPtr(fmt.Sprintf("Processing %d claims...", len(ids))),
	}); err != nil {
		logger.Error().Err(err).Msg("failed to mark task running")
		s.failTask(ctx, taskID, err)
		return
	}

	var lastProgress int
	lastWrite := time.Now()
	result, err := s.orchestrator.ProcessBatch(ctx, ids, func(done, total int) {
		progress := 10 + done*80/max(total, 1)
		if progress == lastProgress && time.Since(lastWrite) < s.cfg.Heartbeat {
			return
		}
		lastProgress = progress
		lastWrite = time.Now()
		if _, err := s.tasks.UpdateStatus(ctx, taskID, entities.TaskUpdate{Status: entities.TaskStatusRunning, Progress: &progress}); err != nil {
			logger.Warn().Err(err).Msg("failed to report task progress")
		}
	})
	if err != nil {
		logger.Error().Err(err).Msg("validation task failed")
		s.failTask(ctx, taskID, err)
		return
	}

	if err := s.finishTask(ctx, taskID, entities.TaskUpdate{
		Status:   entities.TaskStatusCompleted,
		Progress: intPtr(100),
		Message:  strPtr(fmt.Sprintf("Successfully processed %d claims", result.ProcessedCount)),
		Details:  resultDetails(result),
	}); err != nil {
		logger.Error().Err(err).Msg("failed to mark task completed")
	}
}

func (s *ValidationService) failTask(ctx context.Context, taskID string, cause error) {
	if err := s.finishTask(ctx, taskID, entities.TaskUpdate{
		Status:  entities.TaskStatusFailed,
		Message: strPtr(fmt.Sprintf("Validation failed: %v", cause)),
		Details: map[string]any{"error": cause.Error()},
	}); err != nil {
		observability.LoggerFromContext(observability.WithTask(ctx, taskID)).Error().Err(err).Msg("failed to mark task failed")
	}
}

// finishTask writes a terminal status, retrying transient repository
// failures. A task left active after this is failed later as stale.
func (s *ValidationService) finishTask(ctx context.Context, taskID string, update entities.TaskUpdate) error {
	logger := observability.LoggerFromContext(observability.WithTask(ctx, taskID))
	return retry.DoWithLog(ctx, s.cfg.StatusRetry, "task status", func() error {
		_, err := s.tasks.UpdateStatus(ctx, taskID, update)
		if apperrors.IsType(err, apperrors.ErrorTypeValidation) || apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error, next time.Duration) {
		logger.Warn().Err(err).
			Str("status", string(update.Status)).
			Int("attempt", attempt).
			Dur("next_delay", next).
			Msg("task status write failed, retrying")
	})
}

// resultDetails flattens a batch result into JSON compatible task details
func resultDetails(result *BatchResult) map[string]any {
	details := map[string]any{}
	data, err := json.Marshal(result)
	if err != nil {
		return details
	}
	_ = json.Unmarshal(data, &details)
	return details
}

// Wait blocks until every background task started by this service has finished
func (s *ValidationService) Wait() {
	s.running.Wait()
}

// SubmitPending submits up to limit claims that have not been validated yet
func (s *ValidationService) SubmitPending(ctx context.Context, userID string, limit int, idempotencyKey string) (*entities.TaskRecord, error) {
	if limit <= 0 || limit > s.cfg.BatchLimit {
		limit = s.cfg.BatchLimit
	}
	ids, err := s.claims.ListIDsByStatus(ctx, s.cfg.DefaultTenantID, entities.ClaimStatusNotValidated, limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNoPendingClaims
	}
	return s.SubmitBatch(ctx, ids, userID, idempotencyKey)
}

// ProcessBatch validates claimIDs synchronously without a task record
func (s *ValidationService) ProcessBatch(ctx context.Context, claimIDs []string) (*BatchResult, error) {
	return s.orchestrator.ProcessBatch(ctx, claimIDs, nil)
}

// ProcessPending validates up to limit pending claims synchronously
func (s *ValidationService) ProcessPending(ctx context.Context, limit int) (*BatchResult, error) {
	if limit <= 0 {
		limit = s.cfg.BatchLimit
	}
	ids, err := s.claims.ListIDsByStatus(ctx, s.cfg.DefaultTenantID, entities.ClaimStatusNotValidated, limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNoPendingClaims
	}
	return s.ProcessBatch(ctx, ids)
}

// GetTaskStatus returns a task. When userID is set, tasks owned by other
// users are FORBIDDEN.
func (s *ValidationService) GetTaskStatus(ctx context.Context, taskID, userID string) (*entities.TaskRecord, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if userID != "" && task.OwnerUserID != userID {
		return nil, apperrors.NewForbiddenError("access denied to this task")
	}
	return task, nil
}

// ListTasks returns the user's recent tasks
func (s *ValidationService) ListTasks(ctx context.Context, userID string) ([]*entities.TaskRecord, error) {
	return s.tasks.ListForUser(ctx, userID)
}

// CleanupTasks removes finished tasks older than daysOld days
func (s *ValidationService) CleanupTasks(ctx context.Context, daysOld int) (int64, error) {
	return s.tasks.Cleanup(ctx, daysOld)
}

// Results returns the tenant's metrics aggregates
func (s *ValidationService) Results(ctx context.Context, tenantID string) ([]*entities.MetricsAggregate, error) {
	return s.metrics.ListByTenant(ctx, s.tenant(tenantID))
}

// ClaimQuery selects a page of validated claims
type ClaimQuery struct {
	TenantID string
	// ErrorKind filters by outcome. "" and "all" match every claim.
	ErrorKind string
	Search    string
	Skip      int
	Limit     int
}

// ClaimPage is one page of validated claims
type ClaimPage struct {
	Claims     []*entities.Claim    `json:"claims"`
	Total      int                  `json:"total"`
	Skip       int                  `json:"skip"`
	Limit      int                  `json:"limit"`
	HasMore    bool                 `json:"has_more"`
	ErrorTypes []entities.ErrorKind `json:"available_error_types"`
}

var listableErrorKinds = []entities.ErrorKind{
	entities.ErrorKindNone,
	entities.ErrorKindTechnical,
	entities.ErrorKindMedical,
	entities.ErrorKindBoth,
}

// ListClaims pages through validated claims
func (s *ValidationService) ListClaims(ctx context.Context, q ClaimQuery) (*ClaimPage, error) {
	filter := repositories.ClaimFilter{
		TenantID: s.tenant(q.TenantID),
		Search:   strings.TrimSpace(q.Search),
		Limit:    q.Limit,
		Offset:   max(q.Skip, 0),
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultClaimPageSize
	}

	if kind := strings.TrimSpace(q.ErrorKind); kind != "" && !strings.EqualFold(kind, "all") {
		matched := false
		for _, k := range listableErrorKinds {
			if strings.EqualFold(string(k), kind) {
				filter.ErrorKind = k
				matched = true
				break
			}
		}
		if !matched {
			return nil, apperrors.NewValidationError(fmt.Sprintf("unknown error type %q", kind))
		}
	}

	claims, total, err := s.claims.ListRefined(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &ClaimPage{
		Claims:     claims,
		Total:      total,
		Skip:       filter.Offset,
		Limit:      filter.Limit,
		HasMore:    filter.Offset+len(claims) < total,
		ErrorTypes: listableErrorKinds,
	}, nil
}

// UploadRules extracts text from a rule document and parses it into the
// tenant's cached rule set of kind.
func (s *ValidationService) UploadRules(ctx context.Context, tenantID string, kind entities.RuleKind, filename string, r io.Reader) (*entities.RuleSet, error) {
	text, err := s.extractor.ExtractText(ctx, filename, r)
	if err != nil {
		return nil, err
	}
	return s.parser.Parse(ctx, s.tenant(tenantID), text, kind)
}

// PutRules stores a structured rule payload directly. Custom checks must
// compile.
func (s *ValidationService) PutRules(ctx context.Context, tenantID string, kind entities.RuleKind, raw []byte) (*entities.RuleSet, error) {
	ruleSet, err := NormalizeRuleSet(raw, s.tenant(tenantID), kind)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid %s rules: %v", kind, err))
	}
	if ruleSet.Source == "" || ruleSet.Source == entities.RuleSourceHeuristic {
		ruleSet.Source = entities.RuleSourceUpload
	}
	if ruleSet.Technical != nil && s.checks != nil {
		if _, err := s.checks.Compile(ruleSet.Technical.CustomChecks); err != nil {
			return nil, apperrors.NewValidationError(fmt.Sprintf("invalid custom check: %v", err))
		}
	}
	ruleSet.Version = uuid.New().String()
	ruleSet.ParsedAt = time.Now().UTC()

	if err := s.store.Put(ctx, ruleSet, s.cfg.RulesTTL); err != nil {
		return nil, err
	}
	return ruleSet, nil
}

// GetRules returns the tenant's cached rule set of kind
func (s *ValidationService) GetRules(ctx context.Context, tenantID string, kind entities.RuleKind) (*entities.RuleSet, error) {
	ruleSet, err := s.store.Get(ctx, s.tenant(tenantID), kind)
	if err != nil {
		return nil, err
	}
	if ruleSet == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("no %s rules loaded", kind))
	}
	return ruleSet, nil
}

func (s *ValidationService) tenant(tenantID string) string {
	if tenantID = strings.TrimSpace(tenantID); tenantID != "" {
		return tenantID
	}
	return s.cfg.DefaultTenantID
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
