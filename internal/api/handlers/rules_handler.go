package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/zatekoja/claimvalidation/internal/domain/entities"
)

const (
	maxRuleUploadSize  = 10 << 20
	maxRulePayloadSize = 1 << 20
)

// RulesService defines the rule management operations used by the handler.
type RulesService interface {
	UploadRules(ctx context.Context, tenantID string, kind entities.RuleKind, filename string, r io.Reader) (*entities.RuleSet, error)
	PutRules(ctx context.Context, tenantID string, kind entities.RuleKind, raw []byte) (*entities.RuleSet, error)
	GetRules(ctx context.Context, tenantID string, kind entities.RuleKind) (*entities.RuleSet, error)
}

// RulesHandler handles rule document uploads and structured rule sets.
type RulesHandler struct {
	service RulesService
}

// NewRulesHandler creates a new rules handler.
func NewRulesHandler(service RulesService) *RulesHandler {
	return &RulesHandler{service: service}
}

// UploadRules handles POST /api/rules/{kind}/upload with a multipart "file" field
func (h *RulesHandler) UploadRules(w http.ResponseWriter, r *http.Request) {
	kind, ok := ruleKind(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRuleUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "a rule document is required in the \"file\" field")
		return
	}
	defer file.Close()

	ruleSet, err := h.service.UploadRules(r.Context(), tenantOf(r), kind, header.Filename, file)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, ruleSet)
}

// PutRules handles PUT /api/rules/{kind} with a JSON rule set body
func (h *RulesHandler) PutRules(w http.ResponseWriter, r *http.Request) {
	kind, ok := ruleKind(w, r)
	if !ok {
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRulePayloadSize))
	if err != nil {
		respondWithError(w, http.StatusRequestEntityTooLarge, "rule payload is too large")
		return
	}

	ruleSet, err := h.service.PutRules(r.Context(), tenantOf(r), kind, raw)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ruleSet)
}

// GetRules handles GET /api/rules/{kind}
func (h *RulesHandler) GetRules(w http.ResponseWriter, r *http.Request) {
	kind, ok := ruleKind(w, r)
	if !ok {
		return
	}

	ruleSet, err := h.service.GetRules(r.Context(), tenantOf(r), kind)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ruleSet)
}

func ruleKind(w http.ResponseWriter, r *http.Request) (entities.RuleKind, bool) {
	kind, err := entities.ParseRuleKind(r.PathValue("kind"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "rule kind must be technical or medical")
		return "", false
	}
	return kind, true
}
