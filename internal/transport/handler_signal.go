package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/openapi"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

// SignalProcessor applies approval and rejection signals.
type SignalProcessor interface {
	Approve(ctx context.Context, sig model.ApprovalSignal) (workflow.Outcome, error)
	Reject(ctx context.Context, sig model.RejectionSignal) (workflow.Outcome, error)
	StepFor(ctx context.Context, tenantID, entityType, entityID, workflowCode string) (model.WorkflowStep, bool, error)
}

// HistoryReader reads an entity's workflow history.
type HistoryReader interface {
	ForEntity(ctx context.Context, tenantID, entityType, entityID string, filters workflow.HistoryFilters) ([]model.WorkflowEvent, error)
}

const maxSignalBody = 64 << 10

type approveRequest struct {
	WorkflowCode string `json:"workflow_code"`
	StepCode     string `json:"step_code"`
	Comments     string `json:"comments"`
}

type rejectRequest struct {
	WorkflowCode       string `json:"workflow_code"`
	StepCode           string `json:"step_code"`
	State              string `json:"state"`
	Reason             string `json:"reason"`
	Comments           string `json:"comments"`
	ReturnToOriginator bool   `json:"return_to_originator"`
}

type signalHandlers struct {
	processor SignalProcessor
	history   HistoryReader
	idem      IdempotencyStore
	api       *openapi.Document
	idemTTL   time.Duration
	logger    *zap.Logger
}

// readSignal reads the body, checks it against the operation schema when
// an API document is configured, and decodes it. The raw bytes are returned
// for idempotency hashing.
func (h *signalHandlers) readSignal(r *http.Request, operationID string, into any) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxSignalBody))
	if err != nil {
		return nil, model.NewBadRequestError("unreadable body")
	}
	if h.api != nil {
		if err := h.api.ValidateBody(operationID, raw); err != nil {
			return nil, err
		}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return raw, nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return nil, model.NewBadRequestError("invalid JSON body")
	}
	return raw, nil
}

func hashSignal(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte(r.URL.Path))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// authorize checks the caller against the approver roles of the entity's
// current step. Steps without roles accept any authenticated caller;
// unresolvable targets are left to the processor, which drops the signal.
func (h *signalHandlers) authorize(ctx context.Context, rctx *model.RequestContext, entityType, entityID, workflowCode string) error {
	step, ok, err := h.processor.StepFor(ctx, rctx.TenantID, entityType, entityID, workflowCode)
	if err != nil {
		return err
	}
	if !ok || len(step.ApproverRoles) == 0 {
		return nil
	}
	for _, role := range step.ApproverRoles {
		if rctx.HasRole(role) {
			return nil
		}
	}
	return model.NewStepUnauthorizedError(step.StepCode)
}

// idempotent runs fn at most once per Idempotency-Key and replays the
// recorded response for retries with the same input.
func (h *signalHandlers) idempotent(w http.ResponseWriter, r *http.Request, rctx *model.RequestContext, action string, body []byte, fn func() (int, any, error)) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" || h.idem == nil {
		status, resp, err := fn()
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, status, resp)
		return
	}

	idemKey := FormatIdempotencyKey(rctx.TenantID, action, key)
	hash := hashSignal(r, body)
	cached, found, err := h.idem.Check(r.Context(), idemKey, hash)
	if err != nil {
		WriteError(w, err)
		return
	}
	if found && cached != nil {
		w.Header().Set("Idempotent-Replayed", "true")
		WriteJSON(w, cached.Status, cached.Body)
		return
	}

	status, resp, err := fn()
	if err != nil {
		WriteError(w, err)
		return
	}
	encoded, err := json.Marshal(resp)
	if err == nil {
		err = h.idem.Store(r.Context(), idemKey, hash, SignalResult{Status: status, Body: encoded}, h.idemTTL)
	}
	if err != nil {
		observability.LoggerFrom(r.Context(), h.logger).Warn("idempotency result not stored",
			zap.String("idempotency_key", idemKey),
			zap.Error(err),
		)
	}
	WriteJSON(w, status, resp)
}

func (h *signalHandlers) approve(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}
	entityType := chi.URLParam(r, "entityType")
	entityID := chi.URLParam(r, "entityId")

	var req approveRequest
	body, err := h.readSignal(r, "approve", &req)
	if err != nil {
		WriteError(w, err)
		return
	}

	h.idempotent(w, r, rctx, "approve", body, func() (int, any, error) {
		if err := h.authorize(r.Context(), rctx, entityType, entityID, req.WorkflowCode); err != nil {
			return 0, nil, err
		}
		out, err := h.processor.Approve(r.Context(), model.ApprovalSignal{
			TenantID:     rctx.TenantID,
			EntityType:   entityType,
			EntityID:     entityID,
			WorkflowCode: req.WorkflowCode,
			StepCode:     req.StepCode,
			Comments:     req.Comments,
			Actor:        model.ActorFrom(rctx),
		})
		if err != nil {
			return 0, nil, err
		}
		return outcomeStatus(out), out, nil
	})
}

func (h *signalHandlers) reject(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}
	entityType := chi.URLParam(r, "entityType")
	entityID := chi.URLParam(r, "entityId")

	var req rejectRequest
	body, err := h.readSignal(r, "reject", &req)
	if err != nil {
		WriteError(w, err)
		return
	}

	h.idempotent(w, r, rctx, "reject", body, func() (int, any, error) {
		if err := h.authorize(r.Context(), rctx, entityType, entityID, req.WorkflowCode); err != nil {
			return 0, nil, err
		}
		out, err := h.processor.Reject(r.Context(), model.RejectionSignal{
			TenantID:           rctx.TenantID,
			EntityType:         entityType,
			EntityID:           entityID,
			WorkflowCode:       req.WorkflowCode,
			StepCode:           req.StepCode,
			State:              req.State,
			Reason:             req.Reason,
			Comments:           req.Comments,
			ReturnToOriginator: req.ReturnToOriginator,
			Actor:              model.ActorFrom(rctx),
		})
		if err != nil {
			return 0, nil, err
		}
		return outcomeStatus(out), out, nil
	})
}

// outcomeStatus is 202 for dropped signals, 200 otherwise.
func outcomeStatus(out workflow.Outcome) int {
	if out.Dropped {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func (h *signalHandlers) listHistory(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}
	filters := workflow.HistoryFilters{
		HistoryID: r.URL.Query().Get("history_id"),
		Limit:     queryInt(r, "limit", 50),
		Offset:    queryInt(r, "offset", 0),
	}
	if filters.Limit > 500 {
		filters.Limit = 500
	}

	events, err := h.history.ForEntity(r.Context(), rctx.TenantID, chi.URLParam(r, "entityType"), chi.URLParam(r, "entityId"), filters)
	if err != nil {
		WriteError(w, err)
		return
	}
	if events == nil {
		events = []model.WorkflowEvent{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"data":   events,
		"limit":  filters.Limit,
		"offset": filters.Offset,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
