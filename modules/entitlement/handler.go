package entitlement

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/expensio/entitlements/pkg/gate"
	"github.com/expensio/entitlements/pkg/usage"
)

// Handler adapts the gating facade to HTTP for dashboards and admin tools.
type Handler struct {
	facade *gate.Facade
	log    *slog.Logger
}

// NewHandler creates the HTTP handler over the facade.
func NewHandler(facade *gate.Facade, log *slog.Logger) *Handler {
	if facade == nil {
		panic("entitlement: gate.Facade is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{facade: facade, log: log}
}

type jsonError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type jsonBody struct {
	Data  any        `json:"data,omitempty"`
	Error *jsonError `json:"error,omitempty"`
}

func (h *Handler) usageSnapshot(resolve TenantResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := resolve(r)
		if err != nil {
			h.respondError(w, http.StatusUnauthorized, "unauthorized", err)
			return
		}

		snapshot, err := h.facade.GetUsageSnapshot(r.Context(), tenantID)
		if err != nil {
			h.respondError(w, http.StatusServiceUnavailable, "store_unavailable", err)
			return
		}
		h.respond(w, http.StatusOK, jsonBody{Data: snapshot})
	}
}

func (h *Handler) authorize(resolve TenantResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := resolve(r)
		if err != nil {
			h.respondError(w, http.StatusUnauthorized, "unauthorized", err)
			return
		}

		var req gate.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid_request", err)
			return
		}
		if req.Feature == nil && req.Usage == nil {
			h.respondError(w, http.StatusBadRequest, "invalid_request",
				errors.New("request needs a feature or a usage charge"))
			return
		}

		decision, err := h.facade.Authorize(r.Context(), tenantID, req)
		if err != nil {
			if errors.Is(err, usage.ErrInvalidAmount) {
				h.respondError(w, http.StatusBadRequest, "invalid_request", err)
				return
			}
			h.respondError(w, http.StatusServiceUnavailable, "authorization_unavailable", err)
			return
		}

		status := http.StatusOK
		if !decision.Allowed() {
			// 402 signals "upgrade to continue" to API consumers.
			status = http.StatusPaymentRequired
		}
		h.respond(w, status, jsonBody{Data: decision})
	}
}

func (h *Handler) adminReset() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid_tenant_id", err)
			return
		}

		if err := h.facade.ResetTenantUsage(r.Context(), tenantID); err != nil {
			h.respondError(w, http.StatusServiceUnavailable, "reset_failed", err)
			return
		}
		h.respond(w, http.StatusOK, jsonBody{Data: map[string]string{"status": "reset"}})
	}
}

func (h *Handler) adminSweep() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := h.facade.RunScheduledResets(r.Context())
		if err != nil {
			h.respondError(w, http.StatusServiceUnavailable, "sweep_failed", err)
			return
		}

		h.respond(w, http.StatusOK, jsonBody{Data: map[string]int{
			"reset":    report.Reset,
			"skipped":  report.Skipped,
			"failures": len(report.Failures),
		}})
	}
}

func (h *Handler) respond(w http.ResponseWriter, status int, body jsonBody) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, code string, err error) {
	h.respond(w, status, jsonBody{Error: &jsonError{Code: code, Message: err.Error()}})
}
