package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/service"
	"kasirinaja/ledger/internal/store"
)

type API struct {
	service       *service.Service
	identity      *IdentityVerifier
	allowedOrigin string
	log           logrus.FieldLogger
	validate      *validator.Validate
	tokenFailures *attemptLimiter
}

func New(svc *service.Service, identity *IdentityVerifier, allowedOrigin string, logger logrus.FieldLogger) *API {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &API{
		service:       svc,
		identity:      identity,
		allowedOrigin: allowedOrigin,
		log:           logger.WithField("module", "httpapi"),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		tokenFailures: newAttemptLimiter(20, time.Minute),
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)

	mux.HandleFunc("POST /api/v1/orders", a.requireIdentity(a.handleCreateOrder))
	mux.HandleFunc("GET /api/v1/orders/{id}", a.requireIdentity(a.handleGetOrder))
	mux.HandleFunc("GET /api/v1/orders/{id}/summary", a.requireIdentity(a.handleOrderSummary))
	mux.HandleFunc("POST /api/v1/orders/{id}/lines", a.requireIdentity(a.handleAddLine))
	mux.HandleFunc("PATCH /api/v1/orders/{id}/lines/{lineID}", a.requireIdentity(a.handleUpdateLine))
	mux.HandleFunc("DELETE /api/v1/orders/{id}/lines/{lineID}", a.requireIdentity(a.handleRemoveLine))
	mux.HandleFunc("PUT /api/v1/orders/{id}/discount", a.requireIdentity(a.handleSetDiscount))
	mux.HandleFunc("POST /api/v1/orders/{id}/payments", a.requireIdentity(a.handleAddPayment))
	mux.HandleFunc("POST /api/v1/orders/{id}/payments/{paymentID}/cancel", a.requireIdentity(a.handleCancelPayment))
	mux.HandleFunc("POST /api/v1/orders/{id}/complete", a.requireIdentity(a.handleCompleteOrder))
	mux.HandleFunc("POST /api/v1/orders/{id}/cancel", a.requireIdentity(a.handleCancelOrder))

	mux.HandleFunc("POST /api/v1/shifts", a.requireIdentity(a.handleOpenShift))
	mux.HandleFunc("GET /api/v1/shifts/active", a.requireIdentity(a.handleActiveShift))
	mux.HandleFunc("GET /api/v1/shifts/{id}", a.requireIdentity(a.handleGetShift))
	mux.HandleFunc("POST /api/v1/shifts/{id}/suspend", a.requireIdentity(a.handleSuspendShift))
	mux.HandleFunc("POST /api/v1/shifts/{id}/resume", a.requireIdentity(a.handleResumeShift))
	mux.HandleFunc("POST /api/v1/shifts/{id}/close", a.requireIdentity(a.handleCloseShift))
	mux.HandleFunc("POST /api/v1/shifts/{id}/cash-movements", a.requireIdentity(a.handleCashMovement))

	mux.HandleFunc("POST /api/v1/refunds", a.requireIdentity(a.handleCreateRefund))
	mux.HandleFunc("GET /api/v1/refunds/{id}", a.requireIdentity(a.handleGetRefund))
	mux.HandleFunc("POST /api/v1/refunds/{id}/items", a.requireIdentity(a.handleAddRefundItem))
	mux.HandleFunc("DELETE /api/v1/refunds/{id}/items/{itemID}", a.requireIdentity(a.handleRemoveRefundItem))
	mux.HandleFunc("POST /api/v1/refunds/{id}/{action}", a.requireIdentity(a.handleRefundAction))

	mux.HandleFunc("GET /api/v1/audit-logs", a.requireIdentity(a.handleAuditLogs))

	return a.withMiddleware(mux)
}

// requireIdentity resolves the cashier from the bearer token. Clients that
// keep presenting bad tokens are throttled.
func (a *API) requireIdentity(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		actor, err := a.identity.ParseToken(token)
		if err != nil {
			if !a.tokenFailures.Allow(clientKey(r)) {
				a.writeError(w, http.StatusTooManyRequests, errors.New("too many invalid tokens"))
				return
			}
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}
		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateOrderRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.service.CreateOrder(r.Context(), req)
	a.respond(w, http.StatusCreated, resp, err)
}

func (a *API) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.GetOrder(r.Context(), r.PathValue("id"))
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleOrderSummary(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.OrderSummary(r.Context(), r.PathValue("id"))
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleAddLine(w http.ResponseWriter, r *http.Request) {
	var req domain.LineRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.service.AddLine(r.Context(), r.PathValue("id"), req)
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleUpdateLine(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateLineRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.service.UpdateLine(r.Context(), r.PathValue("id"), r.PathValue("lineID"), req)
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.RemoveLine(r.Context(), r.PathValue("id"), r.PathValue("lineID"))
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleSetDiscount(w http.ResponseWriter, r *http.Request) {
	var req domain.GlobalDiscountRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.service.SetGlobalDiscount(r.Context(), r.PathValue("id"), req)
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleAddPayment(w http.ResponseWriter, r *http.Request) {
	var req domain.PaymentRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.service.AddPayment(r.Context(), r.PathValue("id"), req)
	a.respond(w, http.StatusCreated, resp, err)
}

func (a *API) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	var req domain.ReasonRequest
	if !a.decodeOptional(w, r, &req) {
		return
	}
	resp, err := a.service.CancelPayment(r.Context(), r.PathValue("id"), r.PathValue("paymentID"), req.Reason)
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleCompleteOrder(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.CompleteOrder(r.Context(), r.PathValue("id"))
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.ReasonRequest
	if !a.decodeOptional(w, r, &req) {
		return
	}
	resp, err := a.service.CancelOrder(r.Context(), r.PathValue("id"), req.Reason)
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleOpenShift(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftOpenRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.service.OpenShift(r.Context(), req)
	a.respond(w, http.StatusCreated, resp, err)
}

func (a *API) handleActiveShift(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.GetActiveShift(r.Context())
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleGetShift(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.GetShift(r.Context(), r.PathValue("id"))
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleSuspendShift(w http.ResponseWriter, r *http.Request) {
	var req domain.ReasonRequest
	if !a.decodeOptional(w, r, &req) {
		return
	}
	resp, err := a.service.SuspendShift(r.Context(), r.PathValue("id"), req.Reason)
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleResumeShift(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.ResumeShift(r.Context(), r.PathValue("id"))
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleCloseShift(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftCloseRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.service.CloseShift(r.Context(), r.PathValue("id"), req)
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleCashMovement(w http.ResponseWriter, r *http.Request) {
	var req domain.CashMovementRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.service.RecordCashMovement(r.Context(), r.PathValue("id"), req)
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleCreateRefund(w http.ResponseWriter, r *http.Request) {
	var req domain.RefundCreateRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.service.CreateRefund(r.Context(), req)
	a.respond(w, http.StatusCreated, resp, err)
}

func (a *API) handleGetRefund(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.GetRefund(r.Context(), r.PathValue("id"))
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleAddRefundItem(w http.ResponseWriter, r *http.Request) {
	var req domain.RefundItemRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.service.AddRefundItem(r.Context(), r.PathValue("id"), req)
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleRemoveRefundItem(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.RemoveRefundItem(r.Context(), r.PathValue("id"), r.PathValue("itemID"))
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleRefundAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req domain.ReasonRequest
	if !a.decodeOptional(w, r, &req) {
		return
	}

	var (
		resp domain.Refund
		err  error
	)
	switch r.PathValue("action") {
	case "approve":
		resp, err = a.service.ApproveRefund(r.Context(), id)
	case "reject":
		resp, err = a.service.RejectRefund(r.Context(), id, req.Reason)
	case "process":
		resp, err = a.service.StartRefundProcessing(r.Context(), id)
	case "complete":
		resp, err = a.service.CompleteRefund(r.Context(), id)
	case "fail":
		resp, err = a.service.FailRefund(r.Context(), id, req.Reason)
	case "cancel":
		resp, err = a.service.CancelRefund(r.Context(), id, req.Reason)
	default:
		a.writeError(w, http.StatusNotFound, errors.New("unknown refund action"))
		return
	}
	a.respond(w, http.StatusOK, resp, err)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	logs, err := a.service.ListAuditLogs(r.Context(), store.AuditFilter{
		StoreRef:   strings.TrimSpace(query.Get("store_id")),
		EntityType: strings.TrimSpace(query.Get("entity_type")),
		EntityID:   strings.TrimSpace(query.Get("entity_id")),
		Limit:      parsePositiveLimit(query.Get("limit"), 100, 500),
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(startedAt).String(),
		}).Info("request")
	})
}

// decode reads a JSON body and validates it. It writes the 400 itself and
// reports whether the handler should continue.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return a.check(w, dest)
}

// decodeOptional is decode for endpoints whose body may be omitted.
func (a *API) decodeOptional(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil && !errors.Is(err, io.EOF) {
		a.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return a.check(w, dest)
}

func (a *API) check(w http.ResponseWriter, dest any) bool {
	if err := a.validate.Struct(dest); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) {
			fields := make([]string, 0, len(invalid))
			for _, fe := range invalid {
				fields = append(fields, fe.Namespace()+" failed "+fe.Tag())
			}
			err = errors.New(strings.Join(fields, "; "))
		}
		a.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (a *API) respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, status, payload)
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	a.writeError(w, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrIllegalTransition), errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func errorCode(status int, err error) string {
	switch {
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, domain.ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrValidation), status == http.StatusBadRequest:
		return "validation"
	case status == http.StatusUnauthorized:
		return "unauthorized"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= 500:
		return "internal"
	}
	return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// writeError masks 5xx messages so storage details never reach the client.
func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		a.log.WithFields(logrus.Fields{"funcName": "writeError", "status": status}).Error(err.Error())
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
		"code":  errorCode(status, err),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
