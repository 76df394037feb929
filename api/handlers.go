/*
handlers.go - HTTP API handlers for the balance and payment ledger

PURPOSE:
  Exposes the ledger service via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every rule to ledger.Service.

ENDPOINTS:
  Customers:
    POST   /api/customers                        Create customer
    GET    /api/customers/{id}                   Get customer
    GET    /api/customers/{id}/balance           Debt and credit
    GET    /api/customers/{id}/statement.pdf     PDF statement
    GET    /api/balances                         Paged list view

  Sales and purchases (same shape under /api/purchases):
    GET    /api/sales                            List (customer_id, open)
    POST   /api/sales                            Create
    GET    /api/sales/{id}                       Record with activities
    PUT    /api/sales/{id}                       Edit
    DELETE /api/sales/{id}                       Void
    POST   /api/sales/{id}/activities            Add activity
    POST   /api/activities/{kind}/{id}/reverse   Reverse activity

  Payments:
    GET    /api/payments                         List (customer_id)
    POST   /api/payments                         Create
    GET    /api/payments/{id}                    Payment with allocations
    POST   /api/payments/{id}/allocations        Allocate to a record
    POST   /api/payments/{id}/auto-allocate      Oldest open records first

  Admin:
    GET    /api/admin/audit                      Invariant audit

IDEMPOTENCY:
  Writes that accept an idempotency key read it from the Idempotency-Key
  header, falling back to the idempotency_key body field. A replay answers
  200 with the original result instead of 201.

ERROR HANDLING:
  Errors are returned as {"error": kind, "field": ..., "message": ...}:
  - 400: ValidationError
  - 404: NotFoundError
  - 409: ConcurrencyConflict (safe to retry)
  - 422: OverpaymentError, OverallocationError, InvariantViolation
  - 500: everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/pos-ledger/ledger"
	"github.com/warp/pos-ledger/statement"
)

// IdempotencyHeader carries the client's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *ledger.Service
	Log     *zap.Logger
	Now     func() time.Time
}

// NewHandler creates a handler for svc.
func NewHandler(svc *ledger.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Service: svc, Log: log, Now: time.Now}
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// CreateCustomer registers a customer.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.Service.CreateCustomer(r.Context(), ledger.CreateCustomerInput{
		Name:  req.Name,
		Phone: req.Phone,
		Note:  req.Note,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerDTO(c))
}

// GetCustomer returns one customer.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	c, err := h.Service.GetCustomer(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

// GetCustomerBalance returns debt and credit side by side.
func (h *Handler) GetCustomerBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	b, err := h.Service.CustomerBalance(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// GetCustomerStatement renders the customer's statement as PDF.
func (h *Handler) GetCustomerStatement(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	st, err := statement.Build(r.Context(), h.Service, id, h.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "inline; filename=\"statement-"+strconv.FormatInt(id, 10)+".pdf\"")
	if err := statement.Render(w, st); err != nil {
		h.Log.Error("render statement", zap.Int64("customer_id", id), zap.Error(err))
	}
}

// ListBalances returns one page of the customer list view.
// GET /api/balances?bucket=debt&q=ana&page=1&page_size=50
func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := queryInt(q.Get("page"), "page")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	size, err := queryInt(q.Get("page_size"), "page_size")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Service.ListCustomerBalances(r.Context(), ledger.ListBalancesQuery{
		Bucket:   ledger.Bucket(strings.ToLower(q.Get("bucket"))),
		Search:   q.Get("q"),
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalancePageDTO(res))
}

// =============================================================================
// RECORD HANDLERS
// =============================================================================

// ListRecords lists sales or purchases.
func (h *Handler) ListRecords(kind ledger.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := ledger.RecordFilter{Kind: kind, ActiveOnly: true}
		if v := r.URL.Query().Get("customer_id"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				h.writeError(w, r, &ledger.ValidationError{Field: "customer_id", Message: "must be an integer"})
				return
			}
			filter.CustomerID = &id
		}
		filter.OpenOnly = r.URL.Query().Get("open") == "true"

		recs, err := h.Service.ListRecords(r.Context(), filter)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		dtos := make([]RecordDTO, len(recs))
		for i := range recs {
			dtos[i] = toRecordDTO(&recs[i])
		}
		writeJSON(w, http.StatusOK, dtos)
	}
}

// CreateRecord creates a sale or purchase.
func (h *Handler) CreateRecord(kind ledger.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateRecordRequest
		if !h.decode(w, r, &req) {
			return
		}
		rec, err := h.Service.CreateRecord(r.Context(), ledger.CreateRecordInput{
			Kind:        kind,
			Items:       toLineItems(req.Items),
			PaymentType: ledger.PaymentType(req.PaymentType),
			Method:      ledger.Method(req.Method),
			PaidNow:     req.PaidNow,
			CustomerID:  req.CustomerID,
			Customer:    req.Customer.toRef(),
			Note:        req.Note,
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toRecordDTO(rec))
	}
}

// GetRecord returns a record with its activity history.
func (h *Handler) GetRecord(kind ledger.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.pathID(w, r, "id")
		if !ok {
			return
		}
		detail, err := h.Service.GetRecord(r.Context(), kind, id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		dto := toRecordDTO(&detail.Record)
		dto.Activities = make([]ActivityDTO, len(detail.Activities))
		for i := range detail.Activities {
			dto.Activities[i] = toActivityDTO(&detail.Activities[i])
		}
		writeJSON(w, http.StatusOK, dto)
	}
}

// EditRecord edits an unsettled record.
func (h *Handler) EditRecord(kind ledger.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.pathID(w, r, "id")
		if !ok {
			return
		}
		var req EditRecordRequest
		if !h.decode(w, r, &req) {
			return
		}
		rec, err := h.Service.EditRecord(r.Context(), ledger.EditRecordInput{
			Kind:            kind,
			ID:              id,
			Items:           toLineItems(req.Items),
			CustomerID:      req.CustomerID,
			Customer:        req.Customer.toRef(),
			Note:            req.Note,
			ExpectedVersion: req.ExpectedVersion,
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toRecordDTO(rec))
	}
}

// VoidRecord soft-deletes a record. The body is optional.
func (h *Handler) VoidRecord(kind ledger.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.pathID(w, r, "id")
		if !ok {
			return
		}
		var req VoidRecordRequest
		if r.ContentLength != 0 && !h.decode(w, r, &req) {
			return
		}
		rec, err := h.Service.VoidRecord(r.Context(), kind, id, req.Reason)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toRecordDTO(rec))
	}
}

// AddActivity records a payment event against a record.
func (h *Handler) AddActivity(kind ledger.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.pathID(w, r, "id")
		if !ok {
			return
		}
		var req AddActivityRequest
		if !h.decode(w, r, &req) {
			return
		}
		in := ledger.AddActivityInput{
			Kind:           kind,
			RecordID:       id,
			Amount:         req.Amount,
			Note:           req.Note,
			IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		}
		if req.PaidAt != nil {
			in.PaidAt = *req.PaidAt
		}
		res, err := h.Service.AddActivity(r.Context(), in)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, createdOrReplayed(res.Replayed), ActivityResultDTO{
			Record:   toRecordDTO(&res.Record),
			Activity: toActivityDTO(&res.Activity),
			Replayed: res.Replayed,
		})
	}
}

// ReverseActivity appends a compensating entry.
// POST /api/activities/{kind}/{id}/reverse
func (h *Handler) ReverseActivity(w http.ResponseWriter, r *http.Request) {
	kind, err := parseKind(chi.URLParam(r, "kind"), "kind")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req ReverseActivityRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	res, err := h.Service.ReverseActivity(r.Context(), ledger.ReverseActivityInput{
		Kind:       kind,
		ActivityID: id,
		Note:       req.Note,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ActivityResultDTO{
		Record:   toRecordDTO(&res.Record),
		Activity: toActivityDTO(&res.Activity),
	})
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ListPayments lists payments, newest first.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	var filter ledger.PaymentFilter
	if v := r.URL.Query().Get("customer_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.writeError(w, r, &ledger.ValidationError{Field: "customer_id", Message: "must be an integer"})
			return
		}
		filter.CustomerID = &id
	}
	ps, err := h.Service.ListPayments(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]PaymentDTO, len(ps))
	for i := range ps {
		dtos[i] = toPaymentDTO(&ps[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePayment records money changing hands.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := ledger.CreatePaymentInput{
		CustomerID:     req.CustomerID,
		Direction:      ledger.Direction(req.Direction),
		Amount:         req.Amount,
		Method:         ledger.Method(req.Method),
		Note:           req.Note,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	}
	if req.PaidAt != nil {
		in.PaidAt = *req.PaidAt
	}
	res, err := h.Service.CreatePayment(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dto := toPaymentDTO(&res.Payment)
	dto.Replayed = res.Replayed
	writeJSON(w, createdOrReplayed(res.Replayed), dto)
}

// GetPayment returns a payment with its allocations.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	d, err := h.Service.GetPayment(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dto := toPaymentDTO(&d.Payment)
	allocated, unallocated := money(d.Allocated), money(d.Unallocated)
	dto.Allocated, dto.Unallocated = &allocated, &unallocated
	dto.Allocations = make([]AllocationDTO, len(d.Allocations))
	for i := range d.Allocations {
		dto.Allocations[i] = toAllocationDTO(&d.Allocations[i])
	}
	writeJSON(w, http.StatusOK, dto)
}

// Allocate applies part of a payment to one record.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req AllocateRequest
	if !h.decode(w, r, &req) {
		return
	}
	kind, err := parseKind(req.TargetType, "target_type")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Service.Allocate(r.Context(), ledger.AllocateInput{
		PaymentID:      id,
		Target:         ledger.Target{Kind: kind, ID: req.TargetID},
		Amount:         req.Amount,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, createdOrReplayed(res.Replayed), toAllocationResultDTO(res))
}

// AutoAllocate spreads the unallocated remainder over the customer's
// open records, oldest first.
func (h *Handler) AutoAllocate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	results, err := h.Service.AutoAllocate(r.Context(), ledger.AutoAllocateInput{PaymentID: id})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]AllocationResultDTO, len(results))
	for i := range results {
		dtos[i] = toAllocationResultDTO(&results[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Audit checks every stored invariant.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	violations, err := ledger.Audit(r.Context(), h.Service.Store())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dto := AuditDTO{OK: len(violations) == 0, Violations: make([]ViolationDTO, len(violations))}
	for i, v := range violations {
		dto.Violations[i] = ViolationDTO{Entity: v.Entity, ID: v.ID, Message: v.Message}
	}
	writeJSON(w, http.StatusOK, dto)
}

// Health reports whether the store answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Service.Store().(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusOf maps a ledger error to its HTTP status.
func statusOf(err error) int {
	switch ledger.KindOf(err) {
	case ledger.KindValidation:
		return http.StatusBadRequest
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindConcurrencyConflict:
		return http.StatusConflict
	case ledger.KindOverpayment, ledger.KindOverallocation, ledger.KindInvariantViolation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	resp := ErrorResponse{
		Error:   string(ledger.KindOf(err)),
		Field:   ledger.FieldOf(err),
		Message: err.Error(),
	}
	if status == http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		resp.Message = "internal error"
	}
	writeJSON(w, status, resp)
}

// decode reads a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, &ledger.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, r, &ledger.ValidationError{Field: name, Message: "must be a positive integer"})
		return 0, false
	}
	return id, true
}

func queryInt(v, field string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ledger.ValidationError{Field: field, Message: "must be an integer"}
	}
	return n, nil
}

// parseKind accepts "sale", "purchase" and their upper-case forms.
func parseKind(s, field string) (ledger.Kind, error) {
	k := ledger.Kind(strings.ToUpper(s))
	if !k.Valid() {
		return "", &ledger.ValidationError{Field: field, Message: "must be SALE or PURCHASE"}
	}
	return k, nil
}

func idempotencyKey(r *http.Request, body string) string {
	if k := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); k != "" {
		return k
	}
	return strings.TrimSpace(body)
}

func createdOrReplayed(replayed bool) int {
	if replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}
