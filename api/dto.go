/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Request amounts decode from either a JSON string ("700000.00") or a JSON
  number. Responses always render money as a string with two decimals so
  clients never go through binary floating point.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/pos-ledger/ledger"
)

func money(d decimal.Decimal) string { return d.StringFixed(ledger.MoneyScale) }

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// =============================================================================
// CUSTOMERS
// =============================================================================

type CustomerRefRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func (r *CustomerRefRequest) toRef() *ledger.CustomerRef {
	if r == nil {
		return nil
	}
	return &ledger.CustomerRef{Name: r.Name, Phone: r.Phone}
}

type CreateCustomerRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Note  string `json:"note"`
}

type CustomerDTO struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at"`
}

func toCustomerDTO(c *ledger.Customer) CustomerDTO {
	return CustomerDTO{
		ID:        c.ID,
		Name:      c.Name,
		Phone:     c.Phone,
		Note:      c.Note,
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
	}
}

type BalanceDTO struct {
	CustomerID          int64   `json:"customer_id"`
	Debt                string  `json:"debt"`
	Credit              string  `json:"credit"`
	OpenSales           int     `json:"open_sales"`
	OpenPurchases       int     `json:"open_purchases"`
	UnallocatedReceived string  `json:"unallocated_received"`
	UnallocatedPaidOut  string  `json:"unallocated_paid_out"`
	LastPaymentAt       *string `json:"last_payment_at"`
}

func toBalanceDTO(b *ledger.Balance) BalanceDTO {
	return BalanceDTO{
		CustomerID:          b.CustomerID,
		Debt:                money(b.Debt),
		Credit:              money(b.Credit),
		OpenSales:           b.OpenSales,
		OpenPurchases:       b.OpenPurchases,
		UnallocatedReceived: money(b.UnallocatedReceived),
		UnallocatedPaidOut:  money(b.UnallocatedPaidOut),
		LastPaymentAt:       timePtr(b.LastPaymentAt),
	}
}

type BalanceRowDTO struct {
	Customer      CustomerDTO `json:"customer"`
	Debt          string      `json:"debt"`
	Credit        string      `json:"credit"`
	Bucket        string      `json:"bucket"`
	LastPaymentAt *string     `json:"last_payment_at"`
}

type BalancePageDTO struct {
	Items    []BalanceRowDTO `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

func toBalancePageDTO(p *ledger.BalancePage) BalancePageDTO {
	dto := BalancePageDTO{
		Items:    make([]BalanceRowDTO, len(p.Items)),
		Total:    p.Total,
		Page:     p.Page,
		PageSize: p.PageSize,
	}
	for i, row := range p.Items {
		dto.Items[i] = BalanceRowDTO{
			Customer:      toCustomerDTO(&row.Customer),
			Debt:          money(row.Debt),
			Credit:        money(row.Credit),
			Bucket:        string(row.Bucket),
			LastPaymentAt: timePtr(row.LastPaymentAt),
		}
	}
	return dto
}

// =============================================================================
// SALES AND PURCHASES
// =============================================================================

type LineItemDTO struct {
	Description string          `json:"description"`
	Reference   string          `json:"reference,omitempty"`
	Price       decimal.Decimal `json:"price"`
}

func toLineItems(in []LineItemDTO) []ledger.LineItem {
	if in == nil {
		return nil
	}
	out := make([]ledger.LineItem, len(in))
	for i, it := range in {
		out[i] = ledger.LineItem{Description: it.Description, Reference: it.Reference, Price: it.Price}
	}
	return out
}

type CreateRecordRequest struct {
	Items       []LineItemDTO       `json:"items"`
	PaymentType string              `json:"payment_type"`
	Method      string              `json:"method"`
	PaidNow     decimal.Decimal     `json:"paid_now"`
	CustomerID  *int64              `json:"customer_id"`
	Customer    *CustomerRefRequest `json:"customer"`
	Note        string              `json:"note"`
}

// EditRecordRequest replaces the fields that are present. Omitted items
// keep the current items.
type EditRecordRequest struct {
	Items           []LineItemDTO       `json:"items"`
	CustomerID      *int64              `json:"customer_id"`
	Customer        *CustomerRefRequest `json:"customer"`
	Note            *string             `json:"note"`
	ExpectedVersion int64               `json:"expected_version"`
}

type VoidRecordRequest struct {
	Reason string `json:"reason"`
}

type RecordDTO struct {
	ID          int64         `json:"id"`
	Kind        string        `json:"kind"`
	CustomerID  *int64        `json:"customer_id"`
	Items       []LineItemOut `json:"items"`
	TotalPrice  string        `json:"total_price"`
	PaidNow     string        `json:"paid_now"`
	Remaining   string        `json:"remaining"`
	PaymentType string        `json:"payment_type"`
	Method      string        `json:"method"`
	Note        string        `json:"note,omitempty"`
	Version     int64         `json:"version"`
	IsActive    bool          `json:"is_active"`
	CreatedAt   string        `json:"created_at"`
	UpdatedAt   string        `json:"updated_at"`
	DeletedAt   *string       `json:"deleted_at,omitempty"`
	Activities  []ActivityDTO `json:"activities,omitempty"`
}

type LineItemOut struct {
	Description string `json:"description"`
	Reference   string `json:"reference,omitempty"`
	Price       string `json:"price"`
}

func toRecordDTO(r *ledger.Record) RecordDTO {
	items := make([]LineItemOut, len(r.Items))
	for i, it := range r.Items {
		items[i] = LineItemOut{Description: it.Description, Reference: it.Reference, Price: money(it.Price)}
	}
	return RecordDTO{
		ID:          r.ID,
		Kind:        string(r.Kind),
		CustomerID:  r.CustomerID,
		Items:       items,
		TotalPrice:  money(r.TotalPrice),
		PaidNow:     money(r.PaidNow),
		Remaining:   money(r.Remaining),
		PaymentType: string(r.PaymentType),
		Method:      string(r.Method),
		Note:        r.Note,
		Version:     r.Version,
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   r.UpdatedAt.Format(time.RFC3339),
		DeletedAt:   timePtr(r.DeletedAt),
	}
}

// =============================================================================
// ACTIVITIES
// =============================================================================

type AddActivityRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	PaidAt         *time.Time      `json:"paid_at"`
	Note           string          `json:"note"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type ReverseActivityRequest struct {
	Note string `json:"note"`
}

type ActivityDTO struct {
	ID           int64  `json:"id"`
	Kind         string `json:"kind"`
	RecordID     int64  `json:"record_id"`
	Amount       string `json:"amount"`
	PaidAt       string `json:"paid_at"`
	Note         string `json:"note,omitempty"`
	AllocationID *int64 `json:"allocation_id,omitempty"`
	ReversesID   *int64 `json:"reverses_id,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func toActivityDTO(a *ledger.Activity) ActivityDTO {
	return ActivityDTO{
		ID:           a.ID,
		Kind:         string(a.Kind),
		RecordID:     a.RecordID,
		Amount:       money(a.Amount),
		PaidAt:       a.PaidAt.Format(time.RFC3339),
		Note:         a.Note,
		AllocationID: a.AllocationID,
		ReversesID:   a.ReversesID,
		CreatedAt:    a.CreatedAt.Format(time.RFC3339),
	}
}

type ActivityResultDTO struct {
	Record   RecordDTO   `json:"record"`
	Activity ActivityDTO `json:"activity"`
	Replayed bool        `json:"replayed"`
}

// =============================================================================
// PAYMENTS AND ALLOCATIONS
// =============================================================================

type CreatePaymentRequest struct {
	CustomerID     int64           `json:"customer_id"`
	Direction      string          `json:"direction"`
	Amount         decimal.Decimal `json:"amount"`
	Method         string          `json:"method"`
	PaidAt         *time.Time      `json:"paid_at"`
	Note           string          `json:"note"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type PaymentDTO struct {
	ID          int64           `json:"id"`
	CustomerID  int64           `json:"customer_id"`
	Direction   string          `json:"direction"`
	Amount      string          `json:"amount"`
	Method      string          `json:"method"`
	PaidAt      string          `json:"paid_at"`
	Note        string          `json:"note,omitempty"`
	CreatedAt   string          `json:"created_at"`
	Allocated   *string         `json:"allocated,omitempty"`
	Unallocated *string         `json:"unallocated,omitempty"`
	Allocations []AllocationDTO `json:"allocations,omitempty"`
	Replayed    bool            `json:"replayed,omitempty"`
}

func toPaymentDTO(p *ledger.Payment) PaymentDTO {
	return PaymentDTO{
		ID:         p.ID,
		CustomerID: p.CustomerID,
		Direction:  string(p.Direction),
		Amount:     money(p.Amount),
		Method:     string(p.Method),
		PaidAt:     p.PaidAt.Format(time.RFC3339),
		Note:       p.Note,
		CreatedAt:  p.CreatedAt.Format(time.RFC3339),
	}
}

type AllocateRequest struct {
	TargetType     string          `json:"target_type"`
	TargetID       int64           `json:"target_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type AllocationDTO struct {
	ID         int64  `json:"id"`
	PaymentID  int64  `json:"payment_id"`
	TargetType string `json:"target_type"`
	TargetID   int64  `json:"target_id"`
	Amount     string `json:"amount"`
	CreatedAt  string `json:"created_at"`
}

func toAllocationDTO(a *ledger.Allocation) AllocationDTO {
	return AllocationDTO{
		ID:         a.ID,
		PaymentID:  a.PaymentID,
		TargetType: string(a.Target.Kind),
		TargetID:   a.Target.ID,
		Amount:     money(a.Amount),
		CreatedAt:  a.CreatedAt.Format(time.RFC3339),
	}
}

type AllocationResultDTO struct {
	Allocation  AllocationDTO `json:"allocation"`
	Record      RecordDTO     `json:"record"`
	Unallocated string        `json:"unallocated"`
	Replayed    bool          `json:"replayed"`
}

func toAllocationResultDTO(r *ledger.AllocationResult) AllocationResultDTO {
	return AllocationResultDTO{
		Allocation:  toAllocationDTO(&r.Allocation),
		Record:      toRecordDTO(&r.Record),
		Unallocated: money(r.Unallocated),
		Replayed:    r.Replayed,
	}
}

// =============================================================================
// ADMIN
// =============================================================================

type ViolationDTO struct {
	Entity  string `json:"entity"`
	ID      int64  `json:"id"`
	Message string `json:"message"`
}

type AuditDTO struct {
	OK         bool           `json:"ok"`
	Violations []ViolationDTO `json:"violations"`
}
