/*
Package ledger provides the balance and payment allocation engine of the shop.

PURPOSE:
  Answers two questions at every point in time: how much a customer owes the
  shop (debt, from open Sales) and how much the shop owes a customer (credit,
  from open Purchases). Supports partial payments recorded over time and a
  single Payment split across several Sales or Purchases.

KEY CONCEPTS IN THIS FILE (types.go):
  - Record: a Sale or a Purchase (same shape, opposite economic direction)
  - Activity: one incremental payment applied to a Record after creation
  - Payment: a standalone real-world money movement for one customer
  - Allocation: binds part of a Payment to exactly one Sale or Purchase
  - Target: tagged variant {Sale(id) | Purchase(id)}

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, never float64
  2. Append-only history: activities and allocations are never edited
  3. Derived balances: Remaining is recomputed from history on every write,
     customer balances are folded from rows on every read

SEE ALSO:
  - records.go:  Sale/Purchase write path
  - payments.go: Payment and allocation engine
  - balance.go:  Balance aggregator
  - enforcer.go: Invariant checks shared by all mutations
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// MoneyScale is the number of decimal places the ledger accepts.
const MoneyScale = 2

// MaxAmount is the largest amount a NUMERIC(18,2) column can hold.
var MaxAmount = decimal.RequireFromString("9999999999999999.99")

// Money parses a decimal string. Intended for tests and fixtures.
func Money(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("ledger: invalid money literal %q", s))
	}
	return d
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// =============================================================================
// ENUMERATIONS
// =============================================================================

// Kind distinguishes Sales from Purchases.
type Kind string

const (
	KindSale     Kind = "SALE"
	KindPurchase Kind = "PURCHASE"
)

func (k Kind) Valid() bool { return k == KindSale || k == KindPurchase }

func (k Kind) String() string { return string(k) }

// PaymentType says whether a Record is settled at creation.
type PaymentType string

const (
	PaidNow  PaymentType = "PAID_NOW"
	PayLater PaymentType = "PAY_LATER"
)

func (p PaymentType) Valid() bool { return p == PaidNow || p == PayLater }

// Method is how money physically moved.
type Method string

const (
	MethodCash  Method = "CASH"
	MethodCard  Method = "CARD"
	MethodOther Method = "OTHER"
)

func (m Method) Valid() bool {
	switch m {
	case MethodCash, MethodCard, MethodOther:
		return true
	}
	return false
}

// Direction of a standalone Payment.
type Direction string

const (
	CustomerPaysShop Direction = "CUSTOMER_PAYS_SHOP"
	ShopPaysCustomer Direction = "SHOP_PAYS_CUSTOMER"
)

func (d Direction) Valid() bool { return d == CustomerPaysShop || d == ShopPaysCustomer }

// SettlesKind returns which Record kind a payment in this direction settles.
// Money received from a customer settles Sales; money paid out settles Purchases.
func (d Direction) SettlesKind() Kind {
	if d == ShopPaysCustomer {
		return KindPurchase
	}
	return KindSale
}

// =============================================================================
// CUSTOMER
// =============================================================================

// Customer is identified by phone. There is no stored balance.
type Customer struct {
	ID        int64
	Name      string
	Phone     string
	Note      string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CustomerRef identifies a customer by name and phone at the point of sale.
type CustomerRef struct {
	Name  string
	Phone string
}

// =============================================================================
// RECORD (Sale / Purchase)
// =============================================================================

// LineItem is one priced unit supplied by the inventory subsystem.
// The ledger only knows the price.
type LineItem struct {
	Description string          `json:"description"`
	Reference   string          `json:"reference,omitempty"`
	Price       decimal.Decimal `json:"price"`
}

// Record is a Sale or a Purchase.
//
// INVARIANT (after every committed write, for active records):
//
//	0 <= Remaining <= TotalPrice
//	TotalPrice == PaidNow + Σ(activity.Amount) + Remaining
type Record struct {
	ID          int64
	Kind        Kind
	CustomerID  *int64
	Items       []LineItem
	TotalPrice  decimal.Decimal
	PaidNow     decimal.Decimal
	Remaining   decimal.Decimal
	PaymentType PaymentType
	Method      Method
	Note        string
	Version     int64
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Target returns the tagged reference to this record.
func (r *Record) Target() Target { return Target{Kind: r.Kind, ID: r.ID} }

// Settled reports whether nothing remains to be paid.
func (r *Record) Settled() bool { return r.Remaining.IsZero() }

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.Items = append([]LineItem(nil), r.Items...)
	if r.CustomerID != nil {
		id := *r.CustomerID
		c.CustomerID = &id
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// =============================================================================
// ACTIVITY
// =============================================================================

// Activity is one payment applied to a Record after creation. Append-only.
// Amount is positive for payments and negative only for compensating entries.
type Activity struct {
	ID             int64
	Kind           Kind
	RecordID       int64
	Amount         decimal.Decimal
	PaidAt         time.Time
	Note           string
	AllocationID   *int64 // set when produced by a Payment allocation
	ReversesID     *int64 // set on compensating entries
	IdempotencyKey string
	CreatedAt      time.Time
}

// IsReversal reports whether this is a compensating entry.
func (a *Activity) IsReversal() bool { return a.ReversesID != nil }

// =============================================================================
// PAYMENT & ALLOCATION
// =============================================================================

// Payment is a standalone money movement, not yet tied to any Record.
type Payment struct {
	ID             int64
	CustomerID     int64
	Direction      Direction
	Amount         decimal.Decimal
	Method         Method
	PaidAt         time.Time
	Note           string
	IdempotencyKey string
	Version        int64
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Target is exactly one of Sale(id) or Purchase(id).
type Target struct {
	Kind Kind
	ID   int64
}

func SaleTarget(id int64) Target     { return Target{Kind: KindSale, ID: id} }
func PurchaseTarget(id int64) Target { return Target{Kind: KindPurchase, ID: id} }

func (t Target) String() string { return fmt.Sprintf("%s#%d", t.Kind, t.ID) }

// Columns flattens the variant to the two nullable storage columns.
func (t Target) Columns() (saleID, purchaseID *int64) {
	id := t.ID
	if t.Kind == KindSale {
		return &id, nil
	}
	return nil, &id
}

// TargetFromColumns rebuilds the variant from the storage columns.
// Exactly one column must be set.
func TargetFromColumns(saleID, purchaseID *int64) (Target, error) {
	switch {
	case saleID != nil && purchaseID == nil:
		return SaleTarget(*saleID), nil
	case saleID == nil && purchaseID != nil:
		return PurchaseTarget(*purchaseID), nil
	}
	return Target{}, &ValidationError{Field: "target", Message: "exactly one of target_sale_id and target_purchase_id must be set"}
}

// Allocation binds part of a Payment to one Record.
type Allocation struct {
	ID             int64
	PaymentID      int64
	Target         Target
	Amount         decimal.Decimal
	IdempotencyKey string
	CreatedAt      time.Time
}

// PaymentDetail is a Payment with its allocations.
type PaymentDetail struct {
	Payment     Payment
	Allocations []Allocation
	Allocated   decimal.Decimal
	Unallocated decimal.Decimal
}

// RecordDetail is a Record with its activity history.
type RecordDetail struct {
	Record     Record
	Activities []Activity
}
