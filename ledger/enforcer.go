/*
enforcer.go - Consistency checks applied by every mutating entrypoint

PURPOSE:
  Pure functions that decide whether a write may commit. They run inside the
  enforcing transaction, against values freshly read under row locks, so a
  rejection always leaves the store untouched.

CHECKS:
  validateAmount     positive, at most MoneyScale decimal places
  validateItems      at least one item, every price > 0
  settle             Remaining = TotalPrice - PaidNow - Σactivities,
                     rejected if it would fall outside [0, TotalPrice]
  checkCapacity      allocation <= payment's unallocated remainder
  checkTarget        allocation target is an active record of the payment's
                     customer, of the kind the payment direction settles
  Audit              re-verifies every invariant over a whole store
*/
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// validateAmount rejects non-positive amounts, amounts above MaxAmount and
// sub-cent precision.
func validateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return invalid(field, "must be greater than zero, got %s", amount.String())
	}
	if amount.GreaterThan(MaxAmount) {
		return invalid(field, "must be at most %s, got %s", MaxAmount.StringFixed(MoneyScale), amount.String())
	}
	return validateScale(field, amount)
}

func validateScale(field string, amount decimal.Decimal) error {
	if !amount.Equal(amount.Round(MoneyScale)) {
		return invalid(field, "at most %d decimal places allowed, got %s", MoneyScale, amount.String())
	}
	return nil
}

// validateItems checks line items and returns their total.
func validateItems(items []LineItem) (decimal.Decimal, error) {
	if len(items) == 0 {
		return decimal.Zero, invalid("items", "at least one line item is required")
	}
	total := decimal.Zero
	for i, it := range items {
		if err := validateAmount(fmt.Sprintf("items[%d].price", i), it.Price); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(it.Price)
	}
	if total.GreaterThan(MaxAmount) {
		return decimal.Zero, invalid("items", "total must be at most %s, got %s", MaxAmount.StringFixed(MoneyScale), total.String())
	}
	return total, nil
}

func validateKey(key string) error {
	if len(key) > 128 {
		return invalid("idempotency_key", "must be at most 128 characters")
	}
	return nil
}

func normalizeRef(ref *CustomerRef) (*CustomerRef, error) {
	if ref == nil {
		return nil, nil
	}
	out := &CustomerRef{Name: strings.TrimSpace(ref.Name), Phone: strings.TrimSpace(ref.Phone)}
	if out.Name == "" && out.Phone == "" {
		return nil, nil
	}
	if out.Name == "" {
		return nil, invalid("customer.name", "customer name is required")
	}
	if out.Phone == "" {
		return nil, invalid("customer.phone", "customer phone is required")
	}
	return out, nil
}

// settle recomputes Remaining from history and rejects a result outside
// [0, TotalPrice].
// paid is Σ(activity.Amount) read inside the current transaction.
func settle(r *Record, paid decimal.Decimal) error {
	settled := r.PaidNow.Add(paid)
	if settled.GreaterThan(r.TotalPrice) {
		return &InvariantViolationError{
			Field:   "total_price",
			Message: fmt.Sprintf("total %s is below the %s already paid on %s",
				r.TotalPrice.StringFixed(MoneyScale), settled.StringFixed(MoneyScale), r.Target()),
		}
	}
	if settled.IsNegative() {
		return &InvariantViolationError{
			Field:   "paid",
			Message: fmt.Sprintf("paid amount on %s would become negative", r.Target()),
		}
	}
	r.Remaining = r.TotalPrice.Sub(settled)
	return nil
}

// checkRecord verifies the stored Remaining against history.
func checkRecord(r *Record, paid decimal.Decimal) error {
	if r.Remaining.IsNegative() || r.Remaining.GreaterThan(r.TotalPrice) {
		return &InvariantViolationError{
			Field:   "remaining",
			Message: fmt.Sprintf("%s remaining %s outside [0, %s]", r.Target(), r.Remaining, r.TotalPrice),
		}
	}
	if want := r.TotalPrice.Sub(r.PaidNow).Sub(paid); !want.Equal(r.Remaining) {
		return &InvariantViolationError{
			Field:   "remaining",
			Message: fmt.Sprintf("%s remaining %s, history says %s", r.Target(), r.Remaining, want),
		}
	}
	return nil
}

// checkCapacity enforces Σ(allocations) + amount <= payment amount.
func checkCapacity(p *Payment, allocated, amount decimal.Decimal) error {
	unallocated := p.Amount.Sub(allocated)
	if amount.GreaterThan(unallocated) {
		return &OverallocationError{PaymentID: p.ID, Unallocated: unallocated, Requested: amount}
	}
	return nil
}

// checkOpen rejects writes against a voided record.
func checkOpen(r *Record) error {
	if !r.IsActive {
		return &NotFoundError{Entity: entityName(r.Kind), ID: r.ID}
	}
	return nil
}

// checkTarget validates that p may settle r.
func checkTarget(p *Payment, t Target, r *Record) error {
	if !t.Kind.Valid() || t.ID <= 0 {
		return invalid("target", "target must be exactly one of a sale or a purchase")
	}
	if r.Kind != t.Kind {
		return invalid("target_type", "target type %s disagrees with %s", t.Kind, r.Target())
	}
	if want := p.Direction.SettlesKind(); t.Kind != want {
		return invalid("target_type", "a %s payment settles %s records, not %s", p.Direction, want, t.Kind)
	}
	if err := checkOpen(r); err != nil {
		return err
	}
	if r.CustomerID == nil || *r.CustomerID != p.CustomerID {
		return invalid("target", "%s does not belong to the payment's customer #%d", t, p.CustomerID)
	}
	return nil
}

func entityName(k Kind) string {
	if k == KindPurchase {
		return "purchase"
	}
	return "sale"
}

// =============================================================================
// AUDIT
// =============================================================================

// Violation is one broken invariant found by Audit.
type Violation struct {
	Entity  string
	ID      int64
	Message string
}

func (v Violation) String() string { return fmt.Sprintf("%s #%d: %s", v.Entity, v.ID, v.Message) }

// Audit re-verifies every ledger invariant over the whole store.
// It returns the violations found; an empty result means the ledger is consistent.
func Audit(ctx context.Context, r Reader) ([]Violation, error) {
	var out []Violation
	owners := map[Target]*int64{}

	for _, kind := range []Kind{KindSale, KindPurchase} {
		records, err := r.ListRecords(ctx, RecordFilter{Kind: kind})
		if err != nil {
			return nil, err
		}
		for i := range records {
			rec := &records[i]
			owners[rec.Target()] = rec.CustomerID
			acts, err := r.ListActivities(ctx, kind, rec.ID)
			if err != nil {
				return nil, err
			}
			paid := decimal.Zero
			for _, a := range acts {
				paid = paid.Add(a.Amount)
			}
			if err := checkRecord(rec, paid); err != nil {
				out = append(out, Violation{Entity: entityName(kind), ID: rec.ID, Message: err.Error()})
			}
			if rec.PaymentType == PaidNow && !rec.PaidNow.Equal(rec.TotalPrice) {
				out = append(out, Violation{Entity: entityName(kind), ID: rec.ID, Message: "PAID_NOW record with paid_now != total_price"})
			}
			if rec.CustomerID == nil && rec.IsActive && !rec.Settled() {
				out = append(out, Violation{Entity: entityName(kind), ID: rec.ID, Message: "open balance without a customer"})
			}
		}
	}

	payments, err := r.ListPayments(ctx, PaymentFilter{})
	if err != nil {
		return nil, err
	}
	for _, p := range payments {
		allocs, err := r.ListAllocations(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		allocated := decimal.Zero
		for _, a := range allocs {
			allocated = allocated.Add(a.Amount)
			owner, ok := owners[a.Target]
			if !ok {
				out = append(out, Violation{Entity: "allocation", ID: a.ID, Message: fmt.Sprintf("target %s does not exist", a.Target)})
				continue
			}
			if owner == nil || *owner != p.CustomerID {
				out = append(out, Violation{Entity: "allocation", ID: a.ID, Message: fmt.Sprintf("target %s belongs to another customer", a.Target)})
			}
		}
		if allocated.GreaterThan(p.Amount) {
			out = append(out, Violation{Entity: "payment", ID: p.ID,
				Message: fmt.Sprintf("allocated %s exceeds amount %s", allocated, p.Amount)})
		}
	}
	return out, nil
}
