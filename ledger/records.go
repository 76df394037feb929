/*
records.go - Sale/Purchase write path and activity log

PURPOSE:
  Creates and edits Transaction Records and appends incremental payments
  (Activities) against them. Every write follows the same shape:

    1. lock the record row
    2. re-sum its activity history
    3. validate against that fresh projection
    4. append the new row and write the recomputed Remaining

  Remaining is never decremented from its cached value; it is recomputed
  from PaidNow and the activity history on every write.

CUSTOMER RULE:
  A PAY_LATER record, or any record with money still outstanding, must have
  a customer. Fully paid PAID_NOW records may be anonymous.

CORRECTIONS:
  Activities are never edited or deleted. A mistaken activity is corrected by
  ReverseActivity, which appends a compensating entry with the negated
  amount. A whole record is withdrawn by VoidRecord (soft delete).
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// CREATE
// =============================================================================

// CreateRecordInput describes a new Sale or Purchase.
type CreateRecordInput struct {
	Kind        Kind
	Items       []LineItem
	PaymentType PaymentType
	Method      Method
	PaidNow     decimal.Decimal // ignored for PAID_NOW
	CustomerID  *int64
	Customer    *CustomerRef
	Note        string
}

// CreateRecord creates a Sale or Purchase.
func (s *Service) CreateRecord(ctx context.Context, in CreateRecordInput) (*Record, error) {
	if !in.Kind.Valid() {
		return nil, invalid("kind", "unknown record kind %q", in.Kind)
	}
	if !in.PaymentType.Valid() {
		return nil, invalid("payment_type", "must be PAID_NOW or PAY_LATER, got %q", in.PaymentType)
	}
	if in.Method == "" {
		in.Method = MethodCash
	}
	if !in.Method.Valid() {
		return nil, invalid("method", "must be CASH, CARD or OTHER, got %q", in.Method)
	}
	total, err := validateItems(in.Items)
	if err != nil {
		return nil, err
	}

	paidNow := in.PaidNow
	if in.PaymentType == PaidNow {
		paidNow = total
	} else {
		if paidNow.IsNegative() {
			return nil, invalid("paid_now", "must not be negative")
		}
		if err := validateScale("paid_now", paidNow); err != nil {
			return nil, err
		}
		if paidNow.GreaterThan(total) {
			return nil, invalid("paid_now", "paid now %s exceeds total price %s",
				paidNow.StringFixed(MoneyScale), total.StringFixed(MoneyScale))
		}
	}
	ref, err := normalizeRef(in.Customer)
	if err != nil {
		return nil, err
	}

	now := s.now()
	rec := &Record{
		Kind:        in.Kind,
		Items:       append([]LineItem(nil), in.Items...),
		TotalPrice:  total,
		PaidNow:     paidNow,
		PaymentType: in.PaymentType,
		Method:      in.Method,
		Note:        in.Note,
		Version:     1,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := settle(rec, decimal.Zero); err != nil {
		return nil, err
	}

	err = s.mutate(ctx, "create_"+opSuffix(in.Kind), func(tx Tx) error {
		c, err := resolveCustomer(ctx, tx, in.CustomerID, ref)
		if err != nil {
			return err
		}
		if c == nil && (rec.PaymentType == PayLater || !rec.Settled()) {
			return invalid("customer", "customer name and phone are required when the %s is not fully paid", entityName(rec.Kind))
		}
		if c != nil {
			rec.CustomerID = &c.ID
		}
		return tx.InsertRecord(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("record created",
		zap.String("kind", string(rec.Kind)),
		zap.Int64("id", rec.ID),
		zap.String("total_price", rec.TotalPrice.String()),
		zap.String("remaining", rec.Remaining.String()))
	return rec, nil
}

// =============================================================================
// EDIT
// =============================================================================

// EditRecordInput replaces the editable parts of an open record.
// Nil fields are left unchanged.
type EditRecordInput struct {
	Kind       Kind
	ID         int64
	Items      []LineItem
	CustomerID *int64
	Customer   *CustomerRef
	Note       *string
	// ExpectedVersion, when non-zero, must match the stored version.
	ExpectedVersion int64
}

// EditRecord re-derives TotalPrice from new items and re-validates against
// everything paid so far (PaidNow + all activities).
func (s *Service) EditRecord(ctx context.Context, in EditRecordInput) (*Record, error) {
	if !in.Kind.Valid() {
		return nil, invalid("kind", "unknown record kind %q", in.Kind)
	}
	var total decimal.Decimal
	if in.Items != nil {
		var err error
		if total, err = validateItems(in.Items); err != nil {
			return nil, err
		}
	}
	ref, err := normalizeRef(in.Customer)
	if err != nil {
		return nil, err
	}

	var out *Record
	err = s.mutate(ctx, "edit_"+opSuffix(in.Kind), func(tx Tx) error {
		rec, err := lockOpenRecord(ctx, tx, in.Kind, in.ID)
		if err != nil {
			return err
		}
		if in.ExpectedVersion != 0 && rec.Version != in.ExpectedVersion {
			return &ConcurrencyConflictError{Resource: rec.Target().String()}
		}
		if rec.Settled() {
			return invalid("status", "%s is settled and can no longer be edited", rec.Target())
		}
		if in.Items != nil {
			rec.Items = append([]LineItem(nil), in.Items...)
			rec.TotalPrice = total
		}
		if in.CustomerID != nil || ref != nil {
			c, err := resolveCustomer(ctx, tx, in.CustomerID, ref)
			if err != nil {
				return err
			}
			if rec.CustomerID != nil && *rec.CustomerID != c.ID {
				allocated, err := tx.HasAllocations(ctx, rec.Kind, rec.ID)
				if err != nil {
					return err
				}
				if allocated {
					return invalid("customer", "%s is settled by payments of customer #%d and cannot change customer", rec.Target(), *rec.CustomerID)
				}
			}
			rec.CustomerID = &c.ID
		}
		if in.Note != nil {
			rec.Note = *in.Note
		}

		paid, err := tx.SumActivities(ctx, rec.Kind, rec.ID)
		if err != nil {
			return err
		}
		if err := settle(rec, paid); err != nil {
			return err
		}
		rec.UpdatedAt = s.now()
		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("record edited",
		zap.String("kind", string(out.Kind)),
		zap.Int64("id", out.ID),
		zap.String("total_price", out.TotalPrice.String()),
		zap.String("remaining", out.Remaining.String()))
	return out, nil
}

// =============================================================================
// ACTIVITIES
// =============================================================================

// AddActivityInput is one incremental payment against a record.
type AddActivityInput struct {
	Kind           Kind
	RecordID       int64
	Amount         decimal.Decimal
	PaidAt         time.Time // zero means now
	Note           string
	IdempotencyKey string
}

// ActivityResult is the outcome of an activity write.
type ActivityResult struct {
	Record   Record
	Activity Activity
	// Replayed is true when the idempotency key matched an earlier request
	// and nothing new was written.
	Replayed bool
}

// AddActivity appends a payment to a record and lowers its Remaining.
// Fails with OverpaymentError if Amount exceeds Remaining.
func (s *Service) AddActivity(ctx context.Context, in AddActivityInput) (*ActivityResult, error) {
	if !in.Kind.Valid() {
		return nil, invalid("kind", "unknown record kind %q", in.Kind)
	}
	if err := validateAmount("amount", in.Amount); err != nil {
		return nil, err
	}
	if err := validateKey(in.IdempotencyKey); err != nil {
		return nil, err
	}

	var out *ActivityResult
	err := s.mutate(ctx, "add_"+opSuffix(in.Kind)+"_activity", func(tx Tx) error {
		rec, err := lockOpenRecord(ctx, tx, in.Kind, in.RecordID)
		if err != nil {
			return err
		}
		if in.IdempotencyKey != "" {
			prior, err := tx.FindActivityByKey(ctx, in.Kind, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				if prior.RecordID != rec.ID || !prior.Amount.Equal(in.Amount) {
					return invalid("idempotency_key", "key was already used for %s with amount %s", Target{Kind: in.Kind, ID: prior.RecordID}, prior.Amount.StringFixed(MoneyScale))
				}
				out = &ActivityResult{Record: *rec, Activity: *prior, Replayed: true}
				return nil
			}
		}

		paid, err := tx.SumActivities(ctx, rec.Kind, rec.ID)
		if err != nil {
			return err
		}
		if err := settle(rec, paid); err != nil {
			return err
		}
		if in.Amount.GreaterThan(rec.Remaining) {
			return &OverpaymentError{Target: rec.Target(), Remaining: rec.Remaining, Requested: in.Amount}
		}

		now := s.now()
		act := &Activity{
			Kind:           rec.Kind,
			RecordID:       rec.ID,
			Amount:         in.Amount,
			PaidAt:         in.PaidAt,
			Note:           in.Note,
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      now,
		}
		if act.PaidAt.IsZero() {
			act.PaidAt = now
		}
		if err := tx.InsertActivity(ctx, act); err != nil {
			return err
		}
		if err := settle(rec, paid.Add(act.Amount)); err != nil {
			return err
		}
		rec.UpdatedAt = now
		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return err
		}
		out = &ActivityResult{Record: *rec, Activity: *act}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !out.Replayed {
		s.log.Info("activity added",
			zap.String("kind", string(out.Record.Kind)),
			zap.Int64("record_id", out.Record.ID),
			zap.Int64("activity_id", out.Activity.ID),
			zap.String("amount", out.Activity.Amount.String()),
			zap.String("remaining", out.Record.Remaining.String()))
	}
	return out, nil
}

// ReverseActivityInput identifies the activity to compensate.
type ReverseActivityInput struct {
	Kind       Kind
	ActivityID int64
	Note       string
}

// ReverseActivity appends a compensating entry that cancels an activity.
// Each activity can be reversed once. Activities produced by a payment
// allocation cannot be reversed; those are corrected with a payment in the
// opposite direction.
func (s *Service) ReverseActivity(ctx context.Context, in ReverseActivityInput) (*ActivityResult, error) {
	if !in.Kind.Valid() {
		return nil, invalid("kind", "unknown record kind %q", in.Kind)
	}

	var out *ActivityResult
	err := s.mutate(ctx, "reverse_"+opSuffix(in.Kind)+"_activity", func(tx Tx) error {
		orig, err := tx.GetActivity(ctx, in.Kind, in.ActivityID)
		if err != nil {
			return err
		}
		if orig == nil {
			return &NotFoundError{Entity: "activity", ID: in.ActivityID}
		}
		if orig.IsReversal() {
			return invalid("activity", "activity #%d is itself a reversal", orig.ID)
		}
		if orig.AllocationID != nil {
			return invalid("activity", "activity #%d comes from allocation #%d; record a reversed payment instead", orig.ID, *orig.AllocationID)
		}

		rec, err := lockOpenRecord(ctx, tx, in.Kind, orig.RecordID)
		if err != nil {
			return err
		}
		reversed, err := tx.HasReversal(ctx, in.Kind, orig.ID)
		if err != nil {
			return err
		}
		if reversed {
			return invalid("activity", "activity #%d is already reversed", orig.ID)
		}

		paid, err := tx.SumActivities(ctx, rec.Kind, rec.ID)
		if err != nil {
			return err
		}
		now := s.now()
		origID := orig.ID
		act := &Activity{
			Kind:       rec.Kind,
			RecordID:   rec.ID,
			Amount:     orig.Amount.Neg(),
			PaidAt:     now,
			Note:       in.Note,
			ReversesID: &origID,
			CreatedAt:  now,
		}
		if err := settle(rec, paid.Add(act.Amount)); err != nil {
			return err
		}
		if err := tx.InsertActivity(ctx, act); err != nil {
			return err
		}
		rec.UpdatedAt = now
		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return err
		}
		out = &ActivityResult{Record: *rec, Activity: *act}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("activity reversed",
		zap.String("kind", string(out.Record.Kind)),
		zap.Int64("record_id", out.Record.ID),
		zap.Int64("reverses", *out.Activity.ReversesID),
		zap.String("remaining", out.Record.Remaining.String()))
	return out, nil
}

// =============================================================================
// VOID
// =============================================================================

// VoidRecord soft-deletes a record. Its activities and allocations stay for
// audit; the record no longer counts towards balances and rejects writes.
func (s *Service) VoidRecord(ctx context.Context, kind Kind, id int64, reason string) (*Record, error) {
	if !kind.Valid() {
		return nil, invalid("kind", "unknown record kind %q", kind)
	}
	var out *Record
	err := s.mutate(ctx, "void_"+opSuffix(kind), func(tx Tx) error {
		rec, err := lockOpenRecord(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		now := s.now()
		rec.IsActive = false
		rec.DeletedAt = &now
		rec.UpdatedAt = now
		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("record voided", zap.String("kind", string(kind)), zap.Int64("id", id), zap.String("reason", reason))
	return out, nil
}

// =============================================================================
// READS
// =============================================================================

// GetRecord returns a record and its activity history. Voided records are
// returned too, with IsActive false.
func (s *Service) GetRecord(ctx context.Context, kind Kind, id int64) (*RecordDetail, error) {
	if !kind.Valid() {
		return nil, invalid("kind", "unknown record kind %q", kind)
	}
	rec, err := s.store.GetRecord(ctx, kind, id)
	if err != nil {
		return nil, s.read("get_record", err)
	}
	if rec == nil {
		return nil, &NotFoundError{Entity: entityName(kind), ID: id}
	}
	acts, err := s.store.ListActivities(ctx, kind, id)
	if err != nil {
		return nil, s.read("list_activities", err)
	}
	return &RecordDetail{Record: *rec, Activities: acts}, nil
}

// ListRecords lists records matching filter.
func (s *Service) ListRecords(ctx context.Context, filter RecordFilter) ([]Record, error) {
	if !filter.Kind.Valid() {
		return nil, invalid("kind", "unknown record kind %q", filter.Kind)
	}
	recs, err := s.store.ListRecords(ctx, filter)
	return recs, s.read("list_records", err)
}

func lockOpenRecord(ctx context.Context, tx Tx, kind Kind, id int64) (*Record, error) {
	rec, err := tx.LockRecord(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &NotFoundError{Entity: entityName(kind), ID: id}
	}
	if err := checkOpen(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func opSuffix(k Kind) string { return entityName(k) }
