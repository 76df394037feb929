/*
payments.go - Payment and allocation engine

PURPOSE:
  A Payment records a real-world money movement with one customer that is
  not yet tied to any Sale or Purchase. Allocations then bind parts of it to
  individual records. One payment can settle several records, and one record
  can be settled by several payments.

DIRECTION RULE:
  CUSTOMER_PAYS_SHOP  settles  Sales      (money in)
  SHOP_PAYS_CUSTOMER  settles  Purchases  (money out)

ALLOCATION STEPS (one transaction):
  1. lock payment row, sum its allocations      -> OverallocationError
  2. lock target record, validate it            -> ValidationError / NotFound
  3. re-sum target activities                   -> OverpaymentError
  4. insert allocation + its activity, write the recomputed Remaining

  Allocations are never removed. A wrong allocation is corrected with a
  payment in the opposite direction.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// PAYMENTS
// =============================================================================

// CreatePaymentInput describes a standalone payment.
type CreatePaymentInput struct {
	CustomerID     int64
	Direction      Direction
	Amount         decimal.Decimal
	Method         Method
	PaidAt         time.Time // zero means now
	Note           string
	IdempotencyKey string
}

// PaymentResult is the outcome of CreatePayment.
type PaymentResult struct {
	Payment  Payment
	Replayed bool
}

// CreatePayment records a payment with no allocations.
func (s *Service) CreatePayment(ctx context.Context, in CreatePaymentInput) (*PaymentResult, error) {
	if in.CustomerID <= 0 {
		return nil, invalid("customer_id", "customer is required")
	}
	if !in.Direction.Valid() {
		return nil, invalid("direction", "must be CUSTOMER_PAYS_SHOP or SHOP_PAYS_CUSTOMER, got %q", in.Direction)
	}
	if err := validateAmount("amount", in.Amount); err != nil {
		return nil, err
	}
	if in.Method == "" {
		in.Method = MethodCash
	}
	if !in.Method.Valid() {
		return nil, invalid("method", "must be CASH, CARD or OTHER, got %q", in.Method)
	}
	if err := validateKey(in.IdempotencyKey); err != nil {
		return nil, err
	}

	var out *PaymentResult
	err := s.mutate(ctx, "create_payment", func(tx Tx) error {
		if in.IdempotencyKey != "" {
			prior, err := tx.FindPaymentByKey(ctx, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				if prior.CustomerID != in.CustomerID || prior.Direction != in.Direction || !prior.Amount.Equal(in.Amount) {
					return invalid("idempotency_key", "key was already used for payment #%d", prior.ID)
				}
				out = &PaymentResult{Payment: *prior, Replayed: true}
				return nil
			}
		}
		if _, err := resolveCustomer(ctx, tx, &in.CustomerID, nil); err != nil {
			return err
		}
		now := s.now()
		p := &Payment{
			CustomerID:     in.CustomerID,
			Direction:      in.Direction,
			Amount:         in.Amount,
			Method:         in.Method,
			PaidAt:         in.PaidAt,
			Note:           in.Note,
			IdempotencyKey: in.IdempotencyKey,
			Version:        1,
			IsActive:       true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if p.PaidAt.IsZero() {
			p.PaidAt = now
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		out = &PaymentResult{Payment: *p}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !out.Replayed {
		s.log.Info("payment created",
			zap.Int64("payment_id", out.Payment.ID),
			zap.Int64("customer_id", out.Payment.CustomerID),
			zap.String("direction", string(out.Payment.Direction)),
			zap.String("amount", out.Payment.Amount.String()))
	}
	return out, nil
}

// GetPayment returns a payment with its allocations.
func (s *Service) GetPayment(ctx context.Context, id int64) (*PaymentDetail, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, s.read("get_payment", err)
	}
	if p == nil {
		return nil, &NotFoundError{Entity: "payment", ID: id}
	}
	allocs, err := s.store.ListAllocations(ctx, id)
	if err != nil {
		return nil, s.read("list_allocations", err)
	}
	allocated := decimal.Zero
	for _, a := range allocs {
		allocated = allocated.Add(a.Amount)
	}
	return &PaymentDetail{
		Payment:     *p,
		Allocations: allocs,
		Allocated:   allocated,
		Unallocated: p.Amount.Sub(allocated),
	}, nil
}

// ListPayments lists payments, newest first.
func (s *Service) ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error) {
	ps, err := s.store.ListPayments(ctx, filter)
	return ps, s.read("list_payments", err)
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

// AllocateInput binds Amount of a payment to one record.
type AllocateInput struct {
	PaymentID      int64
	Target         Target
	Amount         decimal.Decimal
	IdempotencyKey string
}

// AllocationResult is the outcome of one allocation.
type AllocationResult struct {
	Allocation  Allocation
	Record      Record
	Unallocated decimal.Decimal
	Replayed    bool
}

// Allocate applies part of a payment to a Sale or Purchase.
func (s *Service) Allocate(ctx context.Context, in AllocateInput) (*AllocationResult, error) {
	if !in.Target.Kind.Valid() || in.Target.ID <= 0 {
		return nil, invalid("target", "target must be exactly one of a sale or a purchase")
	}
	if err := validateAmount("amount", in.Amount); err != nil {
		return nil, err
	}
	if err := validateKey(in.IdempotencyKey); err != nil {
		return nil, err
	}

	var out *AllocationResult
	err := s.mutate(ctx, "allocate", func(tx Tx) error {
		p, err := lockPayment(ctx, tx, in.PaymentID)
		if err != nil {
			return err
		}
		if in.IdempotencyKey != "" {
			prior, err := tx.FindAllocationByKey(ctx, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				if prior.PaymentID != p.ID || prior.Target != in.Target || !prior.Amount.Equal(in.Amount) {
					return invalid("idempotency_key", "key was already used for allocation #%d", prior.ID)
				}
				rec, err := tx.LockRecord(ctx, prior.Target.Kind, prior.Target.ID)
				if err != nil {
					return err
				}
				allocated, err := tx.SumAllocations(ctx, p.ID)
				if err != nil {
					return err
				}
				out = &AllocationResult{Allocation: *prior, Unallocated: p.Amount.Sub(allocated), Replayed: true}
				if rec != nil {
					out.Record = *rec
				}
				return nil
			}
		}

		allocated, err := tx.SumAllocations(ctx, p.ID)
		if err != nil {
			return err
		}
		res, err := s.allocate(ctx, tx, p, allocated, in.Target, in.Amount, in.IdempotencyKey)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !out.Replayed {
		s.logAllocation(out)
	}
	return out, nil
}

// AutoAllocateInput selects the payment to spread over open records.
type AutoAllocateInput struct {
	PaymentID int64
}

// AutoAllocate spreads a payment's unallocated remainder over the
// customer's open records of the matching kind, oldest first, until either
// the payment or the open records are exhausted. Existing allocations are
// kept as they are.
func (s *Service) AutoAllocate(ctx context.Context, in AutoAllocateInput) ([]AllocationResult, error) {
	var out []AllocationResult
	err := s.mutate(ctx, "auto_allocate", func(tx Tx) error {
		out = nil
		p, err := lockPayment(ctx, tx, in.PaymentID)
		if err != nil {
			return err
		}
		allocated, err := tx.SumAllocations(ctx, p.ID)
		if err != nil {
			return err
		}
		open, err := tx.LockOpenRecords(ctx, p.Direction.SettlesKind(), p.CustomerID)
		if err != nil {
			return err
		}
		for i := range open {
			left := p.Amount.Sub(allocated)
			if !left.IsPositive() {
				break
			}
			rec := &open[i]
			paid, err := tx.SumActivities(ctx, rec.Kind, rec.ID)
			if err != nil {
				return err
			}
			if err := settle(rec, paid); err != nil {
				return err
			}
			if !rec.Remaining.IsPositive() {
				continue
			}
			amount := decimal.Min(left, rec.Remaining)
			res, err := s.allocate(ctx, tx, p, allocated, rec.Target(), amount, "")
			if err != nil {
				return err
			}
			allocated = allocated.Add(amount)
			out = append(out, *res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range out {
		s.logAllocation(&out[i])
	}
	return out, nil
}

// allocate checks capacity and target, then writes the allocation, its
// activity and the settled record for a payment already locked in tx.
func (s *Service) allocate(ctx context.Context, tx Tx, p *Payment, allocated decimal.Decimal, t Target, amount decimal.Decimal, key string) (*AllocationResult, error) {
	if err := checkCapacity(p, allocated, amount); err != nil {
		return nil, err
	}
	rec, err := tx.LockRecord(ctx, t.Kind, t.ID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &NotFoundError{Entity: entityName(t.Kind), ID: t.ID}
	}
	if err := checkTarget(p, t, rec); err != nil {
		return nil, err
	}
	paid, err := tx.SumActivities(ctx, rec.Kind, rec.ID)
	if err != nil {
		return nil, err
	}
	if err := settle(rec, paid); err != nil {
		return nil, err
	}
	if amount.GreaterThan(rec.Remaining) {
		return nil, &OverpaymentError{Target: t, Remaining: rec.Remaining, Requested: amount}
	}

	now := s.now()
	alloc := &Allocation{
		PaymentID:      p.ID,
		Target:         t,
		Amount:         amount,
		IdempotencyKey: key,
		CreatedAt:      now,
	}
	if err := tx.InsertAllocation(ctx, alloc); err != nil {
		return nil, err
	}
	allocID := alloc.ID
	act := &Activity{
		Kind:         rec.Kind,
		RecordID:     rec.ID,
		Amount:       amount,
		PaidAt:       p.PaidAt,
		Note:         fmt.Sprintf("payment #%d", p.ID),
		AllocationID: &allocID,
		CreatedAt:    now,
	}
	if err := tx.InsertActivity(ctx, act); err != nil {
		return nil, err
	}
	if err := settle(rec, paid.Add(amount)); err != nil {
		return nil, err
	}
	rec.UpdatedAt = now
	if err := tx.UpdateRecord(ctx, rec); err != nil {
		return nil, err
	}
	return &AllocationResult{
		Allocation:  *alloc,
		Record:      *rec,
		Unallocated: p.Amount.Sub(allocated).Sub(amount),
	}, nil
}

func (s *Service) logAllocation(r *AllocationResult) {
	s.log.Info("payment allocated",
		zap.Int64("payment_id", r.Allocation.PaymentID),
		zap.Int64("allocation_id", r.Allocation.ID),
		zap.String("target", r.Allocation.Target.String()),
		zap.String("amount", r.Allocation.Amount.String()),
		zap.String("unallocated", r.Unallocated.String()),
		zap.String("remaining", r.Record.Remaining.String()))
}

func lockPayment(ctx context.Context, tx Tx, id int64) (*Payment, error) {
	p, err := tx.LockPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil || !p.IsActive {
		return nil, &NotFoundError{Entity: "payment", ID: id}
	}
	return p, nil
}
