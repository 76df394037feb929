/*
ledger_test.go - Behavioural tests for the ledger service

PURPOSE:
  Each test runs against every store implementation (memory, sqlite) so the
  service semantics and the store contract are verified together.

ORGANIZATION:
  1. Shop scenarios A-F
  2. Record write path (create, edit, reverse, void)
  3. Payments and allocations
  4. Idempotency and concurrency
  5. Balances and list view

READING THESE TESTS:
  GIVEN/WHEN/THEN comments explain the scenario. Every test ends with an
  Audit of the whole store, which must find no violations.
*/
package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/pos-ledger/ledger"
	"github.com/warp/pos-ledger/ledger/store"
	"github.com/warp/pos-ledger/store/sqlite"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

var m = ledger.Money

// clock ticks one second per call so creation order is deterministic.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newClock() *clock {
	return &clock{t: time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)}
}

var backends = map[string]func(t *testing.T) ledger.Store{
	"memory": func(t *testing.T) ledger.Store { return store.NewMemory() },
	"sqlite": func(t *testing.T) ledger.Store {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	},
}

// eachStore runs fn once per backend with a fresh service.
func eachStore(t *testing.T, fn func(t *testing.T, svc *ledger.Service)) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			svc := ledger.NewService(st, ledger.WithClock(newClock().Now))
			fn(t, svc)
			assertConsistent(t, st)
		})
	}
}

func assertConsistent(t *testing.T, st ledger.Store) {
	t.Helper()
	violations, err := ledger.Audit(context.Background(), st)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func items(prices ...string) []ledger.LineItem {
	out := make([]ledger.LineItem, len(prices))
	for i, p := range prices {
		out[i] = ledger.LineItem{Description: fmt.Sprintf("item %d", i+1), Price: m(p)}
	}
	return out
}

func ref(name, phone string) *ledger.CustomerRef {
	return &ledger.CustomerRef{Name: name, Phone: phone}
}

// payLater creates an open record of kind for the customer identified by phone.
func payLater(t *testing.T, svc *ledger.Service, kind ledger.Kind, phone, total, paidNow string) *ledger.Record {
	t.Helper()
	rec, err := svc.CreateRecord(context.Background(), ledger.CreateRecordInput{
		Kind:        kind,
		Items:       items(total),
		PaymentType: ledger.PayLater,
		PaidNow:     m(paidNow),
		Customer:    ref("Customer "+phone, phone),
	})
	require.NoError(t, err)
	return rec
}

func requireKind(t *testing.T, err error, kind ledger.ErrorKind, field string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, ledger.KindOf(err), "error: %v", err)
	if field != "" {
		assert.Equal(t, field, ledger.FieldOf(err), "error: %v", err)
	}
}

// =============================================================================
// 1. SHOP SCENARIOS
// =============================================================================

func TestScenarioA_PaidNowSaleNeedsNoCustomer(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		// GIVEN: a fully paid sale with no customer
		rec, err := svc.CreateRecord(context.Background(), ledger.CreateRecordInput{
			Kind:        ledger.KindSale,
			Items:       items("1000000"),
			PaymentType: ledger.PaidNow,
		})

		// THEN: it is settled at creation
		require.NoError(t, err)
		assert.True(t, rec.Remaining.IsZero())
		assert.True(t, rec.PaidNow.Equal(m("1000000")))
		assert.Nil(t, rec.CustomerID)
		assert.Equal(t, ledger.MethodCash, rec.Method)
	})
}

func TestScenarioB_PayLaterSaleCreatesCustomer(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()

		rec := payLater(t, svc, ledger.KindSale, "0901", "1000000", "300000")

		assert.True(t, rec.Remaining.Equal(m("700000")), "remaining = %s", rec.Remaining)
		require.NotNil(t, rec.CustomerID)
		c, err := svc.GetCustomer(ctx, *rec.CustomerID)
		require.NoError(t, err)
		assert.Equal(t, "0901", c.Phone)

		// A second sale for the same phone reuses the customer.
		again := payLater(t, svc, ledger.KindSale, "0901", "50", "0")
		assert.Equal(t, *rec.CustomerID, *again.CustomerID)
	})
}

func TestScenarioC_ActivitySettlesSale(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		rec := payLater(t, svc, ledger.KindSale, "0901", "1000000", "300000")

		res, err := svc.AddActivity(ctx, ledger.AddActivityInput{Kind: ledger.KindSale, RecordID: rec.ID, Amount: m("700000")})

		require.NoError(t, err)
		assert.True(t, res.Record.Remaining.IsZero())
		assert.False(t, res.Replayed)
		detail, err := svc.GetRecord(ctx, ledger.KindSale, rec.ID)
		require.NoError(t, err)
		require.Len(t, detail.Activities, 1)
		assert.True(t, detail.Activities[0].Amount.Equal(m("700000")))
	})
}

func TestScenarioD_OverpaymentLeavesRemaining(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		rec := payLater(t, svc, ledger.KindSale, "0901", "1000000", "300000")

		_, err := svc.AddActivity(ctx, ledger.AddActivityInput{Kind: ledger.KindSale, RecordID: rec.ID, Amount: m("800000")})

		requireKind(t, err, ledger.KindOverpayment, "amount")
		var op *ledger.OverpaymentError
		require.True(t, errors.As(err, &op))
		assert.True(t, op.Remaining.Equal(m("700000")))

		detail, err := svc.GetRecord(ctx, ledger.KindSale, rec.ID)
		require.NoError(t, err)
		assert.True(t, detail.Record.Remaining.Equal(m("700000")))
		assert.Empty(t, detail.Activities)
	})
}

func TestScenarioE_Overallocation(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		x := payLater(t, svc, ledger.KindSale, "0901", "400000", "0")
		y := payLater(t, svc, ledger.KindSale, "0901", "500000", "0")

		pay, err := svc.CreatePayment(ctx, ledger.CreatePaymentInput{
			CustomerID: *x.CustomerID,
			Direction:  ledger.CustomerPaysShop,
			Amount:     m("500000"),
		})
		require.NoError(t, err)

		res, err := svc.Allocate(ctx, ledger.AllocateInput{PaymentID: pay.Payment.ID, Target: ledger.SaleTarget(x.ID), Amount: m("300000")})
		require.NoError(t, err)
		assert.True(t, res.Record.Remaining.Equal(m("100000")))
		assert.True(t, res.Unallocated.Equal(m("200000")))

		_, err = svc.Allocate(ctx, ledger.AllocateInput{PaymentID: pay.Payment.ID, Target: ledger.SaleTarget(y.ID), Amount: m("250000")})
		requireKind(t, err, ledger.KindOverallocation, "amount")

		detail, err := svc.GetPayment(ctx, pay.Payment.ID)
		require.NoError(t, err)
		assert.Len(t, detail.Allocations, 1)
		assert.True(t, detail.Unallocated.Equal(m("200000")))
		ySale, err := svc.GetRecord(ctx, ledger.KindSale, y.ID)
		require.NoError(t, err)
		assert.True(t, ySale.Record.Remaining.Equal(m("500000")))
	})
}

func TestScenarioF_BalanceReportsDebtAndCreditSeparately(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		s1 := payLater(t, svc, ledger.KindSale, "0901", "100000", "0")
		payLater(t, svc, ledger.KindSale, "0901", "80000", "30000")
		payLater(t, svc, ledger.KindPurchase, "0901", "20000", "0")

		b, err := svc.CustomerBalance(ctx, *s1.CustomerID)

		require.NoError(t, err)
		assert.True(t, b.Debt.Equal(m("150000")), "debt = %s", b.Debt)
		assert.True(t, b.Credit.Equal(m("20000")), "credit = %s", b.Credit)
		assert.Equal(t, 2, b.OpenSales)
		assert.Equal(t, 1, b.OpenPurchases)
		assert.Nil(t, b.LastPaymentAt)
	})
}

// =============================================================================
// 2. RECORD WRITE PATH
// =============================================================================

func TestCreateRecord_RejectsBadInput(t *testing.T) {
	cases := []struct {
		name  string
		in    ledger.CreateRecordInput
		field string
	}{
		{"no items", ledger.CreateRecordInput{Kind: ledger.KindSale, PaymentType: ledger.PaidNow}, "items"},
		{"zero price", ledger.CreateRecordInput{Kind: ledger.KindSale, Items: items("0"), PaymentType: ledger.PaidNow}, "items[0].price"},
		{"sub-cent price", ledger.CreateRecordInput{Kind: ledger.KindSale, Items: items("10", "1.005"), PaymentType: ledger.PaidNow}, "items[1].price"},
		{"unknown payment type", ledger.CreateRecordInput{Kind: ledger.KindSale, Items: items("10"), PaymentType: "LATER"}, "payment_type"},
		{"unknown method", ledger.CreateRecordInput{Kind: ledger.KindSale, Items: items("10"), PaymentType: ledger.PaidNow, Method: "CHEQUE"}, "method"},
		{"paid now above total", ledger.CreateRecordInput{Kind: ledger.KindSale, Items: items("10"), PaymentType: ledger.PayLater, PaidNow: m("11"), Customer: ref("A", "1")}, "paid_now"},
		{"pay later without customer", ledger.CreateRecordInput{Kind: ledger.KindSale, Items: items("10"), PaymentType: ledger.PayLater}, "customer"},
		{"pay later settled without customer", ledger.CreateRecordInput{Kind: ledger.KindPurchase, Items: items("10"), PaymentType: ledger.PayLater, PaidNow: m("10")}, "customer"},
		{"customer without phone", ledger.CreateRecordInput{Kind: ledger.KindSale, Items: items("10"), PaymentType: ledger.PayLater, Customer: ref("A", " ")}, "customer.phone"},
	}
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		for _, tc := range cases {
			_, err := svc.CreateRecord(context.Background(), tc.in)
			requireKind(t, err, ledger.KindValidation, tc.field)
		}
		recs, err := svc.ListRecords(context.Background(), ledger.RecordFilter{Kind: ledger.KindSale})
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}

func TestCreateRecord_UnknownCustomerID(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		id := int64(42)
		_, err := svc.CreateRecord(context.Background(), ledger.CreateRecordInput{
			Kind: ledger.KindSale, Items: items("10"), PaymentType: ledger.PayLater, CustomerID: &id,
		})
		requireKind(t, err, ledger.KindNotFound, "")
	})
}

func TestEditRecord_TotalBelowPaidIsInvariantViolation(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		rec := payLater(t, svc, ledger.KindSale, "0901", "1000", "300")
		_, err := svc.AddActivity(ctx, ledger.AddActivityInput{Kind: ledger.KindSale, RecordID: rec.ID, Amount: m("400")})
		require.NoError(t, err)

		// WHEN: the new total is below paidNow + activities (700)
		_, err = svc.EditRecord(ctx, ledger.EditRecordInput{Kind: ledger.KindSale, ID: rec.ID, Items: items("600")})
		requireKind(t, err, ledger.KindInvariantViolation, "total_price")

		// WHEN: the new total still covers what was paid
		edited, err := svc.EditRecord(ctx, ledger.EditRecordInput{Kind: ledger.KindSale, ID: rec.ID, Items: items("500", "300")})
		require.NoError(t, err)
		assert.True(t, edited.TotalPrice.Equal(m("800")))
		assert.True(t, edited.Remaining.Equal(m("100")))
	})
}

func TestEditRecord_SettledAndVersionChecks(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		rec := payLater(t, svc, ledger.KindSale, "0901", "1000", "0")

		_, err := svc.EditRecord(ctx, ledger.EditRecordInput{Kind: ledger.KindSale, ID: rec.ID, Items: items("900"), ExpectedVersion: rec.Version + 1})
		requireKind(t, err, ledger.KindConcurrencyConflict, "")
		assert.True(t, ledger.IsRetryable(err))

		note := "screen protector added"
		edited, err := svc.EditRecord(ctx, ledger.EditRecordInput{Kind: ledger.KindSale, ID: rec.ID, Note: &note, ExpectedVersion: rec.Version})
		require.NoError(t, err)
		assert.Equal(t, note, edited.Note)
		assert.Equal(t, rec.Version+1, edited.Version)

		_, err = svc.AddActivity(ctx, ledger.AddActivityInput{Kind: ledger.KindSale, RecordID: rec.ID, Amount: m("1000")})
		require.NoError(t, err)
		_, err = svc.EditRecord(ctx, ledger.EditRecordInput{Kind: ledger.KindSale, ID: rec.ID, Items: items("1200")})
		requireKind(t, err, ledger.KindValidation, "status")
	})
}

func TestEditRecord_CustomerChangeBlockedByAllocations(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		sale := payLater(t, svc, ledger.KindSale, "0901", "1000", "0")
		walkIn := payLater(t, svc, ledger.KindSale, "0901", "500", "0")
		other := payLater(t, svc, ledger.KindSale, "0902", "100", "0")
		otherID := *other.CustomerID

		// GIVEN: part of the sale is settled by the first customer's payment
		pay, err := svc.CreatePayment(ctx, ledger.CreatePaymentInput{CustomerID: *sale.CustomerID, Direction: ledger.CustomerPaysShop, Amount: m("300")})
		require.NoError(t, err)
		_, err = svc.Allocate(ctx, ledger.AllocateInput{PaymentID: pay.Payment.ID, Target: sale.Target(), Amount: m("300")})
		require.NoError(t, err)

		// WHEN: the sale is moved to another customer
		_, err = svc.EditRecord(ctx, ledger.EditRecordInput{Kind: ledger.KindSale, ID: sale.ID, CustomerID: &otherID})
		requireKind(t, err, ledger.KindValidation, "customer")

		detail, err := svc.GetRecord(ctx, ledger.KindSale, sale.ID)
		require.NoError(t, err)
		assert.Equal(t, *sale.CustomerID, *detail.Record.CustomerID)

		// Re-selecting the same customer is not a change.
		_, err = svc.EditRecord(ctx, ledger.EditRecordInput{Kind: ledger.KindSale, ID: sale.ID, CustomerID: sale.CustomerID})
		require.NoError(t, err)

		// Direct activities do not tie a record to its customer.
		_, err = svc.AddActivity(ctx, ledger.AddActivityInput{Kind: ledger.KindSale, RecordID: walkIn.ID, Amount: m("100")})
		require.NoError(t, err)
		moved, err := svc.EditRecord(ctx, ledger.EditRecordInput{Kind: ledger.KindSale, ID: walkIn.ID, CustomerID: &otherID})
		require.NoError(t, err)
		assert.Equal(t, otherID, *moved.CustomerID)
	})
}

func TestAddActivity_RejectsBadAmounts(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		rec := payLater(t, svc, ledger.KindSale, "0901", "1000", "0")
		for _, amt := range []string{"0", "-5", "0.001"} {
			_, err := svc.AddActivity(ctx, ledger.AddActivityInput{Kind: ledger.KindSale, RecordID: rec.ID, Amount: m(amt)})
			requireKind(t, err, ledger.KindValidation, "amount")
		}
		_, err := svc.AddActivity(ctx, ledger.AddActivityInput{Kind: ledger.KindSale, RecordID: rec.ID + 100, Amount: m("1")})
		requireKind(t, err, ledger.KindNotFound, "")
	})
}

func TestReverseActivity_RestoresRemainingOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		rec := payLater(t, svc, ledger.KindPurchase, "0901", "1000", "0")
		added, err := svc.AddActivity(ctx, ledger.AddActivityInput{Kind: ledger.KindPurchase, RecordID: rec.ID, Amount: m("250")})
		require.NoError(t, err)

		rev, err := svc.ReverseActivity(ctx, ledger.ReverseActivityInput{Kind: ledger.KindPurchase, ActivityID: added.Activity.ID, Note: "typo"})
		require.NoError(t, err)
		assert.True(t, rev.Activity.Amount.Equal(m("-250")))
		require.NotNil(t, rev.Activity.ReversesID)
		assert.Equal(t, added.Activity.ID, *rev.Activity.ReversesID)
		assert.True(t, rev.Record.Remaining.Equal(m("1000")))

		_, err = svc.ReverseActivity(ctx, ledger.ReverseActivityInput{Kind: ledger.KindPurchase, ActivityID: added.Activity.ID})
		requireKind(t, err, ledger.KindValidation, "activity")
		_, err = svc.ReverseActivity(ctx, ledger.ReverseActivityInput{Kind: ledger.KindPurchase, ActivityID: rev.Activity.ID})
		requireKind(t, err, ledger.KindValidation, "activity")
		_, err = svc.ReverseActivity(ctx, ledger.ReverseActivityInput{Kind: ledger.KindPurchase, ActivityID: 999})
		requireKind(t, err, ledger.KindNotFound, "")
	})
}

func TestReverseActivity_AllocationActivityIsRejected(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		rec := payLater(t, svc, ledger.KindSale, "0901", "1000", "0")
		pay, err := svc.CreatePayment(ctx, ledger.CreatePaymentInput{CustomerID: *rec.CustomerID, Direction: ledger.CustomerPaysShop, Amount: m("100")})
		require.NoError(t, err)
		_, err = svc.Allocate(ctx, ledger.AllocateInput{PaymentID: pay.Payment.ID, Target: rec.Target(), Amount: m("100")})
		require.NoError(t, err)

		detail, err := svc.GetRecord(ctx, ledger.KindSale, rec.ID)
		require.NoError(t, err)
		require.Len(t, detail.Activities, 1)
		require.NotNil(t, detail.Activities[0].AllocationID)

		_, err = svc.ReverseActivity(ctx, ledger.ReverseActivityInput{Kind: ledger.KindSale, ActivityID: detail.Activities[0].ID})
		requireKind(t, err, ledger.KindValidation, "activity")
	})
}

func TestVoidRecord_ExcludedFromBalancesAndClosedToWrites(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		keep := payLater(t, svc, ledger.KindSale, "0901", "100", "0")
		drop := payLater(t, svc, ledger.KindSale, "0901", "900", "0")
		_, err := svc.AddActivity(ctx, ledger.AddActivityInput{Kind: ledger.KindSale, RecordID: drop.ID, Amount: m("50")})
		require.NoError(t, err)

		voided, err := svc.VoidRecord(ctx, ledger.KindSale, drop.ID, "entered twice")
		require.NoError(t, err)
		assert.False(t, voided.IsActive)
		assert.NotNil(t, voided.DeletedAt)

		b, err := svc.CustomerBalance(ctx, *keep.CustomerID)
		require.NoError(t, err)
		assert.True(t, b.Debt.Equal(m("100")))
		assert.Nil(t, b.LastPaymentAt, "activities of voided records do not count")

		// History stays readable.
		detail, err := svc.GetRecord(ctx, ledger.KindSale, drop.ID)
		require.NoError(t, err)
		assert.False(t, detail.Record.IsActive)
		assert.Len(t, detail.Activities, 1)

		_, err = svc.AddActivity(ctx, ledger.AddActivityInput{Kind: ledger.KindSale, RecordID: drop.ID, Amount: m("1")})
		requireKind(t, err, ledger.KindNotFound, "")
		_, err = svc.VoidRecord(ctx, ledger.KindSale, drop.ID, "")
		requireKind(t, err, ledger.KindNotFound, "")
	})
}

// =============================================================================
// 3. PAYMENTS AND ALLOCATIONS
// =============================================================================

func TestAllocate_DirectionAndOwnership(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		sale := payLater(t, svc, ledger.KindSale, "0901", "1000", "0")
		purchase := payLater(t, svc, ledger.KindPurchase, "0901", "1000", "0")
		other := payLater(t, svc, ledger.KindSale, "0902", "1000", "0")

		in, err := svc.CreatePayment(ctx, ledger.CreatePaymentInput{CustomerID: *sale.CustomerID, Direction: ledger.CustomerPaysShop, Amount: m("500")})
		require.NoError(t, err)
		out, err := svc.CreatePayment(ctx, ledger.CreatePaymentInput{CustomerID: *sale.CustomerID, Direction: ledger.ShopPaysCustomer, Amount: m("500")})
		require.NoError(t, err)

		// Money received cannot settle a purchase, money paid out cannot settle a sale.
		_, err = svc.Allocate(ctx, ledger.AllocateInput{PaymentID: in.Payment.ID, Target: purchase.Target(), Amount: m("10")})
		requireKind(t, err, ledger.KindValidation, "target_type")
		_, err = svc.Allocate(ctx, ledger.AllocateInput{PaymentID: out.Payment.ID, Target: sale.Target(), Amount: m("10")})
		requireKind(t, err, ledger.KindValidation, "target_type")

		// Another customer's sale.
		_, err = svc.Allocate(ctx, ledger.AllocateInput{PaymentID: in.Payment.ID, Target: other.Target(), Amount: m("10")})
		requireKind(t, err, ledger.KindValidation, "target")

		// Missing records and payments.
		_, err = svc.Allocate(ctx, ledger.AllocateInput{PaymentID: in.Payment.ID, Target: ledger.SaleTarget(999), Amount: m("10")})
		requireKind(t, err, ledger.KindNotFound, "")
		_, err = svc.Allocate(ctx, ledger.AllocateInput{PaymentID: 999, Target: sale.Target(), Amount: m("10")})
		requireKind(t, err, ledger.KindNotFound, "")

		res, err := svc.Allocate(ctx, ledger.AllocateInput{PaymentID: out.Payment.ID, Target: purchase.Target(), Amount: m("500")})
		require.NoError(t, err)
		assert.True(t, res.Record.Remaining.Equal(m("500")))
		assert.True(t, res.Unallocated.IsZero())
	})
}

func TestAllocate_TargetOverpayment(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		sale := payLater(t, svc, ledger.KindSale, "0901", "100", "0")
		pay, err := svc.CreatePayment(ctx, ledger.CreatePaymentInput{CustomerID: *sale.CustomerID, Direction: ledger.CustomerPaysShop, Amount: m("500")})
		require.NoError(t, err)

		_, err = svc.Allocate(ctx, ledger.AllocateInput{PaymentID: pay.Payment.ID, Target: sale.Target(), Amount: m("100.01")})
		requireKind(t, err, ledger.KindOverpayment, "amount")

		detail, err := svc.GetPayment(ctx, pay.Payment.ID)
		require.NoError(t, err)
		assert.Empty(t, detail.Allocations)
		assert.True(t, detail.Unallocated.Equal(m("500")))
	})
}

func TestAutoAllocate_OldestFirst(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		first := payLater(t, svc, ledger.KindSale, "0901", "100", "0")
		second := payLater(t, svc, ledger.KindSale, "0901", "300", "0")
		third := payLater(t, svc, ledger.KindSale, "0901", "50", "0")
		payLater(t, svc, ledger.KindPurchase, "0901", "999", "0")

		pay, err := svc.CreatePayment(ctx, ledger.CreatePaymentInput{CustomerID: *first.CustomerID, Direction: ledger.CustomerPaysShop, Amount: m("250")})
		require.NoError(t, err)

		results, err := svc.AutoAllocate(ctx, ledger.AutoAllocateInput{PaymentID: pay.Payment.ID})

		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, first.Target(), results[0].Allocation.Target)
		assert.True(t, results[0].Allocation.Amount.Equal(m("100")))
		assert.Equal(t, second.Target(), results[1].Allocation.Target)
		assert.True(t, results[1].Allocation.Amount.Equal(m("150")))
		assert.True(t, results[1].Unallocated.IsZero())

		untouched, err := svc.GetRecord(ctx, ledger.KindSale, third.ID)
		require.NoError(t, err)
		assert.True(t, untouched.Record.Remaining.Equal(m("50")))

		// Nothing left to spread.
		again, err := svc.AutoAllocate(ctx, ledger.AutoAllocateInput{PaymentID: pay.Payment.ID})
		require.NoError(t, err)
		assert.Empty(t, again)
	})
}

func TestCreatePayment_Validation(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		_, err := svc.CreatePayment(ctx, ledger.CreatePaymentInput{Direction: ledger.CustomerPaysShop, Amount: m("1")})
		requireKind(t, err, ledger.KindValidation, "customer_id")
		_, err = svc.CreatePayment(ctx, ledger.CreatePaymentInput{CustomerID: 1, Direction: "SIDEWAYS", Amount: m("1")})
		requireKind(t, err, ledger.KindValidation, "direction")
		_, err = svc.CreatePayment(ctx, ledger.CreatePaymentInput{CustomerID: 1, Direction: ledger.CustomerPaysShop, Amount: m("0")})
		requireKind(t, err, ledger.KindValidation, "amount")
		_, err = svc.CreatePayment(ctx, ledger.CreatePaymentInput{CustomerID: 7, Direction: ledger.CustomerPaysShop, Amount: m("1")})
		requireKind(t, err, ledger.KindNotFound, "")
	})
}

// =============================================================================
// 4. IDEMPOTENCY AND CONCURRENCY
// =============================================================================

func TestAddActivity_IdempotentReplay(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		rec := payLater(t, svc, ledger.KindSale, "0901", "1000", "0")
		in := ledger.AddActivityInput{Kind: ledger.KindSale, RecordID: rec.ID, Amount: m("400"), IdempotencyKey: "till-7-0001"}

		first, err := svc.AddActivity(ctx, in)
		require.NoError(t, err)
		second, err := svc.AddActivity(ctx, in)
		require.NoError(t, err)

		// THEN: the replay returns the original activity and does not re-apply it
		assert.True(t, second.Replayed)
		assert.Equal(t, first.Activity.ID, second.Activity.ID)
		assert.True(t, second.Record.Remaining.Equal(m("600")))

		detail, err := svc.GetRecord(ctx, ledger.KindSale, rec.ID)
		require.NoError(t, err)
		assert.Len(t, detail.Activities, 1)
		assert.True(t, detail.Record.Remaining.Equal(m("600")))

		// The key cannot be reused for another record.
		other := payLater(t, svc, ledger.KindSale, "0901", "1000", "0")
		_, err = svc.AddActivity(ctx, ledger.AddActivityInput{Kind: ledger.KindSale, RecordID: other.ID, Amount: m("1"), IdempotencyKey: "till-7-0001"})
		requireKind(t, err, ledger.KindValidation, "idempotency_key")

		// Nor for a different amount on the same record.
		_, err = svc.AddActivity(ctx, ledger.AddActivityInput{Kind: ledger.KindSale, RecordID: rec.ID, Amount: m("500"), IdempotencyKey: "till-7-0001"})
		requireKind(t, err, ledger.KindValidation, "idempotency_key")
		detail, err = svc.GetRecord(ctx, ledger.KindSale, rec.ID)
		require.NoError(t, err)
		assert.True(t, detail.Record.Remaining.Equal(m("600")))
	})
}

func TestCreatePaymentAndAllocate_IdempotentReplay(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		sale := payLater(t, svc, ledger.KindSale, "0901", "1000", "0")
		pin := ledger.CreatePaymentInput{CustomerID: *sale.CustomerID, Direction: ledger.CustomerPaysShop, Amount: m("300"), IdempotencyKey: "pay-1"}

		p1, err := svc.CreatePayment(ctx, pin)
		require.NoError(t, err)
		p2, err := svc.CreatePayment(ctx, pin)
		require.NoError(t, err)
		assert.True(t, p2.Replayed)
		assert.Equal(t, p1.Payment.ID, p2.Payment.ID)

		pin.Amount = m("301")
		_, err = svc.CreatePayment(ctx, pin)
		requireKind(t, err, ledger.KindValidation, "idempotency_key")

		ain := ledger.AllocateInput{PaymentID: p1.Payment.ID, Target: sale.Target(), Amount: m("200"), IdempotencyKey: "alloc-1"}
		a1, err := svc.Allocate(ctx, ain)
		require.NoError(t, err)
		a2, err := svc.Allocate(ctx, ain)
		require.NoError(t, err)
		assert.True(t, a2.Replayed)
		assert.Equal(t, a1.Allocation.ID, a2.Allocation.ID)
		assert.True(t, a2.Unallocated.Equal(m("100")))
		assert.True(t, a2.Record.Remaining.Equal(m("800")))

		ain.Amount = m("50")
		_, err = svc.Allocate(ctx, ain)
		requireKind(t, err, ledger.KindValidation, "idempotency_key")

		payments, err := svc.ListPayments(ctx, ledger.PaymentFilter{CustomerID: sale.CustomerID})
		require.NoError(t, err)
		assert.Len(t, payments, 1)
	})
}

func TestAddActivity_ConcurrentCallsSettleToExactlyZero(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		const n = 10
		rec := payLater(t, svc, ledger.KindSale, "0901", "1000000", "300000")
		share := rec.Remaining.Div(m(fmt.Sprint(n)))

		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = svc.AddActivity(ctx, ledger.AddActivityInput{
					Kind: ledger.KindSale, RecordID: rec.ID, Amount: share,
					IdempotencyKey: fmt.Sprintf("split-%d", i),
				})
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}
		detail, err := svc.GetRecord(ctx, ledger.KindSale, rec.ID)
		require.NoError(t, err)
		assert.True(t, detail.Record.Remaining.IsZero(), "remaining = %s", detail.Record.Remaining)
		assert.Len(t, detail.Activities, n)

		// One more cent is an overpayment, never a negative remaining.
		_, err = svc.AddActivity(ctx, ledger.AddActivityInput{Kind: ledger.KindSale, RecordID: rec.ID, Amount: m("0.01")})
		requireKind(t, err, ledger.KindOverpayment, "amount")
	})
}

func TestAllocate_ConcurrentCallsNeverOverallocate(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		const n = 8
		var targets []ledger.Target
		var customerID int64
		for i := 0; i < n; i++ {
			rec := payLater(t, svc, ledger.KindSale, "0901", "100", "0")
			targets = append(targets, rec.Target())
			customerID = *rec.CustomerID
		}
		pay, err := svc.CreatePayment(ctx, ledger.CreatePaymentInput{CustomerID: customerID, Direction: ledger.CustomerPaysShop, Amount: m("500")})
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = svc.Allocate(ctx, ledger.AllocateInput{PaymentID: pay.Payment.ID, Target: targets[i], Amount: m("100")})
			}(i)
		}
		wg.Wait()

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			assert.True(t, errors.Is(err, ledger.ErrOverallocation), "unexpected error: %v", err)
		}
		assert.Equal(t, 5, ok)
		detail, err := svc.GetPayment(ctx, pay.Payment.ID)
		require.NoError(t, err)
		assert.True(t, detail.Unallocated.IsZero())
	})
}

// =============================================================================
// 5. BALANCES AND LIST VIEW
// =============================================================================

func TestListCustomerBalances_BucketsSearchAndPaging(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		mustRecord := func(kind ledger.Kind, name, phone, total string) {
			_, err := svc.CreateRecord(ctx, ledger.CreateRecordInput{
				Kind: kind, Items: items(total), PaymentType: ledger.PayLater, Customer: ref(name, phone),
			})
			require.NoError(t, err)
		}
		mustRecord(ledger.KindSale, "Alice", "0901", "100")
		mustRecord(ledger.KindPurchase, "Bob", "0902", "200")
		mustRecord(ledger.KindSale, "Carol", "0903", "300")
		mustRecord(ledger.KindPurchase, "Carol", "0903", "40")
		_, err := svc.CreateCustomer(ctx, ledger.CreateCustomerInput{Name: "Dave", Phone: "0904"})
		require.NoError(t, err)

		names := func(q ledger.ListBalancesQuery) []string {
			page, err := svc.ListCustomerBalances(ctx, q)
			require.NoError(t, err)
			var out []string
			for _, row := range page.Items {
				out = append(out, row.Customer.Name)
			}
			return out
		}

		assert.Equal(t, []string{"Alice", "Bob", "Carol", "Dave"}, names(ledger.ListBalancesQuery{}))
		assert.Equal(t, []string{"Alice", "Carol"}, names(ledger.ListBalancesQuery{Bucket: ledger.BucketDebt}))
		assert.Equal(t, []string{"Bob", "Carol"}, names(ledger.ListBalancesQuery{Bucket: ledger.BucketCredit}))
		assert.Equal(t, []string{"Carol"}, names(ledger.ListBalancesQuery{Bucket: ledger.BucketBoth}))
		assert.Equal(t, []string{"Dave"}, names(ledger.ListBalancesQuery{Bucket: ledger.BucketNeither}))
		assert.Equal(t, []string{"Bob"}, names(ledger.ListBalancesQuery{Search: "BO"}))
		assert.Equal(t, []string{"Carol"}, names(ledger.ListBalancesQuery{Search: "0903"}))

		page, err := svc.ListCustomerBalances(ctx, ledger.ListBalancesQuery{Page: 2, PageSize: 3})
		require.NoError(t, err)
		assert.Equal(t, 4, page.Total)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "Dave", page.Items[0].Customer.Name)
		assert.Equal(t, ledger.BucketNeither, page.Items[0].Bucket)

		carol, err := svc.ListCustomerBalances(ctx, ledger.ListBalancesQuery{Search: "carol"})
		require.NoError(t, err)
		require.Len(t, carol.Items, 1)
		assert.Equal(t, ledger.BucketBoth, carol.Items[0].Bucket)
		assert.True(t, carol.Items[0].Debt.Equal(m("300")))
		assert.True(t, carol.Items[0].Credit.Equal(m("40")))

		_, err = svc.ListCustomerBalances(ctx, ledger.ListBalancesQuery{Bucket: "vip"})
		requireKind(t, err, ledger.KindValidation, "bucket")
		_, err = svc.ListCustomerBalances(ctx, ledger.ListBalancesQuery{PageSize: ledger.MaxPageSize + 1})
		requireKind(t, err, ledger.KindValidation, "page_size")

		// Pages past the end are empty, however large the page number.
		for _, p := range []int{3, 368934881474191033, math.MaxInt} {
			far, err := svc.ListCustomerBalances(ctx, ledger.ListBalancesQuery{Page: p, PageSize: 50})
			require.NoError(t, err, "page %d", p)
			assert.Empty(t, far.Items, "page %d", p)
			assert.Equal(t, 4, far.Total)
		}
	})
}

func TestCustomerBalance_LastPaymentAndUnallocated(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		sale := payLater(t, svc, ledger.KindSale, "0901", "1000", "0")
		paidAt := time.Date(2026, time.April, 2, 15, 30, 0, 0, time.UTC)
		_, err := svc.AddActivity(ctx, ledger.AddActivityInput{Kind: ledger.KindSale, RecordID: sale.ID, Amount: m("100"), PaidAt: paidAt})
		require.NoError(t, err)

		pay, err := svc.CreatePayment(ctx, ledger.CreatePaymentInput{CustomerID: *sale.CustomerID, Direction: ledger.CustomerPaysShop, Amount: m("250")})
		require.NoError(t, err)
		_, err = svc.Allocate(ctx, ledger.AllocateInput{PaymentID: pay.Payment.ID, Target: sale.Target(), Amount: m("200")})
		require.NoError(t, err)

		b, err := svc.CustomerBalance(ctx, *sale.CustomerID)
		require.NoError(t, err)
		assert.True(t, b.Debt.Equal(m("700")))
		assert.True(t, b.UnallocatedReceived.Equal(m("50")))
		assert.True(t, b.UnallocatedPaidOut.IsZero())
		require.NotNil(t, b.LastPaymentAt)
		assert.True(t, b.LastPaymentAt.Equal(paidAt), "last payment %s", b.LastPaymentAt)

		_, err = svc.CustomerBalance(ctx, 999)
		requireKind(t, err, ledger.KindNotFound, "")
	})
}

func TestCreateCustomer_DuplicatePhone(t *testing.T) {
	eachStore(t, func(t *testing.T, svc *ledger.Service) {
		ctx := context.Background()
		_, err := svc.CreateCustomer(ctx, ledger.CreateCustomerInput{Name: "A", Phone: "0901"})
		require.NoError(t, err)
		_, err = svc.CreateCustomer(ctx, ledger.CreateCustomerInput{Name: "B", Phone: "0901"})
		requireKind(t, err, ledger.KindValidation, "customer.phone")
	})
}

// fakeCache is a generation-keyed map standing in for Redis.
type fakeCache struct {
	mu          sync.Mutex
	gen         int64
	values      map[string][]byte
	hits        int
	invalidated int
}

func (c *fakeCache) Generation(context.Context) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen, true
}

func (c *fakeCache) Get(_ context.Context, gen int64, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[fmt.Sprintf("%d:%s", gen, key)]
	if ok {
		c.hits++
	}
	return v, ok
}

func (c *fakeCache) Set(_ context.Context, gen int64, key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[fmt.Sprintf("%d:%s", gen, key)] = value
}

func (c *fakeCache) Invalidate(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.invalidated++
}

func TestListCustomerBalances_CacheInvalidatedByWrites(t *testing.T) {
	ctx := context.Background()
	fc := &fakeCache{values: map[string][]byte{}}
	svc := ledger.NewService(store.NewMemory(), ledger.WithClock(newClock().Now), ledger.WithCache(fc))

	sale := payLater(t, svc, ledger.KindSale, "0901", "1000", "0")
	require.Equal(t, 1, fc.invalidated)

	// GIVEN: a list page computed and cached
	first, err := svc.ListCustomerBalances(ctx, ledger.ListBalancesQuery{Bucket: ledger.BucketDebt})
	require.NoError(t, err)
	require.Len(t, first.Items, 1)

	// WHEN: the same page is read again, it comes from the cache
	again, err := svc.ListCustomerBalances(ctx, ledger.ListBalancesQuery{Bucket: ledger.BucketDebt})
	require.NoError(t, err)
	assert.Equal(t, 1, fc.hits)
	assert.True(t, again.Items[0].Debt.Equal(m("1000")))

	// THEN: a write advances the generation and the next read is fresh
	_, err = svc.AddActivity(ctx, ledger.AddActivityInput{Kind: ledger.KindSale, RecordID: sale.ID, Amount: m("1000")})
	require.NoError(t, err)
	assert.Equal(t, 2, fc.invalidated)

	fresh, err := svc.ListCustomerBalances(ctx, ledger.ListBalancesQuery{Bucket: ledger.BucketDebt})
	require.NoError(t, err)
	assert.Equal(t, 1, fc.hits)
	assert.Empty(t, fresh.Items)
	assert.Equal(t, 0, fresh.Total)

	// AND: a rejected write leaves the cache alone
	_, err = svc.AddActivity(ctx, ledger.AddActivityInput{Kind: ledger.KindSale, RecordID: sale.ID, Amount: m("1")})
	require.Error(t, err)
	assert.Equal(t, 2, fc.invalidated)
}
