// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/pos-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in slices indexed by ID-1. Transactions are
// serialised under one mutex, which makes every Lock* a no-op.
type Memory struct {
	mu sync.RWMutex
	st state
}

type state struct {
	customers   []ledger.Customer
	records     map[ledger.Kind][]*ledger.Record
	activities  map[ledger.Kind][]ledger.Activity
	payments    []ledger.Payment
	allocations []ledger.Allocation
}

func NewMemory() *Memory {
	return &Memory{st: state{
		records:    map[ledger.Kind][]*ledger.Record{},
		activities: map[ledger.Kind][]ledger.Activity{},
	}}
}

var _ ledger.Store = (*Memory)(nil)

func now() time.Time { return time.Now().UTC() }

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&txView{st: &m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() state {
	out := state{
		customers:   append([]ledger.Customer(nil), s.customers...),
		records:     make(map[ledger.Kind][]*ledger.Record, len(s.records)),
		activities:  make(map[ledger.Kind][]ledger.Activity, len(s.activities)),
		payments:    append([]ledger.Payment(nil), s.payments...),
		allocations: append([]ledger.Allocation(nil), s.allocations...),
	}
	for k, recs := range s.records {
		cp := make([]*ledger.Record, len(recs))
		for i, r := range recs {
			cp[i] = r.Clone()
		}
		out.records[k] = cp
	}
	for k, acts := range s.activities {
		out.activities[k] = append([]ledger.Activity(nil), acts...)
	}
	return out
}

// =============================================================================
// READER
// =============================================================================

func (m *Memory) GetCustomer(_ context.Context, id int64) (*ledger.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.customer(id), nil
}

func (m *Memory) FindCustomerByPhone(_ context.Context, phone string) (*ledger.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.customerByPhone(phone), nil
}

func (m *Memory) GetRecord(_ context.Context, kind ledger.Kind, id int64) (*ledger.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.record(kind, id), nil
}

func (m *Memory) ListRecords(_ context.Context, f ledger.RecordFilter) ([]ledger.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Record
	for _, r := range m.st.records[f.Kind] {
		if f.CustomerID != nil && (r.CustomerID == nil || *r.CustomerID != *f.CustomerID) {
			continue
		}
		if (f.ActiveOnly || f.OpenOnly) && !r.IsActive {
			continue
		}
		if f.OpenOnly && !r.Remaining.IsPositive() {
			continue
		}
		out = append(out, *r.Clone())
	}
	return out, nil
}

func (m *Memory) ListActivities(_ context.Context, kind ledger.Kind, recordID int64) ([]ledger.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Activity
	for _, a := range m.st.activities[kind] {
		if a.RecordID == recordID {
			out = append(out, a)
		}
	}
	sortActivities(out)
	return out, nil
}

func (m *Memory) ListCustomerActivities(_ context.Context, kind ledger.Kind, customerID int64) ([]ledger.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.customerActivities(kind, customerID), nil
}

func (m *Memory) GetPayment(_ context.Context, id int64) (*ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.payment(id), nil
}

func (m *Memory) ListPayments(_ context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Payment
	for _, p := range m.st.payments {
		if f.CustomerID == nil || p.CustomerID == *f.CustomerID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].PaidAt.Equal(out[j].PaidAt) {
			return out[i].PaidAt.After(out[j].PaidAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *Memory) ListAllocations(_ context.Context, paymentID int64) ([]ledger.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Allocation
	for _, a := range m.st.allocations {
		if a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	return out, nil
}

// SummarizeCustomers folds every active customer's active records.
func (m *Memory) SummarizeCustomers(_ context.Context) ([]ledger.CustomerSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byCustomer := map[int64][]ledger.Record{}
	for _, kind := range []ledger.Kind{ledger.KindSale, ledger.KindPurchase} {
		for _, r := range m.st.records[kind] {
			if r.IsActive && r.CustomerID != nil {
				byCustomer[*r.CustomerID] = append(byCustomer[*r.CustomerID], *r)
			}
		}
	}
	var out []ledger.CustomerSummary
	for _, c := range m.st.customers {
		if !c.IsActive {
			continue
		}
		acts := append(m.st.customerActivities(ledger.KindSale, c.ID), m.st.customerActivities(ledger.KindPurchase, c.ID)...)
		b := ledger.Fold(c.ID, byCustomer[c.ID], acts)
		out = append(out, ledger.CustomerSummary{
			Customer:      c,
			Debt:          b.Debt,
			Credit:        b.Credit,
			LastPaymentAt: b.LastPaymentAt,
		})
	}
	return out, nil
}

// =============================================================================
// STATE ACCESSORS (caller holds the lock)
// =============================================================================

func (s *state) customer(id int64) *ledger.Customer {
	if id <= 0 || id > int64(len(s.customers)) {
		return nil
	}
	c := s.customers[id-1]
	return &c
}

func (s *state) customerByPhone(phone string) *ledger.Customer {
	for _, c := range s.customers {
		if c.Phone == phone {
			return &c
		}
	}
	return nil
}

func (s *state) record(kind ledger.Kind, id int64) *ledger.Record {
	recs := s.records[kind]
	if id <= 0 || id > int64(len(recs)) {
		return nil
	}
	return recs[id-1].Clone()
}

func (s *state) payment(id int64) *ledger.Payment {
	if id <= 0 || id > int64(len(s.payments)) {
		return nil
	}
	p := s.payments[id-1]
	return &p
}

func (s *state) customerActivities(kind ledger.Kind, customerID int64) []ledger.Activity {
	owned := map[int64]bool{}
	for _, r := range s.records[kind] {
		if r.CustomerID != nil && *r.CustomerID == customerID {
			owned[r.ID] = true
		}
	}
	var out []ledger.Activity
	for _, a := range s.activities[kind] {
		if owned[a.RecordID] {
			out = append(out, a)
		}
	}
	sortActivities(out)
	return out
}

func sortActivities(acts []ledger.Activity) {
	sort.SliceStable(acts, func(i, j int) bool {
		if !acts[i].PaidAt.Equal(acts[j].PaidAt) {
			return acts[i].PaidAt.Before(acts[j].PaidAt)
		}
		return acts[i].ID < acts[j].ID
	})
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type txView struct {
	st *state
}

func (tv *txView) InsertCustomer(_ context.Context, c *ledger.Customer) error {
	if tv.st.customerByPhone(c.Phone) != nil {
		return &ledger.ConcurrencyConflictError{Resource: "customer.phone"}
	}
	c.ID = int64(len(tv.st.customers)) + 1
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	c.UpdatedAt = c.CreatedAt
	tv.st.customers = append(tv.st.customers, *c)
	return nil
}

func (tv *txView) GetCustomer(_ context.Context, id int64) (*ledger.Customer, error) {
	return tv.st.customer(id), nil
}

func (tv *txView) FindCustomerByPhone(_ context.Context, phone string) (*ledger.Customer, error) {
	return tv.st.customerByPhone(phone), nil
}

func (tv *txView) InsertRecord(_ context.Context, r *ledger.Record) error {
	r.ID = int64(len(tv.st.records[r.Kind])) + 1
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}
	tv.st.records[r.Kind] = append(tv.st.records[r.Kind], r.Clone())
	return nil
}

func (tv *txView) LockRecord(_ context.Context, kind ledger.Kind, id int64) (*ledger.Record, error) {
	return tv.st.record(kind, id), nil
}

func (tv *txView) LockOpenRecords(_ context.Context, kind ledger.Kind, customerID int64) ([]ledger.Record, error) {
	var out []ledger.Record
	for _, r := range tv.st.records[kind] {
		if r.IsActive && r.Remaining.IsPositive() && r.CustomerID != nil && *r.CustomerID == customerID {
			out = append(out, *r.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tv *txView) UpdateRecord(_ context.Context, r *ledger.Record) error {
	recs := tv.st.records[r.Kind]
	if r.ID <= 0 || r.ID > int64(len(recs)) {
		return &ledger.NotFoundError{Entity: r.Kind.String(), ID: r.ID}
	}
	if recs[r.ID-1].Version != r.Version {
		return &ledger.ConcurrencyConflictError{Resource: r.Target().String()}
	}
	r.Version++
	recs[r.ID-1] = r.Clone()
	return nil
}

func (tv *txView) SumActivities(_ context.Context, kind ledger.Kind, recordID int64) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, a := range tv.st.activities[kind] {
		if a.RecordID == recordID {
			total = total.Add(a.Amount)
		}
	}
	return total, nil
}

func (tv *txView) GetActivity(_ context.Context, kind ledger.Kind, id int64) (*ledger.Activity, error) {
	acts := tv.st.activities[kind]
	if id <= 0 || id > int64(len(acts)) {
		return nil, nil
	}
	a := acts[id-1]
	return &a, nil
}

func (tv *txView) FindActivityByKey(_ context.Context, kind ledger.Kind, key string) (*ledger.Activity, error) {
	for _, a := range tv.st.activities[kind] {
		if a.IdempotencyKey == key {
			return &a, nil
		}
	}
	return nil, nil
}

func (tv *txView) HasReversal(_ context.Context, kind ledger.Kind, activityID int64) (bool, error) {
	for _, a := range tv.st.activities[kind] {
		if a.ReversesID != nil && *a.ReversesID == activityID {
			return true, nil
		}
	}
	return false, nil
}

func (tv *txView) HasAllocations(_ context.Context, kind ledger.Kind, recordID int64) (bool, error) {
	for _, a := range tv.st.activities[kind] {
		if a.RecordID == recordID && a.AllocationID != nil {
			return true, nil
		}
	}
	return false, nil
}

func (tv *txView) InsertActivity(ctx context.Context, a *ledger.Activity) error {
	if a.IdempotencyKey != "" {
		if prior, _ := tv.FindActivityByKey(ctx, a.Kind, a.IdempotencyKey); prior != nil {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	a.ID = int64(len(tv.st.activities[a.Kind])) + 1
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	tv.st.activities[a.Kind] = append(tv.st.activities[a.Kind], *a)
	return nil
}

func (tv *txView) InsertPayment(ctx context.Context, p *ledger.Payment) error {
	if p.IdempotencyKey != "" {
		if prior, _ := tv.FindPaymentByKey(ctx, p.IdempotencyKey); prior != nil {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	p.ID = int64(len(tv.st.payments)) + 1
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	tv.st.payments = append(tv.st.payments, *p)
	return nil
}

func (tv *txView) FindPaymentByKey(_ context.Context, key string) (*ledger.Payment, error) {
	for _, p := range tv.st.payments {
		if p.IdempotencyKey == key {
			return &p, nil
		}
	}
	return nil, nil
}

func (tv *txView) LockPayment(_ context.Context, id int64) (*ledger.Payment, error) {
	return tv.st.payment(id), nil
}

func (tv *txView) SumAllocations(_ context.Context, paymentID int64) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, a := range tv.st.allocations {
		if a.PaymentID == paymentID {
			total = total.Add(a.Amount)
		}
	}
	return total, nil
}

func (tv *txView) InsertAllocation(ctx context.Context, a *ledger.Allocation) error {
	if a.IdempotencyKey != "" {
		if prior, _ := tv.FindAllocationByKey(ctx, a.IdempotencyKey); prior != nil {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	a.ID = int64(len(tv.st.allocations)) + 1
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	tv.st.allocations = append(tv.st.allocations, *a)
	return nil
}

func (tv *txView) FindAllocationByKey(_ context.Context, key string) (*ledger.Allocation, error) {
	for _, a := range tv.st.allocations {
		if a.IdempotencyKey == key {
			return &a, nil
		}
	}
	return nil, nil
}
