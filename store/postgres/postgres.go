/*
Package postgres provides a PostgreSQL implementation of ledger.Store.

PURPOSE:
  The multi-terminal store. Several cashiers can write to the same ledger
  concurrently; correctness comes from row-level locks, not from a process
  mutex.

LOCKING:
  LockRecord, LockOpenRecords and LockPayment use SELECT ... FOR UPDATE.
  A transaction therefore holds the record (or payment) row from the moment
  it reads Remaining (or the allocated sum) until commit. lock_timeout is set
  per transaction so a stuck writer surfaces as a conflict instead of a hang.

ERROR MAPPING:
  40001 serialization_failure  -> *ledger.ConcurrencyConflictError
  40P01 deadlock_detected      -> *ledger.ConcurrencyConflictError
  55P03 lock_not_available     -> *ledger.ConcurrencyConflictError
  23505 on *_idempotency_key   -> ledger.ErrDuplicateIdempotencyKey
  23505 otherwise              -> *ledger.ConcurrencyConflictError

MONEY:
  NUMERIC(18,2) columns, exchanged as pgtype.Numeric so amounts never pass
  through float64. CHECK constraints repeat the record invariants as a last
  line of defence.
*/
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/pos-ledger/ledger"
)

//go:embed schema.sql
var schema string

// Store implements ledger.Store on a pgx connection pool.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

var _ ledger.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long a transaction waits for a row lock.
// Zero disables the bound.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// New connects to dsn and applies the schema.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	s := &Store{pool: pool, lockTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Reset truncates every ledger table. Used by tests.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE sale_activities, purchase_activities, payment_allocations,
		payments, sales, purchases, customers RESTART IDENTITY CASCADE`)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type table struct {
	records    string
	activities string
	fk         string
}

func tableFor(kind ledger.Kind) table {
	if kind == ledger.KindPurchase {
		return table{records: "purchases", activities: "purchase_activities", fk: "purchase_id"}
	}
	return table{records: "sales", activities: "sale_activities", fk: "sale_id"}
}

// =============================================================================
// READER
// =============================================================================

func (s *Store) GetCustomer(ctx context.Context, id int64) (*ledger.Customer, error) {
	return getCustomer(ctx, s.pool, "id = $1", id)
}

func (s *Store) FindCustomerByPhone(ctx context.Context, phone string) (*ledger.Customer, error) {
	return getCustomer(ctx, s.pool, "phone = $1", phone)
}

func (s *Store) GetRecord(ctx context.Context, kind ledger.Kind, id int64) (*ledger.Record, error) {
	return getRecord(ctx, s.pool, kind, "id = $1", id)
}

func (s *Store) ListRecords(ctx context.Context, f ledger.RecordFilter) ([]ledger.Record, error) {
	where := []string{"TRUE"}
	var args []any
	if f.CustomerID != nil {
		args = append(args, *f.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if f.ActiveOnly || f.OpenOnly {
		where = append(where, "is_active")
	}
	if f.OpenOnly {
		where = append(where, "remaining > 0")
	}
	return queryRecords(ctx, s.pool, f.Kind, strings.Join(where, " AND ")+" ORDER BY id", args...)
}

func (s *Store) ListActivities(ctx context.Context, kind ledger.Kind, recordID int64) ([]ledger.Activity, error) {
	return queryActivities(ctx, s.pool, kind, tableFor(kind).fk+" = $1 ORDER BY paid_at, id", recordID)
}

func (s *Store) ListCustomerActivities(ctx context.Context, kind ledger.Kind, customerID int64) ([]ledger.Activity, error) {
	t := tableFor(kind)
	return queryActivities(ctx, s.pool, kind,
		fmt.Sprintf("%s IN (SELECT id FROM %s WHERE customer_id = $1) ORDER BY paid_at, id", t.fk, t.records),
		customerID)
}

func (s *Store) GetPayment(ctx context.Context, id int64) (*ledger.Payment, error) {
	return getPayment(ctx, s.pool, "id = $1", id)
}

func (s *Store) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	where, args := "TRUE", []any{}
	if f.CustomerID != nil {
		where, args = "customer_id = $1", []any{*f.CustomerID}
	}
	rows, err := s.pool.Query(ctx, selectPayment+" WHERE "+where+" ORDER BY paid_at DESC, id DESC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []ledger.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) ListAllocations(ctx context.Context, paymentID int64) ([]ledger.Allocation, error) {
	rows, err := s.pool.Query(ctx, selectAllocation+" WHERE payment_id = $1 ORDER BY id", paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var out []ledger.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// SummarizeCustomers aggregates in SQL: debt and credit are sums of
// remaining over active records, last payment is the newest positive
// activity on an active record.
func (s *Store) SummarizeCustomers(ctx context.Context) ([]ledger.CustomerSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.name, c.phone, c.note, c.is_active, c.created_at, c.updated_at,
		       COALESCE((SELECT SUM(remaining) FROM sales WHERE customer_id = c.id AND is_active), 0),
		       COALESCE((SELECT SUM(remaining) FROM purchases WHERE customer_id = c.id AND is_active), 0),
		       GREATEST(
		           (SELECT MAX(a.paid_at) FROM sale_activities a JOIN sales r ON r.id = a.sale_id
		             WHERE r.customer_id = c.id AND r.is_active AND a.amount > 0),
		           (SELECT MAX(a.paid_at) FROM purchase_activities a JOIN purchases r ON r.id = a.purchase_id
		             WHERE r.customer_id = c.id AND r.is_active AND a.amount > 0))
		FROM customers c
		WHERE c.is_active
		ORDER BY c.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize customers: %w", err)
	}
	defer rows.Close()

	var out []ledger.CustomerSummary
	for rows.Next() {
		var (
			sum           ledger.CustomerSummary
			debt, credit  pgtype.Numeric
			lastPaymentAt *time.Time
		)
		c := &sum.Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.Note, &c.IsActive, &c.CreatedAt, &c.UpdatedAt,
			&debt, &credit, &lastPaymentAt); err != nil {
			return nil, err
		}
		c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
		sum.Debt = fromNumeric(debt)
		sum.Credit = fromNumeric(credit)
		if lastPaymentAt != nil {
			t := lastPaymentAt.UTC()
			sum.LastPaymentAt = &t
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTION SUPPORT
// =============================================================================

// WithTx executes fn in a READ COMMITTED transaction. Row locks taken by
// Lock* provide the isolation the ledger needs.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapErr(fmt.Errorf("failed to begin transaction: %w", err), "transaction")
	}
	defer tx.Rollback(ctx)

	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("failed to set lock_timeout: %w", err)
		}
	}
	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(fmt.Errorf("failed to commit: %w", err), "transaction")
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) InsertCustomer(ctx context.Context, c *ledger.Customer) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	err := ts.tx.QueryRow(ctx, `
		INSERT INTO customers (name, phone, note, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		c.Name, c.Phone, c.Note, c.IsActive, c.CreatedAt, c.UpdatedAt).Scan(&c.ID)
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert customer: %w", err), "customer.phone")
	}
	return nil
}

func (ts *txStore) GetCustomer(ctx context.Context, id int64) (*ledger.Customer, error) {
	return getCustomer(ctx, ts.tx, "id = $1", id)
}

func (ts *txStore) FindCustomerByPhone(ctx context.Context, phone string) (*ledger.Customer, error) {
	return getCustomer(ctx, ts.tx, "phone = $1", phone)
}

func (ts *txStore) InsertRecord(ctx context.Context, r *ledger.Record) error {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal items: %w", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	err = ts.tx.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (customer_id, items, total_price, paid_now, remaining,
		                payment_type, method, note, version, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`, tableFor(r.Kind).records),
		r.CustomerID, items, numeric(r.TotalPrice), numeric(r.PaidNow), numeric(r.Remaining),
		string(r.PaymentType), string(r.Method), r.Note, r.Version, r.IsActive,
		r.CreatedAt, r.UpdatedAt).Scan(&r.ID)
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert %s: %w", tableFor(r.Kind).records, err), r.Kind.String())
	}
	return nil
}

func (ts *txStore) LockRecord(ctx context.Context, kind ledger.Kind, id int64) (*ledger.Record, error) {
	r, err := getRecord(ctx, ts.tx, kind, "id = $1 FOR UPDATE", id)
	if err != nil {
		return nil, mapErr(err, ledger.Target{Kind: kind, ID: id}.String())
	}
	return r, nil
}

func (ts *txStore) LockOpenRecords(ctx context.Context, kind ledger.Kind, customerID int64) ([]ledger.Record, error) {
	recs, err := queryRecords(ctx, ts.tx, kind,
		"customer_id = $1 AND is_active AND remaining > 0 ORDER BY created_at, id FOR UPDATE", customerID)
	if err != nil {
		return nil, mapErr(err, tableFor(kind).records)
	}
	return recs, nil
}

func (ts *txStore) UpdateRecord(ctx context.Context, r *ledger.Record) error {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal items: %w", err)
	}
	tag, err := ts.tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET customer_id = $1, items = $2, total_price = $3, paid_now = $4, remaining = $5,
		              note = $6, is_active = $7, updated_at = $8, deleted_at = $9, version = version + 1
		WHERE id = $10 AND version = $11`, tableFor(r.Kind).records),
		r.CustomerID, items, numeric(r.TotalPrice), numeric(r.PaidNow), numeric(r.Remaining),
		r.Note, r.IsActive, r.UpdatedAt, r.DeletedAt, r.ID, r.Version)
	if err != nil {
		return mapErr(fmt.Errorf("failed to update %s: %w", r.Target(), err), r.Target().String())
	}
	if tag.RowsAffected() == 0 {
		return &ledger.ConcurrencyConflictError{Resource: r.Target().String()}
	}
	r.Version++
	return nil
}

func (ts *txStore) SumActivities(ctx context.Context, kind ledger.Kind, recordID int64) (decimal.Decimal, error) {
	t := tableFor(kind)
	var total pgtype.Numeric
	err := ts.tx.QueryRow(ctx,
		fmt.Sprintf("SELECT COALESCE(SUM(amount), 0) FROM %s WHERE %s = $1", t.activities, t.fk),
		recordID).Scan(&total)
	if err != nil {
		return decimal.Zero, mapErr(fmt.Errorf("failed to sum activities: %w", err), t.activities)
	}
	return fromNumeric(total), nil
}

func (ts *txStore) GetActivity(ctx context.Context, kind ledger.Kind, id int64) (*ledger.Activity, error) {
	return getActivity(ctx, ts.tx, kind, "id = $1", id)
}

func (ts *txStore) FindActivityByKey(ctx context.Context, kind ledger.Kind, key string) (*ledger.Activity, error) {
	return getActivity(ctx, ts.tx, kind, "idempotency_key = $1", key)
}

func (ts *txStore) HasReversal(ctx context.Context, kind ledger.Kind, activityID int64) (bool, error) {
	var exists bool
	err := ts.tx.QueryRow(ctx,
		fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE reverses_id = $1)", tableFor(kind).activities),
		activityID).Scan(&exists)
	return exists, err
}

func (ts *txStore) HasAllocations(ctx context.Context, kind ledger.Kind, recordID int64) (bool, error) {
	t := tableFor(kind)
	var exists bool
	err := ts.tx.QueryRow(ctx,
		fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1 AND allocation_id IS NOT NULL)", t.activities, t.fk),
		recordID).Scan(&exists)
	return exists, err
}

func (ts *txStore) InsertActivity(ctx context.Context, a *ledger.Activity) error {
	t := tableFor(a.Kind)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err := ts.tx.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s, amount, paid_at, note, allocation_id, reverses_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`, t.activities, t.fk),
		a.RecordID, numeric(a.Amount), a.PaidAt, a.Note, a.AllocationID, a.ReversesID,
		nullString(a.IdempotencyKey), a.CreatedAt).Scan(&a.ID)
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert activity: %w", err), t.activities)
	}
	return nil
}

func (ts *txStore) InsertPayment(ctx context.Context, p *ledger.Payment) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	err := ts.tx.QueryRow(ctx, `
		INSERT INTO payments (customer_id, direction, amount, method, paid_at, note,
		                      idempotency_key, version, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		p.CustomerID, string(p.Direction), numeric(p.Amount), string(p.Method), p.PaidAt, p.Note,
		nullString(p.IdempotencyKey), p.Version, p.IsActive, p.CreatedAt, p.UpdatedAt).Scan(&p.ID)
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert payment: %w", err), "payments")
	}
	return nil
}

func (ts *txStore) FindPaymentByKey(ctx context.Context, key string) (*ledger.Payment, error) {
	return getPayment(ctx, ts.tx, "idempotency_key = $1", key)
}

func (ts *txStore) LockPayment(ctx context.Context, id int64) (*ledger.Payment, error) {
	p, err := getPayment(ctx, ts.tx, "id = $1 FOR UPDATE", id)
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("payment#%d", id))
	}
	return p, nil
}

func (ts *txStore) SumAllocations(ctx context.Context, paymentID int64) (decimal.Decimal, error) {
	var total pgtype.Numeric
	err := ts.tx.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM payment_allocations WHERE payment_id = $1",
		paymentID).Scan(&total)
	if err != nil {
		return decimal.Zero, mapErr(fmt.Errorf("failed to sum allocations: %w", err), "payment_allocations")
	}
	return fromNumeric(total), nil
}

func (ts *txStore) InsertAllocation(ctx context.Context, a *ledger.Allocation) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	saleID, purchaseID := a.Target.Columns()
	err := ts.tx.QueryRow(ctx, `
		INSERT INTO payment_allocations (payment_id, target_sale_id, target_purchase_id, amount, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		a.PaymentID, saleID, purchaseID, numeric(a.Amount), nullString(a.IdempotencyKey), a.CreatedAt).Scan(&a.ID)
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert allocation: %w", err), "payment_allocations")
	}
	return nil
}

func (ts *txStore) FindAllocationByKey(ctx context.Context, key string) (*ledger.Allocation, error) {
	a, err := scanAllocation(ts.tx.QueryRow(ctx, selectAllocation+" WHERE idempotency_key = $1", key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// =============================================================================
// QUERIES & SCANNING
// =============================================================================

const selectCustomer = `SELECT id, name, phone, note, is_active, created_at, updated_at FROM customers`

func getCustomer(ctx context.Context, q querier, where string, arg any) (*ledger.Customer, error) {
	var c ledger.Customer
	err := q.QueryRow(ctx, selectCustomer+" WHERE "+where, arg).
		Scan(&c.ID, &c.Name, &c.Phone, &c.Note, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	return &c, nil
}

const recordColumns = `id, customer_id, items, total_price, paid_now, remaining,
	payment_type, method, note, version, is_active, created_at, updated_at, deleted_at`

func getRecord(ctx context.Context, q querier, kind ledger.Kind, where string, args ...any) (*ledger.Record, error) {
	row := q.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s", recordColumns, tableFor(kind).records, where), args...)
	r, err := scanRecord(row, kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func queryRecords(ctx context.Context, q querier, kind ledger.Kind, where string, args ...any) ([]ledger.Record, error) {
	rows, err := q.Query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s", recordColumns, tableFor(kind).records, where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		r, err := scanRecord(rows, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row, kind ledger.Kind) (*ledger.Record, error) {
	var (
		r                      ledger.Record
		items                  []byte
		total, paidNow, remain pgtype.Numeric
		paymentType, method    string
	)
	err := row.Scan(&r.ID, &r.CustomerID, &items, &total, &paidNow, &remain,
		&paymentType, &method, &r.Note, &r.Version, &r.IsActive, &r.CreatedAt, &r.UpdatedAt, &r.DeletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &r.Items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal items of %s #%d: %w", kind, r.ID, err)
	}
	r.Kind = kind
	r.TotalPrice = fromNumeric(total)
	r.PaidNow = fromNumeric(paidNow)
	r.Remaining = fromNumeric(remain)
	r.PaymentType = ledger.PaymentType(paymentType)
	r.Method = ledger.Method(method)
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	if r.DeletedAt != nil {
		t := r.DeletedAt.UTC()
		r.DeletedAt = &t
	}
	return &r, nil
}

func getActivity(ctx context.Context, q querier, kind ledger.Kind, where string, arg any) (*ledger.Activity, error) {
	acts, err := queryActivities(ctx, q, kind, where, arg)
	if err != nil || len(acts) == 0 {
		return nil, err
	}
	return &acts[0], nil
}

func queryActivities(ctx context.Context, q querier, kind ledger.Kind, where string, args ...any) ([]ledger.Activity, error) {
	t := tableFor(kind)
	rows, err := q.Query(ctx, fmt.Sprintf(`
		SELECT id, %s, amount, paid_at, note, allocation_id, reverses_id, COALESCE(idempotency_key, ''), created_at
		FROM %s WHERE %s`, t.fk, t.activities, where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	var out []ledger.Activity
	for rows.Next() {
		var (
			a      ledger.Activity
			amount pgtype.Numeric
		)
		if err := rows.Scan(&a.ID, &a.RecordID, &amount, &a.PaidAt, &a.Note,
			&a.AllocationID, &a.ReversesID, &a.IdempotencyKey, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Kind = kind
		a.Amount = fromNumeric(amount)
		a.PaidAt, a.CreatedAt = a.PaidAt.UTC(), a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

const selectPayment = `SELECT id, customer_id, direction, amount, method, paid_at, note,
	COALESCE(idempotency_key, ''), version, is_active, created_at, updated_at FROM payments`

func getPayment(ctx context.Context, q querier, where string, arg any) (*ledger.Payment, error) {
	p, err := scanPayment(q.QueryRow(ctx, selectPayment+" WHERE "+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func scanPayment(row pgx.Row) (*ledger.Payment, error) {
	var (
		p                 ledger.Payment
		direction, method string
		amount            pgtype.Numeric
	)
	err := row.Scan(&p.ID, &p.CustomerID, &direction, &amount, &method, &p.PaidAt, &p.Note,
		&p.IdempotencyKey, &p.Version, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Direction = ledger.Direction(direction)
	p.Amount = fromNumeric(amount)
	p.Method = ledger.Method(method)
	p.PaidAt, p.CreatedAt, p.UpdatedAt = p.PaidAt.UTC(), p.CreatedAt.UTC(), p.UpdatedAt.UTC()
	return &p, nil
}

const selectAllocation = `SELECT id, payment_id, target_sale_id, target_purchase_id, amount,
	COALESCE(idempotency_key, ''), created_at FROM payment_allocations`

func scanAllocation(row pgx.Row) (*ledger.Allocation, error) {
	var (
		a                  ledger.Allocation
		saleID, purchaseID *int64
		amount             pgtype.Numeric
	)
	if err := row.Scan(&a.ID, &a.PaymentID, &saleID, &purchaseID, &amount, &a.IdempotencyKey, &a.CreatedAt); err != nil {
		return nil, err
	}
	target, err := ledger.TargetFromColumns(saleID, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("allocation #%d: %w", a.ID, err)
	}
	a.Target = target
	a.Amount = fromNumeric(amount)
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mapErr translates PostgreSQL errors into ledger errors.
func mapErr(err error, resource string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return &ledger.ConcurrencyConflictError{Resource: resource, Err: err}
	case "23505":
		if strings.Contains(pgErr.ConstraintName, "idempotency_key") {
			return fmt.Errorf("%w: %v", ledger.ErrDuplicateIdempotencyKey, err)
		}
		return &ledger.ConcurrencyConflictError{Resource: resource, Err: err}
	}
	return err
}

func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
