/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists customers, Sales, Purchases, their activity logs, payments and
  payment allocations in a single SQLite file. Suited to a single shop
  terminal; multi-terminal deployments use store/postgres.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on *_activities or payment_allocations
  - Records are soft-deleted (is_active = 0, deleted_at set)
  - Corrections are compensating activities (reverses_id)

KEY TABLES:
  customers:            identity, unique phone, no balance column
  sales, purchases:     Transaction Records with cached remaining
  sale_activities,
  purchase_activities:  append-only payment history per record
  payments:             standalone money movements
  payment_allocations:  payment -> exactly one of target_sale_id /
                        target_purchase_id (CHECK enforced)

CONCURRENCY:
  SQLite has one writer. Transactions start with BEGIN IMMEDIATE
  (_txlock=immediate), so the write lock is taken before the first read and
  every Lock* in a transaction reads rows no other writer can change until
  commit. The pool is limited to one connection: ":memory:" databases are
  per-connection, and a single connection serialises writers in Go instead
  of in SQLITE_BUSY retries. SQLITE_BUSY / SQLITE_LOCKED surface as
  *ledger.ConcurrencyConflictError.

MONEY:
  Stored as TEXT decimal strings and summed in Go with decimal.Decimal;
  SQLite's SUM() would go through float64.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation with row-level locks
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/pos-ledger/ledger"
)

// timeLayout is fixed-width so TEXT ordering equals time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		phone TEXT NOT NULL UNIQUE,
		note TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_customers_name ON customers(name);
	`
	for _, t := range []table{sales, purchases} {
		schema += fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		customer_id INTEGER REFERENCES customers(id),
		items_json TEXT NOT NULL,
		total_price TEXT NOT NULL,
		paid_now TEXT NOT NULL,
		remaining TEXT NOT NULL,
		payment_type TEXT NOT NULL CHECK (payment_type IN ('PAID_NOW', 'PAY_LATER')),
		method TEXT NOT NULL CHECK (method IN ('CASH', 'CARD', 'OTHER')),
		note TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_customer ON %[1]s(customer_id, is_active);
	`, t.records)
	}
	schema += `
	CREATE TABLE IF NOT EXISTS payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		customer_id INTEGER NOT NULL REFERENCES customers(id),
		direction TEXT NOT NULL CHECK (direction IN ('CUSTOMER_PAYS_SHOP', 'SHOP_PAYS_CUSTOMER')),
		amount TEXT NOT NULL,
		method TEXT NOT NULL CHECK (method IN ('CASH', 'CARD', 'OTHER')),
		paid_at TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		version INTEGER NOT NULL DEFAULT 1,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_customer ON payments(customer_id);

	-- Exactly one target column is set.
	CREATE TABLE IF NOT EXISTS payment_allocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payment_id INTEGER NOT NULL REFERENCES payments(id),
		target_sale_id INTEGER REFERENCES sales(id),
		target_purchase_id INTEGER REFERENCES purchases(id),
		amount TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL,
		CHECK ((target_sale_id IS NULL) <> (target_purchase_id IS NULL))
	);
	CREATE INDEX IF NOT EXISTS idx_allocations_payment ON payment_allocations(payment_id);
	`
	for _, t := range []table{sales, purchases} {
		schema += fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		%[2]s INTEGER NOT NULL REFERENCES %[3]s(id),
		amount TEXT NOT NULL,
		paid_at TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		allocation_id INTEGER REFERENCES payment_allocations(id),
		reverses_id INTEGER UNIQUE REFERENCES %[1]s(id),
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_record ON %[1]s(%[2]s, paid_at);
	`, t.activities, t.fk, t.records)
	}

	_, err := s.db.Exec(schema)
	return err
}

// table names the per-kind tables.
type table struct {
	records    string
	activities string
	fk         string
}

var (
	sales     = table{records: "sales", activities: "sale_activities", fk: "sale_id"}
	purchases = table{records: "purchases", activities: "purchase_activities", fk: "purchase_id"}
)

func tableFor(kind ledger.Kind) table {
	if kind == ledger.KindPurchase {
		return purchases
	}
	return sales
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// READER
// =============================================================================

func (s *Store) GetCustomer(ctx context.Context, id int64) (*ledger.Customer, error) {
	return getCustomer(ctx, s.db, "id = ?", id)
}

func (s *Store) FindCustomerByPhone(ctx context.Context, phone string) (*ledger.Customer, error) {
	return getCustomer(ctx, s.db, "phone = ?", phone)
}

func (s *Store) GetRecord(ctx context.Context, kind ledger.Kind, id int64) (*ledger.Record, error) {
	return getRecord(ctx, s.db, kind, id)
}

func (s *Store) ListRecords(ctx context.Context, f ledger.RecordFilter) ([]ledger.Record, error) {
	where := []string{"1 = 1"}
	var args []any
	if f.CustomerID != nil {
		where = append(where, "customer_id = ?")
		args = append(args, *f.CustomerID)
	}
	if f.ActiveOnly || f.OpenOnly {
		where = append(where, "is_active = 1")
	}
	recs, err := queryRecords(ctx, s.db, f.Kind, strings.Join(where, " AND ")+" ORDER BY id", args...)
	if err != nil || !f.OpenOnly {
		return recs, err
	}
	open := recs[:0]
	for _, r := range recs {
		if r.Remaining.IsPositive() {
			open = append(open, r)
		}
	}
	return open, nil
}

func (s *Store) ListActivities(ctx context.Context, kind ledger.Kind, recordID int64) ([]ledger.Activity, error) {
	t := tableFor(kind)
	return queryActivities(ctx, s.db, kind, t.fk+" = ? ORDER BY paid_at, id", recordID)
}

func (s *Store) ListCustomerActivities(ctx context.Context, kind ledger.Kind, customerID int64) ([]ledger.Activity, error) {
	t := tableFor(kind)
	return queryActivities(ctx, s.db, kind,
		fmt.Sprintf("%s IN (SELECT id FROM %s WHERE customer_id = ?) ORDER BY paid_at, id", t.fk, t.records),
		customerID)
}

func (s *Store) GetPayment(ctx context.Context, id int64) (*ledger.Payment, error) {
	return getPayment(ctx, s.db, "id = ?", id)
}

func (s *Store) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	where, args := "1 = 1", []any{}
	if f.CustomerID != nil {
		where, args = "customer_id = ?", []any{*f.CustomerID}
	}
	rows, err := s.db.QueryContext(ctx, selectPayment+" WHERE "+where+" ORDER BY paid_at DESC, id DESC", args...)
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
	rows, err := s.db.QueryContext(ctx, selectAllocation+" WHERE payment_id = ? ORDER BY id", paymentID)
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

// SummarizeCustomers loads active customers with their active records and
// folds them in Go.
func (s *Store) SummarizeCustomers(ctx context.Context) ([]ledger.CustomerSummary, error) {
	rows, err := s.db.QueryContext(ctx, selectCustomer+" WHERE is_active = 1 ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}
	var customers []ledger.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		customers = append(customers, *c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	records := map[int64][]ledger.Record{}
	activities := map[int64][]ledger.Activity{}
	for _, kind := range []ledger.Kind{ledger.KindSale, ledger.KindPurchase} {
		t := tableFor(kind)
		recs, err := queryRecords(ctx, s.db, kind, "is_active = 1 AND customer_id IS NOT NULL ORDER BY id")
		if err != nil {
			return nil, err
		}
		owner := map[int64]int64{}
		for _, r := range recs {
			owner[r.ID] = *r.CustomerID
			records[*r.CustomerID] = append(records[*r.CustomerID], r)
		}
		acts, err := queryActivities(ctx, s.db, kind,
			fmt.Sprintf("amount NOT LIKE '-%%' AND %s IN (SELECT id FROM %s WHERE is_active = 1)", t.fk, t.records))
		if err != nil {
			return nil, err
		}
		for _, a := range acts {
			activities[owner[a.RecordID]] = append(activities[owner[a.RecordID]], a)
		}
	}

	out := make([]ledger.CustomerSummary, 0, len(customers))
	for _, c := range customers {
		b := ledger.Fold(c.ID, records[c.ID], activities[c.ID])
		out = append(out, ledger.CustomerSummary{Customer: c, Debt: b.Debt, Credit: b.Credit, LastPaymentAt: b.LastPaymentAt})
	}
	return out, nil
}

// =============================================================================
// TRANSACTION SUPPORT
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(fmt.Errorf("failed to begin transaction: %w", err), "transaction")
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapErr(fmt.Errorf("failed to commit: %w", err), "transaction")
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) InsertCustomer(ctx context.Context, c *ledger.Customer) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO customers (name, phone, note, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.Name, c.Phone, c.Note, c.IsActive, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert customer: %w", err), "customer.phone")
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (ts *txStore) GetCustomer(ctx context.Context, id int64) (*ledger.Customer, error) {
	return getCustomer(ctx, ts.tx, "id = ?", id)
}

func (ts *txStore) FindCustomerByPhone(ctx context.Context, phone string) (*ledger.Customer, error) {
	return getCustomer(ctx, ts.tx, "phone = ?", phone)
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
	res, err := ts.tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (customer_id, items_json, total_price, paid_now, remaining,
		                payment_type, method, note, version, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, tableFor(r.Kind).records),
		nullInt(r.CustomerID), string(items),
		r.TotalPrice.String(), r.PaidNow.String(), r.Remaining.String(),
		string(r.PaymentType), string(r.Method), r.Note, r.Version, r.IsActive,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert %s: %w", tableFor(r.Kind).records, err), r.Kind.String())
	}
	r.ID, err = res.LastInsertId()
	return err
}

// LockRecord reads the row. The IMMEDIATE transaction already holds the
// database write lock.
func (ts *txStore) LockRecord(ctx context.Context, kind ledger.Kind, id int64) (*ledger.Record, error) {
	return getRecord(ctx, ts.tx, kind, id)
}

func (ts *txStore) LockOpenRecords(ctx context.Context, kind ledger.Kind, customerID int64) ([]ledger.Record, error) {
	recs, err := queryRecords(ctx, ts.tx, kind, "customer_id = ? AND is_active = 1 ORDER BY created_at, id", customerID)
	if err != nil {
		return nil, err
	}
	open := recs[:0]
	for _, r := range recs {
		if r.Remaining.IsPositive() {
			open = append(open, r)
		}
	}
	return open, nil
}

func (ts *txStore) UpdateRecord(ctx context.Context, r *ledger.Record) error {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal items: %w", err)
	}
	res, err := ts.tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET customer_id = ?, items_json = ?, total_price = ?, paid_now = ?, remaining = ?,
		              note = ?, is_active = ?, updated_at = ?, deleted_at = ?, version = version + 1
		WHERE id = ? AND version = ?`, tableFor(r.Kind).records),
		nullInt(r.CustomerID), string(items),
		r.TotalPrice.String(), r.PaidNow.String(), r.Remaining.String(),
		r.Note, r.IsActive, formatTime(r.UpdatedAt), nullTime(r.DeletedAt),
		r.ID, r.Version)
	if err != nil {
		return mapErr(fmt.Errorf("failed to update %s: %w", r.Target(), err), r.Target().String())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.ConcurrencyConflictError{Resource: r.Target().String()}
	}
	r.Version++
	return nil
}

func (ts *txStore) SumActivities(ctx context.Context, kind ledger.Kind, recordID int64) (decimal.Decimal, error) {
	t := tableFor(kind)
	rows, err := ts.tx.QueryContext(ctx, fmt.Sprintf("SELECT amount FROM %s WHERE %s = ?", t.activities, t.fk), recordID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum activities: %w", err)
	}
	return sumAmounts(rows)
}

func (ts *txStore) GetActivity(ctx context.Context, kind ledger.Kind, id int64) (*ledger.Activity, error) {
	return getActivity(ctx, ts.tx, kind, "id = ?", id)
}

func (ts *txStore) FindActivityByKey(ctx context.Context, kind ledger.Kind, key string) (*ledger.Activity, error) {
	return getActivity(ctx, ts.tx, kind, "idempotency_key = ?", key)
}

func (ts *txStore) HasReversal(ctx context.Context, kind ledger.Kind, activityID int64) (bool, error) {
	var count int
	err := ts.tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE reverses_id = ?", tableFor(kind).activities),
		activityID).Scan(&count)
	return count > 0, err
}

func (ts *txStore) HasAllocations(ctx context.Context, kind ledger.Kind, recordID int64) (bool, error) {
	t := tableFor(kind)
	var count int
	err := ts.tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ? AND allocation_id IS NOT NULL", t.activities, t.fk),
		recordID).Scan(&count)
	return count > 0, err
}

func (ts *txStore) InsertActivity(ctx context.Context, a *ledger.Activity) error {
	t := tableFor(a.Kind)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := ts.tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s, amount, paid_at, note, allocation_id, reverses_id, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, t.activities, t.fk),
		a.RecordID, a.Amount.String(), formatTime(a.PaidAt), a.Note,
		nullInt(a.AllocationID), nullInt(a.ReversesID), nullString(a.IdempotencyKey),
		formatTime(a.CreatedAt))
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert activity: %w", err), t.activities)
	}
	a.ID, err = res.LastInsertId()
	return err
}

func (ts *txStore) InsertPayment(ctx context.Context, p *ledger.Payment) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO payments (customer_id, direction, amount, method, paid_at, note,
		                      idempotency_key, version, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.CustomerID, string(p.Direction), p.Amount.String(), string(p.Method),
		formatTime(p.PaidAt), p.Note, nullString(p.IdempotencyKey), p.Version, p.IsActive,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert payment: %w", err), "payments")
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (ts *txStore) FindPaymentByKey(ctx context.Context, key string) (*ledger.Payment, error) {
	return getPayment(ctx, ts.tx, "idempotency_key = ?", key)
}

func (ts *txStore) LockPayment(ctx context.Context, id int64) (*ledger.Payment, error) {
	return getPayment(ctx, ts.tx, "id = ?", id)
}

func (ts *txStore) SumAllocations(ctx context.Context, paymentID int64) (decimal.Decimal, error) {
	rows, err := ts.tx.QueryContext(ctx, "SELECT amount FROM payment_allocations WHERE payment_id = ?", paymentID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum allocations: %w", err)
	}
	return sumAmounts(rows)
}

func (ts *txStore) InsertAllocation(ctx context.Context, a *ledger.Allocation) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	saleID, purchaseID := a.Target.Columns()
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO payment_allocations (payment_id, target_sale_id, target_purchase_id, amount, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.PaymentID, nullInt(saleID), nullInt(purchaseID), a.Amount.String(),
		nullString(a.IdempotencyKey), formatTime(a.CreatedAt))
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert allocation: %w", err), "payment_allocations")
	}
	a.ID, err = res.LastInsertId()
	return err
}

func (ts *txStore) FindAllocationByKey(ctx context.Context, key string) (*ledger.Allocation, error) {
	row := ts.tx.QueryRowContext(ctx, selectAllocation+" WHERE idempotency_key = ?", key)
	a, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// =============================================================================
// QUERIES & SCANNING
// =============================================================================

const selectCustomer = `SELECT id, name, phone, note, is_active, created_at, updated_at FROM customers`

func getCustomer(ctx context.Context, q querier, where string, arg any) (*ledger.Customer, error) {
	c, err := scanCustomer(q.QueryRowContext(ctx, selectCustomer+" WHERE "+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func scanCustomer(row scanner) (*ledger.Customer, error) {
	var (
		c                    ledger.Customer
		createdAt, updatedAt string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Note, &c.IsActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

const recordColumns = `id, customer_id, items_json, total_price, paid_now, remaining,
	payment_type, method, note, version, is_active, created_at, updated_at, deleted_at`

func getRecord(ctx context.Context, q querier, kind ledger.Kind, id int64) (*ledger.Record, error) {
	row := q.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", recordColumns, tableFor(kind).records), id)
	r, err := scanRecord(row, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func queryRecords(ctx context.Context, q querier, kind ledger.Kind, where string, args ...any) ([]ledger.Record, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s", recordColumns, tableFor(kind).records, where), args...)
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

func scanRecord(row scanner, kind ledger.Kind) (*ledger.Record, error) {
	var (
		r                    ledger.Record
		customerID           sql.NullInt64
		items                string
		paymentType, method  string
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)
	err := row.Scan(&r.ID, &customerID, &items, &r.TotalPrice, &r.PaidNow, &r.Remaining,
		&paymentType, &method, &r.Note, &r.Version, &r.IsActive, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &r.Items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal items of %s #%d: %w", kind, r.ID, err)
	}
	r.Kind = kind
	r.CustomerID = ptrInt(customerID)
	r.PaymentType = ledger.PaymentType(paymentType)
	r.Method = ledger.Method(method)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	if deletedAt.Valid {
		t := parseTime(deletedAt.String)
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
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, %s, amount, paid_at, note, allocation_id, reverses_id, idempotency_key, created_at
		FROM %s WHERE %s`, t.fk, t.activities, where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	var out []ledger.Activity
	for rows.Next() {
		var (
			a                   ledger.Activity
			paidAt, createdAt   string
			allocID, reversesID sql.NullInt64
			key                 sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.RecordID, &a.Amount, &paidAt, &a.Note, &allocID, &reversesID, &key, &createdAt); err != nil {
			return nil, err
		}
		a.Kind = kind
		a.PaidAt = parseTime(paidAt)
		a.AllocationID = ptrInt(allocID)
		a.ReversesID = ptrInt(reversesID)
		a.IdempotencyKey = key.String
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

const selectPayment = `SELECT id, customer_id, direction, amount, method, paid_at, note,
	idempotency_key, version, is_active, created_at, updated_at FROM payments`

func getPayment(ctx context.Context, q querier, where string, arg any) (*ledger.Payment, error) {
	p, err := scanPayment(q.QueryRowContext(ctx, selectPayment+" WHERE "+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func scanPayment(row scanner) (*ledger.Payment, error) {
	var (
		p                            ledger.Payment
		direction, method            string
		paidAt, createdAt, updatedAt string
		key                          sql.NullString
	)
	err := row.Scan(&p.ID, &p.CustomerID, &direction, &p.Amount, &method, &paidAt, &p.Note,
		&key, &p.Version, &p.IsActive, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Direction = ledger.Direction(direction)
	p.Method = ledger.Method(method)
	p.PaidAt = parseTime(paidAt)
	p.IdempotencyKey = key.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

const selectAllocation = `SELECT id, payment_id, target_sale_id, target_purchase_id, amount,
	idempotency_key, created_at FROM payment_allocations`

func scanAllocation(row scanner) (*ledger.Allocation, error) {
	var (
		a                  ledger.Allocation
		saleID, purchaseID sql.NullInt64
		createdAt          string
		key                sql.NullString
	)
	if err := row.Scan(&a.ID, &a.PaymentID, &saleID, &purchaseID, &a.Amount, &key, &createdAt); err != nil {
		return nil, err
	}
	target, err := ledger.TargetFromColumns(ptrInt(saleID), ptrInt(purchaseID))
	if err != nil {
		return nil, fmt.Errorf("allocation #%d: %w", a.ID, err)
	}
	a.Target = target
	a.IdempotencyKey = key.String
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func sumAmounts(rows *sql.Rows) (decimal.Decimal, error) {
	defer rows.Close()
	total := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan amount: %w", err)
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// mapErr translates driver errors into ledger errors.
func mapErr(err error, resource string) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
		return &ledger.ConcurrencyConflictError{Resource: resource, Err: err}
	case se.ExtendedCode == sqlite3.ErrConstraintUnique:
		if strings.Contains(se.Error(), "idempotency_key") {
			return fmt.Errorf("%w: %v", ledger.ErrDuplicateIdempotencyKey, err)
		}
		return &ledger.ConcurrencyConflictError{Resource: resource, Err: err}
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func ptrInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
