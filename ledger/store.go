/*
store.go - Persistence contract between the ledger and the database

PURPOSE:
  The ledger's correctness rests on using the relational store correctly:
  every read-then-write of Remaining or of a payment's allocated sum runs in
  one database transaction holding a row lock on the row being changed.

KEY INTERFACES:
  Reader: lock-free reads for display and aggregation
  Tx:     the view of the store inside a transaction; Lock* methods take a
          row lock (SELECT ... FOR UPDATE or equivalent) held until commit
  Store:  Reader + WithTx

CONVENTIONS:
  - Get/Find/Lock return (nil, nil) when the row does not exist.
  - Insert* assigns ID and CreatedAt on the passed struct.
  - Insert* returns ErrDuplicateIdempotencyKey on a unique key collision.
  - Drivers map lock timeouts, deadlocks and serialization failures to
    *ConcurrencyConflictError.
  - Activities and allocations have no update or delete methods.

IMPLEMENTATIONS:
  - ledger/store/memory.go:  in-memory, for tests
  - store/sqlite/sqlite.go:  SQLite, single writer
  - store/postgres:          PostgreSQL with row-level locks
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RecordFilter selects records for listing.
type RecordFilter struct {
	Kind       Kind
	CustomerID *int64
	OpenOnly   bool // active and Remaining > 0
	ActiveOnly bool
}

// PaymentFilter selects payments for listing. A nil CustomerID lists all.
type PaymentFilter struct {
	CustomerID *int64
}

// CustomerSummary is one row of the list-view aggregate.
type CustomerSummary struct {
	Customer      Customer
	Debt          decimal.Decimal
	Credit        decimal.Decimal
	LastPaymentAt *time.Time
}

// Reader is the read side of a store.
type Reader interface {
	GetCustomer(ctx context.Context, id int64) (*Customer, error)
	FindCustomerByPhone(ctx context.Context, phone string) (*Customer, error)

	GetRecord(ctx context.Context, kind Kind, id int64) (*Record, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]Record, error)

	// ListActivities returns a record's activities ordered by PaidAt, then ID.
	ListActivities(ctx context.Context, kind Kind, recordID int64) ([]Activity, error)
	// ListCustomerActivities returns activities of all the customer's records of kind.
	ListCustomerActivities(ctx context.Context, kind Kind, customerID int64) ([]Activity, error)

	GetPayment(ctx context.Context, id int64) (*Payment, error)
	ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error)
	// ListAllocations returns a payment's allocations in creation order.
	ListAllocations(ctx context.Context, paymentID int64) ([]Allocation, error)

	// SummarizeCustomers returns debt, credit and last payment per active customer,
	// computed from active records only.
	SummarizeCustomers(ctx context.Context) ([]CustomerSummary, error)
}

// Tx is the transactional view of a store.
type Tx interface {
	InsertCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, id int64) (*Customer, error)
	FindCustomerByPhone(ctx context.Context, phone string) (*Customer, error)

	InsertRecord(ctx context.Context, r *Record) error
	LockRecord(ctx context.Context, kind Kind, id int64) (*Record, error)
	// LockOpenRecords locks the customer's active records of kind with
	// Remaining > 0, ordered by CreatedAt then ID.
	LockOpenRecords(ctx context.Context, kind Kind, customerID int64) ([]Record, error)
	// UpdateRecord writes r if the stored version equals r.Version and
	// increments r.Version. A mismatch returns *ConcurrencyConflictError.
	UpdateRecord(ctx context.Context, r *Record) error

	SumActivities(ctx context.Context, kind Kind, recordID int64) (decimal.Decimal, error)
	GetActivity(ctx context.Context, kind Kind, id int64) (*Activity, error)
	FindActivityByKey(ctx context.Context, kind Kind, key string) (*Activity, error)
	HasReversal(ctx context.Context, kind Kind, activityID int64) (bool, error)
	// HasAllocations reports whether any activity on the record came from a
	// payment allocation.
	HasAllocations(ctx context.Context, kind Kind, recordID int64) (bool, error)
	InsertActivity(ctx context.Context, a *Activity) error

	InsertPayment(ctx context.Context, p *Payment) error
	FindPaymentByKey(ctx context.Context, key string) (*Payment, error)
	LockPayment(ctx context.Context, id int64) (*Payment, error)
	SumAllocations(ctx context.Context, paymentID int64) (decimal.Decimal, error)
	InsertAllocation(ctx context.Context, a *Allocation) error
	FindAllocationByKey(ctx context.Context, key string) (*Allocation, error)
}

// Store is a ledger store with transaction support.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
