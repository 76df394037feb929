package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Observer receives the outcome of every ledger operation.
type Observer interface {
	ObserveOperation(op string, err error)
}

// BalanceCache is a short-lived read cache for list views. It is never the
// system of record: every committed write calls Invalidate, which advances
// the generation so entries computed earlier are never served again.
type BalanceCache interface {
	// Generation returns the current generation; ok is false when the cache
	// is unavailable.
	Generation(ctx context.Context) (gen int64, ok bool)
	Get(ctx context.Context, gen int64, key string) ([]byte, bool)
	Set(ctx context.Context, gen int64, key string, value []byte)
	Invalidate(ctx context.Context)
}

type noopObserver struct{}

func (noopObserver) ObserveOperation(string, error) {}

type noopCache struct{}

func (noopCache) Generation(context.Context) (int64, bool)         { return 0, false }
func (noopCache) Get(context.Context, int64, string) ([]byte, bool) { return nil, false }
func (noopCache) Set(context.Context, int64, string, []byte)        {}
func (noopCache) Invalidate(context.Context)                        {}

// =============================================================================
// SERVICE
// =============================================================================

// Service is the ledger's single entrypoint. It holds no mutable balances;
// all state lives in the Store.
type Service struct {
	store    Store
	log      *zap.Logger
	cache    BalanceCache
	observer Observer
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *zap.Logger) Option        { return func(s *Service) { s.log = l } }
func WithCache(c BalanceCache) Option        { return func(s *Service) { s.cache = c } }
func WithObserver(o Observer) Option         { return func(s *Service) { s.observer = o } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a ledger service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		log:      zap.NewNop(),
		cache:    noopCache{},
		observer: noopObserver{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// mutate runs fn in one store transaction and reports the outcome.
// There is no retry: a ConcurrencyConflict goes back to the caller.
func (s *Service) mutate(ctx context.Context, op string, fn func(Tx) error) error {
	err := s.store.WithTx(ctx, fn)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		err = &ConcurrencyConflictError{Resource: "idempotency_key", Err: err}
	}
	s.observer.ObserveOperation(op, err)
	if err != nil {
		if IsClientError(err) || IsNotFound(err) || IsRetryable(err) {
			s.log.Debug("ledger write rejected",
				zap.String("op", op),
				zap.String("kind", string(KindOf(err))),
				zap.String("field", FieldOf(err)),
				zap.Error(err))
		} else {
			s.log.Error("ledger write failed", zap.String("op", op), zap.Error(err))
		}
		return err
	}
	s.cache.Invalidate(ctx)
	return nil
}

func (s *Service) read(op string, err error) error {
	if err != nil && !IsNotFound(err) {
		s.log.Error("ledger read failed", zap.String("op", op), zap.Error(err))
	}
	return err
}

// =============================================================================
// CUSTOMERS
// =============================================================================

// CreateCustomerInput identifies a new customer.
type CreateCustomerInput struct {
	Name  string
	Phone string
	Note  string
}

// CreateCustomer registers a customer. The phone must be unused.
func (s *Service) CreateCustomer(ctx context.Context, in CreateCustomerInput) (*Customer, error) {
	ref, err := normalizeRef(&CustomerRef{Name: in.Name, Phone: in.Phone})
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, invalid("customer", "name and phone are required")
	}

	var out *Customer
	err = s.mutate(ctx, "create_customer", func(tx Tx) error {
		existing, err := tx.FindCustomerByPhone(ctx, ref.Phone)
		if err != nil {
			return err
		}
		if existing != nil {
			return invalid("customer.phone", "phone %s is already registered to customer #%d", ref.Phone, existing.ID)
		}
		c := &Customer{Name: ref.Name, Phone: ref.Phone, Note: in.Note, IsActive: true}
		if err := tx.InsertCustomer(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("customer created", zap.Int64("customer_id", out.ID))
	return out, nil
}

// GetCustomer returns an active customer.
func (s *Service) GetCustomer(ctx context.Context, id int64) (*Customer, error) {
	c, err := s.store.GetCustomer(ctx, id)
	if err != nil {
		return nil, s.read("get_customer", err)
	}
	if c == nil || !c.IsActive {
		return nil, &NotFoundError{Entity: "customer", ID: id}
	}
	return c, nil
}

// resolveCustomer finds the customer a write refers to, creating it from ref
// when no customer with that phone exists yet.
func resolveCustomer(ctx context.Context, tx Tx, id *int64, ref *CustomerRef) (*Customer, error) {
	if id != nil {
		c, err := tx.GetCustomer(ctx, *id)
		if err != nil {
			return nil, err
		}
		if c == nil || !c.IsActive {
			return nil, &NotFoundError{Entity: "customer", ID: *id}
		}
		return c, nil
	}
	if ref == nil {
		return nil, nil
	}
	c, err := tx.FindCustomerByPhone(ctx, ref.Phone)
	if err != nil {
		return nil, err
	}
	if c != nil {
		if !c.IsActive {
			return nil, &NotFoundError{Entity: "customer", ID: c.ID}
		}
		return c, nil
	}
	c = &Customer{Name: ref.Name, Phone: ref.Phone, IsActive: true}
	if err := tx.InsertCustomer(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}
