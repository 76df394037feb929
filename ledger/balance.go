/*
balance.go - Balance aggregator

PURPOSE:
  Computes per-customer debt and credit from source rows. Nothing here is
  stored: every call folds the current records and activities.

    Debt   = Σ Remaining of the customer's active Sales
    Credit = Σ Remaining of the customer's active Purchases

  Debt and credit are reported side by side and never netted.

BUCKETS (list filter):
  debt     debt > 0            (includes both)
  credit   credit > 0          (includes both)
  both     debt > 0 and credit > 0
  neither  debt == 0 and credit == 0
  all      no filter

  Each row also carries its exclusive classification (both / debt / credit /
  neither) so a UI can colour rows without recomputing.

CACHING:
  ListCustomerBalances may be served from the BalanceCache. Entries are keyed
  by cache generation, and every committed write advances the generation.
*/
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Balance is a customer's position towards the shop.
type Balance struct {
	CustomerID          int64
	Debt                decimal.Decimal // customer owes shop
	Credit              decimal.Decimal // shop owes customer
	OpenSales           int
	OpenPurchases       int
	UnallocatedReceived decimal.Decimal // CUSTOMER_PAYS_SHOP money not yet allocated
	UnallocatedPaidOut  decimal.Decimal // SHOP_PAYS_CUSTOMER money not yet allocated
	LastPaymentAt       *time.Time
}

// Fold aggregates a customer's records and their activities.
// Voided records, and the activities of voided records, are ignored.
func Fold(customerID int64, records []Record, activities []Activity) Balance {
	b := Balance{
		CustomerID:          customerID,
		Debt:                decimal.Zero,
		Credit:              decimal.Zero,
		UnallocatedReceived: decimal.Zero,
		UnallocatedPaidOut:  decimal.Zero,
	}
	active := make(map[Target]bool, len(records))
	for _, r := range records {
		if !r.IsActive {
			continue
		}
		active[r.Target()] = true
		if !r.Remaining.IsPositive() {
			continue
		}
		switch r.Kind {
		case KindSale:
			b.Debt = b.Debt.Add(r.Remaining)
			b.OpenSales++
		case KindPurchase:
			b.Credit = b.Credit.Add(r.Remaining)
			b.OpenPurchases++
		}
	}
	for _, a := range activities {
		if !a.Amount.IsPositive() || !active[Target{Kind: a.Kind, ID: a.RecordID}] {
			continue
		}
		if b.LastPaymentAt == nil || a.PaidAt.After(*b.LastPaymentAt) {
			t := a.PaidAt
			b.LastPaymentAt = &t
		}
	}
	return b
}

// CustomerBalance recomputes one customer's balance.
func (s *Service) CustomerBalance(ctx context.Context, customerID int64) (*Balance, error) {
	if _, err := s.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	var (
		records    []Record
		activities []Activity
	)
	for _, kind := range []Kind{KindSale, KindPurchase} {
		recs, err := s.store.ListRecords(ctx, RecordFilter{Kind: kind, CustomerID: &customerID, ActiveOnly: true})
		if err != nil {
			return nil, s.read("customer_balance", err)
		}
		acts, err := s.store.ListCustomerActivities(ctx, kind, customerID)
		if err != nil {
			return nil, s.read("customer_balance", err)
		}
		records = append(records, recs...)
		activities = append(activities, acts...)
	}
	b := Fold(customerID, records, activities)

	payments, err := s.store.ListPayments(ctx, PaymentFilter{CustomerID: &customerID})
	if err != nil {
		return nil, s.read("customer_balance", err)
	}
	for _, p := range payments {
		if !p.IsActive {
			continue
		}
		allocs, err := s.store.ListAllocations(ctx, p.ID)
		if err != nil {
			return nil, s.read("customer_balance", err)
		}
		left := p.Amount
		for _, a := range allocs {
			left = left.Sub(a.Amount)
		}
		if p.Direction == CustomerPaysShop {
			b.UnallocatedReceived = b.UnallocatedReceived.Add(left)
		} else {
			b.UnallocatedPaidOut = b.UnallocatedPaidOut.Add(left)
		}
	}
	return &b, nil
}

// =============================================================================
// LIST VIEW
// =============================================================================

// Bucket filters and classifies customers by balance.
type Bucket string

const (
	BucketAll     Bucket = "all"
	BucketDebt    Bucket = "debt"
	BucketCredit  Bucket = "credit"
	BucketBoth    Bucket = "both"
	BucketNeither Bucket = "neither"
)

func (b Bucket) Valid() bool {
	switch b {
	case BucketAll, BucketDebt, BucketCredit, BucketBoth, BucketNeither:
		return true
	}
	return false
}

// BucketOf returns the exclusive classification of a debt/credit pair.
func BucketOf(debt, credit decimal.Decimal) Bucket {
	d, c := debt.IsPositive(), credit.IsPositive()
	switch {
	case d && c:
		return BucketBoth
	case d:
		return BucketDebt
	case c:
		return BucketCredit
	}
	return BucketNeither
}

// Matches reports whether a debt/credit pair passes the filter b.
func (b Bucket) Matches(debt, credit decimal.Decimal) bool {
	switch b {
	case BucketDebt:
		return debt.IsPositive()
	case BucketCredit:
		return credit.IsPositive()
	case BucketBoth:
		return debt.IsPositive() && credit.IsPositive()
	case BucketNeither:
		return !debt.IsPositive() && !credit.IsPositive()
	}
	return true
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ListBalancesQuery selects a page of the customer list view.
type ListBalancesQuery struct {
	Bucket   Bucket // empty means all
	Search   string // case-insensitive substring of name or phone
	Page     int    // 1-based, 0 means 1
	PageSize int    // 0 means DefaultPageSize
}

// BalanceRow is one customer in the list view.
type BalanceRow struct {
	Customer      Customer
	Debt          decimal.Decimal
	Credit        decimal.Decimal
	Bucket        Bucket
	LastPaymentAt *time.Time
}

// BalancePage is one page of the list view.
type BalancePage struct {
	Items    []BalanceRow
	Total    int
	Page     int
	PageSize int
}

// ListCustomerBalances returns customers with their debt and credit,
// ordered by name then id.
func (s *Service) ListCustomerBalances(ctx context.Context, q ListBalancesQuery) (*BalancePage, error) {
	if q.Bucket == "" {
		q.Bucket = BucketAll
	}
	if !q.Bucket.Valid() {
		return nil, invalid("bucket", "must be one of all, debt, credit, both, neither; got %q", q.Bucket)
	}
	if q.Page < 0 {
		return nil, invalid("page", "must not be negative")
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PageSize < 0 || q.PageSize > MaxPageSize {
		return nil, invalid("page_size", "must be between 1 and %d", MaxPageSize)
	}
	if q.PageSize == 0 {
		q.PageSize = DefaultPageSize
	}
	q.Search = strings.ToLower(strings.TrimSpace(q.Search))

	key := fmt.Sprintf("balances:%s:%d:%d:%s", q.Bucket, q.Page, q.PageSize, q.Search)
	gen, cached := s.cache.Generation(ctx)
	if cached {
		if raw, ok := s.cache.Get(ctx, gen, key); ok {
			var page BalancePage
			if err := json.Unmarshal(raw, &page); err == nil {
				return &page, nil
			}
		}
	}

	summaries, err := s.store.SummarizeCustomers(ctx)
	if err != nil {
		return nil, s.read("list_customer_balances", err)
	}
	rows := make([]BalanceRow, 0, len(summaries))
	for _, sum := range summaries {
		if !q.Bucket.Matches(sum.Debt, sum.Credit) {
			continue
		}
		if q.Search != "" &&
			!strings.Contains(strings.ToLower(sum.Customer.Name), q.Search) &&
			!strings.Contains(strings.ToLower(sum.Customer.Phone), q.Search) {
			continue
		}
		rows = append(rows, BalanceRow{
			Customer:      sum.Customer,
			Debt:          sum.Debt,
			Credit:        sum.Credit,
			Bucket:        BucketOf(sum.Debt, sum.Credit),
			LastPaymentAt: sum.LastPaymentAt,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := strings.ToLower(rows[i].Customer.Name), strings.ToLower(rows[j].Customer.Name)
		if a != b {
			return a < b
		}
		return rows[i].Customer.ID < rows[j].Customer.ID
	})

	page := &BalancePage{Total: len(rows), Page: q.Page, PageSize: q.PageSize, Items: []BalanceRow{}}
	// Compare page counts first so a huge page number cannot overflow.
	if pages := (len(rows) + q.PageSize - 1) / q.PageSize; q.Page <= pages {
		start := (q.Page - 1) * q.PageSize
		end := min(start+q.PageSize, len(rows))
		page.Items = rows[start:end]
	}

	if cached {
		if raw, err := json.Marshal(page); err == nil {
			s.cache.Set(ctx, gen, key, raw)
		} else {
			s.log.Warn("balance page not cached", zap.Error(err))
		}
	}
	return page, nil
}
