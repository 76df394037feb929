package statement

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/pos-ledger/ledger"
	"github.com/warp/pos-ledger/ledger/store"
)

func TestBuildAndRender(t *testing.T) {
	ctx := context.Background()
	svc := ledger.NewService(store.NewMemory())

	c, err := svc.CreateCustomer(ctx, ledger.CreateCustomerInput{Name: "Ana Lima", Phone: "0900000001"})
	require.NoError(t, err)
	_, err = svc.CreateRecord(ctx, ledger.CreateRecordInput{
		Kind:        ledger.KindSale,
		Items:       []ledger.LineItem{{Description: "Phone X", Price: ledger.Money("1000000")}},
		PaymentType: ledger.PayLater,
		Method:      ledger.MethodCash,
		PaidNow:     ledger.Money("300000"),
		CustomerID:  &c.ID,
	})
	require.NoError(t, err)

	st, err := Build(ctx, svc, c.ID, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "Ana Lima", st.Customer.Name)
	assert.True(t, st.Balance.Debt.Equal(ledger.Money("700000")))
	require.Len(t, st.OpenRecords, 1)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, st))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
}

func TestBuildUnknownCustomer(t *testing.T) {
	svc := ledger.NewService(store.NewMemory())
	_, err := Build(context.Background(), svc, 42, time.Now())
	assert.True(t, ledger.IsNotFound(err))
}

func TestRenderWithoutOpenRecords(t *testing.T) {
	var buf bytes.Buffer
	st := &Statement{Customer: ledger.Customer{ID: 1, Name: "Bao", Phone: "1"}, GeneratedAt: time.Now()}
	require.NoError(t, Render(&buf, st))
	assert.NotZero(t, buf.Len())
}
