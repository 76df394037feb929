// Package statement renders a customer's balance statement as a PDF.
package statement

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/shopspring/decimal"

	"github.com/warp/pos-ledger/ledger"
)

// Statement is the data printed on one page.
type Statement struct {
	Customer    ledger.Customer
	Balance     ledger.Balance
	OpenRecords []ledger.Record
	GeneratedAt time.Time
}

// Build collects a customer's balance and open records.
func Build(ctx context.Context, svc *ledger.Service, customerID int64, now time.Time) (*Statement, error) {
	c, err := svc.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	b, err := svc.CustomerBalance(ctx, customerID)
	if err != nil {
		return nil, err
	}
	st := &Statement{Customer: *c, Balance: *b, GeneratedAt: now}
	for _, kind := range []ledger.Kind{ledger.KindSale, ledger.KindPurchase} {
		recs, err := svc.ListRecords(ctx, ledger.RecordFilter{Kind: kind, CustomerID: &customerID, OpenOnly: true})
		if err != nil {
			return nil, err
		}
		st.OpenRecords = append(st.OpenRecords, recs...)
	}
	return st, nil
}

func money(d decimal.Decimal) string { return d.StringFixed(ledger.MoneyScale) }

// Render writes st as a one-page A4 PDF.
func Render(w io.Writer, st *Statement) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 10, 10)
	pdf.SetAutoPageBreak(true, 10)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(190, 10, "Customer Statement", "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(190, 6, fmt.Sprintf("Generated: %s", st.GeneratedAt.Format("02-Jan-2006 15:04")), "", 1, "C", false, 0, "")
	pdf.Ln(5)

	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(190, 8, "Customer", "1", 1, "L", true, 0, "")
	pdf.SetFont("Arial", "", 11)
	pdf.CellFormat(95, 7, tr(fmt.Sprintf("Name: %s", st.Customer.Name)), "LB", 0, "L", false, 0, "")
	pdf.CellFormat(95, 7, fmt.Sprintf("Phone: %s", st.Customer.Phone), "RB", 1, "L", false, 0, "")
	pdf.Ln(5)

	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(190, 8, "Balance", "1", 1, "L", true, 0, "")
	pdf.SetFont("Arial", "", 11)
	pdf.CellFormat(95, 8, fmt.Sprintf("Owes shop: %s", money(st.Balance.Debt)), "1", 0, "C", false, 0, "")
	pdf.CellFormat(95, 8, fmt.Sprintf("Shop owes: %s", money(st.Balance.Credit)), "1", 1, "C", false, 0, "")
	if st.Balance.LastPaymentAt != nil {
		pdf.CellFormat(190, 7, fmt.Sprintf("Last payment: %s", st.Balance.LastPaymentAt.Format("02-Jan-2006")), "1", 1, "L", false, 0, "")
	}
	pdf.Ln(5)

	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(190, 8, "Open Transactions", "1", 1, "L", true, 0, "")
	pdf.SetFont("Arial", "B", 10)
	pdf.SetFillColor(200, 200, 200)
	pdf.CellFormat(25, 7, "Type", "1", 0, "C", true, 0, "")
	pdf.CellFormat(20, 7, "#", "1", 0, "C", true, 0, "")
	pdf.CellFormat(35, 7, "Date", "1", 0, "C", true, 0, "")
	pdf.CellFormat(55, 7, "Total", "1", 0, "C", true, 0, "")
	pdf.CellFormat(55, 7, "Remaining", "1", 1, "C", true, 0, "")

	pdf.SetFont("Arial", "", 10)
	if len(st.OpenRecords) == 0 {
		pdf.CellFormat(190, 6, "No open transactions", "1", 1, "C", false, 0, "")
	}
	for _, r := range st.OpenRecords {
		pdf.CellFormat(25, 6, string(r.Kind), "1", 0, "C", false, 0, "")
		pdf.CellFormat(20, 6, fmt.Sprintf("%d", r.ID), "1", 0, "C", false, 0, "")
		pdf.CellFormat(35, 6, r.CreatedAt.Format("02-Jan-2006"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(55, 6, money(r.TotalPrice), "1", 0, "R", false, 0, "")
		pdf.CellFormat(55, 6, money(r.Remaining), "1", 1, "R", false, 0, "")
	}

	if err := pdf.Error(); err != nil {
		return fmt.Errorf("render statement: %w", err)
	}
	return pdf.Output(w)
}
