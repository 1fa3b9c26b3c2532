package report

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kgsl/invoicing/internal/invoicing"
	"github.com/kgsl/invoicing/internal/money"
)

//go:embed templates/*.html
var templateFS embed.FS

// PDFConverter turns HTML into PDF bytes.
type PDFConverter interface {
	RenderHTML(ctx context.Context, html []byte) ([]byte, error)
}

// Renderer produces invoice and receipt PDFs.
type Renderer struct {
	converter PDFConverter
	templates *template.Template
}

// NewRenderer parses the embedded document templates.
func NewRenderer(converter PDFConverter) (*Renderer, error) {
	tmpl, err := template.New("documents").Funcs(template.FuncMap{
		"money": func(amount decimal.Decimal, currency invoicing.Currency) string {
			return money.Format(amount, string(currency))
		},
		"date": func(t time.Time) string {
			return t.Format("02 Jan 2006")
		},
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse document templates: %w", err)
	}
	return &Renderer{converter: converter, templates: tmpl}, nil
}

type receiptView struct {
	Receipt   invoicing.Receipt
	Invoice   invoicing.Invoice
	TotalPaid decimal.Decimal
	Remaining decimal.Decimal
}

// InvoiceHTML renders the invoice document.
func (r *Renderer) InvoiceHTML(details invoicing.InvoiceDetails) ([]byte, error) {
	return r.execute("invoice.html", details)
}

// ReceiptHTML renders the receipt document with the invoice balance after all payments.
func (r *Renderer) ReceiptHTML(receipt invoicing.Receipt, details invoicing.InvoiceDetails) ([]byte, error) {
	return r.execute("receipt.html", receiptView{
		Receipt:   receipt,
		Invoice:   details.Invoice,
		TotalPaid: details.TotalPaid,
		Remaining: details.Remaining,
	})
}

// InvoicePDF renders and converts the invoice.
func (r *Renderer) InvoicePDF(ctx context.Context, details invoicing.InvoiceDetails) ([]byte, error) {
	html, err := r.InvoiceHTML(details)
	if err != nil {
		return nil, err
	}
	return r.converter.RenderHTML(ctx, html)
}

// ReceiptPDF renders and converts the receipt.
func (r *Renderer) ReceiptPDF(ctx context.Context, receipt invoicing.Receipt, details invoicing.InvoiceDetails) ([]byte, error) {
	html, err := r.ReceiptHTML(receipt, details)
	if err != nil {
		return nil, err
	}
	return r.converter.RenderHTML(ctx, html)
}

func (r *Renderer) execute(name string, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
