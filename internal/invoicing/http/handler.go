package invoicinghttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kgsl/invoicing/internal/doclink"
	"github.com/kgsl/invoicing/internal/invoicing"
	"github.com/kgsl/invoicing/internal/platform/httpx"
	"github.com/kgsl/invoicing/internal/shared"
)

// IdempotencyHeader carries the caller's receipt idempotency key.
const IdempotencyHeader = "Idempotency-Key"

type invoicingService interface {
	CreateInvoice(ctx context.Context, userID string, input invoicing.InvoiceInput) (invoicing.Invoice, error)
	EditInvoice(ctx context.Context, userID string, id uuid.UUID, input invoicing.InvoiceInput) (invoicing.Invoice, error)
	DeleteInvoice(ctx context.Context, userID string, id uuid.UUID) error
	MarkAsPaid(ctx context.Context, userID string, id uuid.UUID) (invoicing.MarkAsPaidResult, error)
	CancelInvoice(ctx context.Context, userID string, id uuid.UUID) (invoicing.Invoice, error)
	SyncInvoicePayments(ctx context.Context, userID string, id uuid.UUID) (invoicing.SyncResult, error)
	SendReminder(ctx context.Context, userID string, id uuid.UUID) error
	GetInvoice(ctx context.Context, userID string, id uuid.UUID) (invoicing.InvoiceDetails, error)
	GetInvoiceByID(ctx context.Context, id uuid.UUID) (invoicing.InvoiceDetails, error)
	ListInvoices(ctx context.Context, userID string, filter invoicing.ListInvoicesFilter) (invoicing.InvoicePage, error)
	ListInvoiceReceipts(ctx context.Context, userID string, invoiceID uuid.UUID) ([]invoicing.Receipt, error)
	RemainingBalance(ctx context.Context, userID string, id uuid.UUID) (decimal.Decimal, error)
	Summary(ctx context.Context, userID string) ([]invoicing.CurrencySummary, error)
	CreateReceipt(ctx context.Context, userID string, input invoicing.ReceiptInput) (invoicing.ReceiptResult, error)
	DeleteReceipt(ctx context.Context, userID string, id uuid.UUID) (invoicing.Invoice, error)
	ListReceipts(ctx context.Context, userID string) ([]invoicing.ReceiptListItem, error)
	GetReceipt(ctx context.Context, userID string, id uuid.UUID) (invoicing.Receipt, error)
	GetReceiptByID(ctx context.Context, id uuid.UUID) (invoicing.Receipt, error)
	SearchClients(ctx context.Context, userID, term string) ([]invoicing.Client, error)
}

// Documents renders PDFs.
type Documents interface {
	InvoicePDF(ctx context.Context, details invoicing.InvoiceDetails) ([]byte, error)
	ReceiptPDF(ctx context.Context, receipt invoicing.Receipt, details invoicing.InvoiceDetails) ([]byte, error)
}

// Handler wires the invoicing JSON API.
type Handler struct {
	logger    *slog.Logger
	service   invoicingService
	documents Documents
	links     *doclink.Signer
}

// NewHandler builds the handler. documents and links may be nil, which
// disables the PDF routes.
func NewHandler(logger *slog.Logger, service invoicingService, documents Documents, links *doclink.Signer) *Handler {
	return &Handler{logger: logger, service: service, documents: documents, links: links}
}

// MountRoutes registers authenticated routes. Identity middleware must run first.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/invoices", func(r chi.Router) {
		r.Post("/", h.createInvoice)
		r.Get("/", h.listInvoices)
		r.Get("/summary", h.summary)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getInvoice)
			r.Put("/", h.editInvoice)
			r.Delete("/", h.deleteInvoice)
			r.Post("/mark-paid", h.markAsPaid)
			r.Post("/cancel", h.cancelInvoice)
			r.Post("/sync", h.syncInvoice)
			r.Post("/remind", h.sendReminder)
			r.Get("/balance", h.balance)
			r.Get("/receipts", h.listInvoiceReceipts)
			r.Get("/pdf", h.invoicePDF)
		})
	})
	r.Route("/receipts", func(r chi.Router) {
		r.Post("/", h.createReceipt)
		r.Get("/", h.listReceipts)
		r.Get("/{id}", h.getReceipt)
		r.Delete("/{id}", h.deleteReceipt)
		r.Get("/{id}/pdf", h.receiptPDF)
	})
	r.Get("/clients/search", h.searchClients)
}

// MountPublicRoutes registers signed document links.
func (h *Handler) MountPublicRoutes(r chi.Router) {
	r.Get("/public/invoices/{id}/pdf", h.publicInvoicePDF)
	r.Get("/public/receipts/{id}/pdf", h.publicReceiptPDF)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, invoicing.ErrInvoiceNotFound
	}
	return id, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, httpx.ErrValidation) && !errors.Is(err, httpx.ErrNotFound) {
		h.logger.WarnContext(r.Context(), "invoicing request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	httpx.RespondError(w, err)
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var input invoicing.InvoiceInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	inv, err := h.service.CreateInvoice(r.Context(), shared.UserFromContext(r.Context()), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	page, perPage := shared.PageFromQuery(r.URL.Query())
	filter := invoicing.ListInvoicesFilter{
		Status:  invoicing.Status(strings.ToUpper(r.URL.Query().Get("status"))),
		Page:    page,
		PerPage: perPage,
	}
	result, err := h.service.ListInvoices(r.Context(), shared.UserFromContext(r.Context()), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary(r.Context(), shared.UserFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"currencies": summary})
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	details, err := h.service.GetInvoice(r.Context(), shared.UserFromContext(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, details)
}

func (h *Handler) editInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var input invoicing.InvoiceInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	inv, err := h.service.EditInvoice(r.Context(), shared.UserFromContext(r.Context()), id, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) deleteInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.DeleteInvoice(r.Context(), shared.UserFromContext(r.Context()), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) markAsPaid(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.service.MarkAsPaid(r.Context(), shared.UserFromContext(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	inv, err := h.service.CancelInvoice(r.Context(), shared.UserFromContext(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) syncInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.service.SyncInvoicePayments(r.Context(), shared.UserFromContext(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) sendReminder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.SendReminder(r.Context(), shared.UserFromContext(r.Context()), id); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	remaining, err := h.service.RemainingBalance(r.Context(), shared.UserFromContext(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoice_id": id, "remaining": remaining})
}

func (h *Handler) listInvoiceReceipts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	receipts, err := h.service.ListInvoiceReceipts(r.Context(), shared.UserFromContext(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}

func (h *Handler) createReceipt(w http.ResponseWriter, r *http.Request) {
	var input invoicing.ReceiptInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	input.IdempotencyKey = r.Header.Get(IdempotencyHeader)
	result, err := h.service.CreateReceipt(r.Context(), shared.UserFromContext(r.Context()), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) listReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := h.service.ListReceipts(r.Context(), shared.UserFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}

func receiptPathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, invoicing.ErrReceiptNotFound
	}
	return id, nil
}

func (h *Handler) getReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := receiptPathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	receipt, err := h.service.GetReceipt(r.Context(), shared.UserFromContext(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, receipt)
}

func (h *Handler) deleteReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := receiptPathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	inv, err := h.service.DeleteReceipt(r.Context(), shared.UserFromContext(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoice": inv})
}

func (h *Handler) searchClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.service.SearchClients(r.Context(), shared.UserFromContext(r.Context()), r.URL.Query().Get("q"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"clients": clients})
}
