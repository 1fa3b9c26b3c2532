package invoicinghttp

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kgsl/invoicing/internal/doclink"
	"github.com/kgsl/invoicing/internal/invoicing"
	"github.com/kgsl/invoicing/internal/platform/httpx"
	"github.com/kgsl/invoicing/internal/shared"
)

func (h *Handler) invoicePDF(w http.ResponseWriter, r *http.Request) {
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
	h.writeInvoicePDF(w, r, details)
}

func (h *Handler) receiptPDF(w http.ResponseWriter, r *http.Request) {
	id, err := receiptPathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	userID := shared.UserFromContext(r.Context())
	receipt, err := h.service.GetReceipt(r.Context(), userID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	details, err := h.service.GetInvoice(r.Context(), userID, receipt.InvoiceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeReceiptPDF(w, r, receipt, details)
}

// signedID returns the path id when the sig query parameter matches it.
func (h *Handler) signedID(r *http.Request, kind string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil || h.links == nil {
		return uuid.Nil, false
	}
	return id, h.links.Verify(kind, id.String(), r.URL.Query().Get("sig"))
}

func (h *Handler) publicInvoicePDF(w http.ResponseWriter, r *http.Request) {
	id, ok := h.signedID(r, doclink.KindInvoice)
	if !ok {
		h.fail(w, r, invoicing.ErrInvoiceNotFound)
		return
	}
	details, err := h.service.GetInvoiceByID(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeInvoicePDF(w, r, details)
}

func (h *Handler) publicReceiptPDF(w http.ResponseWriter, r *http.Request) {
	id, ok := h.signedID(r, doclink.KindReceipt)
	if !ok {
		h.fail(w, r, invoicing.ErrReceiptNotFound)
		return
	}
	receipt, err := h.service.GetReceiptByID(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	details, err := h.service.GetInvoiceByID(r.Context(), receipt.InvoiceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeReceiptPDF(w, r, receipt, details)
}

func (h *Handler) writeInvoicePDF(w http.ResponseWriter, r *http.Request, details invoicing.InvoiceDetails) {
	if h.documents == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Renderer unavailable", "PDF rendering is not configured")
		return
	}
	pdf, err := h.documents.InvoicePDF(r.Context(), details)
	if err != nil {
		h.renderFailed(w, r, err)
		return
	}
	writePDF(w, fmt.Sprintf("invoice-%d.pdf", details.Number), pdf)
}

func (h *Handler) writeReceiptPDF(w http.ResponseWriter, r *http.Request, receipt invoicing.Receipt, details invoicing.InvoiceDetails) {
	if h.documents == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Renderer unavailable", "PDF rendering is not configured")
		return
	}
	pdf, err := h.documents.ReceiptPDF(r.Context(), receipt, details)
	if err != nil {
		h.renderFailed(w, r, err)
		return
	}
	writePDF(w, receipt.ReceiptNumber+".pdf", pdf)
}

func (h *Handler) renderFailed(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.ErrorContext(r.Context(), "render pdf", slog.Any("error", err))
	httpx.Problem(w, http.StatusBadGateway, "Render failed", "the document could not be rendered")
}

func writePDF(w http.ResponseWriter, filename string, pdf []byte) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}
