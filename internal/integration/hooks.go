package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
)

// PaymentReceivedEvent is emitted when a customer payment is recorded.
type PaymentReceivedEvent struct {
	ID             int64
	Number         string
	OrganizationID int64
	FiscalYear     string
	CustomerID     string
	Amount         decimal.Decimal
	ReceivedAt     time.Time
	ActorID        int64
}

// InvoiceIssuedEvent is emitted when a sales invoice is issued.
type InvoiceIssuedEvent struct {
	ID             int64
	Number         string
	OrganizationID int64
	FiscalYear     string
	CustomerID     string
	Subtotal       decimal.Decimal
	Tax            decimal.Decimal
	IssuedAt       time.Time
	ActorID        int64
}

// DisputeRefundedEvent is emitted when a disputed charge is refunded.
type DisputeRefundedEvent struct {
	ID             int64
	Number         string
	OrganizationID int64
	FiscalYear     string
	CustomerID     string
	Amount         decimal.Decimal
	RefundedAt     time.Time
	ActorID        int64
}

// Hooks wires domain events from operational modules into the general ledger.
type Hooks struct {
	ledger Ledger
	poster *AutoPoster
	logger *slog.Logger
}

// NewHooks constructs integration hooks.
func NewHooks(ledger Ledger, logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{ledger: ledger, poster: NewAutoPoster(ledger), logger: logger}
}

func (h *Hooks) ready() bool {
	return h != nil && h.ledger != nil
}

func (h *Hooks) resolveAccount(ctx context.Context, organizationID int64, module, key string) (int64, error) {
	return h.ledger.ResolveAccountMapping(ctx, organizationID, module, key)
}

// post records the document unless its source was posted before. The
// PostedBySource lookup only short-cuts redeliveries; concurrent deliveries
// are settled by the source link PostDocument writes.
func (h *Hooks) post(ctx context.Context, input AutoPostInput) error {
	if input.SourceID == "" {
		return errors.New("integration: source id required")
	}
	done, err := h.ledger.PostedBySource(ctx, input.OrganizationID, input.SourceType, input.SourceID)
	if err != nil {
		return err
	}
	if done {
		h.logger.Debug("ledger source already posted",
			slog.String("source_type", input.SourceType), slog.String("source_id", input.SourceID))
		return nil
	}
	voucher, err := h.poster.AutoPost(ctx, input)
	if errors.Is(err, accounting.ErrSourceAlreadyPosted) {
		h.logger.Debug("ledger source posted concurrently",
			slog.String("source_type", input.SourceType), slog.String("source_id", input.SourceID))
		return nil
	}
	if err != nil {
		return err
	}
	h.logger.Info("ledger document posted",
		slog.String("source_type", input.SourceType),
		slog.String("voucher", voucher.Number),
		slog.String("amount", voucher.DebitTotal.StringFixed(2)))
	return nil
}

// HandlePaymentReceived debits cash and credits the receivable.
func (h *Hooks) HandlePaymentReceived(ctx context.Context, evt PaymentReceivedEvent) error {
	if !h.ready() {
		return nil
	}
	if evt.ReceivedAt.IsZero() {
		return errors.New("integration: payment received date required")
	}
	amount := round2(evt.Amount)
	if !amount.IsPositive() {
		return nil
	}
	cashAccount, err := h.resolveAccount(ctx, evt.OrganizationID, "PAYMENT", "payment.cash")
	if err != nil {
		return err
	}
	receivableAccount, err := h.resolveAccount(ctx, evt.OrganizationID, "PAYMENT", "payment.receivable")
	if err != nil {
		return err
	}
	return h.post(ctx, AutoPostInput{
		SourceType:     "PAYMENT",
		SourceID:       SourceKey("PAYMENT", strconv.FormatInt(evt.ID, 10)),
		OrganizationID: evt.OrganizationID,
		FiscalYear:     evt.FiscalYear,
		Date:           evt.ReceivedAt,
		ReferenceNo:    evt.Number,
		Narration:      fmt.Sprintf("Payment %s", evt.Number),
		ActorID:        evt.ActorID,
		Entries: []AutoPostLine{
			{AccountID: cashAccount, EntryType: accounting.EntryTypeDebit, Amount: amount},
			{AccountID: receivableAccount, EntryType: accounting.EntryTypeCredit, Amount: amount, PartyType: "CUSTOMER", PartyID: evt.CustomerID},
		},
	})
}

// HandleInvoiceIssued debits the receivable and credits revenue and tax payable.
func (h *Hooks) HandleInvoiceIssued(ctx context.Context, evt InvoiceIssuedEvent) error {
	if !h.ready() {
		return nil
	}
	if evt.IssuedAt.IsZero() {
		return errors.New("integration: invoice issue date required")
	}
	subtotal := round2(evt.Subtotal)
	tax := round2(evt.Tax)
	if tax.IsNegative() {
		return &accounting.ValidationError{Field: "Tax", Reason: "tax must not be negative"}
	}
	total := subtotal.Add(tax)
	if !subtotal.IsPositive() {
		return nil
	}
	receivableAccount, err := h.resolveAccount(ctx, evt.OrganizationID, "INVOICE", "invoice.receivable")
	if err != nil {
		return err
	}
	revenueAccount, err := h.resolveAccount(ctx, evt.OrganizationID, "INVOICE", "invoice.revenue")
	if err != nil {
		return err
	}
	lines := []AutoPostLine{
		{AccountID: receivableAccount, EntryType: accounting.EntryTypeDebit, Amount: total, PartyType: "CUSTOMER", PartyID: evt.CustomerID},
		{AccountID: revenueAccount, EntryType: accounting.EntryTypeCredit, Amount: subtotal},
	}
	if tax.IsPositive() {
		taxAccount, err := h.resolveAccount(ctx, evt.OrganizationID, "INVOICE", "invoice.tax")
		if err != nil {
			return err
		}
		lines = append(lines, AutoPostLine{AccountID: taxAccount, EntryType: accounting.EntryTypeCredit, Amount: tax})
	}
	return h.post(ctx, AutoPostInput{
		SourceType:     "INVOICE",
		SourceID:       SourceKey("INVOICE", strconv.FormatInt(evt.ID, 10)),
		OrganizationID: evt.OrganizationID,
		FiscalYear:     evt.FiscalYear,
		Date:           evt.IssuedAt,
		ReferenceNo:    evt.Number,
		Narration:      fmt.Sprintf("Invoice %s", evt.Number),
		ActorID:        evt.ActorID,
		Entries:        lines,
	})
}

// HandleDisputeRefunded debits revenue and credits cash.
func (h *Hooks) HandleDisputeRefunded(ctx context.Context, evt DisputeRefundedEvent) error {
	if !h.ready() {
		return nil
	}
	if evt.RefundedAt.IsZero() {
		return errors.New("integration: dispute refund date required")
	}
	amount := round2(evt.Amount)
	if !amount.IsPositive() {
		return nil
	}
	revenueAccount, err := h.resolveAccount(ctx, evt.OrganizationID, "DISPUTE", "dispute.revenue")
	if err != nil {
		return err
	}
	cashAccount, err := h.resolveAccount(ctx, evt.OrganizationID, "DISPUTE", "dispute.cash")
	if err != nil {
		return err
	}
	return h.post(ctx, AutoPostInput{
		SourceType:     "DISPUTE",
		SourceID:       SourceKey("DISPUTE", strconv.FormatInt(evt.ID, 10)),
		OrganizationID: evt.OrganizationID,
		FiscalYear:     evt.FiscalYear,
		Date:           evt.RefundedAt,
		ReferenceNo:    evt.Number,
		Narration:      fmt.Sprintf("Dispute refund %s", evt.Number),
		ActorID:        evt.ActorID,
		Entries: []AutoPostLine{
			{AccountID: revenueAccount, EntryType: accounting.EntryTypeDebit, Amount: amount},
			{AccountID: cashAccount, EntryType: accounting.EntryTypeCredit, Amount: amount, PartyType: "CUSTOMER", PartyID: evt.CustomerID},
		},
	})
}
