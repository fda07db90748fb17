package integration

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
)

// Ledger exposes the accounting operations required by integrations.
type Ledger interface {
	PostDocument(ctx context.Context, input accounting.DocumentInput) (accounting.Voucher, error)
	PostedBySource(ctx context.Context, organizationID int64, sourceType, sourceID string) (bool, error)
	ResolveAccountMapping(ctx context.Context, organizationID int64, module, key string) (int64, error)
}

// AutoPostLine is one requested ledger line.
type AutoPostLine struct {
	AccountID int64                `json:"account_id" validate:"required,gt=0"`
	EntryType accounting.EntryType `json:"entry_type" validate:"required,oneof=DEBIT CREDIT"`
	Amount    decimal.Decimal      `json:"amount" validate:"-"`
	Narration string               `json:"narration,omitempty" validate:"max=500"`
	PartyType string               `json:"party_type,omitempty"`
	PartyID   string               `json:"party_id,omitempty"`
}

// AutoPostInput describes a business document to record in one call.
// A zero Date posts on the current day.
type AutoPostInput struct {
	SourceType     string         `json:"source_type" validate:"required,max=50"`
	SourceID       string         `json:"source_id" validate:"required,max=100"`
	OrganizationID int64          `json:"organization_id" validate:"required,gt=0"`
	FiscalYear     string         `json:"fiscal_year" validate:"required,max=20"`
	Date           time.Time      `json:"date"`
	ReferenceNo    string         `json:"reference_no,omitempty"`
	Narration      string         `json:"narration,omitempty" validate:"max=500"`
	Entries        []AutoPostLine `json:"entries" validate:"required,min=1,dive"`
	ActorID        int64          `json:"actor_id"`
}

// AutoPoster creates and posts complete vouchers for business documents.
type AutoPoster struct {
	ledger   Ledger
	now      func() time.Time
	validate *validator.Validate
}

// NewAutoPoster constructs the façade.
func NewAutoPoster(ledger Ledger) *AutoPoster {
	return &AutoPoster{
		ledger:   ledger,
		now:      time.Now,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// WithNow overrides the clock used for undated documents.
func (p *AutoPoster) WithNow(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// PostedBySource reports whether the document already has a posted voucher.
func (p *AutoPoster) PostedBySource(ctx context.Context, organizationID int64, sourceType, sourceID string) (bool, error) {
	if p == nil || p.ledger == nil {
		return false, errors.New("integration: auto poster not initialised")
	}
	return p.ledger.PostedBySource(ctx, organizationID, strings.ToUpper(strings.TrimSpace(sourceType)), sourceID)
}

// AutoPost maps the source type to a voucher type, then creates, fills and
// posts the voucher atomically. On failure no voucher is persisted.
func (p *AutoPoster) AutoPost(ctx context.Context, input AutoPostInput) (accounting.Voucher, error) {
	if p == nil || p.ledger == nil {
		return accounting.Voucher{}, errors.New("integration: auto poster not initialised")
	}
	if err := p.validate.Struct(input); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return accounting.Voucher{}, &accounting.ValidationError{Field: fieldErrs[0].Field(), Reason: "failed " + fieldErrs[0].Tag() + " check"}
		}
		return accounting.Voucher{}, &accounting.ValidationError{Reason: err.Error()}
	}
	date := input.Date
	if date.IsZero() {
		date = p.now()
	}
	sourceType := strings.ToUpper(strings.TrimSpace(input.SourceType))
	lines := make([]accounting.DocumentLine, 0, len(input.Entries))
	for _, e := range input.Entries {
		lines = append(lines, accounting.DocumentLine{
			AccountID: e.AccountID,
			EntryType: e.EntryType,
			Amount:    e.Amount,
			Narration: e.Narration,
			PartyType: e.PartyType,
			PartyID:   e.PartyID,
		})
	}
	return p.ledger.PostDocument(ctx, accounting.DocumentInput{
		OrganizationID: input.OrganizationID,
		FiscalYear:     input.FiscalYear,
		Type:           VoucherTypeForSource(sourceType),
		Date:           date,
		SourceType:     sourceType,
		SourceID:       input.SourceID,
		ReferenceNo:    input.ReferenceNo,
		Narration:      input.Narration,
		Lines:          lines,
		ActorID:        input.ActorID,
	})
}
