package accounting

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DocumentLine is one entry of a document posted in a single call.
type DocumentLine struct {
	AccountID int64           `validate:"required,gt=0"`
	EntryType EntryType       `validate:"required,oneof=DEBIT CREDIT"`
	Amount    decimal.Decimal `validate:"-"`
	Narration string          `validate:"max=500"`
	PartyType string          `validate:"max=50"`
	PartyID   string          `validate:"max=100"`
}

// DocumentInput describes a complete voucher created, filled and posted at once.
type DocumentInput struct {
	OrganizationID int64          `validate:"required,gt=0"`
	FiscalYear     string         `validate:"required,max=20"`
	Type           VoucherType    `validate:"required,oneof=JOURNAL PAYMENT RECEIPT CONTRA SALES PURCHASE CREDIT_NOTE DEBIT_NOTE"`
	Date           time.Time      `validate:"required"`
	SourceType     string         `validate:"required,max=50"`
	SourceID       string         `validate:"required,max=100"`
	ReferenceNo    string         `validate:"max=100"`
	Narration      string         `validate:"max=500"`
	Lines          []DocumentLine `validate:"required,min=1,dive"`
	ActorID        int64
}

// SourceLink ties a business document to the voucher that recorded it. A
// document has at most one link per organization.
type SourceLink struct {
	OrganizationID int64
	SourceType     string
	SourceID       string
	VoucherID      int64
	CreatedAt      time.Time
}

// PostDocument creates a voucher, adds every line and posts it inside one
// transaction. When any step fails nothing is persisted, numbers included.
// A document that was posted before fails with ErrSourceAlreadyPosted.
func (s *Service) PostDocument(ctx context.Context, input DocumentInput) (Voucher, error) {
	if err := validateInput(input); err != nil {
		return Voucher{}, err
	}
	for i, line := range input.Lines {
		if err := checkAmount(fmt.Sprintf("Lines[%d].Amount", i), line.Amount); err != nil {
			return Voucher{}, err
		}
	}
	var voucher Voucher
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		draft, err := s.createVoucherTx(ctx, tx, CreateVoucherInput{
			OrganizationID: input.OrganizationID,
			FiscalYear:     input.FiscalYear,
			Type:           input.Type,
			Date:           input.Date,
			Narration:      input.Narration,
			ReferenceNo:    input.ReferenceNo,
			ActorID:        input.ActorID,
		})
		if err != nil {
			return err
		}
		for _, line := range input.Lines {
			narration := line.Narration
			if narration == "" {
				narration = input.Narration
			}
			if _, err := s.addEntryTx(ctx, tx, &draft, AddEntryInput{
				VoucherID:       draft.ID,
				AccountID:       line.AccountID,
				EntryType:       line.EntryType,
				Amount:          line.Amount,
				Narration:       narration,
				TransactionType: input.SourceType,
				SourceType:      input.SourceType,
				SourceID:        input.SourceID,
				PartyType:       line.PartyType,
				PartyID:         line.PartyID,
				ActorID:         input.ActorID,
			}); err != nil {
				return err
			}
		}
		voucher, err = s.postVoucherTx(ctx, tx, draft.ID, input.ActorID)
		if err != nil {
			return err
		}
		// Linked last so an unbalanced document reports its imbalance first.
		return tx.LinkSource(ctx, SourceLink{
			OrganizationID: voucher.OrganizationID,
			SourceType:     input.SourceType,
			SourceID:       input.SourceID,
			VoucherID:      voucher.ID,
			CreatedAt:      voucher.UpdatedAt,
		})
	})
	if err != nil {
		s.rejected(err)
		return Voucher{}, err
	}
	s.posted(ctx, voucher, input.ActorID, "AUTO_POST")
	return voucher, nil
}

// PostedBySource reports whether a POSTED voucher already carries entries for the source.
func (s *Service) PostedBySource(ctx context.Context, organizationID int64, sourceType, sourceID string) (bool, error) {
	var found bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		found, err = tx.SourcePosted(ctx, organizationID, sourceType, sourceID)
		return err
	})
	return found, err
}
