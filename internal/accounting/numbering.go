package accounting

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// SequenceScope keys one durable counter row.
type SequenceScope struct {
	OrganizationID int64
	Kind           string
	Scope          string
}

const (
	sequenceKindVoucher = "VOUCHER"
	sequenceKindEntry   = "ENTRY"
	sequenceKindAccount = "ACCOUNT"

	entryKindCode = "LE"
)

var voucherKindCodes = map[VoucherType]string{
	VoucherTypeJournal:    "JV",
	VoucherTypePayment:    "PV",
	VoucherTypeReceipt:    "RV",
	VoucherTypeContra:     "CV",
	VoucherTypeSales:      "SV",
	VoucherTypePurchase:   "PU",
	VoucherTypeCreditNote: "CN",
	VoucherTypeDebitNote:  "DN",
}

var accountTypeDigits = map[AccountType]int{
	AccountTypeAsset:     1,
	AccountTypeLiability: 2,
	AccountTypeEquity:    3,
	AccountTypeRevenue:   4,
	AccountTypeExpense:   5,
}

// FiscalYearSuffix reduces a fiscal year code to two digits: "FY2025-26" -> "25".
func FiscalYearSuffix(code string) string {
	var digits strings.Builder
	for _, r := range code {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case len(d) >= 4:
		return d[2:4]
	case len(d) >= 2:
		return d[len(d)-2:]
	case len(d) == 1:
		return "0" + d
	default:
		return "00"
	}
}

// DocumentPrefix builds the deterministic prefix shared by a numbering scope.
func DocumentPrefix(kindCode, fiscalYear string, organizationID int64) string {
	return fmt.Sprintf("%s-%s-%04d", kindCode, FiscalYearSuffix(fiscalYear), organizationID)
}

// FormatDocumentNumber appends the zero-padded ordinal to a prefix.
func FormatDocumentNumber(prefix string, seq int64) string {
	return fmt.Sprintf("%s-%06d", prefix, seq)
}

// FormatAccountCode encodes the account type in the leading digit.
func FormatAccountCode(t AccountType, seq int64) string {
	return fmt.Sprintf("%d%04d", accountTypeDigits[t], seq)
}

func (s *Service) nextVoucherNumber(ctx context.Context, tx TxRepository, orgID int64, fiscalYear string, t VoucherType) (string, error) {
	prefix := DocumentPrefix(voucherKindCodes[t], fiscalYear, orgID)
	seq, err := tx.NextSequence(ctx, SequenceScope{OrganizationID: orgID, Kind: sequenceKindVoucher, Scope: prefix})
	if err != nil {
		return "", err
	}
	return FormatDocumentNumber(prefix, seq), nil
}

func (s *Service) nextEntryNumber(ctx context.Context, tx TxRepository, orgID int64, fiscalYear string) (string, error) {
	prefix := DocumentPrefix(entryKindCode, fiscalYear, orgID)
	seq, err := tx.NextSequence(ctx, SequenceScope{OrganizationID: orgID, Kind: sequenceKindEntry, Scope: prefix})
	if err != nil {
		return "", err
	}
	return FormatDocumentNumber(prefix, seq), nil
}

func (s *Service) nextAccountCode(ctx context.Context, tx TxRepository, orgID int64, t AccountType) (string, error) {
	seq, err := tx.NextSequence(ctx, SequenceScope{OrganizationID: orgID, Kind: sequenceKindAccount, Scope: string(t)})
	if err != nil {
		return "", err
	}
	return FormatAccountCode(t, seq), nil
}
