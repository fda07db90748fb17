package integration

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
)

var sourceVoucherTypes = map[string]accounting.VoucherType{
	"INVOICE":          accounting.VoucherTypeSales,
	"SALES_INVOICE":    accounting.VoucherTypeSales,
	"PAYMENT":          accounting.VoucherTypeReceipt,
	"PAYMENT_RECEIVED": accounting.VoucherTypeReceipt,
	"PAYMENT_MADE":     accounting.VoucherTypePayment,
	"BILL_PAYMENT":     accounting.VoucherTypePayment,
	"BILL":             accounting.VoucherTypePurchase,
	"PURCHASE_INVOICE": accounting.VoucherTypePurchase,
	"CREDIT_NOTE":      accounting.VoucherTypeCreditNote,
	"REFUND":           accounting.VoucherTypeCreditNote,
	"DISPUTE":          accounting.VoucherTypeCreditNote,
	"DEBIT_NOTE":       accounting.VoucherTypeDebitNote,
	"TRANSFER":         accounting.VoucherTypeContra,
}

// VoucherTypeForSource maps a business document type to the voucher type it
// posts as. Unknown sources post as journals.
func VoucherTypeForSource(sourceType string) accounting.VoucherType {
	if t, ok := sourceVoucherTypes[strings.ToUpper(strings.TrimSpace(sourceType))]; ok {
		return t
	}
	return accounting.VoucherTypeJournal
}

// SourceKey derives the deterministic key of a business document, used as
// source id for event hooks and as idempotency key for queued auto-posts.
func SourceKey(sourceType, sourceID string) string {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("%s:%s", strings.ToUpper(sourceType), sourceID))).String()
}

func round2(value decimal.Decimal) decimal.Decimal {
	return value.Round(2)
}
