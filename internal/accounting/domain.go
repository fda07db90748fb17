package accounting

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// Valid reports whether the type is one of the five CoA categories.
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue, AccountTypeExpense:
		return true
	}
	return false
}

// DebitNormal reports whether balances of this type grow with debits.
func (t AccountType) DebitNormal() bool {
	return t == AccountTypeAsset || t == AccountTypeExpense
}

// VoucherType enumerates voucher documents.
type VoucherType string

const (
	VoucherTypeJournal    VoucherType = "JOURNAL"
	VoucherTypePayment    VoucherType = "PAYMENT"
	VoucherTypeReceipt    VoucherType = "RECEIPT"
	VoucherTypeContra     VoucherType = "CONTRA"
	VoucherTypeSales      VoucherType = "SALES"
	VoucherTypePurchase   VoucherType = "PURCHASE"
	VoucherTypeCreditNote VoucherType = "CREDIT_NOTE"
	VoucherTypeDebitNote  VoucherType = "DEBIT_NOTE"
)

// Valid reports whether the voucher type is known.
func (t VoucherType) Valid() bool {
	_, ok := voucherKindCodes[t]
	return ok
}

// VoucherStatus enumerates voucher lifecycle values.
type VoucherStatus string

const (
	VoucherStatusDraft  VoucherStatus = "DRAFT"
	VoucherStatusPosted VoucherStatus = "POSTED"
)

// EntryType is the side of a ledger line.
type EntryType string

const (
	EntryTypeDebit  EntryType = "DEBIT"
	EntryTypeCredit EntryType = "CREDIT"
)

// Valid reports whether the entry type is DEBIT or CREDIT.
func (t EntryType) Valid() bool {
	return t == EntryTypeDebit || t == EntryTypeCredit
}

// EntryStatus enumerates ledger entry lifecycle values.
type EntryStatus string

const (
	EntryStatusDraft    EntryStatus = "DRAFT"
	EntryStatusPosted   EntryStatus = "POSTED"
	EntryStatusReversed EntryStatus = "REVERSED"
)

// Account models a chart of accounts node. ParentID is a lookup key, never an owning pointer.
type Account struct {
	ID             int64
	OrganizationID int64
	Code           string
	Name           string
	Type           AccountType
	Subtype        string
	ParentID       *int64
	Level          int
	IsActive       bool
	IsSystem       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Voucher groups entries that must balance before posting.
type Voucher struct {
	ID             int64
	Number         string
	OrganizationID int64
	FiscalYear     string
	Type           VoucherType
	Date           time.Time
	ReferenceNo    string
	ReferenceDate  *time.Time
	Narration      string
	Status         VoucherStatus
	DebitTotal     decimal.Decimal
	CreditTotal    decimal.Decimal
	CreatedBy      int64
	PostedBy       *int64
	PostedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Entries        []LedgerEntry
}

// LedgerEntry is one debit or credit line against a single account.
type LedgerEntry struct {
	ID              int64
	Number          string
	OrganizationID  int64
	FiscalYear      string
	TransactionDate time.Time
	TransactionType string
	SourceType      string
	SourceID        string
	VoucherID       int64
	AccountID       int64
	EntryType       EntryType
	Amount          decimal.Decimal
	PartyType       string
	PartyID         string
	Narration       string
	Status          EntryStatus
	ReversedBy      *int64
	ReversedAt      *time.Time
	ReversalReason  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Signed returns the amount as debit-positive, credit-negative.
func (e LedgerEntry) Signed() decimal.Decimal {
	if e.EntryType == EntryTypeCredit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// AccountMapping links integration keys to ledger accounts.
type AccountMapping struct {
	OrganizationID int64
	Module         string
	Key            string
	AccountID      int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	// ActorID is audited, not stored.
	ActorID int64
}

// CreateAccountInput describes a new chart of accounts node.
type CreateAccountInput struct {
	OrganizationID int64       `validate:"required,gt=0"`
	Name           string      `validate:"required,max=200"`
	Type           AccountType `validate:"required,oneof=ASSET LIABILITY EQUITY REVENUE EXPENSE"`
	Subtype        string      `validate:"max=100"`
	ParentID       *int64      `validate:"omitempty,gt=0"`
	System         bool
	ActorID        int64
}

// CreateVoucherInput describes a new DRAFT voucher.
type CreateVoucherInput struct {
	OrganizationID int64       `validate:"required,gt=0"`
	FiscalYear     string      `validate:"required,max=20"`
	Type           VoucherType `validate:"required,oneof=JOURNAL PAYMENT RECEIPT CONTRA SALES PURCHASE CREDIT_NOTE DEBIT_NOTE"`
	Date           time.Time   `validate:"required"`
	Narration      string      `validate:"max=500"`
	ReferenceNo    string      `validate:"max=100"`
	ReferenceDate  *time.Time
	ActorID        int64
}

// AddEntryInput describes a ledger line added to a DRAFT voucher.
type AddEntryInput struct {
	VoucherID       int64           `validate:"required,gt=0"`
	AccountID       int64           `validate:"required,gt=0"`
	EntryType       EntryType       `validate:"required,oneof=DEBIT CREDIT"`
	Amount          decimal.Decimal `validate:"-"`
	Narration       string          `validate:"max=500"`
	TransactionType string          `validate:"max=50"`
	SourceType      string          `validate:"max=50"`
	SourceID        string          `validate:"max=100"`
	PartyType       string          `validate:"max=50"`
	PartyID         string          `validate:"max=100"`
	ActorID         int64
}

// EntryFilter selects POSTED entries of an account.
type EntryFilter struct {
	AccountID int64
	From      *time.Time
	To        *time.Time
	Skip      int
	Limit     int
}

// VoucherFilter selects vouchers of an organization.
type VoucherFilter struct {
	OrganizationID int64
	FiscalYear     string
	Status         VoucherStatus
	Skip           int
	Limit          int
}

// BalanceDetail breaks an account balance into its components.
type BalanceDetail struct {
	AccountID   int64           `json:"account_id"`
	AccountType AccountType     `json:"account_type"`
	AsOf        *time.Time      `json:"as_of,omitempty"`
	DebitTotal  decimal.Decimal `json:"debit_total"`
	CreditTotal decimal.Decimal `json:"credit_total"`
	// Net is debit minus credit.
	Net decimal.Decimal `json:"net"`
	// Natural is Net signed by the account's normal side.
	Natural decimal.Decimal `json:"natural"`
}

// DateOnly drops the time of day, keeping the calendar date as written.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func normalizePage(skip, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return skip, limit
}
