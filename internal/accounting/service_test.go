package accounting_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/sqlite"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const (
	testOrg    int64 = 7
	testFY           = "FY2025-26"
	testActor  int64 = 42
	otherActor int64 = 43
)

var testNow = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type countingMetrics struct {
	mu       sync.Mutex
	posted   map[string]int
	rejected map[string]int
	reversed int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{posted: map[string]int{}, rejected: map[string]int{}}
}

func (m *countingMetrics) VoucherPosted(voucherType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posted[voucherType]++
}

func (m *countingMetrics) PostingRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[reason]++
}

func (m *countingMetrics) EntryReversed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reversed++
}

type ledgerFixture struct {
	svc     *accounting.Service
	store   *sqlite.Store
	audit   *recordingAudit
	metrics *countingMetrics
}

func newLedger(t *testing.T) ledgerFixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	audit := &recordingAudit{}
	metrics := newCountingMetrics()
	svc := accounting.NewService(store, audit)
	svc.WithMetrics(metrics)
	svc.WithNow(func() time.Time { return testNow })
	return ledgerFixture{svc: svc, store: store, audit: audit, metrics: metrics}
}

func (f ledgerFixture) account(t *testing.T, name string, typ accounting.AccountType, parent *int64) accounting.Account {
	t.Helper()
	acc, err := f.svc.CreateAccount(context.Background(), accounting.CreateAccountInput{
		OrganizationID: testOrg,
		Name:           name,
		Type:           typ,
		ParentID:       parent,
		ActorID:        testActor,
	})
	require.NoError(t, err)
	return acc
}

func (f ledgerFixture) voucher(t *testing.T, typ accounting.VoucherType, date time.Time) accounting.Voucher {
	t.Helper()
	v, err := f.svc.CreateVoucher(context.Background(), accounting.CreateVoucherInput{
		OrganizationID: testOrg,
		FiscalYear:     testFY,
		Type:           typ,
		Date:           date,
		Narration:      "test voucher",
		ActorID:        testActor,
	})
	require.NoError(t, err)
	return v
}

func (f ledgerFixture) entry(t *testing.T, voucherID, accountID int64, side accounting.EntryType, amount string) accounting.LedgerEntry {
	t.Helper()
	e, err := f.svc.AddEntry(context.Background(), accounting.AddEntryInput{
		VoucherID: voucherID,
		AccountID: accountID,
		EntryType: side,
		Amount:    decimal.RequireFromString(amount),
		ActorID:   testActor,
	})
	require.NoError(t, err)
	return e
}

// postedSale posts a balanced sale of amount between cash and revenue.
func (f ledgerFixture) postedSale(t *testing.T, cash, revenue int64, amount string, date time.Time) accounting.Voucher {
	t.Helper()
	v := f.voucher(t, accounting.VoucherTypeSales, date)
	f.entry(t, v.ID, cash, accounting.EntryTypeDebit, amount)
	f.entry(t, v.ID, revenue, accounting.EntryTypeCredit, amount)
	posted, err := f.svc.PostVoucher(context.Background(), v.ID, testActor)
	require.NoError(t, err)
	return posted
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, decimal.RequireFromString(want).Equal(got), "expected %s got %s", want, got.String())
}

func day(d int) time.Time {
	return time.Date(2025, 5, d, 0, 0, 0, 0, time.UTC)
}

func TestPostVoucherBalancedSale(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	cash := f.account(t, "Cash", accounting.AccountTypeAsset, nil)
	revenue := f.account(t, "Sales Revenue", accounting.AccountTypeRevenue, nil)
	require.Equal(t, "10001", cash.Code)
	require.Equal(t, "40001", revenue.Code)

	before, err := f.svc.Balance(ctx, cash.ID, nil)
	require.NoError(t, err)
	requireAmount(t, "0", before)

	v := f.voucher(t, accounting.VoucherTypeSales, day(10))
	require.Equal(t, "SV-25-0007-000001", v.Number)
	require.Equal(t, accounting.VoucherStatusDraft, v.Status)
	requireAmount(t, "0", v.DebitTotal)

	debit := f.entry(t, v.ID, cash.ID, accounting.EntryTypeDebit, "1000")
	credit := f.entry(t, v.ID, revenue.ID, accounting.EntryTypeCredit, "1000")
	require.Equal(t, "LE-25-0007-000001", debit.Number)
	require.Equal(t, "LE-25-0007-000002", credit.Number)
	require.Equal(t, accounting.EntryStatusDraft, debit.Status)

	draft, err := f.svc.GetVoucher(ctx, v.ID)
	require.NoError(t, err)
	requireAmount(t, "1000", draft.DebitTotal)
	requireAmount(t, "1000", draft.CreditTotal)

	posted, err := f.svc.PostVoucher(ctx, v.ID, otherActor)
	require.NoError(t, err)
	require.Equal(t, accounting.VoucherStatusPosted, posted.Status)
	require.NotNil(t, posted.PostedBy)
	require.Equal(t, otherActor, *posted.PostedBy)
	require.Len(t, posted.Entries, 2)

	stored, err := f.svc.GetVoucher(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, accounting.VoucherStatusPosted, stored.Status)
	require.NotNil(t, stored.PostedAt)
	require.True(t, stored.PostedAt.Equal(testNow))
	for _, e := range stored.Entries {
		require.Equal(t, accounting.EntryStatusPosted, e.Status)
	}

	after, err := f.svc.Balance(ctx, cash.ID, nil)
	require.NoError(t, err)
	requireAmount(t, "1000", after)

	detail, err := f.svc.BalanceDetail(ctx, revenue.ID, nil)
	require.NoError(t, err)
	requireAmount(t, "-1000", detail.Net)
	requireAmount(t, "1000", detail.Natural)
	requireAmount(t, "1000", detail.CreditTotal)

	assert.Equal(t, 1, f.metrics.posted["SALES"])
	assert.Subset(t, f.audit.actions(), []string{"CREATE_ACCOUNT", "CREATE_VOUCHER", "ADD_ENTRY", "POST_VOUCHER"})
	for _, l := range f.audit.logs {
		assert.Equal(t, accounting.AuditModule, l.Module)
	}
}

func TestPostVoucherRejectsImbalance(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	cash := f.account(t, "Cash", accounting.AccountTypeAsset, nil)
	revenue := f.account(t, "Sales Revenue", accounting.AccountTypeRevenue, nil)
	v := f.voucher(t, accounting.VoucherTypeSales, day(10))
	f.entry(t, v.ID, cash.ID, accounting.EntryTypeDebit, "1000")
	f.entry(t, v.ID, revenue.ID, accounting.EntryTypeCredit, "900")

	_, err := f.svc.PostVoucher(ctx, v.ID, testActor)
	require.ErrorIs(t, err, accounting.ErrBalance)
	var balanceErr *accounting.BalanceError
	require.True(t, errors.As(err, &balanceErr))
	require.Equal(t, v.Number, balanceErr.VoucherNumber)
	requireAmount(t, "100", balanceErr.Difference)
	require.True(t, accounting.IsClientError(err))

	stored, err := f.svc.GetVoucher(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, accounting.VoucherStatusDraft, stored.Status)
	require.Len(t, stored.Entries, 2)
	for _, e := range stored.Entries {
		require.Equal(t, accounting.EntryStatusDraft, e.Status)
	}
	balance, err := f.svc.Balance(ctx, cash.ID, nil)
	require.NoError(t, err)
	requireAmount(t, "0", balance)
	assert.Equal(t, 1, f.metrics.rejected["unbalanced"])
	assert.NotContains(t, f.audit.actions(), "POST_VOUCHER")
}

func TestPostVoucherWithinTolerance(t *testing.T) {
	f := newLedger(t)
	cash := f.account(t, "Cash", accounting.AccountTypeAsset, nil)
	revenue := f.account(t, "Sales Revenue", accounting.AccountTypeRevenue, nil)
	v := f.voucher(t, accounting.VoucherTypeJournal, day(3))
	f.entry(t, v.ID, cash.ID, accounting.EntryTypeDebit, "100.005")
	f.entry(t, v.ID, revenue.ID, accounting.EntryTypeCredit, "100")

	posted, err := f.svc.PostVoucher(context.Background(), v.ID, testActor)
	require.NoError(t, err)
	requireAmount(t, "100.005", posted.DebitTotal)
	requireAmount(t, "100", posted.CreditTotal)
}

func TestPostVoucherCustomTolerance(t *testing.T) {
	f := newLedger(t)
	f.svc.WithTolerance(decimal.Zero)
	cash := f.account(t, "Cash", accounting.AccountTypeAsset, nil)
	revenue := f.account(t, "Sales Revenue", accounting.AccountTypeRevenue, nil)
	v := f.voucher(t, accounting.VoucherTypeJournal, day(3))
	f.entry(t, v.ID, cash.ID, accounting.EntryTypeDebit, "100.01")
	f.entry(t, v.ID, revenue.ID, accounting.EntryTypeCredit, "100")

	_, err := f.svc.PostVoucher(context.Background(), v.ID, testActor)
	require.ErrorIs(t, err, accounting.ErrBalance)
}

func TestVoucherStateGuards(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	cash := f.account(t, "Cash", accounting.AccountTypeAsset, nil)
	revenue := f.account(t, "Sales Revenue", accounting.AccountTypeRevenue, nil)

	empty := f.voucher(t, accounting.VoucherTypeJournal, day(1))
	_, err := f.svc.PostVoucher(ctx, empty.ID, testActor)
	require.ErrorIs(t, err, accounting.ErrEmptyVoucher)

	posted := f.postedSale(t, cash.ID, revenue.ID, "50", day(2))

	_, err = f.svc.PostVoucher(ctx, posted.ID, testActor)
	require.ErrorIs(t, err, accounting.ErrState)

	_, err = f.svc.AddEntry(ctx, accounting.AddEntryInput{
		VoucherID: posted.ID,
		AccountID: cash.ID,
		EntryType: accounting.EntryTypeDebit,
		Amount:    decimal.NewFromInt(5),
	})
	require.ErrorIs(t, err, accounting.ErrState)

	_, err = f.svc.PostVoucher(ctx, 9999, testActor)
	require.ErrorIs(t, err, accounting.ErrNotFound)

	draft := f.voucher(t, accounting.VoucherTypeJournal, day(3))
	f.entry(t, draft.ID, cash.ID, accounting.EntryTypeDebit, "5")
	f.entry(t, draft.ID, revenue.ID, accounting.EntryTypeCredit, "5")
	_, err = f.svc.PostVoucher(ctx, draft.ID, 0)
	require.ErrorIs(t, err, accounting.ErrValidation)
	stored, err := f.svc.GetVoucher(ctx, draft.ID)
	require.NoError(t, err)
	require.Equal(t, accounting.VoucherStatusDraft, stored.Status)
	assert.Equal(t, 1, f.metrics.rejected["state"])
	assert.Equal(t, 1, f.metrics.rejected["empty"])
}

func TestAddEntryValidation(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	cash := f.account(t, "Cash", accounting.AccountTypeAsset, nil)
	petty := f.account(t, "Petty Cash", accounting.AccountTypeAsset, nil)
	_, err := f.svc.DeactivateAccount(ctx, petty.ID, testActor)
	require.NoError(t, err)
	foreign, err := f.svc.CreateAccount(ctx, accounting.CreateAccountInput{OrganizationID: 99, Name: "Cash", Type: accounting.AccountTypeAsset})
	require.NoError(t, err)
	v := f.voucher(t, accounting.VoucherTypeJournal, day(1))

	cases := []struct {
		name  string
		input accounting.AddEntryInput
		field string
		err   error
	}{
		{name: "zero amount", input: accounting.AddEntryInput{VoucherID: v.ID, AccountID: cash.ID, EntryType: accounting.EntryTypeDebit, Amount: decimal.Zero}, field: "Amount", err: accounting.ErrValidation},
		{name: "negative amount", input: accounting.AddEntryInput{VoucherID: v.ID, AccountID: cash.ID, EntryType: accounting.EntryTypeDebit, Amount: decimal.NewFromInt(-3)}, field: "Amount", err: accounting.ErrValidation},
		{name: "bad side", input: accounting.AddEntryInput{VoucherID: v.ID, AccountID: cash.ID, EntryType: "SIDEWAYS", Amount: decimal.NewFromInt(3)}, field: "EntryType", err: accounting.ErrValidation},
		{name: "missing account", input: accounting.AddEntryInput{VoucherID: v.ID, AccountID: 9999, EntryType: accounting.EntryTypeDebit, Amount: decimal.NewFromInt(3)}, field: "AccountID", err: accounting.ErrValidation},
		{name: "inactive account", input: accounting.AddEntryInput{VoucherID: v.ID, AccountID: petty.ID, EntryType: accounting.EntryTypeDebit, Amount: decimal.NewFromInt(3)}, field: "AccountID", err: accounting.ErrValidation},
		{name: "other organization", input: accounting.AddEntryInput{VoucherID: v.ID, AccountID: foreign.ID, EntryType: accounting.EntryTypeDebit, Amount: decimal.NewFromInt(3)}, field: "AccountID", err: accounting.ErrValidation},
		{name: "more than four decimals", input: accounting.AddEntryInput{VoucherID: v.ID, AccountID: cash.ID, EntryType: accounting.EntryTypeDebit, Amount: decimal.RequireFromString("1.00005")}, field: "Amount", err: accounting.ErrValidation},
		{name: "below smallest unit", input: accounting.AddEntryInput{VoucherID: v.ID, AccountID: cash.ID, EntryType: accounting.EntryTypeDebit, Amount: decimal.RequireFromString("0.00001")}, field: "Amount", err: accounting.ErrValidation},
		{name: "too large", input: accounting.AddEntryInput{VoucherID: v.ID, AccountID: cash.ID, EntryType: accounting.EntryTypeDebit, Amount: decimal.New(1, 16)}, field: "Amount", err: accounting.ErrValidation},
		{name: "missing voucher", input: accounting.AddEntryInput{VoucherID: 9999, AccountID: cash.ID, EntryType: accounting.EntryTypeDebit, Amount: decimal.NewFromInt(3)}, err: accounting.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.AddEntry(ctx, tc.input)
			require.ErrorIs(t, err, tc.err)
			if tc.field != "" {
				var verr *accounting.ValidationError
				require.True(t, errors.As(err, &verr))
				require.Equal(t, tc.field, verr.Field)
			}
		})
	}

	stored, err := f.svc.GetVoucher(ctx, v.ID)
	require.NoError(t, err)
	require.Empty(t, stored.Entries)
	requireAmount(t, "0", stored.DebitTotal)
}

func TestCreateVoucherValidation(t *testing.T) {
	f := newLedger(t)
	_, err := f.svc.CreateVoucher(context.Background(), accounting.CreateVoucherInput{
		OrganizationID: testOrg,
		FiscalYear:     testFY,
		Type:           "LOAN",
		Date:           day(1),
	})
	var verr *accounting.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "Type", verr.Field)

	_, err = f.svc.CreateVoucher(context.Background(), accounting.CreateVoucherInput{
		OrganizationID: testOrg,
		FiscalYear:     testFY,
		Type:           accounting.VoucherTypeJournal,
	})
	require.ErrorIs(t, err, accounting.ErrValidation)
}

func TestReverseEntry(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	cash := f.account(t, "Cash", accounting.AccountTypeAsset, nil)
	revenue := f.account(t, "Sales Revenue", accounting.AccountTypeRevenue, nil)
	posted := f.postedSale(t, cash.ID, revenue.ID, "250", day(4))
	debit := posted.Entries[0]
	require.Equal(t, accounting.EntryTypeDebit, debit.EntryType)

	reversed, err := f.svc.ReverseEntry(ctx, debit.ID, "duplicate receipt", otherActor)
	require.NoError(t, err)
	require.Equal(t, accounting.EntryStatusReversed, reversed.Status)
	require.Equal(t, "duplicate receipt", reversed.ReversalReason)
	require.NotNil(t, reversed.ReversedBy)
	require.Equal(t, otherActor, *reversed.ReversedBy)
	require.NotNil(t, reversed.ReversedAt)

	_, err = f.svc.ReverseEntry(ctx, debit.ID, "again", otherActor)
	require.ErrorIs(t, err, accounting.ErrState)

	stored, err := f.svc.GetVoucher(ctx, posted.ID)
	require.NoError(t, err)
	require.Equal(t, accounting.VoucherStatusPosted, stored.Status)
	require.Equal(t, accounting.EntryStatusReversed, stored.Entries[0].Status)
	require.Equal(t, accounting.EntryStatusPosted, stored.Entries[1].Status)

	cashBalance, err := f.svc.Balance(ctx, cash.ID, nil)
	require.NoError(t, err)
	requireAmount(t, "0", cashBalance)
	revenueBalance, err := f.svc.Balance(ctx, revenue.ID, nil)
	require.NoError(t, err)
	requireAmount(t, "-250", revenueBalance)

	assert.Equal(t, 1, f.metrics.reversed)
	var found bool
	for _, l := range f.audit.logs {
		if l.Action == "REVERSE_ENTRY" {
			found = true
			assert.Equal(t, "duplicate receipt", l.Reason)
			assert.Equal(t, otherActor, l.ActorID)
		}
	}
	assert.True(t, found)
}

func TestReverseEntryGuards(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	cash := f.account(t, "Cash", accounting.AccountTypeAsset, nil)
	v := f.voucher(t, accounting.VoucherTypeJournal, day(1))
	draft := f.entry(t, v.ID, cash.ID, accounting.EntryTypeDebit, "10")

	_, err := f.svc.ReverseEntry(ctx, draft.ID, "not posted", testActor)
	require.ErrorIs(t, err, accounting.ErrState)

	_, err = f.svc.ReverseEntry(ctx, draft.ID, "   ", testActor)
	require.ErrorIs(t, err, accounting.ErrValidation)

	_, err = f.svc.ReverseEntry(ctx, 9999, "missing", testActor)
	require.ErrorIs(t, err, accounting.ErrNotFound)

	revenue := f.account(t, "Sales Revenue", accounting.AccountTypeRevenue, nil)
	sale := f.postedSale(t, cash.ID, revenue.ID, "20", day(2))
	_, err = f.svc.ReverseEntry(ctx, sale.Entries[0].ID, "typo", 0)
	var verr *accounting.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "ActorID", verr.Field)

	entries, err := f.svc.EntriesFor(ctx, accounting.EntryFilter{AccountID: cash.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, accounting.EntryStatusPosted, entries[0].Status)
	require.Nil(t, entries[0].ReversedBy)
}

func TestPostDocumentSingleCall(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	bank := f.account(t, "Bank", accounting.AccountTypeAsset, nil)
	receivable := f.account(t, "Accounts Receivable", accounting.AccountTypeAsset, nil)

	input := accounting.DocumentInput{
		OrganizationID: testOrg,
		FiscalYear:     testFY,
		Type:           accounting.VoucherTypeReceipt,
		Date:           day(12),
		SourceType:     "PAYMENT",
		SourceID:       "pay-001",
		Narration:      "customer payment",
		ActorID:        testActor,
		Lines: []accounting.DocumentLine{
			{AccountID: bank.ID, EntryType: accounting.EntryTypeDebit, Amount: decimal.NewFromInt(300)},
			{AccountID: receivable.ID, EntryType: accounting.EntryTypeCredit, Amount: decimal.NewFromInt(300)},
		},
	}
	voucher, err := f.svc.PostDocument(ctx, input)
	require.NoError(t, err)
	require.Equal(t, accounting.VoucherStatusPosted, voucher.Status)
	require.Equal(t, "RV-25-0007-000001", voucher.Number)
	require.Len(t, voucher.Entries, 2)
	for _, e := range voucher.Entries {
		require.Equal(t, "PAYMENT", e.SourceType)
		require.Equal(t, "pay-001", e.SourceID)
		require.Equal(t, "customer payment", e.Narration)
	}
	done, err := f.svc.PostedBySource(ctx, testOrg, "PAYMENT", "pay-001")
	require.NoError(t, err)
	require.True(t, done)

	input.SourceID = "pay-002"
	input.Lines[1].Amount = decimal.NewFromInt(280)
	_, err = f.svc.PostDocument(ctx, input)
	require.ErrorIs(t, err, accounting.ErrBalance)

	vouchers, err := f.svc.ListVouchers(ctx, accounting.VoucherFilter{OrganizationID: testOrg})
	require.NoError(t, err)
	require.Len(t, vouchers, 1)
	done, err = f.svc.PostedBySource(ctx, testOrg, "PAYMENT", "pay-002")
	require.NoError(t, err)
	require.False(t, done)

	// The failed call consumed no number.
	next := f.voucher(t, accounting.VoucherTypeReceipt, day(13))
	require.Equal(t, "RV-25-0007-000002", next.Number)

	var last string
	for _, a := range f.audit.actions() {
		last = a
	}
	require.Equal(t, "CREATE_VOUCHER", last)
	require.Contains(t, f.audit.actions(), "AUTO_POST")
}

func TestPostDocumentValidation(t *testing.T) {
	f := newLedger(t)
	_, err := f.svc.PostDocument(context.Background(), accounting.DocumentInput{
		OrganizationID: testOrg,
		FiscalYear:     testFY,
		Type:           accounting.VoucherTypeJournal,
		Date:           day(1),
		SourceType:     "MANUAL",
		SourceID:       "1",
	})
	require.ErrorIs(t, err, accounting.ErrValidation)

	_, err = f.svc.PostDocument(context.Background(), accounting.DocumentInput{
		OrganizationID: testOrg,
		FiscalYear:     testFY,
		Type:           accounting.VoucherTypeJournal,
		Date:           day(1),
		SourceType:     "MANUAL",
		SourceID:       "1",
		Lines:          []accounting.DocumentLine{{AccountID: 1, EntryType: accounting.EntryTypeDebit, Amount: decimal.Zero}},
	})
	var verr *accounting.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "Lines[0].Amount", verr.Field)

	_, err = f.svc.PostDocument(context.Background(), accounting.DocumentInput{
		OrganizationID: testOrg,
		FiscalYear:     testFY,
		Type:           accounting.VoucherTypeJournal,
		Date:           day(1),
		SourceType:     "MANUAL",
		SourceID:       "1",
		Lines: []accounting.DocumentLine{
			{AccountID: 1, EntryType: accounting.EntryTypeDebit, Amount: decimal.NewFromInt(1)},
			{AccountID: 1, EntryType: accounting.EntryTypeCredit, Amount: decimal.RequireFromString("0.99999")},
		},
	})
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "Lines[1].Amount", verr.Field)
}

func TestAmountsKeepFourDecimalPlaces(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	cash := f.account(t, "Cash", accounting.AccountTypeAsset, nil)
	revenue := f.account(t, "Sales Revenue", accounting.AccountTypeRevenue, nil)

	v := f.voucher(t, accounting.VoucherTypeJournal, day(1))
	f.entry(t, v.ID, cash.ID, accounting.EntryTypeDebit, "1.50000")
	f.entry(t, v.ID, revenue.ID, accounting.EntryTypeCredit, "1.5")
	_, err := f.svc.PostVoucher(ctx, v.ID, testActor)
	require.NoError(t, err)
	balance, err := f.svc.Balance(ctx, cash.ID, nil)
	require.NoError(t, err)
	requireAmount(t, "1.5", balance)
}

func TestPostDocumentOncePerSource(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	bank := f.account(t, "Bank", accounting.AccountTypeAsset, nil)
	receivable := f.account(t, "Accounts Receivable", accounting.AccountTypeAsset, nil)
	input := accounting.DocumentInput{
		OrganizationID: testOrg,
		FiscalYear:     testFY,
		Type:           accounting.VoucherTypeReceipt,
		Date:           day(12),
		SourceType:     "PAYMENT",
		SourceID:       "pay-100",
		ActorID:        testActor,
		Lines: []accounting.DocumentLine{
			{AccountID: bank.ID, EntryType: accounting.EntryTypeDebit, Amount: decimal.NewFromInt(75)},
			{AccountID: receivable.ID, EntryType: accounting.EntryTypeCredit, Amount: decimal.NewFromInt(75)},
		},
	}
	_, err := f.svc.PostDocument(ctx, input)
	require.NoError(t, err)

	_, err = f.svc.PostDocument(ctx, input)
	require.ErrorIs(t, err, accounting.ErrSourceAlreadyPosted)
	require.True(t, accounting.IsClientError(err))
	assert.Equal(t, 1, f.metrics.rejected["duplicate"])

	// An unbalanced resubmission reports the imbalance, not the duplicate.
	input.Lines[1].Amount = decimal.NewFromInt(70)
	_, err = f.svc.PostDocument(ctx, input)
	require.ErrorIs(t, err, accounting.ErrBalance)

	vouchers, err := f.svc.ListVouchers(ctx, accounting.VoucherFilter{OrganizationID: testOrg})
	require.NoError(t, err)
	require.Len(t, vouchers, 1)

	next := f.voucher(t, accounting.VoucherTypeReceipt, day(13))
	require.Equal(t, "RV-25-0007-000002", next.Number)
}

func TestDocumentNumbersAreUniqueUnderConcurrency(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	const workers = 20
	numbers := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := f.svc.CreateVoucher(ctx, accounting.CreateVoucherInput{
				OrganizationID: testOrg,
				FiscalYear:     testFY,
				Type:           accounting.VoucherTypeJournal,
				Date:           day(1),
			})
			if err != nil {
				t.Errorf("create voucher: %v", err)
				return
			}
			numbers <- v.Number
		}()
	}
	wg.Wait()
	close(numbers)

	seen := map[string]bool{}
	for n := range numbers {
		require.False(t, seen[n], "duplicate number %s", n)
		require.True(t, strings.HasPrefix(n, "JV-25-0007-"))
		seen[n] = true
	}
	require.Len(t, seen, workers)
	require.True(t, seen["JV-25-0007-000020"])
}

func TestDocumentNumberScopes(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	first := f.voucher(t, accounting.VoucherTypePayment, day(1))
	require.Equal(t, "PV-25-0007-000001", first.Number)

	nextYear, err := f.svc.CreateVoucher(ctx, accounting.CreateVoucherInput{
		OrganizationID: testOrg, FiscalYear: "FY2026-27", Type: accounting.VoucherTypePayment, Date: day(1),
	})
	require.NoError(t, err)
	require.Equal(t, "PV-26-0007-000001", nextYear.Number)

	otherOrg, err := f.svc.CreateVoucher(ctx, accounting.CreateVoucherInput{
		OrganizationID: 12, FiscalYear: testFY, Type: accounting.VoucherTypePayment, Date: day(1),
	})
	require.NoError(t, err)
	require.Equal(t, "PV-25-0012-000001", otherOrg.Number)

	journal := f.voucher(t, accounting.VoucherTypeJournal, day(1))
	require.Equal(t, "JV-25-0007-000001", journal.Number)
	second := f.voucher(t, accounting.VoucherTypePayment, day(1))
	require.Equal(t, "PV-25-0007-000002", second.Number)
}

func TestAccountHierarchy(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	assets := f.account(t, "Assets", accounting.AccountTypeAsset, nil)
	current := f.account(t, "Current Assets", accounting.AccountTypeAsset, &assets.ID)
	cash := f.account(t, "Cash", accounting.AccountTypeAsset, &current.ID)
	require.Equal(t, 1, assets.Level)
	require.Equal(t, 2, current.Level)
	require.Equal(t, 3, cash.Level)
	require.Equal(t, []string{"10001", "10002", "10003"}, []string{assets.Code, current.Code, cash.Code})

	chain, err := f.svc.Ancestors(ctx, cash.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, current.ID, chain[0].ID)
	require.Equal(t, assets.ID, chain[1].ID)

	children, err := f.svc.Children(ctx, assets.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, current.ID, children[0].ID)

	_, err = f.svc.CreateAccount(ctx, accounting.CreateAccountInput{
		OrganizationID: testOrg, Name: "Loan", Type: accounting.AccountTypeLiability, ParentID: &assets.ID,
	})
	require.ErrorIs(t, err, accounting.ErrValidation)

	missing := int64(9999)
	_, err = f.svc.CreateAccount(ctx, accounting.CreateAccountInput{
		OrganizationID: testOrg, Name: "Orphan", Type: accounting.AccountTypeAsset, ParentID: &missing,
	})
	require.ErrorIs(t, err, accounting.ErrNotFound)

	_, err = f.svc.CreateAccount(ctx, accounting.CreateAccountInput{
		OrganizationID: 8, Name: "Elsewhere", Type: accounting.AccountTypeAsset, ParentID: &assets.ID,
	})
	require.ErrorIs(t, err, accounting.ErrNotFound)

	_, err = f.svc.CreateAccount(ctx, accounting.CreateAccountInput{OrganizationID: testOrg, Name: "Odd", Type: "CONTINGENT"})
	require.ErrorIs(t, err, accounting.ErrValidation)

	all, err := f.svc.ListAccounts(ctx, testOrg)
	require.NoError(t, err)
	for _, acc := range all {
		if acc.ParentID == nil {
			continue
		}
		parent, err := f.svc.GetAccount(ctx, *acc.ParentID)
		require.NoError(t, err)
		require.Equal(t, parent.Level+1, acc.Level)
	}
}

func TestDeactivateAndRenameAccount(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	cash := f.account(t, "Cash", accounting.AccountTypeAsset, nil)
	revenue := f.account(t, "Sales Revenue", accounting.AccountTypeRevenue, nil)

	renamed, err := f.svc.RenameAccount(ctx, cash.ID, "Cash on Hand", "cash", testActor)
	require.NoError(t, err)
	require.Equal(t, "Cash on Hand", renamed.Name)
	require.Equal(t, cash.Code, renamed.Code)

	f.postedSale(t, cash.ID, revenue.ID, "10", day(1))
	_, err = f.svc.RenameAccount(ctx, cash.ID, "Vault", "", testActor)
	require.ErrorIs(t, err, accounting.ErrState)
	_, err = f.svc.RenameAccount(ctx, cash.ID, " ", "", testActor)
	require.ErrorIs(t, err, accounting.ErrValidation)

	off, err := f.svc.DeactivateAccount(ctx, revenue.ID, testActor)
	require.NoError(t, err)
	require.False(t, off.IsActive)
	again, err := f.svc.DeactivateAccount(ctx, revenue.ID, testActor)
	require.NoError(t, err)
	require.False(t, again.IsActive)

	deactivations := 0
	for _, a := range f.audit.actions() {
		if a == "DEACTIVATE_ACCOUNT" {
			deactivations++
		}
	}
	require.Equal(t, 1, deactivations)

	// Balances of inactive accounts stay readable.
	balance, err := f.svc.Balance(ctx, revenue.ID, nil)
	require.NoError(t, err)
	requireAmount(t, "-10", balance)
}

func TestSeedChart(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	created, err := f.svc.SeedChart(ctx, testOrg, testActor)
	require.NoError(t, err)
	require.Len(t, created, 15)

	byName := map[string]accounting.Account{}
	for _, acc := range created {
		require.True(t, acc.IsSystem)
		byName[acc.Name] = acc
	}
	cash := byName["Cash"]
	require.NotNil(t, cash.ParentID)
	require.Equal(t, byName["Current Assets"].ID, *cash.ParentID)
	require.Equal(t, 2, cash.Level)
	require.Equal(t, accounting.AccountTypeLiability, byName["Tax Payable"].Type)

	_, err = f.svc.DeactivateAccount(ctx, cash.ID, testActor)
	require.ErrorIs(t, err, accounting.ErrState)

	again, err := f.svc.SeedChart(ctx, testOrg, testActor)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestAccountMappings(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	cash := f.account(t, "Cash", accounting.AccountTypeAsset, nil)

	require.NoError(t, f.svc.SetAccountMapping(ctx, accounting.AccountMapping{
		OrganizationID: testOrg, Module: "payment", Key: "payment.cash", AccountID: cash.ID,
	}))
	id, err := f.svc.ResolveAccountMapping(ctx, testOrg, "PAYMENT", "payment.cash")
	require.NoError(t, err)
	require.Equal(t, cash.ID, id)

	require.Contains(t, f.audit.actions(), "SET_ACCOUNT_MAPPING")

	_, err = f.svc.ResolveAccountMapping(ctx, testOrg, "PAYMENT", "payment.unknown")
	require.ErrorIs(t, err, accounting.ErrMappingNotFound)
	require.True(t, accounting.IsNotFound(err))

	err = f.svc.SetAccountMapping(ctx, accounting.AccountMapping{
		OrganizationID: 99, Module: "payment", Key: "payment.cash", AccountID: cash.ID,
	})
	require.ErrorIs(t, err, accounting.ErrValidation)
}

func TestBalanceAsOfAndEntriesFor(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	cash := f.account(t, "Cash", accounting.AccountTypeAsset, nil)
	revenue := f.account(t, "Sales Revenue", accounting.AccountTypeRevenue, nil)
	f.postedSale(t, cash.ID, revenue.ID, "100", day(1))
	f.postedSale(t, cash.ID, revenue.ID, "200", day(5))
	f.postedSale(t, cash.ID, revenue.ID, "400", day(9))

	draft := f.voucher(t, accounting.VoucherTypeSales, day(9))
	f.entry(t, draft.ID, cash.ID, accounting.EntryTypeDebit, "9999")

	asOf := day(5)
	balance, err := f.svc.Balance(ctx, cash.ID, &asOf)
	require.NoError(t, err)
	requireAmount(t, "300", balance)

	early := day(1).Add(-time.Hour)
	balance, err = f.svc.Balance(ctx, cash.ID, &early)
	require.NoError(t, err)
	requireAmount(t, "0", balance)

	balance, err = f.svc.Balance(ctx, cash.ID, nil)
	require.NoError(t, err)
	requireAmount(t, "700", balance)

	entries, err := f.svc.EntriesFor(ctx, accounting.EntryFilter{AccountID: cash.ID})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	requireAmount(t, "400", entries[0].Amount)
	requireAmount(t, "100", entries[2].Amount)
	for _, e := range entries {
		require.Equal(t, accounting.EntryStatusPosted, e.Status)
	}

	page, err := f.svc.EntriesFor(ctx, accounting.EntryFilter{AccountID: cash.ID, Skip: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	requireAmount(t, "200", page[0].Amount)

	from, to := day(2), day(5)
	window, err := f.svc.EntriesFor(ctx, accounting.EntryFilter{AccountID: cash.ID, From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, window, 1)
	requireAmount(t, "200", window[0].Amount)

	_, err = f.svc.ReverseEntry(ctx, entries[0].ID, "wrong amount", testActor)
	require.NoError(t, err)
	entries, err = f.svc.EntriesFor(ctx, accounting.EntryFilter{AccountID: cash.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	_, err = f.svc.EntriesFor(ctx, accounting.EntryFilter{AccountID: cash.ID, From: &to, To: &from})
	require.ErrorIs(t, err, accounting.ErrValidation)
	_, err = f.svc.Balance(ctx, 9999, nil)
	require.ErrorIs(t, err, accounting.ErrNotFound)
}

func TestListVouchers(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	cash := f.account(t, "Cash", accounting.AccountTypeAsset, nil)
	revenue := f.account(t, "Sales Revenue", accounting.AccountTypeRevenue, nil)
	f.postedSale(t, cash.ID, revenue.ID, "10", day(1))
	draft := f.voucher(t, accounting.VoucherTypeJournal, day(8))

	all, err := f.svc.ListVouchers(ctx, accounting.VoucherFilter{OrganizationID: testOrg, FiscalYear: testFY})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, draft.ID, all[0].ID)

	drafts, err := f.svc.ListVouchers(ctx, accounting.VoucherFilter{OrganizationID: testOrg, Status: accounting.VoucherStatusDraft})
	require.NoError(t, err)
	require.Len(t, drafts, 1)

	_, err = f.svc.ListVouchers(ctx, accounting.VoucherFilter{})
	require.ErrorIs(t, err, accounting.ErrValidation)
}

func TestCheckIntegrity(t *testing.T) {
	f := newLedger(t)
	ctx := context.Background()
	cash := f.account(t, "Cash", accounting.AccountTypeAsset, nil)
	revenue := f.account(t, "Sales Revenue", accounting.AccountTypeRevenue, nil)
	sale := f.postedSale(t, cash.ID, revenue.ID, "120", day(1))
	f.postedSale(t, cash.ID, revenue.ID, "80", day(2))
	_, err := f.svc.ReverseEntry(ctx, sale.Entries[0].ID, "customer cancelled", testActor)
	require.NoError(t, err)

	report, err := f.svc.CheckIntegrity(ctx, testOrg)
	require.NoError(t, err)
	require.True(t, report.Healthy(f.svc.Tolerance()))
	require.Empty(t, report.Unbalanced)
	require.Len(t, report.Totals, 1)
	require.Equal(t, testFY, report.Totals[0].FiscalYear)
	requireAmount(t, "200", report.Totals[0].Debit)
	requireAmount(t, "200", report.Totals[0].Credit)

	empty, err := f.svc.CheckIntegrity(ctx, 404)
	require.NoError(t, err)
	require.Empty(t, empty.Totals)
}

type flakyRepo struct {
	inner    accounting.RepositoryPort
	failures int
	calls    int
}

func (r *flakyRepo) WithTx(ctx context.Context, fn func(context.Context, accounting.TxRepository) error) error {
	r.calls++
	if r.failures > 0 {
		r.failures--
		return accounting.ErrConcurrentModification
	}
	return r.inner.WithTx(ctx, fn)
}

func TestConflictingTransactionsAreReplayed(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	repo := &flakyRepo{inner: store, failures: 2}
	svc := accounting.NewService(repo, nil)
	v, err := svc.CreateVoucher(context.Background(), accounting.CreateVoucherInput{
		OrganizationID: testOrg, FiscalYear: testFY, Type: accounting.VoucherTypeContra, Date: day(1),
	})
	require.NoError(t, err)
	require.Equal(t, "CV-25-0007-000001", v.Number)
	require.Equal(t, 3, repo.calls)

	repo = &flakyRepo{inner: store, failures: 5}
	svc = accounting.NewService(repo, nil)
	svc.WithRetries(1)
	_, err = svc.CreateVoucher(context.Background(), accounting.CreateVoucherInput{
		OrganizationID: testOrg, FiscalYear: testFY, Type: accounting.VoucherTypeContra, Date: day(1),
	})
	require.True(t, accounting.IsRetryable(err))
	require.Equal(t, 2, repo.calls)
}

func TestCachedBalanceRefreshesAfterPosting(t *testing.T) {
	f := newLedger(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f.svc.WithCache(accounting.NewBalanceCache(client, time.Minute))
	ctx := context.Background()
	cash := f.account(t, "Cash", accounting.AccountTypeAsset, nil)
	revenue := f.account(t, "Sales Revenue", accounting.AccountTypeRevenue, nil)

	f.postedSale(t, cash.ID, revenue.ID, "75", day(1))
	balance, err := f.svc.Balance(ctx, cash.ID, nil)
	require.NoError(t, err)
	requireAmount(t, "75", balance)
	require.NotEmpty(t, mr.Keys())

	f.postedSale(t, cash.ID, revenue.ID, "25", day(2))
	balance, err = f.svc.Balance(ctx, cash.ID, nil)
	require.NoError(t, err)
	requireAmount(t, "100", balance)

	mr.Close()
	balance, err = f.svc.Balance(ctx, cash.ID, nil)
	require.NoError(t, err)
	requireAmount(t, "100", balance)
}
