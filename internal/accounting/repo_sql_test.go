package accounting_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/migrations"
)

// newPostgresLedger connects to LEDGER_TEST_PG_DSN and returns a service with
// a fresh organization seeded with the system chart.
func newPostgresLedger(t *testing.T) (*accounting.Service, int64, map[string]int64) {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_PG_DSN")
	if dsn == "" || testing.Short() {
		t.Skip("LEDGER_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	pool, err := db.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	_, err = migrations.Apply(ctx, pool)
	require.NoError(t, err)

	svc := accounting.NewService(accounting.NewRepository(pool), nil)
	svc.WithRetries(50)
	org := time.Now().UnixNano()%900000 + 100000
	chart, err := svc.SeedChart(ctx, org, testActor)
	require.NoError(t, err)
	ids := make(map[string]int64, len(chart))
	for _, acc := range chart {
		ids[acc.Name] = acc.ID
	}
	return svc, org, ids
}

func TestPostgresNumbersAreUniqueUnderConcurrency(t *testing.T) {
	svc, org, _ := newPostgresLedger(t)
	ctx := context.Background()
	const workers = 10
	numbers := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := svc.CreateVoucher(ctx, accounting.CreateVoucherInput{
				OrganizationID: org,
				FiscalYear:     testFY,
				Type:           accounting.VoucherTypeJournal,
				Date:           day(1),
				ActorID:        testActor,
			})
			if err != nil {
				t.Error(err)
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
		seen[n] = true
	}
	require.Len(t, seen, workers)
}

func TestPostgresPostingAndReversal(t *testing.T) {
	svc, org, ids := newPostgresLedger(t)
	ctx := context.Background()
	v, err := svc.CreateVoucher(ctx, accounting.CreateVoucherInput{
		OrganizationID: org, FiscalYear: testFY, Type: accounting.VoucherTypeSales, Date: day(3), ActorID: testActor,
	})
	require.NoError(t, err)
	amount := decimal.RequireFromString("1.2345")
	debit, err := svc.AddEntry(ctx, accounting.AddEntryInput{
		VoucherID: v.ID, AccountID: ids["Cash"], EntryType: accounting.EntryTypeDebit, Amount: amount, ActorID: testActor,
	})
	require.NoError(t, err)
	_, err = svc.AddEntry(ctx, accounting.AddEntryInput{
		VoucherID: v.ID, AccountID: ids["Sales Revenue"], EntryType: accounting.EntryTypeCredit, Amount: amount, ActorID: testActor,
	})
	require.NoError(t, err)
	_, err = svc.AddEntry(ctx, accounting.AddEntryInput{
		VoucherID: v.ID, AccountID: ids["Cash"], EntryType: accounting.EntryTypeDebit, Amount: decimal.RequireFromString("0.00001"), ActorID: testActor,
	})
	require.ErrorIs(t, err, accounting.ErrValidation)

	posted, err := svc.PostVoucher(ctx, v.ID, testActor)
	require.NoError(t, err)
	require.Equal(t, accounting.VoucherStatusPosted, posted.Status)
	_, err = svc.PostVoucher(ctx, v.ID, testActor)
	require.ErrorIs(t, err, accounting.ErrState)

	balance, err := svc.Balance(ctx, ids["Cash"], nil)
	require.NoError(t, err)
	requireAmount(t, "1.2345", balance)

	_, err = svc.ReverseEntry(ctx, debit.ID, "keyed twice", testActor)
	require.NoError(t, err)
	_, err = svc.ReverseEntry(ctx, debit.ID, "keyed twice", testActor)
	require.ErrorIs(t, err, accounting.ErrState)
	balance, err = svc.Balance(ctx, ids["Cash"], nil)
	require.NoError(t, err)
	requireAmount(t, "0", balance)
}

func TestPostgresConcurrentDocumentsPostOnce(t *testing.T) {
	svc, org, ids := newPostgresLedger(t)
	ctx := context.Background()
	input := accounting.DocumentInput{
		OrganizationID: org,
		FiscalYear:     testFY,
		Type:           accounting.VoucherTypeReceipt,
		Date:           day(4),
		SourceType:     "PAYMENT",
		SourceID:       "pg-pay-1",
		ActorID:        testActor,
		Lines: []accounting.DocumentLine{
			{AccountID: ids["Cash"], EntryType: accounting.EntryTypeDebit, Amount: decimal.NewFromInt(250)},
			{AccountID: ids["Accounts Receivable"], EntryType: accounting.EntryTypeCredit, Amount: decimal.NewFromInt(250)},
		},
	}
	const deliveries = 4
	errs := make(chan error, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.PostDocument(ctx, input)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	var ok, dup int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, accounting.ErrSourceAlreadyPosted):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, deliveries-1, dup)

	balance, err := svc.Balance(ctx, ids["Cash"], nil)
	require.NoError(t, err)
	requireAmount(t, "250", balance)
}
