package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/integration"
)

// Ledger is the subset of the accounting service used by operators.
type Ledger interface {
	SeedChart(ctx context.Context, organizationID, actorID int64) ([]accounting.Account, error)
	ListAccounts(ctx context.Context, organizationID int64) ([]accounting.Account, error)
	SetAccountMapping(ctx context.Context, mapping accounting.AccountMapping) error
	BalanceDetail(ctx context.Context, accountID int64, asOf *time.Time) (accounting.BalanceDetail, error)
	CheckIntegrity(ctx context.Context, organizationID int64) (accounting.IntegrityReport, error)
	Tolerance() decimal.Decimal
}

// LedgerCLI runs operator commands against the ledger.
type LedgerCLI struct {
	ledger Ledger
}

// NewLedgerCLI constructs the helper.
func NewLedgerCLI(ledger Ledger) (*LedgerCLI, error) {
	if ledger == nil {
		return nil, errors.New("ledger cli: ledger required")
	}
	return &LedgerCLI{ledger: ledger}, nil
}

// Output carries the streams of one command.
type Output struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o Output) normalise() Output {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

// SeedSummary reports the outcome of SeedCommand.
type SeedSummary struct {
	OrganizationID int64 `json:"organization_id"`
	Accounts       int   `json:"accounts"`
	Mappings       int   `json:"mappings"`
}

// SeedCommand creates the system chart and the default hook mappings.
func (c *LedgerCLI) SeedCommand(ctx context.Context, organizationID, actorID int64, out Output) int {
	out = out.normalise()
	if organizationID <= 0 {
		fmt.Fprintln(out.Stderr, "seed: organization id must be positive")
		return 2
	}
	chart, err := c.ledger.SeedChart(ctx, organizationID, actorID)
	if err != nil {
		fmt.Fprintf(out.Stderr, "seed chart: %v\n", err)
		return 1
	}
	mapped, err := integration.SeedMappings(ctx, c.ledger, organizationID, actorID)
	if err != nil {
		fmt.Fprintf(out.Stderr, "seed mappings: %v\n", err)
		return 1
	}
	summary := SeedSummary{OrganizationID: organizationID, Accounts: len(chart), Mappings: mapped}
	if out.JSONOutput {
		return writeJSON(out, summary)
	}
	fmt.Fprintf(out.Stdout, "organization %d: %d accounts, %d mappings\n", summary.OrganizationID, summary.Accounts, summary.Mappings)
	return 0
}

// BalanceCommand prints the balance of one account.
func (c *LedgerCLI) BalanceCommand(ctx context.Context, accountID int64, asOf string, out Output) int {
	out = out.normalise()
	var asOfPtr *time.Time
	if asOf != "" {
		parsed, err := time.Parse(time.DateOnly, asOf)
		if err != nil {
			fmt.Fprintf(out.Stderr, "balance: invalid as-of date %q\n", asOf)
			return 2
		}
		asOfPtr = &parsed
	}
	detail, err := c.ledger.BalanceDetail(ctx, accountID, asOfPtr)
	if err != nil {
		fmt.Fprintf(out.Stderr, "balance: %v\n", err)
		if accounting.IsClientError(err) {
			return 2
		}
		return 1
	}
	if out.JSONOutput {
		return writeJSON(out, detail)
	}
	fmt.Fprintf(out.Stdout, "account %d (%s): debit %s credit %s net %s\n",
		detail.AccountID, detail.AccountType,
		detail.DebitTotal.StringFixed(2), detail.CreditTotal.StringFixed(2), detail.Natural.StringFixed(2))
	return 0
}

// IntegrityCommand runs the GL integrity check synchronously. It exits 3 when
// the ledger is out of balance.
func (c *LedgerCLI) IntegrityCommand(ctx context.Context, organizationID int64, out Output) int {
	out = out.normalise()
	report, err := c.ledger.CheckIntegrity(ctx, organizationID)
	if err != nil {
		fmt.Fprintf(out.Stderr, "integrity: %v\n", err)
		return 1
	}
	healthy := report.Healthy(c.ledger.Tolerance())
	if out.JSONOutput {
		if code := writeJSON(out, report); code != 0 {
			return code
		}
	} else {
		for _, t := range report.Totals {
			fmt.Fprintf(out.Stdout, "org %d %s: debit %s credit %s\n",
				t.OrganizationID, t.FiscalYear, t.Debit.StringFixed(2), t.Credit.StringFixed(2))
		}
		for _, v := range report.Unbalanced {
			fmt.Fprintf(out.Stdout, "unbalanced %s: debit %s credit %s\n",
				v.Number, v.Debit.StringFixed(2), v.Credit.StringFixed(2))
		}
	}
	if !healthy {
		fmt.Fprintln(out.Stderr, "integrity: ledger out of balance")
		return 3
	}
	return 0
}

// DecodeAutoPost reads an auto-post request from r.
func DecodeAutoPost(r io.Reader) (integration.AutoPostInput, error) {
	var input integration.AutoPostInput
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&input); err != nil {
		return integration.AutoPostInput{}, fmt.Errorf("decode auto post: %w", err)
	}
	return input, nil
}

func writeJSON(out Output, v any) int {
	enc := json.NewEncoder(out.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(out.Stderr, "encode output: %v\n", err)
		return 1
	}
	return 0
}
