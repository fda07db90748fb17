package integration

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
)

// MappingBinder stores account mappings.
type MappingBinder interface {
	ListAccounts(ctx context.Context, organizationID int64) ([]accounting.Account, error)
	SetAccountMapping(ctx context.Context, mapping accounting.AccountMapping) error
}

// DefaultMapping binds a hook key to an account of the seeded chart by name.
type DefaultMapping struct {
	Module  string
	Key     string
	Account string
}

// DefaultMappings covers every key the event hooks resolve.
var DefaultMappings = []DefaultMapping{
	{Module: "PAYMENT", Key: "payment.cash", Account: "Cash"},
	{Module: "PAYMENT", Key: "payment.receivable", Account: "Accounts Receivable"},
	{Module: "INVOICE", Key: "invoice.receivable", Account: "Accounts Receivable"},
	{Module: "INVOICE", Key: "invoice.revenue", Account: "Sales Revenue"},
	{Module: "INVOICE", Key: "invoice.tax", Account: "Tax Payable"},
	{Module: "DISPUTE", Key: "dispute.revenue", Account: "Sales Revenue"},
	{Module: "DISPUTE", Key: "dispute.cash", Account: "Cash"},
}

// SeedMappings binds DefaultMappings to the organization's accounts and
// returns the number of mappings written.
func SeedMappings(ctx context.Context, binder MappingBinder, organizationID, actorID int64) (int, error) {
	accounts, err := binder.ListAccounts(ctx, organizationID)
	if err != nil {
		return 0, err
	}
	byName := make(map[string]int64, len(accounts))
	for _, acc := range accounts {
		if acc.IsActive {
			byName[acc.Name] = acc.ID
		}
	}
	written := 0
	for _, m := range DefaultMappings {
		id, ok := byName[m.Account]
		if !ok {
			return written, fmt.Errorf("integration: account %q missing for mapping %s", m.Account, m.Key)
		}
		if err := binder.SetAccountMapping(ctx, accounting.AccountMapping{
			OrganizationID: organizationID,
			Module:         m.Module,
			Key:            m.Key,
			AccountID:      id,
			ActorID:        actorID,
		}); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}
