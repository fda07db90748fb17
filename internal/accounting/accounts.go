package accounting

import (
	"context"
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// maxAccountDepth bounds ancestor walks so a corrupted parent chain cannot loop forever.
const maxAccountDepth = 64

// CreateAccount registers a new chart of accounts node. The code is assigned
// from the organization's per-type counter.
func (s *Service) CreateAccount(ctx context.Context, input CreateAccountInput) (Account, error) {
	if err := validateInput(input); err != nil {
		return Account{}, err
	}
	var account Account
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		account, err = s.createAccountTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return Account{}, err
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "CREATE_ACCOUNT",
		Entity:   "account",
		EntityID: fmt.Sprintf("%d", account.ID),
		Detail:   fmt.Sprintf("account %s %q (%s) created at level %d", account.Code, account.Name, account.Type, account.Level),
	})
	return account, nil
}

func (s *Service) createAccountTx(ctx context.Context, tx TxRepository, input CreateAccountInput) (Account, error) {
	level := 1
	if input.ParentID != nil {
		parent, err := tx.GetAccount(ctx, *input.ParentID)
		if err != nil {
			if IsNotFound(err) {
				return Account{}, notFound("parent account", *input.ParentID)
			}
			return Account{}, err
		}
		if parent.OrganizationID != input.OrganizationID {
			return Account{}, notFound("parent account", *input.ParentID)
		}
		if !parent.IsActive {
			return Account{}, invalid("ParentID", "parent account is inactive")
		}
		if parent.Type != input.Type {
			return Account{}, invalid("ParentID", fmt.Sprintf("parent account type %s differs from %s", parent.Type, input.Type))
		}
		level = parent.Level + 1
	}
	code, err := s.nextAccountCode(ctx, tx, input.OrganizationID, input.Type)
	if err != nil {
		return Account{}, err
	}
	now := s.now().UTC()
	return tx.InsertAccount(ctx, Account{
		OrganizationID: input.OrganizationID,
		Code:           code,
		Name:           strings.TrimSpace(input.Name),
		Type:           input.Type,
		Subtype:        input.Subtype,
		ParentID:       input.ParentID,
		Level:          level,
		IsActive:       true,
		IsSystem:       input.System,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

// GetAccount returns a single account.
func (s *Service) GetAccount(ctx context.Context, id int64) (Account, error) {
	var account Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		account, err = tx.GetAccount(ctx, id)
		return err
	})
	return account, err
}

// ListAccounts retrieves the organization's chart ordered by code.
func (s *Service) ListAccounts(ctx context.Context, organizationID int64) ([]Account, error) {
	var accounts []Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		accounts, err = tx.ListAccounts(ctx, organizationID)
		return err
	})
	return accounts, err
}

// Children returns the direct children of an account.
func (s *Service) Children(ctx context.Context, id int64) ([]Account, error) {
	var children []Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetAccount(ctx, id); err != nil {
			return err
		}
		var err error
		children, err = tx.ListChildAccounts(ctx, id)
		return err
	})
	return children, err
}

// Ancestors walks parent references from the account up to its root,
// nearest parent first.
func (s *Service) Ancestors(ctx context.Context, id int64) ([]Account, error) {
	var chain []Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		seen := map[int64]bool{current.ID: true}
		for current.ParentID != nil {
			if len(chain) >= maxAccountDepth || seen[*current.ParentID] {
				return fmt.Errorf("accounting: account %d has a cyclic or too deep parent chain", id)
			}
			parent, err := tx.GetAccount(ctx, *current.ParentID)
			if err != nil {
				return err
			}
			seen[parent.ID] = true
			chain = append(chain, parent)
			current = parent
		}
		return nil
	})
	return chain, err
}

// DeactivateAccount hides an account from new entries. Repeating the call is a no-op.
func (s *Service) DeactivateAccount(ctx context.Context, id, actorID int64) (Account, error) {
	var (
		account Account
		changed bool
	)
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		if current.IsSystem {
			return badState("system account %s cannot be deactivated", current.Code)
		}
		account = current
		if !current.IsActive {
			return nil
		}
		if err := tx.UpdateAccountActive(ctx, id, false); err != nil {
			return err
		}
		account.IsActive = false
		changed = true
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	if changed {
		s.record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "DEACTIVATE_ACCOUNT",
			Entity:   "account",
			EntityID: fmt.Sprintf("%d", account.ID),
			Detail:   fmt.Sprintf("account %s deactivated", account.Code),
		})
	}
	return account, nil
}

// RenameAccount changes the descriptive fields of an account that no entry references yet.
func (s *Service) RenameAccount(ctx context.Context, id int64, name, subtype string, actorID int64) (Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Account{}, invalid("Name", "name required")
	}
	var account Account
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		used, err := tx.AccountHasEntries(ctx, id)
		if err != nil {
			return err
		}
		if used {
			return badState("account %s is referenced by ledger entries", current.Code)
		}
		if err := tx.UpdateAccountName(ctx, id, name, subtype); err != nil {
			return err
		}
		account = current
		account.Name = name
		account.Subtype = subtype
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "RENAME_ACCOUNT",
		Entity:   "account",
		EntityID: fmt.Sprintf("%d", account.ID),
		Detail:   fmt.Sprintf("account %s renamed to %q", account.Code, account.Name),
	})
	return account, nil
}

type chartTemplate struct {
	name    string
	typ     AccountType
	subtype string
	parent  string
}

// defaultChart is the built-in chart. Parents precede their children.
var defaultChart = []chartTemplate{
	{name: "Current Assets", typ: AccountTypeAsset, subtype: "group"},
	{name: "Cash", typ: AccountTypeAsset, subtype: "cash", parent: "Current Assets"},
	{name: "Bank", typ: AccountTypeAsset, subtype: "bank", parent: "Current Assets"},
	{name: "Accounts Receivable", typ: AccountTypeAsset, subtype: "receivable", parent: "Current Assets"},
	{name: "Inventory", typ: AccountTypeAsset, subtype: "inventory", parent: "Current Assets"},
	{name: "Current Liabilities", typ: AccountTypeLiability, subtype: "group"},
	{name: "Accounts Payable", typ: AccountTypeLiability, subtype: "payable", parent: "Current Liabilities"},
	{name: "Tax Payable", typ: AccountTypeLiability, subtype: "tax", parent: "Current Liabilities"},
	{name: "Owner Equity", typ: AccountTypeEquity, subtype: "capital"},
	{name: "Retained Earnings", typ: AccountTypeEquity, subtype: "retained"},
	{name: "Sales Revenue", typ: AccountTypeRevenue, subtype: "sales"},
	{name: "Service Revenue", typ: AccountTypeRevenue, subtype: "service"},
	{name: "Cost of Goods Sold", typ: AccountTypeExpense, subtype: "cogs"},
	{name: "Operating Expense", typ: AccountTypeExpense, subtype: "operating"},
	{name: "Bank Charges", typ: AccountTypeExpense, subtype: "bank_charges"},
}

// SeedChart creates the built-in system accounts of an organization. Accounts
// whose name already exists are left untouched, so the call is idempotent.
func (s *Service) SeedChart(ctx context.Context, organizationID, actorID int64) ([]Account, error) {
	if organizationID <= 0 {
		return nil, invalid("OrganizationID", "organization required")
	}
	var created []Account
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		created = created[:0]
		existing, err := tx.ListAccounts(ctx, organizationID)
		if err != nil {
			return err
		}
		byName := make(map[string]Account, len(existing))
		for _, acc := range existing {
			byName[acc.Name] = acc
		}
		for _, tpl := range defaultChart {
			if _, ok := byName[tpl.name]; ok {
				continue
			}
			input := CreateAccountInput{
				OrganizationID: organizationID,
				Name:           tpl.name,
				Type:           tpl.typ,
				Subtype:        tpl.subtype,
				System:         true,
				ActorID:        actorID,
			}
			if tpl.parent != "" {
				parent, ok := byName[tpl.parent]
				if !ok {
					return fmt.Errorf("accounting: chart template parent %q missing", tpl.parent)
				}
				parentID := parent.ID
				input.ParentID = &parentID
			}
			acc, err := s.createAccountTx(ctx, tx, input)
			if err != nil {
				return err
			}
			byName[acc.Name] = acc
			created = append(created, acc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, acc := range created {
		s.record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "CREATE_ACCOUNT",
			Entity:   "account",
			EntityID: fmt.Sprintf("%d", acc.ID),
			Detail:   fmt.Sprintf("system account %s %q seeded", acc.Code, acc.Name),
		})
	}
	return created, nil
}

// SetAccountMapping binds an integration key to an account of the same organization.
func (s *Service) SetAccountMapping(ctx context.Context, mapping AccountMapping) error {
	if mapping.OrganizationID <= 0 || mapping.Module == "" || mapping.Key == "" {
		return invalid("", "organization, module and key required")
	}
	mapping.Module = strings.ToUpper(mapping.Module)
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.GetAccount(ctx, mapping.AccountID)
		if err != nil {
			return err
		}
		if account.OrganizationID != mapping.OrganizationID {
			return invalid("AccountID", "account belongs to another organization")
		}
		now := s.now().UTC()
		mapping.CreatedAt = now
		mapping.UpdatedAt = now
		return tx.UpsertAccountMapping(ctx, mapping)
	})
	if err != nil {
		return err
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  mapping.ActorID,
		Action:   "SET_ACCOUNT_MAPPING",
		Entity:   "account_mapping",
		EntityID: mapping.Module + "/" + mapping.Key,
		Detail:   fmt.Sprintf("%s %s mapped to account %d", mapping.Module, mapping.Key, mapping.AccountID),
	})
	return nil
}

// ResolveAccountMapping returns the account bound to an integration key.
func (s *Service) ResolveAccountMapping(ctx context.Context, organizationID int64, module, key string) (int64, error) {
	if module == "" || key == "" {
		return 0, invalid("", "module and key required")
	}
	var mapping AccountMapping
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		mapping, err = tx.GetAccountMapping(ctx, organizationID, strings.ToUpper(module), key)
		return err
	})
	if err != nil {
		return 0, err
	}
	return mapping.AccountID, nil
}
