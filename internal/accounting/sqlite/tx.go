package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
)

type txRepository struct {
	tx *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(what string, id int64) error {
	return fmt.Errorf("%w: %s %d", accounting.ErrNotFound, what, id)
}

func badState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", accounting.ErrState, fmt.Sprintf(format, args...))
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("accounting/sqlite: parse amount %q: %w", s, err)
	}
	return d, nil
}

const accountColumns = `id, organization_id, code, name, type, subtype, parent_id, level, is_active, is_system, created_at, updated_at`

func scanAccount(row rowScanner) (accounting.Account, error) {
	var (
		a                    accounting.Account
		parentID             sql.NullInt64
		createdAt, updatedAt string
	)
	if err := row.Scan(&a.ID, &a.OrganizationID, &a.Code, &a.Name, &a.Type, &a.Subtype, &parentID, &a.Level, &a.IsActive, &a.IsSystem, &createdAt, &updatedAt); err != nil {
		return accounting.Account{}, err
	}
	a.ParentID = nullInt(parentID)
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return accounting.Account{}, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return accounting.Account{}, err
	}
	return a, nil
}

const voucherColumns = `id, number, organization_id, fiscal_year, type, date, reference_no, reference_date, narration, status,
debit_total, credit_total, created_by, posted_by, posted_at, created_at, updated_at`

func scanVoucher(row rowScanner) (accounting.Voucher, error) {
	var (
		v                        accounting.Voucher
		date, createdAt, updated string
		debit, credit            string
		referenceDate, postedAt  sql.NullString
		postedBy                 sql.NullInt64
	)
	if err := row.Scan(&v.ID, &v.Number, &v.OrganizationID, &v.FiscalYear, &v.Type, &date, &v.ReferenceNo, &referenceDate, &v.Narration, &v.Status,
		&debit, &credit, &v.CreatedBy, &postedBy, &postedAt, &createdAt, &updated); err != nil {
		return accounting.Voucher{}, err
	}
	var err error
	if v.Date, err = parseTime(date); err != nil {
		return accounting.Voucher{}, err
	}
	if v.ReferenceDate, err = parseNullTime(referenceDate); err != nil {
		return accounting.Voucher{}, err
	}
	if v.DebitTotal, err = parseAmount(debit); err != nil {
		return accounting.Voucher{}, err
	}
	if v.CreditTotal, err = parseAmount(credit); err != nil {
		return accounting.Voucher{}, err
	}
	v.PostedBy = nullInt(postedBy)
	if v.PostedAt, err = parseNullTime(postedAt); err != nil {
		return accounting.Voucher{}, err
	}
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return accounting.Voucher{}, err
	}
	if v.UpdatedAt, err = parseTime(updated); err != nil {
		return accounting.Voucher{}, err
	}
	return v, nil
}

const entryColumns = `id, number, organization_id, fiscal_year, transaction_date, transaction_type, source_type, source_id,
voucher_id, account_id, entry_type, amount, party_type, party_id, narration, status, reversed_by, reversed_at, reversal_reason,
created_at, updated_at`

func scanEntry(row rowScanner) (accounting.LedgerEntry, error) {
	var (
		e                    accounting.LedgerEntry
		txnDate, amount      string
		createdAt, updatedAt string
		reversedBy           sql.NullInt64
		reversedAt           sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Number, &e.OrganizationID, &e.FiscalYear, &txnDate, &e.TransactionType, &e.SourceType, &e.SourceID,
		&e.VoucherID, &e.AccountID, &e.EntryType, &amount, &e.PartyType, &e.PartyID, &e.Narration, &e.Status, &reversedBy, &reversedAt, &e.ReversalReason,
		&createdAt, &updatedAt); err != nil {
		return accounting.LedgerEntry{}, err
	}
	var err error
	if e.TransactionDate, err = parseTime(txnDate); err != nil {
		return accounting.LedgerEntry{}, err
	}
	if e.Amount, err = parseAmount(amount); err != nil {
		return accounting.LedgerEntry{}, err
	}
	e.ReversedBy = nullInt(reversedBy)
	if e.ReversedAt, err = parseNullTime(reversedAt); err != nil {
		return accounting.LedgerEntry{}, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return accounting.LedgerEntry{}, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return accounting.LedgerEntry{}, err
	}
	return e, nil
}

func collect[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *txRepository) NextSequence(ctx context.Context, scope accounting.SequenceScope) (int64, error) {
	var seq int64
	err := r.tx.QueryRowContext(ctx, `INSERT INTO ledger_sequences (organization_id, kind, scope, seq, updated_at)
VALUES (?, ?, ?, 1, ?)
ON CONFLICT (organization_id, kind, scope) DO UPDATE SET seq = seq + 1, updated_at = excluded.updated_at
RETURNING seq`, scope.OrganizationID, scope.Kind, scope.Scope, formatTime(time.Now())).Scan(&seq)
	return seq, err
}

func (r *txRepository) InsertAccount(ctx context.Context, account accounting.Account) (accounting.Account, error) {
	var parentID any
	if account.ParentID != nil {
		parentID = *account.ParentID
	}
	res, err := r.tx.ExecContext(ctx, `INSERT INTO accounts (organization_id, code, name, type, subtype, parent_id, level, is_active, is_system, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.OrganizationID, account.Code, account.Name, string(account.Type), account.Subtype, parentID, account.Level,
		account.IsActive, account.IsSystem, formatTime(account.CreatedAt), formatTime(account.UpdatedAt))
	if err != nil {
		return accounting.Account{}, err
	}
	if account.ID, err = res.LastInsertId(); err != nil {
		return accounting.Account{}, err
	}
	return account, nil
}

func (r *txRepository) GetAccount(ctx context.Context, id int64) (accounting.Account, error) {
	account, err := scanAccount(r.tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return accounting.Account{}, notFound("account", id)
		}
		return accounting.Account{}, err
	}
	return account, nil
}

func (r *txRepository) ListAccounts(ctx context.Context, organizationID int64) ([]accounting.Account, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE organization_id = ? ORDER BY code`, organizationID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAccount)
}

func (r *txRepository) ListChildAccounts(ctx context.Context, parentID int64) ([]accounting.Account, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE parent_id = ? ORDER BY code`, parentID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAccount)
}

func (r *txRepository) UpdateAccountActive(ctx context.Context, id int64, active bool) error {
	return r.expectOne(ctx, notFound("account", id),
		`UPDATE accounts SET is_active = ?, updated_at = ? WHERE id = ?`, active, formatTime(time.Now()), id)
}

func (r *txRepository) UpdateAccountName(ctx context.Context, id int64, name, subtype string) error {
	return r.expectOne(ctx, notFound("account", id),
		`UPDATE accounts SET name = ?, subtype = ?, updated_at = ? WHERE id = ?`, name, subtype, formatTime(time.Now()), id)
}

func (r *txRepository) AccountHasEntries(ctx context.Context, id int64) (bool, error) {
	var used bool
	err := r.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE account_id = ?)`, id).Scan(&used)
	return used, err
}

// expectOne runs an update and returns missing when no row changed.
func (r *txRepository) expectOne(ctx context.Context, missing error, query string, args ...any) error {
	res, err := r.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

func (r *txRepository) InsertVoucher(ctx context.Context, voucher accounting.Voucher) (accounting.Voucher, error) {
	res, err := r.tx.ExecContext(ctx, `INSERT INTO vouchers (number, organization_id, fiscal_year, type, date, reference_no, reference_date, narration, status,
debit_total, credit_total, created_by, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		voucher.Number, voucher.OrganizationID, voucher.FiscalYear, string(voucher.Type), formatTime(voucher.Date), voucher.ReferenceNo,
		formatTimePtr(voucher.ReferenceDate), voucher.Narration, string(voucher.Status), voucher.DebitTotal.String(), voucher.CreditTotal.String(),
		voucher.CreatedBy, formatTime(voucher.CreatedAt), formatTime(voucher.UpdatedAt))
	if err != nil {
		return accounting.Voucher{}, err
	}
	if voucher.ID, err = res.LastInsertId(); err != nil {
		return accounting.Voucher{}, err
	}
	return voucher, nil
}

func (r *txRepository) GetVoucher(ctx context.Context, id int64) (accounting.Voucher, error) {
	voucher, err := scanVoucher(r.tx.QueryRowContext(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return accounting.Voucher{}, notFound("voucher", id)
		}
		return accounting.Voucher{}, err
	}
	return voucher, nil
}

// GetVoucherForUpdate needs no row lock: the transaction already holds the
// database write lock.
func (r *txRepository) GetVoucherForUpdate(ctx context.Context, id int64) (accounting.Voucher, error) {
	return r.GetVoucher(ctx, id)
}

func (r *txRepository) ListVouchers(ctx context.Context, filter accounting.VoucherFilter) ([]accounting.Voucher, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+voucherColumns+` FROM vouchers
WHERE organization_id = ? AND (? = '' OR fiscal_year = ?) AND (? = '' OR status = ?)
ORDER BY date DESC, id DESC LIMIT ? OFFSET ?`,
		filter.OrganizationID, filter.FiscalYear, filter.FiscalYear, string(filter.Status), string(filter.Status), filter.Limit, filter.Skip)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanVoucher)
}

func (r *txRepository) UpdateVoucherTotals(ctx context.Context, id int64, debit, credit decimal.Decimal) error {
	return r.expectOne(ctx, badState("voucher %d is no longer DRAFT", id),
		`UPDATE vouchers SET debit_total = ?, credit_total = ?, updated_at = ? WHERE id = ? AND status = 'DRAFT'`,
		debit.String(), credit.String(), formatTime(time.Now()), id)
}

func (r *txRepository) MarkVoucherPosted(ctx context.Context, id, postedBy int64, postedAt time.Time, debit, credit decimal.Decimal) error {
	at := formatTime(postedAt)
	return r.expectOne(ctx, badState("voucher %d is no longer DRAFT", id),
		`UPDATE vouchers SET status = 'POSTED', posted_by = ?, posted_at = ?, debit_total = ?, credit_total = ?, updated_at = ?
WHERE id = ? AND status = 'DRAFT'`, postedBy, at, debit.String(), credit.String(), at, id)
}

func (r *txRepository) InsertEntry(ctx context.Context, entry accounting.LedgerEntry) (accounting.LedgerEntry, error) {
	res, err := r.tx.ExecContext(ctx, `INSERT INTO ledger_entries (number, organization_id, fiscal_year, transaction_date, transaction_type, source_type, source_id,
voucher_id, account_id, entry_type, amount, party_type, party_id, narration, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Number, entry.OrganizationID, entry.FiscalYear, formatTime(entry.TransactionDate), entry.TransactionType, entry.SourceType, entry.SourceID,
		entry.VoucherID, entry.AccountID, string(entry.EntryType), entry.Amount.String(), entry.PartyType, entry.PartyID, entry.Narration,
		string(entry.Status), formatTime(entry.CreatedAt), formatTime(entry.UpdatedAt))
	if err != nil {
		return accounting.LedgerEntry{}, err
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return accounting.LedgerEntry{}, err
	}
	return entry, nil
}

func (r *txRepository) GetEntryForUpdate(ctx context.Context, id int64) (accounting.LedgerEntry, error) {
	entry, err := scanEntry(r.tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return accounting.LedgerEntry{}, notFound("ledger entry", id)
		}
		return accounting.LedgerEntry{}, err
	}
	return entry, nil
}

func (r *txRepository) ListVoucherEntries(ctx context.Context, voucherID int64) ([]accounting.LedgerEntry, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE voucher_id = ? ORDER BY id`, voucherID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanEntry)
}

func (r *txRepository) MarkVoucherEntriesPosted(ctx context.Context, voucherID int64) (int64, error) {
	res, err := r.tx.ExecContext(ctx, `UPDATE ledger_entries SET status = 'POSTED', updated_at = ? WHERE voucher_id = ? AND status = 'DRAFT'`,
		formatTime(time.Now()), voucherID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *txRepository) MarkEntryReversed(ctx context.Context, id, actorID int64, reason string, at time.Time) error {
	ts := formatTime(at)
	return r.expectOne(ctx, badState("entry %d is no longer POSTED", id),
		`UPDATE ledger_entries SET status = 'REVERSED', reversed_by = ?, reversed_at = ?, reversal_reason = ?, updated_at = ?
WHERE id = ? AND status = 'POSTED'`, actorID, ts, reason, ts, id)
}

func (r *txRepository) SourcePosted(ctx context.Context, organizationID int64, sourceType, sourceID string) (bool, error) {
	var found bool
	err := r.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries
WHERE organization_id = ? AND source_type = ? AND source_id = ? AND status <> 'DRAFT')`, organizationID, sourceType, sourceID).Scan(&found)
	return found, err
}

func (r *txRepository) LinkSource(ctx context.Context, link accounting.SourceLink) error {
	_, err := r.tx.ExecContext(ctx, `INSERT INTO voucher_sources (organization_id, source_type, source_id, voucher_id, created_at)
VALUES (?, ?, ?, ?, ?)`, link.OrganizationID, link.SourceType, link.SourceID, link.VoucherID, formatTime(link.CreatedAt))
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %s %s", accounting.ErrSourceAlreadyPosted, link.SourceType, link.SourceID)
	}
	return err
}

func (r *txRepository) SumPostedEntries(ctx context.Context, accountID int64, asOf *time.Time) (decimal.Decimal, decimal.Decimal, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT entry_type, amount FROM ledger_entries
WHERE account_id = ? AND status = 'POSTED' AND (? IS NULL OR transaction_date <= ?)`,
		accountID, formatTimePtr(asOf), formatTimePtr(asOf))
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	defer rows.Close()
	debit, credit := decimal.Zero, decimal.Zero
	for rows.Next() {
		var entryType, raw string
		if err := rows.Scan(&entryType, &raw); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		amount, err := parseAmount(raw)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if accounting.EntryType(entryType) == accounting.EntryTypeDebit {
			debit = debit.Add(amount)
		} else {
			credit = credit.Add(amount)
		}
	}
	return debit, credit, rows.Err()
}

func (r *txRepository) ListPostedEntries(ctx context.Context, filter accounting.EntryFilter) ([]accounting.LedgerEntry, error) {
	from, to := formatTimePtr(filter.From), formatTimePtr(filter.To)
	rows, err := r.tx.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries
WHERE account_id = ? AND status = 'POSTED'
	AND (? IS NULL OR transaction_date >= ?)
	AND (? IS NULL OR transaction_date <= ?)
ORDER BY transaction_date DESC, id DESC LIMIT ? OFFSET ?`,
		filter.AccountID, from, from, to, to, filter.Limit, filter.Skip)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanEntry)
}

type postedLine struct {
	organizationID int64
	fiscalYear     string
	voucherID      int64
	number         string
	entryType      accounting.EntryType
	amount         decimal.Decimal
}

// postedLines loads every non-DRAFT entry of POSTED vouchers for aggregation in Go.
func (r *txRepository) postedLines(ctx context.Context, organizationID int64) ([]postedLine, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT e.organization_id, e.fiscal_year, v.id, v.number, e.entry_type, e.amount
FROM ledger_entries e JOIN vouchers v ON v.id = e.voucher_id
WHERE e.status <> 'DRAFT' AND v.status = 'POSTED' AND (? = 0 OR e.organization_id = ?)
ORDER BY v.id, e.id`, organizationID, organizationID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row rowScanner) (postedLine, error) {
		var (
			l   postedLine
			raw string
		)
		if err := row.Scan(&l.organizationID, &l.fiscalYear, &l.voucherID, &l.number, &l.entryType, &raw); err != nil {
			return postedLine{}, err
		}
		var err error
		l.amount, err = parseAmount(raw)
		return l, err
	})
}

func (r *txRepository) PostedTotals(ctx context.Context, organizationID int64) ([]accounting.FiscalTotals, error) {
	lines, err := r.postedLines(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	type key struct {
		org int64
		fy  string
	}
	totals := make(map[key]*accounting.FiscalTotals)
	for _, l := range lines {
		k := key{org: l.organizationID, fy: l.fiscalYear}
		t, ok := totals[k]
		if !ok {
			t = &accounting.FiscalTotals{OrganizationID: l.organizationID, FiscalYear: l.fiscalYear, Debit: decimal.Zero, Credit: decimal.Zero}
			totals[k] = t
		}
		if l.entryType == accounting.EntryTypeDebit {
			t.Debit = t.Debit.Add(l.amount)
		} else {
			t.Credit = t.Credit.Add(l.amount)
		}
	}
	out := make([]accounting.FiscalTotals, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrganizationID != out[j].OrganizationID {
			return out[i].OrganizationID < out[j].OrganizationID
		}
		return out[i].FiscalYear < out[j].FiscalYear
	})
	return out, nil
}

func (r *txRepository) UnbalancedVouchers(ctx context.Context, organizationID int64, tolerance decimal.Decimal) ([]accounting.VoucherImbalance, error) {
	lines, err := r.postedLines(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	var (
		out     []accounting.VoucherImbalance
		current *accounting.VoucherImbalance
	)
	flush := func() {
		if current != nil && current.Debit.Sub(current.Credit).Abs().GreaterThan(tolerance) {
			out = append(out, *current)
		}
	}
	for _, l := range lines {
		if current == nil || current.VoucherID != l.voucherID {
			flush()
			current = &accounting.VoucherImbalance{VoucherID: l.voucherID, Number: l.number, OrganizationID: l.organizationID, Debit: decimal.Zero, Credit: decimal.Zero}
		}
		if l.entryType == accounting.EntryTypeDebit {
			current.Debit = current.Debit.Add(l.amount)
		} else {
			current.Credit = current.Credit.Add(l.amount)
		}
	}
	flush()
	return out, nil
}

func (r *txRepository) UpsertAccountMapping(ctx context.Context, mapping accounting.AccountMapping) error {
	_, err := r.tx.ExecContext(ctx, `INSERT INTO account_mappings (organization_id, module, key, account_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (organization_id, module, key) DO UPDATE SET account_id = excluded.account_id, updated_at = excluded.updated_at`,
		mapping.OrganizationID, mapping.Module, mapping.Key, mapping.AccountID, formatTime(mapping.CreatedAt), formatTime(mapping.UpdatedAt))
	return err
}

func (r *txRepository) GetAccountMapping(ctx context.Context, organizationID int64, module, key string) (accounting.AccountMapping, error) {
	var (
		m                    accounting.AccountMapping
		createdAt, updatedAt string
	)
	err := r.tx.QueryRowContext(ctx, `SELECT organization_id, module, key, account_id, created_at, updated_at
FROM account_mappings WHERE organization_id = ? AND module = ? AND key = ?`, organizationID, module, key).
		Scan(&m.OrganizationID, &m.Module, &m.Key, &m.AccountID, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return accounting.AccountMapping{}, fmt.Errorf("%w: %s/%s", accounting.ErrMappingNotFound, module, key)
		}
		return accounting.AccountMapping{}, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return accounting.AccountMapping{}, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return accounting.AccountMapping{}, err
	}
	return m, nil
}

var _ accounting.TxRepository = (*txRepository)(nil)
