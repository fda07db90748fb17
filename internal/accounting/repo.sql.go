package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository persists accounting entities in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("accounting repository not initialised")
	}
	return mapPgError(db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	}))
}

// mapPgError turns serialization failures, deadlocks and collisions on
// generated numbers into ErrConcurrentModification so the service can replay.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%w: %s", ErrConcurrentModification, pgErr.Message)
	case "23505":
		switch pgErr.ConstraintName {
		case "uq_accounts_code", "uq_vouchers_number", "uq_ledger_entries_number", "ledger_sequences_pkey":
			return fmt.Errorf("%w: %s", ErrConcurrentModification, pgErr.ConstraintName)
		}
	case "23503":
		return invalid("", "referenced record does not exist: "+pgErr.ConstraintName)
	case "23514":
		return invalid("", "value violates check constraint "+pgErr.ConstraintName)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

const accountColumns = `id, organization_id, code, name, type, subtype, parent_id, level, is_active, is_system, created_at, updated_at`

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.OrganizationID, &a.Code, &a.Name, &a.Type, &a.Subtype, &a.ParentID, &a.Level, &a.IsActive, &a.IsSystem, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

const voucherColumns = `id, number, organization_id, fiscal_year, type, date, reference_no, reference_date, narration, status,
debit_total, credit_total, created_by, posted_by, posted_at, created_at, updated_at`

func scanVoucher(row rowScanner) (Voucher, error) {
	var v Voucher
	err := row.Scan(&v.ID, &v.Number, &v.OrganizationID, &v.FiscalYear, &v.Type, &v.Date, &v.ReferenceNo, &v.ReferenceDate, &v.Narration, &v.Status,
		&v.DebitTotal, &v.CreditTotal, &v.CreatedBy, &v.PostedBy, &v.PostedAt, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

const entryColumns = `id, number, organization_id, fiscal_year, transaction_date, transaction_type, source_type, source_id,
voucher_id, account_id, entry_type, amount, party_type, party_id, narration, status, reversed_by, reversed_at, reversal_reason,
created_at, updated_at`

func scanEntry(row rowScanner) (LedgerEntry, error) {
	var e LedgerEntry
	err := row.Scan(&e.ID, &e.Number, &e.OrganizationID, &e.FiscalYear, &e.TransactionDate, &e.TransactionType, &e.SourceType, &e.SourceID,
		&e.VoucherID, &e.AccountID, &e.EntryType, &e.Amount, &e.PartyType, &e.PartyID, &e.Narration, &e.Status, &e.ReversedBy, &e.ReversedAt, &e.ReversalReason,
		&e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func collect[T any](rows pgx.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
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

func (r *txRepository) NextSequence(ctx context.Context, scope SequenceScope) (int64, error) {
	var seq int64
	err := r.tx.QueryRow(ctx, `INSERT INTO ledger_sequences (organization_id, kind, scope, seq, updated_at)
VALUES ($1, $2, $3, 1, NOW())
ON CONFLICT (organization_id, kind, scope) DO UPDATE SET seq = ledger_sequences.seq + 1, updated_at = NOW()
RETURNING seq`, scope.OrganizationID, scope.Kind, scope.Scope).Scan(&seq)
	return seq, err
}

func (r *txRepository) InsertAccount(ctx context.Context, account Account) (Account, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO accounts (organization_id, code, name, type, subtype, parent_id, level, is_active, is_system, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		account.OrganizationID, account.Code, account.Name, account.Type, account.Subtype, account.ParentID, account.Level,
		account.IsActive, account.IsSystem, account.CreatedAt, account.UpdatedAt).Scan(&account.ID)
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func (r *txRepository) GetAccount(ctx context.Context, id int64) (Account, error) {
	account, err := scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, notFound("account", id)
		}
		return Account{}, err
	}
	return account, nil
}

func (r *txRepository) ListAccounts(ctx context.Context, organizationID int64) ([]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE organization_id=$1 ORDER BY code`, organizationID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAccount)
}

func (r *txRepository) ListChildAccounts(ctx context.Context, parentID int64) ([]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE parent_id=$1 ORDER BY code`, parentID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAccount)
}

func (r *txRepository) UpdateAccountActive(ctx context.Context, id int64, active bool) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE accounts SET is_active=$2, updated_at=NOW() WHERE id=$1`, id, active)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return notFound("account", id)
	}
	return nil
}

func (r *txRepository) UpdateAccountName(ctx context.Context, id int64, name, subtype string) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE accounts SET name=$2, subtype=$3, updated_at=NOW() WHERE id=$1`, id, name, subtype)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return notFound("account", id)
	}
	return nil
}

func (r *txRepository) AccountHasEntries(ctx context.Context, id int64) (bool, error) {
	var used bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE account_id=$1)`, id).Scan(&used)
	return used, err
}

func (r *txRepository) InsertVoucher(ctx context.Context, voucher Voucher) (Voucher, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO vouchers (number, organization_id, fiscal_year, type, date, reference_no, reference_date, narration, status,
debit_total, credit_total, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) RETURNING id`,
		voucher.Number, voucher.OrganizationID, voucher.FiscalYear, voucher.Type, voucher.Date, voucher.ReferenceNo, voucher.ReferenceDate,
		voucher.Narration, voucher.Status, toNumeric(voucher.DebitTotal), toNumeric(voucher.CreditTotal), voucher.CreatedBy,
		voucher.CreatedAt, voucher.UpdatedAt).Scan(&voucher.ID)
	if err != nil {
		return Voucher{}, err
	}
	return voucher, nil
}

func (r *txRepository) GetVoucher(ctx context.Context, id int64) (Voucher, error) {
	return r.getVoucher(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE id=$1`, id)
}

func (r *txRepository) GetVoucherForUpdate(ctx context.Context, id int64) (Voucher, error) {
	return r.getVoucher(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE id=$1 FOR UPDATE`, id)
}

func (r *txRepository) getVoucher(ctx context.Context, query string, id int64) (Voucher, error) {
	voucher, err := scanVoucher(r.tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Voucher{}, notFound("voucher", id)
		}
		return Voucher{}, err
	}
	return voucher, nil
}

func (r *txRepository) ListVouchers(ctx context.Context, filter VoucherFilter) ([]Voucher, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+voucherColumns+` FROM vouchers
WHERE organization_id=$1 AND ($2 = '' OR fiscal_year=$2) AND ($3 = '' OR status=$3)
ORDER BY date DESC, id DESC OFFSET $4 LIMIT $5`,
		filter.OrganizationID, filter.FiscalYear, string(filter.Status), filter.Skip, filter.Limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanVoucher)
}

func (r *txRepository) UpdateVoucherTotals(ctx context.Context, id int64, debit, credit decimal.Decimal) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE vouchers SET debit_total=$2, credit_total=$3, updated_at=NOW() WHERE id=$1 AND status='DRAFT'`,
		id, toNumeric(debit), toNumeric(credit))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return badState("voucher %d is no longer DRAFT", id)
	}
	return nil
}

func (r *txRepository) MarkVoucherPosted(ctx context.Context, id, postedBy int64, postedAt time.Time, debit, credit decimal.Decimal) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE vouchers SET status='POSTED', posted_by=$2, posted_at=$3, debit_total=$4, credit_total=$5, updated_at=$3
WHERE id=$1 AND status='DRAFT'`, id, postedBy, postedAt, toNumeric(debit), toNumeric(credit))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return badState("voucher %d is no longer DRAFT", id)
	}
	return nil
}

func (r *txRepository) InsertEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO ledger_entries (number, organization_id, fiscal_year, transaction_date, transaction_type, source_type, source_id,
voucher_id, account_id, entry_type, amount, party_type, party_id, narration, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17) RETURNING id`,
		entry.Number, entry.OrganizationID, entry.FiscalYear, entry.TransactionDate, entry.TransactionType, entry.SourceType, entry.SourceID,
		entry.VoucherID, entry.AccountID, entry.EntryType, toNumeric(entry.Amount), entry.PartyType, entry.PartyID, entry.Narration, entry.Status,
		entry.CreatedAt, entry.UpdatedAt).Scan(&entry.ID)
	if err != nil {
		return LedgerEntry{}, err
	}
	return entry, nil
}

func (r *txRepository) GetEntryForUpdate(ctx context.Context, id int64) (LedgerEntry, error) {
	entry, err := scanEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LedgerEntry{}, notFound("ledger entry", id)
		}
		return LedgerEntry{}, err
	}
	return entry, nil
}

func (r *txRepository) ListVoucherEntries(ctx context.Context, voucherID int64) ([]LedgerEntry, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE voucher_id=$1 ORDER BY id`, voucherID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanEntry)
}

func (r *txRepository) MarkVoucherEntriesPosted(ctx context.Context, voucherID int64) (int64, error) {
	cmd, err := r.tx.Exec(ctx, `UPDATE ledger_entries SET status='POSTED', updated_at=NOW() WHERE voucher_id=$1 AND status='DRAFT'`, voucherID)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (r *txRepository) MarkEntryReversed(ctx context.Context, id, actorID int64, reason string, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE ledger_entries SET status='REVERSED', reversed_by=$2, reversed_at=$3, reversal_reason=$4, updated_at=$3
WHERE id=$1 AND status='POSTED'`, id, actorID, at, reason)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return badState("entry %d is no longer POSTED", id)
	}
	return nil
}

func (r *txRepository) SourcePosted(ctx context.Context, organizationID int64, sourceType, sourceID string) (bool, error) {
	var found bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries
WHERE organization_id=$1 AND source_type=$2 AND source_id=$3 AND status <> 'DRAFT')`, organizationID, sourceType, sourceID).Scan(&found)
	return found, err
}

func (r *txRepository) LinkSource(ctx context.Context, link SourceLink) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO voucher_sources (organization_id, source_type, source_id, voucher_id, created_at)
VALUES ($1,$2,$3,$4,$5)`, link.OrganizationID, link.SourceType, link.SourceID, link.VoucherID, link.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "uq_voucher_sources" {
		return fmt.Errorf("%w: %s %s", ErrSourceAlreadyPosted, link.SourceType, link.SourceID)
	}
	return err
}

func (r *txRepository) SumPostedEntries(ctx context.Context, accountID int64, asOf *time.Time) (decimal.Decimal, decimal.Decimal, error) {
	var debit, credit decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT
	COALESCE(SUM(CASE WHEN entry_type='DEBIT' THEN amount ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN entry_type='CREDIT' THEN amount ELSE 0 END), 0)
FROM ledger_entries
WHERE account_id=$1 AND status='POSTED' AND ($2::date IS NULL OR transaction_date <= $2::date)`, accountID, dateParam(asOf)).
		Scan(&debit, &credit)
	return debit, credit, err
}

func (r *txRepository) ListPostedEntries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
WHERE account_id=$1 AND status='POSTED'
	AND ($2::date IS NULL OR transaction_date >= $2::date)
	AND ($3::date IS NULL OR transaction_date <= $3::date)
ORDER BY transaction_date DESC, id DESC OFFSET $4 LIMIT $5`,
		filter.AccountID, dateParam(filter.From), dateParam(filter.To), filter.Skip, filter.Limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanEntry)
}

func (r *txRepository) PostedTotals(ctx context.Context, organizationID int64) ([]FiscalTotals, error) {
	rows, err := r.tx.Query(ctx, `SELECT organization_id, fiscal_year,
	COALESCE(SUM(CASE WHEN entry_type='DEBIT' THEN amount ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN entry_type='CREDIT' THEN amount ELSE 0 END), 0)
FROM ledger_entries
WHERE status <> 'DRAFT' AND ($1 = 0 OR organization_id=$1)
GROUP BY organization_id, fiscal_year
ORDER BY organization_id, fiscal_year`, organizationID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row rowScanner) (FiscalTotals, error) {
		var t FiscalTotals
		err := row.Scan(&t.OrganizationID, &t.FiscalYear, &t.Debit, &t.Credit)
		return t, err
	})
}

func (r *txRepository) UnbalancedVouchers(ctx context.Context, organizationID int64, tolerance decimal.Decimal) ([]VoucherImbalance, error) {
	rows, err := r.tx.Query(ctx, `SELECT v.id, v.number, v.organization_id,
	COALESCE(SUM(CASE WHEN e.entry_type='DEBIT' THEN e.amount ELSE 0 END), 0) AS debit,
	COALESCE(SUM(CASE WHEN e.entry_type='CREDIT' THEN e.amount ELSE 0 END), 0) AS credit
FROM vouchers v
JOIN ledger_entries e ON e.voucher_id = v.id AND e.status <> 'DRAFT'
WHERE v.status='POSTED' AND ($1 = 0 OR v.organization_id=$1)
GROUP BY v.id, v.number, v.organization_id
HAVING ABS(SUM(CASE WHEN e.entry_type='DEBIT' THEN e.amount ELSE -e.amount END)) > $2::numeric
ORDER BY v.id`, organizationID, toNumeric(tolerance))
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row rowScanner) (VoucherImbalance, error) {
		var v VoucherImbalance
		err := row.Scan(&v.VoucherID, &v.Number, &v.OrganizationID, &v.Debit, &v.Credit)
		return v, err
	})
}

func (r *txRepository) UpsertAccountMapping(ctx context.Context, mapping AccountMapping) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO account_mappings (organization_id, module, key, account_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (organization_id, module, key) DO UPDATE SET account_id=EXCLUDED.account_id, updated_at=EXCLUDED.updated_at`,
		mapping.OrganizationID, mapping.Module, mapping.Key, mapping.AccountID, mapping.CreatedAt, mapping.UpdatedAt)
	return err
}

func (r *txRepository) GetAccountMapping(ctx context.Context, organizationID int64, module, key string) (AccountMapping, error) {
	var mapping AccountMapping
	err := r.tx.QueryRow(ctx, `SELECT organization_id, module, key, account_id, created_at, updated_at
FROM account_mappings WHERE organization_id=$1 AND module=$2 AND key=$3`, organizationID, module, key).
		Scan(&mapping.OrganizationID, &mapping.Module, &mapping.Key, &mapping.AccountID, &mapping.CreatedAt, &mapping.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountMapping{}, fmt.Errorf("%w: %s/%s", ErrMappingNotFound, module, key)
		}
		return AccountMapping{}, err
	}
	return mapping, nil
}

// dateParam passes a bound as a calendar date so the session time zone cannot shift it.
func dateParam(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format("2006-01-02")
}

func toNumeric(v decimal.Decimal) string {
	return v.String()
}

var _ TxRepository = (*txRepository)(nil)
var _ RepositoryPort = (*Repository)(nil)
