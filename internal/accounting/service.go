package accounting

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// AuditModule is the module name stamped on every audit record.
const AuditModule = "Accounting"

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the store operations available inside one transaction.
// Implementations are the only writers of accounts, vouchers and entries.
type TxRepository interface {
	NextSequence(ctx context.Context, scope SequenceScope) (int64, error)

	InsertAccount(ctx context.Context, account Account) (Account, error)
	GetAccount(ctx context.Context, id int64) (Account, error)
	ListAccounts(ctx context.Context, organizationID int64) ([]Account, error)
	ListChildAccounts(ctx context.Context, parentID int64) ([]Account, error)
	UpdateAccountActive(ctx context.Context, id int64, active bool) error
	UpdateAccountName(ctx context.Context, id int64, name, subtype string) error
	AccountHasEntries(ctx context.Context, id int64) (bool, error)

	InsertVoucher(ctx context.Context, voucher Voucher) (Voucher, error)
	GetVoucher(ctx context.Context, id int64) (Voucher, error)
	GetVoucherForUpdate(ctx context.Context, id int64) (Voucher, error)
	ListVouchers(ctx context.Context, filter VoucherFilter) ([]Voucher, error)
	UpdateVoucherTotals(ctx context.Context, id int64, debit, credit decimal.Decimal) error
	MarkVoucherPosted(ctx context.Context, id, postedBy int64, postedAt time.Time, debit, credit decimal.Decimal) error

	InsertEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)
	GetEntryForUpdate(ctx context.Context, id int64) (LedgerEntry, error)
	ListVoucherEntries(ctx context.Context, voucherID int64) ([]LedgerEntry, error)
	MarkVoucherEntriesPosted(ctx context.Context, voucherID int64) (int64, error)
	MarkEntryReversed(ctx context.Context, id, actorID int64, reason string, at time.Time) error
	SourcePosted(ctx context.Context, organizationID int64, sourceType, sourceID string) (bool, error)
	LinkSource(ctx context.Context, link SourceLink) error

	SumPostedEntries(ctx context.Context, accountID int64, asOf *time.Time) (debit, credit decimal.Decimal, err error)
	ListPostedEntries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error)
	PostedTotals(ctx context.Context, organizationID int64) ([]FiscalTotals, error)
	UnbalancedVouchers(ctx context.Context, organizationID int64, tolerance decimal.Decimal) ([]VoucherImbalance, error)

	UpsertAccountMapping(ctx context.Context, mapping AccountMapping) error
	GetAccountMapping(ctx context.Context, organizationID int64, module, key string) (AccountMapping, error)
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort receives posting outcomes.
type MetricsPort interface {
	VoucherPosted(voucherType string)
	PostingRejected(reason string)
	EntryReversed()
}

// Service implements the accounting core: chart of accounts, vouchers,
// posting, balances and reversals.
type Service struct {
	repo      RepositoryPort
	audit     AuditPort
	metrics   MetricsPort
	cache     *BalanceCache
	logger    *slog.Logger
	now       func() time.Time
	tolerance decimal.Decimal
	retries   int
}

// DefaultTolerance is the largest debit/credit difference accepted at posting.
var DefaultTolerance = decimal.New(1, -2)

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{
		repo:      repo,
		audit:     audit,
		logger:    slog.Default(),
		now:       time.Now,
		tolerance: DefaultTolerance,
		retries:   3,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithLogger sets the logger used for non-fatal failures.
func (s *Service) WithLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// WithMetrics attaches a metrics sink.
func (s *Service) WithMetrics(metrics MetricsPort) {
	s.metrics = metrics
}

// WithCache attaches the balance cache.
func (s *Service) WithCache(cache *BalanceCache) {
	s.cache = cache
}

// WithTolerance overrides the posting tolerance.
func (s *Service) WithTolerance(tolerance decimal.Decimal) {
	if !tolerance.IsNegative() {
		s.tolerance = tolerance
	}
}

// WithRetries sets how many times a conflicting transaction is replayed.
func (s *Service) WithRetries(retries int) {
	if retries >= 0 {
		s.retries = retries
	}
}

// withTx runs fn in a store transaction, replaying it when the store reports
// a concurrent modification (serialization failure or number collision).
func (s *Service) withTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		err = s.repo.WithTx(ctx, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("retrying ledger transaction", slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	return err
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	log.Module = AuditModule
	if log.At.IsZero() {
		log.At = s.now().UTC()
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record failed",
			slog.String("action", log.Action),
			slog.String("entity_id", log.EntityID),
			slog.Any("error", err))
	}
}

func (s *Service) bumpCache(ctx context.Context) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("balance cache bump failed", slog.Any("error", err))
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateInput runs struct tag validation and reports the first failure.
func validateInput(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return invalid(fe.Field(), "failed "+fe.Tag()+" check")
	}
	return invalid("", err.Error())
}
