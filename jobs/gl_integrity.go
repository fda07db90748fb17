package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// IntegrityChecker inspects posted ledger totals.
type IntegrityChecker interface {
	CheckIntegrity(ctx context.Context, organizationID int64) (accounting.IntegrityReport, error)
	Tolerance() decimal.Decimal
}

// GLIntegrityJob verifies that posted debits equal posted credits.
type GLIntegrityJob struct {
	Checker IntegrityChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewGLIntegrityJob constructs the job handler.
func NewGLIntegrityJob(checker IntegrityChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *GLIntegrityJob {
	return &GLIntegrityJob{
		Checker: checker,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the integrity check. Findings are logged and exported as
// metrics; only a failed check fails the task.
func (j *GLIntegrityJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Checker == nil {
		return errors.New("gl integrity: checker not configured")
	}
	var payload IntegrityPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	_, err := j.Run(ctx, payload.OrganizationID)
	return err
}

// Run checks one organization, or all of them when organizationID is zero.
func (j *GLIntegrityJob) Run(ctx context.Context, organizationID int64) (accounting.IntegrityReport, error) {
	tracker := j.metrics().Track(TaskIntegrity)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.now()
	logger := j.log().With(slog.Int64("organization_id", organizationID))
	report, err := j.Checker.CheckIntegrity(ctx, organizationID)
	if err != nil {
		resultErr = err
		logger.Error("integrity check failed", slog.Any("error", err))
		return accounting.IntegrityReport{}, resultErr
	}

	tolerance := j.Checker.Tolerance()
	for _, totals := range report.Totals {
		diff := totals.Difference()
		j.metrics().SetIntegrityDifference(totals.OrganizationID, totals.FiscalYear, diff.InexactFloat64())
		if diff.Abs().GreaterThan(tolerance) {
			logger.Error("posted ledger out of balance",
				slog.Int64("org", totals.OrganizationID),
				slog.String("fiscal_year", totals.FiscalYear),
				slog.String("debit", totals.Debit.StringFixed(2)),
				slog.String("credit", totals.Credit.StringFixed(2)))
		}
	}
	perOrg := map[int64]int{}
	if organizationID > 0 {
		perOrg[organizationID] = 0
	}
	for _, totals := range report.Totals {
		if _, ok := perOrg[totals.OrganizationID]; !ok {
			perOrg[totals.OrganizationID] = 0
		}
	}
	for _, v := range report.Unbalanced {
		perOrg[v.OrganizationID]++
		logger.Warn("unbalanced posted voucher",
			slog.String("voucher", v.Number),
			slog.String("debit", v.Debit.StringFixed(2)),
			slog.String("credit", v.Credit.StringFixed(2)))
	}
	j.metrics().SetUnbalancedVouchers(perOrg, organizationID == 0)

	logger.Info("GL integrity check executed",
		slog.Bool("healthy", report.Healthy(tolerance)),
		slog.Int("fiscal_years", len(report.Totals)),
		slog.Int("unbalanced_vouchers", len(report.Unbalanced)),
		slog.Duration("duration", time.Since(start)))
	return report, resultErr
}

func (j *GLIntegrityJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *GLIntegrityJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskIntegrity))
}

func (j *GLIntegrityJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *GLIntegrityJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
