package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/integration"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const idempotencyModule = "ledger.auto_post"

// Poster records business documents.
type Poster interface {
	AutoPost(ctx context.Context, input integration.AutoPostInput) (accounting.Voucher, error)
	PostedBySource(ctx context.Context, organizationID int64, sourceType, sourceID string) (bool, error)
}

// IdempotencyStore claims processed keys.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AutoPostJob processes queued auto-post requests.
type AutoPostJob struct {
	Poster      Poster
	Idempotency IdempotencyStore
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// NewAutoPostJob constructs the job handler.
func NewAutoPostJob(poster Poster, idempotency IdempotencyStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *AutoPostJob {
	return &AutoPostJob{Poster: poster, Idempotency: idempotency, Logger: logger, Metrics: metrics}
}

// Handle posts the document once. Client errors are not retried; the claim
// on the idempotency key is released on every failure. A claimed key only
// short-cuts redeliveries when the ledger confirms the document was posted:
// a claim left by a worker that died before committing is taken over.
func (j *AutoPostJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Poster == nil {
		return errors.New("auto post: dependencies not configured")
	}
	var payload AutoPostPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskAutoPost)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	key := payload.IdempotencyKey()
	logger := j.log().With(
		slog.String("source_type", payload.SourceType),
		slog.String("source_id", payload.SourceID),
		slog.String("key", key),
	)
	if j.Idempotency != nil {
		if err := j.Idempotency.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
			if !errors.Is(err, shared.ErrIdempotencyConflict) {
				resultErr = err
				return resultErr
			}
			posted, err := j.Poster.PostedBySource(ctx, payload.OrganizationID, payload.SourceType, payload.SourceID)
			if err != nil {
				resultErr = err
				return resultErr
			}
			if posted {
				logger.Info("auto post already processed")
				return nil
			}
			logger.Warn("taking over unfinished auto post claim")
		}
	}

	voucher, err := j.Poster.AutoPost(ctx, payload.AutoPostInput)
	if errors.Is(err, accounting.ErrSourceAlreadyPosted) {
		logger.Info("auto post already processed")
		return nil
	}
	if err != nil {
		if j.Idempotency != nil {
			if relErr := j.Idempotency.Delete(ctx, key); relErr != nil {
				logger.Warn("release idempotency key", slog.Any("error", relErr))
			}
		}
		resultErr = err
		if accounting.IsClientError(err) {
			logger.Warn("auto post rejected", slog.Any("error", err))
			return fmt.Errorf("auto post: %v: %w", err, asynq.SkipRetry)
		}
		logger.Error("auto post failed", slog.Any("error", err))
		return resultErr
	}
	logger.Info("auto post completed",
		slog.String("voucher", voucher.Number),
		slog.String("amount", voucher.DebitTotal.StringFixed(2)))
	return resultErr
}

func (j *AutoPostJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *AutoPostJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAutoPost))
	}
	return slog.Default().With(slog.String("job", TaskAutoPost))
}
