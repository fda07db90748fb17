package jobs

import (
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/integration"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries postings, which are processed ahead of maintenance work.
	QueueCritical = "critical"

	// TaskAutoPost records a business document in the ledger.
	TaskAutoPost = "ledger:auto_post"
	// TaskIntegrity runs the GL integrity check.
	TaskIntegrity = "ledger:integrity"
)

// AutoPostPayload is the queued form of an auto-post request.
type AutoPostPayload struct {
	integration.AutoPostInput
}

// IdempotencyKey identifies the business document of the payload.
func (p AutoPostPayload) IdempotencyKey() string {
	return integration.SourceKey(p.SourceType, p.SourceID)
}

// IntegrityPayload scopes an integrity run; zero checks every organization.
type IntegrityPayload struct {
	OrganizationID int64 `json:"organization_id"`
}

// NewAutoPostTask constructs an Asynq task. The task id is derived from the
// source so the same document cannot be queued twice while pending.
func NewAutoPostTask(input integration.AutoPostInput) (*asynq.Task, error) {
	if input.SourceType == "" || input.SourceID == "" {
		return nil, errors.New("jobs: auto post requires source type and id")
	}
	payload := AutoPostPayload{AutoPostInput: input}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAutoPost, data,
		asynq.Queue(QueueCritical),
		asynq.TaskID(payload.IdempotencyKey()),
		asynq.MaxRetry(5),
	), nil
}

// NewIntegrityTask constructs an Asynq task for the GL integrity check.
func NewIntegrityTask(organizationID int64) (*asynq.Task, error) {
	data, err := json.Marshal(IntegrityPayload{OrganizationID: organizationID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIntegrity, data, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
