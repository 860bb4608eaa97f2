package queue

import (
	"encoding/json"
	"time"
)

// TaskType defines the type of task
type TaskType string

const (
	TaskTypePollFeed   TaskType = "poll_feed"
	TaskTypeDistribute TaskType = "distribute"
	TaskTypeVerify     TaskType = "verify"
	TaskTypeRenew      TaskType = "renew"
	TaskTypeRelay      TaskType = "relay_user_callback"
)

// TaskStatus defines the status of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusRetrying   TaskStatus = "retrying"
	TaskStatusDead       TaskStatus = "dead"
)

// Task represents one durable unit of background work. Delivery is
// at-least-once; every handler must treat store state as the source of
// truth and short-circuit when the work is already done.
type Task struct {
	ID          string                 `json:"id"`
	Type        TaskType               `json:"type"`
	Status      TaskStatus             `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
	// BackoffSeconds is the per-attempt delay schedule; when the
	// schedule is shorter than MaxRetries the last entry repeats.
	BackoffSeconds []int64 `json:"backoff_seconds,omitempty"`
}

// MarkAsProcessing marks the task as currently being processed
func (t *Task) MarkAsProcessing() {
	now := time.Now()
	t.Status = TaskStatusProcessing
	t.ProcessedAt = &now
	t.UpdatedAt = now
}

// MarkAsFailed records a failed attempt
func (t *Task) MarkAsFailed(errorMsg string) {
	t.Status = TaskStatusFailed
	t.ErrorMsg = errorMsg
	t.RetryCount++
	t.UpdatedAt = time.Now()
}

// MarkAsRetrying marks the task as scheduled for another attempt
func (t *Task) MarkAsRetrying() {
	t.Status = TaskStatusRetrying
	t.UpdatedAt = time.Now()
}

// MarkAsCompleted marks the task as successfully finished
func (t *Task) MarkAsCompleted() {
	now := time.Now()
	t.Status = TaskStatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// MarkAsDead marks the task as out of retry budget
func (t *Task) MarkAsDead() {
	t.Status = TaskStatusDead
	t.UpdatedAt = time.Now()
}

// IsRetryable reports whether the task has retry budget left
func (t *Task) IsRetryable() bool {
	return t.Status == TaskStatusFailed && t.RetryCount < t.MaxRetries
}

// NextRetryDelay returns the delay before the attempt numbered
// t.RetryCount (1-based), following the backoff schedule.
func (t *Task) NextRetryDelay() time.Duration {
	if len(t.BackoffSeconds) == 0 {
		// Linear fallback when no schedule was supplied.
		return time.Duration(t.RetryCount) * time.Minute
	}
	idx := t.RetryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(t.BackoffSeconds) {
		idx = len(t.BackoffSeconds) - 1
	}
	return time.Duration(t.BackoffSeconds[idx]) * time.Second
}

// DistributionBackoffSeconds is the delivery retry schedule. Deliveries are
// enqueued with MaxRetries = len(schedule), i.e. four attempts in all: the
// initial one plus retries after 1 s, 10 s and 60 s. The 600 s entry only
// applies to a task whose MaxRetries exceeds the schedule length.
var DistributionBackoffSeconds = []int64{1, 10, 60, 600}

// PollFeedPayload triggers one poll of one feed
type PollFeedPayload struct {
	FeedID string `json:"feed_id"`
}

// DistributePayload delivers one content payload to one subscriber
type DistributePayload struct {
	SubscriptionID string `json:"subscription_id"`
	Topic          string `json:"topic"`
	ContentType    string `json:"content_type"`
	Body           []byte `json:"body"`
}

// VerifyPayload executes a verification GET against a subscriber callback
type VerifyPayload struct {
	SubscriptionID string `json:"subscription_id"`
	Mode           string `json:"mode"`
	Topic          string `json:"topic"`
	Challenge      string `json:"challenge"`
	LeaseSeconds   int    `json:"lease_seconds,omitempty"`
	// Token identifies the verification round; a row whose token moved
	// on makes this message stale.
	Token string `json:"token"`
}

// RenewPayload refreshes an outbound subscription against its hub
type RenewPayload struct {
	ExternalSubscriptionID string `json:"external_subscription_id"`
}

// RelayPayload forwards external content to a user-provided URL
type RelayPayload struct {
	UserCallbackID string `json:"user_callback_id"`
	Topic          string `json:"topic"`
	ContentType    string `json:"content_type"`
	Body           []byte `json:"body"`
}

// ToMap converts the payload to a map for storage
func (p PollFeedPayload) ToMap() map[string]interface{} { return toMap(p) }

// ToMap converts the payload to a map for storage
func (p DistributePayload) ToMap() map[string]interface{} { return toMap(p) }

// ToMap converts the payload to a map for storage
func (p VerifyPayload) ToMap() map[string]interface{} { return toMap(p) }

// ToMap converts the payload to a map for storage
func (p RenewPayload) ToMap() map[string]interface{} { return toMap(p) }

// ToMap converts the payload to a map for storage
func (p RelayPayload) ToMap() map[string]interface{} { return toMap(p) }

// PollFeedPayloadFromMap creates a payload from a stored map
func PollFeedPayloadFromMap(data map[string]interface{}) (*PollFeedPayload, error) {
	var p PollFeedPayload
	return &p, fromMap(data, &p)
}

// DistributePayloadFromMap creates a payload from a stored map
func DistributePayloadFromMap(data map[string]interface{}) (*DistributePayload, error) {
	var p DistributePayload
	return &p, fromMap(data, &p)
}

// VerifyPayloadFromMap creates a payload from a stored map
func VerifyPayloadFromMap(data map[string]interface{}) (*VerifyPayload, error) {
	var p VerifyPayload
	return &p, fromMap(data, &p)
}

// RenewPayloadFromMap creates a payload from a stored map
func RenewPayloadFromMap(data map[string]interface{}) (*RenewPayload, error) {
	var p RenewPayload
	return &p, fromMap(data, &p)
}

// RelayPayloadFromMap creates a payload from a stored map
func RelayPayloadFromMap(data map[string]interface{}) (*RelayPayload, error) {
	var p RelayPayload
	return &p, fromMap(data, &p)
}

// toMap and fromMap round-trip through JSON so []byte fields keep their
// base64 form in both directions.
func toMap(v interface{}) map[string]interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func fromMap(data map[string]interface{}, out interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
