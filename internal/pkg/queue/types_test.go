package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskType(t *testing.T) {
	tests := []struct {
		name     string
		taskType TaskType
		expected string
	}{
		{"Poll Feed", TaskTypePollFeed, "poll_feed"},
		{"Distribute", TaskTypeDistribute, "distribute"},
		{"Verify", TaskTypeVerify, "verify"},
		{"Renew", TaskTypeRenew, "renew"},
		{"Relay", TaskTypeRelay, "relay_user_callback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(tt.taskType))
		})
	}
}

func TestTask_IsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		task      *Task
		retryable bool
	}{
		{
			name:      "failed task with retries remaining",
			task:      &Task{Status: TaskStatusFailed, RetryCount: 1, MaxRetries: 3},
			retryable: true,
		},
		{
			name:      "failed task with no retries remaining",
			task:      &Task{Status: TaskStatusFailed, RetryCount: 3, MaxRetries: 3},
			retryable: false,
		},
		{
			name:      "completed task",
			task:      &Task{Status: TaskStatusCompleted, RetryCount: 1, MaxRetries: 3},
			retryable: false,
		},
		{
			name:      "pending task",
			task:      &Task{Status: TaskStatusPending, RetryCount: 0, MaxRetries: 3},
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.task.IsRetryable())
		})
	}
}

func TestTask_NextRetryDelay(t *testing.T) {
	tests := []struct {
		name     string
		task     *Task
		expected time.Duration
	}{
		{
			name:     "first retry of the distribution schedule",
			task:     &Task{RetryCount: 1, BackoffSeconds: DistributionBackoffSeconds},
			expected: time.Second,
		},
		{
			name:     "second retry",
			task:     &Task{RetryCount: 2, BackoffSeconds: DistributionBackoffSeconds},
			expected: 10 * time.Second,
		},
		{
			name:     "last schedule entry repeats when exhausted",
			task:     &Task{RetryCount: 9, BackoffSeconds: DistributionBackoffSeconds},
			expected: 600 * time.Second,
		},
		{
			name:     "linear fallback without a schedule",
			task:     &Task{RetryCount: 2},
			expected: 2 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.task.NextRetryDelay())
		})
	}
}

func TestTaskLifecycleMarks(t *testing.T) {
	task := &Task{Status: TaskStatusPending, MaxRetries: 2}

	task.MarkAsProcessing()
	assert.Equal(t, TaskStatusProcessing, task.Status)
	require.NotNil(t, task.ProcessedAt)

	task.MarkAsFailed("boom")
	assert.Equal(t, TaskStatusFailed, task.Status)
	assert.Equal(t, "boom", task.ErrorMsg)
	assert.Equal(t, 1, task.RetryCount)
	assert.True(t, task.IsRetryable())

	task.MarkAsFailed("boom again")
	assert.False(t, task.IsRetryable())

	task.MarkAsDead()
	assert.Equal(t, TaskStatusDead, task.Status)
}

func TestDistributePayloadRoundTrip(t *testing.T) {
	payload := DistributePayload{
		SubscriptionID: "sub-1",
		Topic:          "https://example.com/feed.xml",
		ContentType:    "application/rss+xml",
		Body:           []byte("<rss version=\"2.0\"></rss>"),
	}

	m := payload.ToMap()
	require.NotNil(t, m)

	// The body travels base64-encoded inside the stored map.
	_, isString := m["body"].(string)
	assert.True(t, isString)

	got, err := DistributePayloadFromMap(m)
	require.NoError(t, err)
	assert.Equal(t, payload.SubscriptionID, got.SubscriptionID)
	assert.Equal(t, payload.Topic, got.Topic)
	assert.Equal(t, payload.ContentType, got.ContentType)
	assert.Equal(t, payload.Body, got.Body)
}

func TestVerifyPayloadRoundTrip(t *testing.T) {
	payload := VerifyPayload{
		SubscriptionID: "sub-1",
		Mode:           "subscribe",
		Topic:          "https://example.com/feed.xml",
		Challenge:      "abc123",
		LeaseSeconds:   3600,
		Token:          "tok",
	}

	got, err := VerifyPayloadFromMap(payload.ToMap())
	require.NoError(t, err)
	assert.Equal(t, &payload, got)
}
