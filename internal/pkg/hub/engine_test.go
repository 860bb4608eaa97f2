package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superduperfeeder/superduperfeeder/app/models"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/config"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/queue"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/testutil"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                          "4000",
		BaseURL:                       "http://hub.local",
		HubURL:                        "http://hub.local",
		DefaultLeaseSeconds:           86400,
		MaxLeaseSeconds:               2592000,
		DefaultPollingIntervalMinutes: 60,
		MinPollingIntervalMinutes:     15,
		WebhookTimeout:                5 * time.Second,
		WebhookRetries:                3,
		FetchTimeout:                  5 * time.Second,
		RenewalWindow:                 time.Hour,
		ExpiredGrace:                  24 * time.Hour,
		QueueWorkers:                  1,
	}
}

func newTestEngine() (*Engine, *testutil.FakeQueue) {
	q := &testutil.FakeQueue{}
	e := New(testConfig(), testutil.NewRepositories(), q)
	return e, q
}

func TestProcessSubscriptionRequestValidation(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	tests := []struct {
		name     string
		mode     string
		topic    string
		callback string
		lease    int
		secret   string
	}{
		{"bad mode", "publishh", "https://ex.com/a", "https://sub.ex/cb", 0, ""},
		{"relative topic", models.ModeSubscribe, "/a", "https://sub.ex/cb", 0, ""},
		{"relative callback", models.ModeSubscribe, "https://ex.com/a", "cb", 0, ""},
		{"lease too large", models.ModeSubscribe, "https://ex.com/a", "https://sub.ex/cb", 2592001, ""},
		{"negative lease", models.ModeSubscribe, "https://ex.com/a", "https://sub.ex/cb", -5, ""},
		{"oversized secret", models.ModeSubscribe, "https://ex.com/a", "https://sub.ex/cb", 0, string(make([]byte, 201))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ProcessSubscriptionRequest(ctx, tt.mode, tt.topic, tt.callback, tt.lease, tt.secret)
			require.Error(t, err)
			assert.True(t, IsClientError(err))
		})
	}
}

func TestProcessSubscriptionRequestCreatesPendingRow(t *testing.T) {
	e, q := newTestEngine()
	ctx := context.Background()

	result, err := e.ProcessSubscriptionRequest(ctx, models.ModeSubscribe,
		"https://ex.com/a", "https://sub.ex/cb", 3600, "s3cret")
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	require.NotEmpty(t, result.SubscriptionID)

	sub, err := e.repos.Subscription.GetByTopicAndCallback("https://ex.com/a", "https://sub.ex/cb")
	require.NoError(t, err)
	assert.False(t, sub.Verified)
	assert.Equal(t, 3600, sub.LeaseSeconds)
	assert.NotEmpty(t, sub.VerificationToken)
	require.NotNil(t, sub.VerificationExpires)

	// The Verify task is durably queued before the request returns.
	tasks := q.TasksOfType(queue.TaskTypeVerify)
	require.Len(t, tasks, 1)
	p, err := queue.VerifyPayloadFromMap(tasks[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, p.SubscriptionID)
	assert.Equal(t, models.ModeSubscribe, p.Mode)
	assert.Equal(t, sub.VerificationToken, p.Token)
	assert.NotEmpty(t, p.Challenge)
}

func TestProcessSubscriptionRequestUnsubscribeUnknown(t *testing.T) {
	e, q := newTestEngine()

	result, err := e.ProcessSubscriptionRequest(context.Background(), models.ModeUnsubscribe,
		"https://ex.com/a", "https://sub.ex/cb", 0, "")
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Empty(t, result.SubscriptionID)
	assert.Empty(t, q.TasksOfType(queue.TaskTypeVerify))
}

func TestProcessContentNotificationFansOutToVerifiedOnly(t *testing.T) {
	e, q := newTestEngine()

	require.NoError(t, e.repos.Subscription.Create(&models.Subscription{
		Topic: "https://ex.com/a", Callback: "https://sub1.ex/cb", Verified: true,
		LeaseSeconds: 3600, Expires: time.Now().Add(time.Hour),
	}))
	require.NoError(t, e.repos.Subscription.Create(&models.Subscription{
		Topic: "https://ex.com/a", Callback: "https://sub2.ex/cb", Verified: false,
		LeaseSeconds: 3600, Expires: time.Now().Add(time.Hour),
	}))
	require.NoError(t, e.repos.Subscription.Create(&models.Subscription{
		Topic: "https://ex.com/other", Callback: "https://sub3.ex/cb", Verified: true,
		LeaseSeconds: 3600, Expires: time.Now().Add(time.Hour),
	}))

	count, err := e.ProcessContentNotification(context.Background(),
		"https://ex.com/a", []byte("<rss/>"), "application/rss+xml")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	tasks := q.TasksOfType(queue.TaskTypeDistribute)
	require.Len(t, tasks, 1)
	assert.Equal(t, queue.DistributionBackoffSeconds, tasks[0].BackoffSeconds)
	assert.Equal(t, len(queue.DistributionBackoffSeconds), tasks[0].MaxRetries)
}

func TestProcessPublishRequestFetchesTopic(t *testing.T) {
	e, q := newTestEngine()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "SuperDuperFeeder/")
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, "<rss>fresh</rss>")
	}))
	defer srv.Close()

	require.NoError(t, e.repos.Subscription.Create(&models.Subscription{
		Topic: srv.URL, Callback: "https://sub.ex/cb", Verified: true,
		LeaseSeconds: 3600, Expires: time.Now().Add(time.Hour),
	}))

	count, err := e.ProcessPublishRequest(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	tasks := q.TasksOfType(queue.TaskTypeDistribute)
	require.Len(t, tasks, 1)
	p, err := queue.DistributePayloadFromMap(tasks[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "<rss>fresh</rss>", string(p.Body))
	assert.Equal(t, "application/rss+xml", p.ContentType)
}

func TestProcessPublishRequestUpstreamFailure(t *testing.T) {
	e, _ := newTestEngine()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := e.ProcessPublishRequest(context.Background(), srv.URL)
	require.Error(t, err)
	assert.False(t, IsClientError(err))
}

func TestClearExpiredSubscriptions(t *testing.T) {
	e, _ := newTestEngine()

	require.NoError(t, e.repos.Subscription.Create(&models.Subscription{
		Topic: "https://ex.com/a", Callback: "https://sub.ex/old", Verified: true,
		LeaseSeconds: 60, Expires: time.Now().Add(-48 * time.Hour),
	}))
	require.NoError(t, e.repos.Subscription.Create(&models.Subscription{
		Topic: "https://ex.com/a", Callback: "https://sub.ex/fresh", Verified: true,
		LeaseSeconds: 3600, Expires: time.Now().Add(time.Hour),
	}))

	n, err := e.ClearExpiredSubscriptions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = e.repos.Subscription.GetByTopicAndCallback("https://ex.com/a", "https://sub.ex/fresh")
	assert.NoError(t, err)
}
