package hub

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superduperfeeder/superduperfeeder/app/models"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/queue"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/security"
)

func distributeTask(subID string, body string) *queue.Task {
	payload := queue.DistributePayload{
		SubscriptionID: subID,
		Topic:          "https://ex.com/a",
		ContentType:    "application/rss+xml",
		Body:           []byte(body),
	}
	return &queue.Task{
		Payload:        payload.ToMap(),
		MaxRetries:     len(queue.DistributionBackoffSeconds),
		BackoffSeconds: queue.DistributionBackoffSeconds,
	}
}

func TestHandleDistributeDeliversVerbatim(t *testing.T) {
	e, _ := newTestEngine()

	type received struct {
		body        string
		contentType string
		link        string
		signature   string
		userAgent   string
	}
	var got received

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = received{
			body:        string(b),
			contentType: r.Header.Get("Content-Type"),
			link:        r.Header.Get("Link"),
			signature:   r.Header.Get("X-Hub-Signature"),
			userAgent:   r.Header.Get("User-Agent"),
		}
	}))
	defer srv.Close()

	sub := &models.Subscription{
		Topic: "https://ex.com/a", Callback: srv.URL, Verified: true,
		Secret:       []byte("s3cret"),
		LeaseSeconds: 3600, Expires: time.Now().Add(time.Hour),
	}
	require.NoError(t, e.repos.Subscription.Create(sub))

	body := `<rss version="2.0"></rss>`
	require.NoError(t, e.HandleDistribute(context.Background(), distributeTask(sub.ID, body)))

	assert.Equal(t, body, got.body)
	assert.Equal(t, "application/rss+xml", got.contentType)
	assert.Equal(t, `<https://ex.com/a>; rel="self", <http://hub.local>; rel="hub"`, got.link)
	assert.Equal(t, security.HubSignature([]byte("s3cret"), []byte(body)), got.signature)
	assert.Contains(t, got.userAgent, "SuperDuperFeeder/")
}

func TestHandleDistributeNoSignatureWithoutSecret(t *testing.T) {
	e, _ := newTestEngine()

	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get("X-Hub-Signature")
	}))
	defer srv.Close()

	sub := &models.Subscription{
		Topic: "https://ex.com/a", Callback: srv.URL, Verified: true,
		LeaseSeconds: 3600, Expires: time.Now().Add(time.Hour),
	}
	require.NoError(t, e.repos.Subscription.Create(sub))

	require.NoError(t, e.HandleDistribute(context.Background(), distributeTask(sub.ID, "<rss/>")))
	assert.Empty(t, signature)
}

func TestHandleDistributeFailureMarksSubscription(t *testing.T) {
	e, _ := newTestEngine()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sub := &models.Subscription{
		Topic: "https://ex.com/a", Callback: srv.URL, Verified: true,
		LeaseSeconds: 3600, Expires: time.Now().Add(time.Hour),
	}
	require.NoError(t, e.repos.Subscription.Create(sub))

	err := e.HandleDistribute(context.Background(), distributeTask(sub.ID, "<rss/>"))
	require.Error(t, err)

	updated, gerr := e.repos.Subscription.GetByID(sub.ID)
	require.NoError(t, gerr)
	assert.Equal(t, 1, updated.ErrorCount)
	assert.NotEmpty(t, updated.LastError)
	require.NotNil(t, updated.LastErrorTime)
}

func TestHandleDistributeSuccessClearsErrorMark(t *testing.T) {
	e, _ := newTestEngine()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	now := time.Now()
	sub := &models.Subscription{
		Topic: "https://ex.com/a", Callback: srv.URL, Verified: true,
		LeaseSeconds: 3600, Expires: time.Now().Add(time.Hour),
		ErrorCount: 3, LastError: "subscriber returned status 503", LastErrorTime: &now,
	}
	require.NoError(t, e.repos.Subscription.Create(sub))

	require.NoError(t, e.HandleDistribute(context.Background(), distributeTask(sub.ID, "<rss/>")))

	updated, err := e.repos.Subscription.GetByID(sub.ID)
	require.NoError(t, err)
	assert.Zero(t, updated.ErrorCount)
	assert.Empty(t, updated.LastError)
	assert.Nil(t, updated.LastErrorTime)
}

func TestHandleDistributeDroppedForMissingOrUnverified(t *testing.T) {
	e, _ := newTestEngine()

	// Missing row: no error, nothing delivered.
	require.NoError(t, e.HandleDistribute(context.Background(), distributeTask("gone", "<rss/>")))

	// Unverified row: dropped as well.
	sub := &models.Subscription{
		Topic: "https://ex.com/a", Callback: "https://sub.ex/cb", Verified: false,
		LeaseSeconds: 3600, Expires: time.Now().Add(time.Hour),
	}
	require.NoError(t, e.repos.Subscription.Create(sub))
	require.NoError(t, e.HandleDistribute(context.Background(), distributeTask(sub.ID, "<rss/>")))
}
