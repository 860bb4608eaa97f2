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
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/queue"
)

// subscribeAndVerify runs the full subscribe + challenge round-trip
// against the given callback URL.
func subscribeAndVerify(t *testing.T, e *Engine, q interface {
	TasksOfType(queue.TaskType) []*queue.Task
}, topic string, callback string) *models.Subscription {
	t.Helper()

	result, err := e.ProcessSubscriptionRequest(context.Background(), models.ModeSubscribe, topic, callback, 3600, "")
	require.NoError(t, err)

	tasks := q.TasksOfType(queue.TaskTypeVerify)
	require.NotEmpty(t, tasks)
	require.NoError(t, e.HandleVerify(context.Background(), tasks[len(tasks)-1]))

	sub, err := e.repos.Subscription.GetByID(result.SubscriptionID)
	require.NoError(t, err)
	return sub
}

func TestHandleVerifySubscribeHappyPath(t *testing.T) {
	e, q := newTestEngine()

	var seen *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		fmt.Fprint(w, r.URL.Query().Get("hub.challenge"))
	}))
	defer srv.Close()

	before := time.Now()
	sub := subscribeAndVerify(t, e, q, "https://ex.com/a", srv.URL)

	require.NotNil(t, seen)
	query := seen.URL.Query()
	assert.Equal(t, "subscribe", query.Get("hub.mode"))
	assert.Equal(t, "https://ex.com/a", query.Get("hub.topic"))
	assert.Equal(t, "3600", query.Get("hub.lease_seconds"))
	assert.NotEmpty(t, query.Get("hub.challenge"))

	// Verified rows carry no pending verification state.
	assert.True(t, sub.Verified)
	assert.Empty(t, sub.VerificationToken)
	assert.Nil(t, sub.VerificationExpires)

	// expires ~ now + lease
	assert.WithinDuration(t, before.Add(time.Hour), sub.Expires, 10*time.Second)
}

func TestHandleVerifySubscribeChallengeMismatch(t *testing.T) {
	e, q := newTestEngine()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "zzz")
	}))
	defer srv.Close()

	sub := subscribeAndVerify(t, e, q, "https://ex.com/a", srv.URL)

	// Third-party subscriber answered wrong: row stays pending with an
	// error mark, and there is no polling fallback for inbound rows.
	assert.False(t, sub.Verified)
	assert.Equal(t, 1, sub.ErrorCount)
	assert.NotEmpty(t, sub.VerificationToken)
	assert.Empty(t, q.TasksOfType(queue.TaskTypePollFeed))
}

func TestHandleVerifyUnsubscribeDeletesDespiteFailure(t *testing.T) {
	e, q := newTestEngine()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Subscriber exists and is verified, but its callback is now dead.
	sub := &models.Subscription{
		Topic: "https://ex.com/a", Callback: srv.URL, Verified: true,
		LeaseSeconds: 3600, Expires: time.Now().Add(time.Hour),
	}
	require.NoError(t, e.repos.Subscription.Create(sub))

	_, err := e.ProcessSubscriptionRequest(context.Background(), models.ModeUnsubscribe,
		"https://ex.com/a", srv.URL, 0, "")
	require.NoError(t, err)

	tasks := q.TasksOfType(queue.TaskTypeVerify)
	require.NotEmpty(t, tasks)
	require.NoError(t, e.HandleVerify(context.Background(), tasks[len(tasks)-1]))

	// A dead callback must not pin the subscription.
	_, err = e.repos.Subscription.GetByID(sub.ID)
	assert.Error(t, err)
}

func TestHandleVerifyStaleTokenDropped(t *testing.T) {
	e, q := newTestEngine()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, r.URL.Query().Get("hub.challenge"))
	}))
	defer srv.Close()

	_, err := e.ProcessSubscriptionRequest(context.Background(), models.ModeSubscribe,
		"https://ex.com/a", srv.URL, 3600, "")
	require.NoError(t, err)

	// A second request rotates the row's token, making the first
	// message stale.
	_, err = e.ProcessSubscriptionRequest(context.Background(), models.ModeSubscribe,
		"https://ex.com/a", srv.URL, 3600, "")
	require.NoError(t, err)

	tasks := q.TasksOfType(queue.TaskTypeVerify)
	require.Len(t, tasks, 2)

	require.NoError(t, e.HandleVerify(context.Background(), tasks[0]))
	assert.Equal(t, 0, calls)

	require.NoError(t, e.HandleVerify(context.Background(), tasks[1]))
	assert.Equal(t, 1, calls)
}

func TestHandleVerifyMissingSubscriptionDropped(t *testing.T) {
	e, _ := newTestEngine()

	payload := queue.VerifyPayload{
		SubscriptionID: "nope", Mode: models.ModeSubscribe,
		Topic: "https://ex.com/a", Challenge: "c", Token: "t",
	}
	err := e.HandleVerify(context.Background(), &queue.Task{Payload: payload.ToMap()})
	assert.NoError(t, err)
}

func TestHandleVerifyOwnCallbackFallsBackToPolling(t *testing.T) {
	e, q := newTestEngine()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// Our own callback answers the challenge wrong...
	mux.HandleFunc("/callback/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "zzz")
	})
	// ...but the topic is a perfectly good feed.
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, `<rss version="2.0"><channel><title>T</title><item><guid>1</guid><title>x</title></item></channel></rss>`)
	})

	e.cfg.BaseURL = srv.URL
	topic := srv.URL + "/feed.xml"

	sub := subscribeAndVerify(t, e, q, topic, srv.URL+"/callback/abc")

	assert.True(t, sub.Verified)

	feed, err := e.repos.Feed.GetByURL(topic)
	require.NoError(t, err)
	assert.True(t, feed.Active)
	assert.Len(t, q.TasksOfType(queue.TaskTypePollFeed), 1)
}
