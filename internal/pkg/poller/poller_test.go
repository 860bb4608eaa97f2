package poller

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superduperfeeder/superduperfeeder/app/models"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/config"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/queue"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/testutil"
)

type recordedNotification struct {
	topic       string
	body        string
	contentType string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []recordedNotification
}

func (f *fakeNotifier) ProcessContentNotification(ctx context.Context, topic string, body []byte, contentType string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedNotification{topic: topic, body: string(body), contentType: contentType})
	return 1, nil
}

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
		FetchTimeout:                  5 * time.Second,
		RenewalWindow:                 time.Hour,
		ExpiredGrace:                  24 * time.Hour,
		QueueWorkers:                  1,
	}
}

func newTestPoller() (*Poller, *testutil.FakeQueue, *fakeNotifier) {
	q := &testutil.FakeQueue{}
	n := &fakeNotifier{}
	p := New(testConfig(), testutil.NewRepositories(), q, n)
	return p, q, n
}

const feedPage1 = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Example Blog</title>
    <description>Blog of examples</description>
    <item><title>Post 2</title><link>https://ex.com/2</link><guid>post-2</guid><pubDate>Tue, 02 Jan 2024 10:00:00 GMT</pubDate></item>
    <item><title>Post 1</title><link>https://ex.com/1</link><guid>post-1</guid><pubDate>Mon, 01 Jan 2024 10:00:00 GMT</pubDate></item>
  </channel>
</rss>`

const feedPage2 = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Example Blog</title>
    <item><title>Post 3</title><link>https://ex.com/3</link><guid>post-3</guid><pubDate>Wed, 03 Jan 2024 10:00:00 GMT</pubDate></item>
    <item><title>Post 2</title><link>https://ex.com/2</link><guid>post-2</guid><pubDate>Tue, 02 Jan 2024 10:00:00 GMT</pubDate></item>
    <item><title>Post 1</title><link>https://ex.com/1</link><guid>post-1</guid><pubDate>Mon, 01 Jan 2024 10:00:00 GMT</pubDate></item>
  </channel>
</rss>`

func createFeed(t *testing.T, p *Poller, url string) *models.Feed {
	t.Helper()
	feed := &models.Feed{
		URL:                    url,
		PollingIntervalMinutes: 60,
		Active:                 true,
	}
	require.NoError(t, p.repos.Feed.Create(feed))
	return feed
}

func TestPollCreatesItemsAndNotifies(t *testing.T) {
	p, _, n := newTestPoller()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "SuperDuperFeeder/")
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, feedPage1)
	}))
	defer srv.Close()

	feed := createFeed(t, p, srv.URL)
	require.NoError(t, p.poll(context.Background(), feed))

	// Both entries landed exactly once.
	for _, guid := range []string{"post-1", "post-2"} {
		item, err := p.repos.FeedItem.GetByFeedAndGUID(feed.ID, guid)
		require.NoError(t, err, guid)
		assert.Equal(t, feed.ID, item.FeedID)
	}

	updated, err := p.repos.Feed.GetByID(feed.ID)
	require.NoError(t, err)
	assert.Equal(t, "Example Blog", updated.Title)
	assert.Equal(t, `"abc"`, updated.ETag)
	assert.Equal(t, "post-2", updated.LastProcessedEntryID)
	assert.Zero(t, updated.ErrorCount)
	require.NotNil(t, updated.LastFetched)
	require.NotNil(t, updated.LastUpdated)

	// One synthesized notification carrying the original bytes.
	require.Len(t, n.calls, 1)
	assert.Equal(t, srv.URL, n.calls[0].topic)
	assert.Equal(t, feedPage1, n.calls[0].body)
	assert.Equal(t, "application/rss+xml", n.calls[0].contentType)
}

func TestPollNotModifiedShortCircuits(t *testing.T) {
	p, _, n := newTestPoller()

	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		fmt.Fprint(w, feedPage1)
	}))
	defer srv.Close()

	feed := createFeed(t, p, srv.URL)
	require.NoError(t, p.poll(context.Background(), feed))
	require.Len(t, n.calls, 1)

	// Second poll with no upstream change: 304, no items, no notification.
	fresh, err := p.repos.Feed.GetByID(feed.ID)
	require.NoError(t, err)
	require.NoError(t, p.poll(context.Background(), fresh))

	assert.Equal(t, 2, polls)
	assert.Len(t, n.calls, 1)

	final, err := p.repos.Feed.GetByID(feed.ID)
	require.NoError(t, err)
	assert.Zero(t, final.ErrorCount)
	count, err := p.repos.FeedItem.CountByFeed(feed.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestPollStopsAtLastProcessedEntry(t *testing.T) {
	p, _, n := newTestPoller()

	page := feedPage1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page)
	}))
	defer srv.Close()

	feed := createFeed(t, p, srv.URL)
	require.NoError(t, p.poll(context.Background(), feed))
	require.Len(t, n.calls, 1)

	// New entry on top; the walk stops at post-2 and ingests only post-3.
	page = feedPage2
	fresh, err := p.repos.Feed.GetByID(feed.ID)
	require.NoError(t, err)
	require.NoError(t, p.poll(context.Background(), fresh))

	require.Len(t, n.calls, 2)
	final, err := p.repos.Feed.GetByID(feed.ID)
	require.NoError(t, err)
	assert.Equal(t, "post-3", final.LastProcessedEntryID)

	count, err := p.repos.FeedItem.CountByFeed(feed.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestPollPromotesWebSubFeed(t *testing.T) {
	p, _, _ := newTestPoller()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?>
<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom">
  <channel>
    <title>Pushed Blog</title>
    <atom:link rel="hub" href="https://hub.example.com/"/>
    <item><title>Post</title><guid>p1</guid><link>https://ex.com/1</link></item>
  </channel>
</rss>`)
	}))
	defer srv.Close()

	feed := createFeed(t, p, srv.URL)
	require.NoError(t, p.poll(context.Background(), feed))

	updated, err := p.repos.Feed.GetByID(feed.ID)
	require.NoError(t, err)
	assert.True(t, updated.SupportsWebSub)
	assert.Equal(t, "https://hub.example.com/", updated.WebSubHub)

	// Promoted feeds are never due again.
	assert.False(t, updated.Due(time.Now().Add(365*24*time.Hour)))
}

func TestPollUpstreamErrorMarksFeed(t *testing.T) {
	p, _, n := newTestPoller()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	feed := createFeed(t, p, srv.URL)
	err := p.poll(context.Background(), feed)
	require.Error(t, err)

	updated, gerr := p.repos.Feed.GetByID(feed.ID)
	require.NoError(t, gerr)
	assert.Equal(t, 1, updated.ErrorCount)
	assert.NotEmpty(t, updated.LastError)
	assert.Empty(t, n.calls)
}

func TestEnqueueDueFeeds(t *testing.T) {
	p, q, _ := newTestPoller()

	due := createFeed(t, p, "https://due.example.com/feed")

	pushed := createFeed(t, p, "https://pushed.example.com/feed")
	pushed.SupportsWebSub = true
	require.NoError(t, p.repos.Feed.Update(pushed))

	recent := createFeed(t, p, "https://recent.example.com/feed")
	now := time.Now()
	recent.LastFetched = &now
	require.NoError(t, p.repos.Feed.Update(recent))

	count, err := p.EnqueueDueFeeds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	tasks := q.TasksOfType(queue.TaskTypePollFeed)
	require.Len(t, tasks, 1)
	payload, err := queue.PollFeedPayloadFromMap(tasks[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, due.ID, payload.FeedID)
}
