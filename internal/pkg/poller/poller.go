package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/Songmu/go-httpdate"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/superduperfeeder/superduperfeeder/app/models"
	"github.com/superduperfeeder/superduperfeeder/app/repository"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/cache"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/config"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/feedparse"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/queue"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/version"
)

const (
	pollLeasePrefix = "poll_lease:"
	pollLeaseTTL    = 2 * time.Minute

	// maxJitter spreads feeds that share a deadline: the recorded fetch
	// time is backdated by a uniform random offset.
	maxJitter = 5 * time.Minute

	maxBodyBytes = 10 << 20
)

// Notifier receives synthesized content notifications when a poll finds
// new entries. The hub engine implements it.
type Notifier interface {
	ProcessContentNotification(ctx context.Context, topic string, body []byte, contentType string) (int, error)
}

// Enqueuer is the slice of the task queue the poller needs.
type Enqueuer interface {
	Enqueue(taskType queue.TaskType, payload map[string]interface{}, opts *queue.EnqueueOptions) (*queue.Task, error)
}

// Poller fetches feeds that advertise no hub, detects new entries and
// synthesizes publish notifications for them.
type Poller struct {
	cfg      *config.Config
	repos    *repository.Repositories
	queue    Enqueuer
	notifier Notifier
	client   *http.Client
}

// New creates the polling engine.
func New(cfg *config.Config, repos *repository.Repositories, q Enqueuer, notifier Notifier) *Poller {
	return &Poller{
		cfg:      cfg,
		repos:    repos,
		queue:    q,
		notifier: notifier,
		client:   &http.Client{Timeout: cfg.FetchTimeout},
	}
}

// RegisterHandlers installs the poller's queue handlers.
func (p *Poller) RegisterHandlers(q *queue.Queue) {
	q.Register(queue.TaskTypePollFeed, p.HandlePollFeed)
}

// Attempts for an optimistic-concurrency write before giving up.
const casAttempts = 5

// updateFeed re-reads the row and applies mutate under the store's
// version guard, retrying when a concurrent writer (another handler,
// the admin surface) got there first. The poll pipeline never commits
// the copy it cached across the feed fetch, so a toggle or reset that
// landed mid-poll survives. mutate returns false to abandon the write.
func (p *Poller) updateFeed(id string, mutate func(*models.Feed) bool) error {
	for attempt := 0; ; attempt++ {
		feed, err := p.repos.Feed.GetByID(id)
		if err != nil {
			return err
		}
		if !mutate(feed) {
			return nil
		}
		err = p.repos.Feed.Update(feed)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrStaleRow) || attempt == casAttempts-1 {
			return err
		}
		time.Sleep(time.Duration(1<<attempt) * 10 * time.Millisecond)
	}
}

// EnqueueDueFeeds queues one poll task per due feed. The poll itself
// runs off the queue for backpressure and retries.
func (p *Poller) EnqueueDueFeeds(ctx context.Context) (int, error) {
	feeds, err := p.repos.Feed.GetDue(time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to list due feeds: %w", err)
	}

	count := 0
	for _, feed := range feeds {
		payload := queue.PollFeedPayload{FeedID: feed.ID}
		if _, err := p.queue.Enqueue(queue.TaskTypePollFeed, payload.ToMap(), nil); err != nil {
			log.Errorf("[Poller] Failed to enqueue poll for feed %s: %v", feed.ID, err)
			continue
		}
		count++
	}
	return count, nil
}

// ForcePoll queues an immediate poll for one feed, bypassing the
// interval check. Used by the admin surface.
func (p *Poller) ForcePoll(feedID string) error {
	payload := queue.PollFeedPayload{FeedID: feedID}
	_, err := p.queue.Enqueue(queue.TaskTypePollFeed, payload.ToMap(), nil)
	return err
}

// HandlePollFeed runs the poll pipeline for one feed. A short-lived
// Redis lease keeps two workers from polling the same feed at once.
func (p *Poller) HandlePollFeed(ctx context.Context, task *queue.Task) error {
	payload, err := queue.PollFeedPayloadFromMap(task.Payload)
	if err != nil {
		return fmt.Errorf("malformed poll payload: %w", err)
	}

	feed, err := p.repos.Feed.GetByID(payload.FeedID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load feed %s: %w", payload.FeedID, err)
	}

	if !feed.Active || feed.SupportsWebSub {
		// Deactivated or promoted to WebSub since the task was queued.
		return nil
	}

	leaseKey := pollLeasePrefix + feed.ID
	ok, err := cache.SetNX(leaseKey, 1, pollLeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire poll lease for %s: %w", feed.ID, err)
	}
	if !ok {
		log.Debugf("[Poller] Feed %s is already being polled", feed.ID)
		return nil
	}
	defer cache.Delete(leaseKey)

	return p.poll(ctx, feed)
}

func (p *Poller) poll(ctx context.Context, feed *models.Feed) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return p.markError(feed, fmt.Sprintf("invalid feed URL: %v", err))
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if feed.ETag != "" {
		req.Header.Set("If-None-Match", feed.ETag)
	}
	if feed.LastModified != "" {
		req.Header.Set("If-Modified-Since", feed.LastModified)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return p.markError(feed, fmt.Sprintf("fetch failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		err := p.updateFeed(feed.ID, func(f *models.Feed) bool {
			p.touch(f)
			return true
		})
		if err != nil {
			return fmt.Errorf("failed to update feed %s: %w", feed.ID, err)
		}
		log.Debugf("[Poller] Feed %s not modified", feed.URL)
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return p.markError(feed, fmt.Sprintf("feed returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return p.markError(feed, fmt.Sprintf("read failed: %v", err))
	}

	parsed, err := feedparse.Parse(body, feed.URL)
	if err != nil {
		return p.markError(feed, fmt.Sprintf("parse failed: %v", err))
	}

	if parsed.HubURL != "" {
		log.Infof("[Poller] Feed %s advertises WebSub hub %s, leaving polling set", feed.URL, parsed.HubURL)
	}

	etag := resp.Header.Get("ETag")
	lastModified := ""
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		// Normalize whatever date format upstream sent to RFC 1123.
		if d, err := httpdate.Str2Time(lm, nil); err == nil && !d.IsZero() {
			lastModified = d.UTC().Format(http.TimeFormat)
		}
	}

	newCount, latestGUID, err := p.ingestEntries(feed, parsed.Entries)
	if err != nil {
		return err
	}

	// Commit the poll outcome onto a fresh row, never the copy held
	// across the fetch; a concurrent toggle or reset keeps its fields.
	err = p.updateFeed(feed.ID, func(f *models.Feed) bool {
		if parsed.Title != "" {
			f.Title = parsed.Title
		}
		if parsed.Description != "" {
			f.Description = parsed.Description
		}
		// A feed that starts advertising a hub leaves the polling set
		// for good; the hub pushes from here on.
		if parsed.HubURL != "" {
			f.SupportsWebSub = true
			f.WebSubHub = parsed.HubURL
		}
		if etag != "" {
			f.ETag = etag
		}
		if lastModified != "" {
			f.LastModified = lastModified
		}
		if latestGUID != "" {
			f.LastProcessedEntryID = latestGUID
		}
		if newCount > 0 {
			now := time.Now()
			f.LastUpdated = &now
		}
		p.touch(f)
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to update feed %s: %w", feed.ID, err)
	}

	if newCount > 0 {
		contentType := resp.Header.Get("Content-Type")
		if _, err := p.notifier.ProcessContentNotification(ctx, feed.URL, body, contentType); err != nil {
			return fmt.Errorf("failed to notify subscribers of %s: %w", feed.URL, err)
		}
		log.Infof("[Poller] Feed %s: %d new entries", feed.URL, newCount)
	}

	return nil
}

// ingestEntries upserts entries by (feed, guid), returning the number
// of genuinely new entries and the guid of the most recent entry seen
// this cycle. The walk stops at the feed's last processed entry; the
// remainder is already known.
func (p *Poller) ingestEntries(feed *models.Feed, entries []feedparse.Entry) (int, string, error) {
	newCount := 0
	latestGUID := ""
	var latestAt time.Time

	for _, entry := range entries {
		if entry.GUID == feed.LastProcessedEntryID && feed.LastProcessedEntryID != "" {
			break
		}

		if latestGUID == "" || entry.Effective().After(latestAt) {
			latestGUID = entry.GUID
			latestAt = entry.Effective()
		}

		existing, err := p.repos.FeedItem.GetByFeedAndGUID(feed.ID, entry.GUID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return newCount, latestGUID, fmt.Errorf("failed to look up item %s: %w", entry.GUID, err)
		}

		if existing != nil {
			// Re-observation only counts when strictly newer.
			newer := entry.Updated != nil &&
				(existing.Updated == nil || entry.Updated.After(*existing.Updated))
			if !newer {
				continue
			}
			existing.URL = entry.URL
			existing.Title = entry.Title
			existing.Author = entry.Author
			existing.Updated = entry.Updated
			existing.Categories = entry.Categories
			if err := p.repos.FeedItem.Update(existing); err != nil {
				if errors.Is(err, repository.ErrStaleRow) {
					// Another observation of the same entry won; the
					// poll lease makes this a non-event.
					continue
				}
				return newCount, latestGUID, fmt.Errorf("failed to update item %s: %w", entry.GUID, err)
			}
			continue
		}

		item := &models.FeedItem{
			FeedID:     feed.ID,
			GUID:       entry.GUID,
			URL:        entry.URL,
			Title:      entry.Title,
			Author:     entry.Author,
			Published:  entry.Published,
			Updated:    entry.Updated,
			Categories: entry.Categories,
		}
		if err := p.repos.FeedItem.Create(item); err != nil {
			return newCount, latestGUID, fmt.Errorf("failed to create item %s: %w", entry.GUID, err)
		}
		newCount++
	}

	return newCount, latestGUID, nil
}

// touch records a successful fetch: the timestamp is backdated by a
// random jitter so feeds sharing a deadline drift apart, and error
// state is cleared.
func (p *Poller) touch(feed *models.Feed) {
	t := time.Now().Add(-time.Duration(rand.Int63n(int64(maxJitter))))
	feed.LastFetched = &t
	feed.ErrorCount = 0
	feed.LastError = ""
	feed.LastErrorTime = nil
}

// markError commits an error mark on the feed and returns the error for
// the queue's retry accounting. The counter is incremented on a fresh
// row so concurrent writers are not clobbered.
func (p *Poller) markError(feed *models.Feed, msg string) error {
	err := p.updateFeed(feed.ID, func(f *models.Feed) bool {
		now := time.Now()
		f.ErrorCount++
		f.LastError = msg
		f.LastErrorTime = &now
		return true
	})
	if err != nil {
		log.Errorf("[Poller] Failed to record error on feed %s: %v", feed.ID, err)
	}
	return fmt.Errorf("poll of %s failed: %s", feed.URL, msg)
}
