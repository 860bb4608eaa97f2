package external

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/superduperfeeder/superduperfeeder/app/models"
	"github.com/superduperfeeder/superduperfeeder/app/repository"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/config"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/discovery"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/queue"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/security"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/version"
)

// Enqueuer is the slice of the task queue the client needs.
type Enqueuer interface {
	Enqueue(taskType queue.TaskType, payload map[string]interface{}, opts *queue.EnqueueOptions) (*queue.Task, error)
}

// Client subscribes to upstream hubs on a user's behalf, accepts their
// callbacks, renews leases and relays content to user-supplied URLs.
// When a topic has no hub, the polling engine stands in (fallback).
type Client struct {
	cfg           *config.Config
	repos         *repository.Repositories
	queue         Enqueuer
	disc          *discovery.Discoverer
	webhookClient *http.Client
}

// New creates the external-subscription client.
func New(cfg *config.Config, repos *repository.Repositories, q Enqueuer, disc *discovery.Discoverer) *Client {
	return &Client{
		cfg:           cfg,
		repos:         repos,
		queue:         q,
		disc:          disc,
		webhookClient: &http.Client{Timeout: cfg.WebhookTimeout},
	}
}

// RegisterHandlers installs the client's queue handlers.
func (c *Client) RegisterHandlers(q *queue.Queue) {
	q.Register(queue.TaskTypeRenew, c.HandleRenew)
	q.Register(queue.TaskTypeRelay, c.HandleRelay)
}

// Attempts for an optimistic-concurrency write before giving up.
const casAttempts = 5

// updateExternalSubscription re-reads the row and applies mutate under
// the store's version guard, retrying when a concurrent writer got
// there first; rows are never written from a copy cached across a
// suspension point. mutate returns false to abandon the write.
func (c *Client) updateExternalSubscription(id string, mutate func(*models.ExternalSubscription) bool) error {
	for attempt := 0; ; attempt++ {
		sub, err := c.repos.ExternalSubscription.GetByID(id)
		if err != nil {
			return err
		}
		if !mutate(sub) {
			return nil
		}
		err = c.repos.ExternalSubscription.Update(sub)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrStaleRow) || attempt == casAttempts-1 {
			return err
		}
		time.Sleep(time.Duration(1<<attempt) * 10 * time.Millisecond)
	}
}

// updateUserCallback is updateExternalSubscription for user callbacks.
func (c *Client) updateUserCallback(id string, mutate func(*models.UserCallback) bool) error {
	for attempt := 0; ; attempt++ {
		cb, err := c.repos.UserCallback.GetByID(id)
		if err != nil {
			return err
		}
		if !mutate(cb) {
			return nil
		}
		err = c.repos.UserCallback.Update(cb)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrStaleRow) || attempt == casAttempts-1 {
			return err
		}
		time.Sleep(time.Duration(1<<attempt) * 10 * time.Millisecond)
	}
}

// SubscribeResult is the outcome of a high-level webhook subscription.
type SubscribeResult struct {
	Success             bool   `json:"success"`
	Message             string `json:"message"`
	PendingVerification bool   `json:"pendingVerification,omitempty"`
	Topic               string `json:"topic,omitempty"`
	UsingFallback       bool   `json:"usingFallback,omitempty"`
	SubscriptionID      string `json:"subscription_id,omitempty"`
}

// SubscribeToFeed is the outward face of the client: discover the hub
// behind a URL, subscribe there (or fall back to polling), and attach
// the optional user callback for relayed content.
func (c *Client) SubscribeToFeed(ctx context.Context, topic, userCallbackURL string) (*SubscribeResult, error) {
	if !isAbsoluteURL(topic) {
		return &SubscribeResult{Success: false, Message: "topic must be an absolute URL"}, nil
	}
	if userCallbackURL != "" && !isAbsoluteURL(userCallbackURL) {
		return &SubscribeResult{Success: false, Message: "callback must be an absolute URL"}, nil
	}

	// Discovery canonicalizes the topic: an HTML page pointing at a
	// feed subscribes to the feed itself.
	res, err := c.disc.Discover(ctx, topic)
	if err != nil {
		return &SubscribeResult{
			Success: false,
			Message: fmt.Sprintf("could not discover a hub or feed behind %s: %v", topic, err),
		}, nil
	}
	canonical := topic
	if res.FeedURL != "" {
		canonical = res.FeedURL
	}

	pending := false
	if userCallbackURL != "" {
		pending, err = c.ensureUserCallback(ctx, canonical, userCallbackURL)
		if err != nil {
			return nil, err
		}
	}

	if existing, err := c.repos.ExternalSubscription.GetByTopic(canonical); err == nil {
		return &SubscribeResult{
			Success:             true,
			Message:             "already subscribed",
			PendingVerification: pending,
			Topic:               canonical,
			UsingFallback:       existing.UsingFallback,
			SubscriptionID:      existing.ID,
		}, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up external subscription: %w", err)
	}

	var sub *models.ExternalSubscription
	if res.HubURL != "" {
		sub, err = c.subscribeToExternalHub(ctx, canonical, res.HubURL, userCallbackURL)
	} else {
		sub, err = c.subscribeToOwnHub(ctx, canonical, userCallbackURL)
	}
	if err != nil {
		return &SubscribeResult{Success: false, Message: err.Error()}, nil
	}

	msg := "subscribed via hub " + sub.Hub
	if sub.UsingFallback {
		msg = "no hub found, falling back to polling"
	}
	return &SubscribeResult{
		Success:             true,
		Message:             msg,
		PendingVerification: pending || !sub.Verified,
		Topic:               canonical,
		UsingFallback:       sub.UsingFallback,
		SubscriptionID:      sub.ID,
	}, nil
}

// subscribeToExternalHub mints a local callback path, persists the
// subscription and POSTs the subscribe form to the upstream hub. The
// hub confirms asynchronously by calling the path back with a
// challenge. A hub that rejects the request outright degrades to the
// polling fallback.
func (c *Client) subscribeToExternalHub(ctx context.Context, topic, hubURL, userCallbackURL string) (*models.ExternalSubscription, error) {
	now := time.Now()
	sub := &models.ExternalSubscription{
		Topic:           topic,
		Hub:             hubURL,
		CallbackPath:    "/callback/" + uuid.New().String(),
		Secret:          []byte(security.RandomToken(16)),
		LeaseSeconds:    c.cfg.DefaultLeaseSeconds,
		Expires:         now.Add(time.Duration(c.cfg.DefaultLeaseSeconds) * time.Second),
		Verified:        false,
		UsingFallback:   false,
		UserCallbackURL: userCallbackURL,
	}
	if err := c.repos.ExternalSubscription.Create(sub); err != nil {
		return nil, fmt.Errorf("failed to persist external subscription: %w", err)
	}

	if err := c.postSubscribeForm(ctx, sub); err != nil {
		log.Warnf("[External] Hub %s rejected subscription for %s (%v), falling back to polling", hubURL, topic, err)
		return c.degradeToFallback(ctx, sub)
	}

	log.Infof("[External] Subscription request for %s sent to hub %s", topic, hubURL)
	return sub, nil
}

// subscribeToOwnHub records a fallback subscription: polling is the
// verification, so the row is born verified. The topic is ensured as a
// polled feed and its first poll queued.
func (c *Client) subscribeToOwnHub(ctx context.Context, topic, userCallbackURL string) (*models.ExternalSubscription, error) {
	now := time.Now()
	sub := &models.ExternalSubscription{
		Topic:           topic,
		CallbackPath:    "/callback/" + uuid.New().String(),
		LeaseSeconds:    c.cfg.DefaultLeaseSeconds,
		Expires:         now.Add(time.Duration(c.cfg.DefaultLeaseSeconds) * time.Second),
		Verified:        true,
		UsingFallback:   true,
		UserCallbackURL: userCallbackURL,
	}
	if err := c.repos.ExternalSubscription.Create(sub); err != nil {
		return nil, fmt.Errorf("failed to persist fallback subscription: %w", err)
	}

	if err := c.ensureFeed(ctx, topic); err != nil {
		return nil, err
	}
	return sub, nil
}

// degradeToFallback converts a rejected hub subscription into a polled
// one in place.
func (c *Client) degradeToFallback(ctx context.Context, sub *models.ExternalSubscription) (*models.ExternalSubscription, error) {
	err := c.updateExternalSubscription(sub.ID, func(s *models.ExternalSubscription) bool {
		s.UsingFallback = true
		s.Verified = true
		s.Hub = ""
		*sub = *s
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist fallback subscription: %w", err)
	}
	if err := c.ensureFeed(ctx, sub.Topic); err != nil {
		return nil, err
	}
	return sub, nil
}

// ensureFeed guarantees a Feed row for the topic and queues its first
// poll. Discovery runs again so an HTML page with a feed link still
// resolves to the actual feed.
func (c *Client) ensureFeed(ctx context.Context, topic string) error {
	feedURL := topic
	if res, err := c.disc.Discover(ctx, topic); err == nil && res.FeedURL != "" {
		feedURL = res.FeedURL
	}

	feed, err := c.repos.Feed.GetByURL(feedURL)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		feed = &models.Feed{
			URL:                    feedURL,
			PollingIntervalMinutes: c.cfg.DefaultPollingIntervalMinutes,
			Active:                 true,
		}
		if err := c.repos.Feed.Create(feed); err != nil {
			return fmt.Errorf("failed to create feed for %s: %w", feedURL, err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to look up feed %s: %w", feedURL, err)
	}

	payload := queue.PollFeedPayload{FeedID: feed.ID}
	if _, err := c.queue.Enqueue(queue.TaskTypePollFeed, payload.ToMap(), nil); err != nil {
		return fmt.Errorf("failed to queue first poll of %s: %w", feedURL, err)
	}
	return nil
}

// postSubscribeForm issues the WebSub subscribe (or renewal) POST to
// the subscription's hub.
func (c *Client) postSubscribeForm(ctx context.Context, sub *models.ExternalSubscription) error {
	return c.postHubForm(ctx, sub, models.ModeSubscribe)
}

// postUnsubscribeForm asks the hub to drop the subscription.
func (c *Client) postUnsubscribeForm(ctx context.Context, sub *models.ExternalSubscription) error {
	return c.postHubForm(ctx, sub, models.ModeUnsubscribe)
}

func (c *Client) postHubForm(ctx context.Context, sub *models.ExternalSubscription, mode string) error {
	form := url.Values{}
	form.Set("hub.mode", mode)
	form.Set("hub.topic", sub.Topic)
	form.Set("hub.callback", strings.TrimRight(c.cfg.BaseURL, "/")+sub.CallbackPath)
	form.Set("hub.lease_seconds", strconv.Itoa(sub.LeaseSeconds))
	form.Set("hub.secret", string(sub.Secret))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Hub, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.webhookClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("hub returned status %d", resp.StatusCode)
	}
	return nil
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.IsAbs() && u.Host != ""
}
