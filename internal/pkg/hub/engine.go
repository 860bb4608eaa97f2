package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/superduperfeeder/superduperfeeder/app/models"
	"github.com/superduperfeeder/superduperfeeder/app/repository"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/config"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/queue"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/security"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/version"
)

// How long a subscriber has to answer the verification challenge before
// the round goes stale.
const verificationWindow = 15 * time.Minute

const defaultContentType = "application/rss+xml"

// ClientError marks malformed input surfaced verbatim to the caller as
// a 400. Client errors are never retried.
type ClientError struct {
	msg string
}

func (e *ClientError) Error() string { return e.msg }

func clientErrf(format string, args ...interface{}) *ClientError {
	return &ClientError{msg: fmt.Sprintf(format, args...)}
}

// IsClientError reports whether err is a ClientError.
func IsClientError(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}

// SubscriptionResult is the outcome of a subscription request.
type SubscriptionResult struct {
	Accepted       bool   `json:"accepted"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// Enqueuer is the slice of the task queue the engine needs; the
// concrete queue satisfies it.
type Enqueuer interface {
	Enqueue(taskType queue.TaskType, payload map[string]interface{}, opts *queue.EnqueueOptions) (*queue.Task, error)
}

// Engine is the hub protocol engine: it owns the inbound subscription
// lifecycle, publish handling and content fan-out.
type Engine struct {
	cfg           *config.Config
	repos         *repository.Repositories
	queue         Enqueuer
	webhookClient *http.Client
	fetchClient   *http.Client
}

// New creates the hub engine with its dependencies.
func New(cfg *config.Config, repos *repository.Repositories, q Enqueuer) *Engine {
	return &Engine{
		cfg:           cfg,
		repos:         repos,
		queue:         q,
		webhookClient: &http.Client{Timeout: cfg.WebhookTimeout},
		fetchClient:   &http.Client{Timeout: cfg.FetchTimeout},
	}
}

// RegisterHandlers installs the engine's queue handlers.
func (e *Engine) RegisterHandlers(q *queue.Queue) {
	q.Register(queue.TaskTypeVerify, e.HandleVerify)
	q.Register(queue.TaskTypeDistribute, e.HandleDistribute)
}

// Attempts for an optimistic-concurrency write before giving up.
const casAttempts = 5

// updateSubscription re-reads the row and applies mutate under the
// store's version guard, retrying with backoff when a concurrent writer
// got there first. Rows are never written from a copy cached across a
// suspension point. mutate returns false to abandon the write (the row
// is no longer in the expected state).
func (e *Engine) updateSubscription(id string, mutate func(*models.Subscription) bool) error {
	for attempt := 0; ; attempt++ {
		sub, err := e.repos.Subscription.GetByID(id)
		if err != nil {
			return err
		}
		if !mutate(sub) {
			return nil
		}
		err = e.repos.Subscription.Update(sub)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrStaleRow) || attempt == casAttempts-1 {
			return err
		}
		time.Sleep(time.Duration(1<<attempt) * 10 * time.Millisecond)
	}
}

// ProcessSubscriptionRequest validates and records a subscribe or
// unsubscribe request, then queues the asynchronous intent
// verification. The Verify task is durably enqueued before this
// returns, so the HTTP adapter can answer 202 safely.
func (e *Engine) ProcessSubscriptionRequest(ctx context.Context, mode, topic, callback string, leaseSeconds int, secret string) (*SubscriptionResult, error) {
	if mode != models.ModeSubscribe && mode != models.ModeUnsubscribe {
		return nil, clientErrf("hub.mode must be subscribe or unsubscribe, got %q", mode)
	}
	if !isAbsoluteURL(topic) {
		return nil, clientErrf("hub.topic must be an absolute URL")
	}
	if !isAbsoluteURL(callback) {
		return nil, clientErrf("hub.callback must be an absolute URL")
	}
	if len(secret) > 200 {
		return nil, clientErrf("hub.secret must be at most 200 bytes")
	}

	switch {
	case leaseSeconds == 0:
		leaseSeconds = e.cfg.DefaultLeaseSeconds
	case leaseSeconds < 1 || leaseSeconds > e.cfg.MaxLeaseSeconds:
		return nil, clientErrf("hub.lease_seconds must be between 1 and %d", e.cfg.MaxLeaseSeconds)
	}

	now := time.Now()

	sub, err := e.repos.Subscription.GetByTopicAndCallback(topic, callback)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up subscription: %w", err)
	}

	if mode == models.ModeUnsubscribe && sub == nil {
		// Nothing to remove; accept and move on.
		return &SubscriptionResult{Accepted: true}, nil
	}

	token := security.RandomToken(16)
	tokenExpires := now.Add(verificationWindow)

	if sub == nil {
		sub = &models.Subscription{
			Topic:               topic,
			Callback:            callback,
			Secret:              []byte(secret),
			LeaseSeconds:        leaseSeconds,
			Expires:             now.Add(time.Duration(leaseSeconds) * time.Second),
			Verified:            false,
			VerificationToken:   token,
			VerificationExpires: &tokenExpires,
		}
		if err := e.repos.Subscription.Create(sub); err != nil {
			return nil, fmt.Errorf("failed to create subscription: %w", err)
		}
	} else {
		err := e.updateSubscription(sub.ID, func(s *models.Subscription) bool {
			if mode == models.ModeSubscribe {
				s.LeaseSeconds = leaseSeconds
				if secret != "" {
					s.Secret = []byte(secret)
				}
				s.Verified = false
			}
			s.VerificationToken = token
			s.VerificationExpires = &tokenExpires
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update subscription: %w", err)
		}
	}

	payload := queue.VerifyPayload{
		SubscriptionID: sub.ID,
		Mode:           mode,
		Topic:          topic,
		Challenge:      security.Challenge(),
		LeaseSeconds:   leaseSeconds,
		Token:          token,
	}
	if _, err := e.queue.Enqueue(queue.TaskTypeVerify, payload.ToMap(), nil); err != nil {
		return nil, fmt.Errorf("failed to enqueue verification: %w", err)
	}

	log.Infof("[Hub] Accepted %s request for topic %s (subscription %s)", mode, topic, sub.ID)
	return &SubscriptionResult{Accepted: true, SubscriptionID: sub.ID}, nil
}

// ProcessPublishRequest fetches the topic and fans its current content
// out to every verified subscriber.
func (e *Engine) ProcessPublishRequest(ctx context.Context, topic string) (int, error) {
	if !isAbsoluteURL(topic) {
		return 0, clientErrf("hub.topic must be an absolute URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, topic, nil)
	if err != nil {
		return 0, clientErrf("invalid topic URL: %v", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := e.fetchClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch topic %s: %w", topic, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("topic %s returned status %d", topic, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read topic %s: %w", topic, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}

	return e.ProcessContentNotification(ctx, topic, body, contentType)
}

// ProcessContentNotification queues one distribution per verified
// subscriber of the topic and returns the count.
func (e *Engine) ProcessContentNotification(ctx context.Context, topic string, body []byte, contentType string) (int, error) {
	if contentType == "" {
		contentType = defaultContentType
	}

	subs, err := e.repos.Subscription.GetVerifiedByTopic(topic)
	if err != nil {
		return 0, fmt.Errorf("failed to list subscribers of %s: %w", topic, err)
	}

	count := 0
	for _, sub := range subs {
		payload := queue.DistributePayload{
			SubscriptionID: sub.ID,
			Topic:          topic,
			ContentType:    contentType,
			Body:           body,
		}
		_, err := e.queue.Enqueue(queue.TaskTypeDistribute, payload.ToMap(), &queue.EnqueueOptions{
			MaxRetries:     len(queue.DistributionBackoffSeconds),
			BackoffSeconds: queue.DistributionBackoffSeconds,
		})
		if err != nil {
			log.Errorf("[Hub] Failed to enqueue distribution to %s: %v", sub.Callback, err)
			continue
		}
		count++
	}

	log.Infof("[Hub] Queued %d distributions for topic %s", count, topic)
	return count, nil
}

// ClearExpiredSubscriptions deletes inbound subscriptions whose lease
// ran out longer than the grace period ago. Run hourly by the manager.
func (e *Engine) ClearExpiredSubscriptions(ctx context.Context) (int64, error) {
	return e.repos.Subscription.DeleteExpiredBefore(time.Now().Add(-e.cfg.ExpiredGrace))
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.IsAbs() && u.Host != ""
}
