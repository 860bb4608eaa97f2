package hub

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
	"gorm.io/gorm"

	"github.com/superduperfeeder/superduperfeeder/app/models"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/feedparse"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/queue"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/version"
)

// HandleVerify executes the intent-verification challenge round-trip
// against a subscriber's callback. The handler is idempotent: stale or
// repeated messages short-circuit on the state stored with the row.
func (e *Engine) HandleVerify(ctx context.Context, task *queue.Task) error {
	p, err := queue.VerifyPayloadFromMap(task.Payload)
	if err != nil {
		return fmt.Errorf("malformed verify payload: %w", err)
	}

	sub, err := e.repos.Subscription.GetByID(p.SubscriptionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Row is gone, nothing to verify.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load subscription %s: %w", p.SubscriptionID, err)
	}

	if sub.VerificationToken != p.Token {
		log.Debugf("[Hub] Dropping stale verification for subscription %s", sub.ID)
		return nil
	}
	if sub.VerificationExpires != nil && time.Now().After(*sub.VerificationExpires) {
		// Window passed; the expiry sweep collects the pending row.
		log.Infof("[Hub] Verification window for subscription %s expired", sub.ID)
		return nil
	}

	status, body, err := e.verificationGet(ctx, sub.Callback, p)
	if err != nil {
		// Network-level failure; let the queue retry.
		return fmt.Errorf("verification GET for %s failed: %w", sub.Callback, err)
	}

	matched := status >= 200 && status < 300 && strings.TrimSpace(body) == p.Challenge

	if p.Mode == models.ModeUnsubscribe {
		// An unsubscribe is honored regardless of how the callback
		// answered: a dead callback should not pin a subscription.
		if err := e.repos.Subscription.Delete(sub.ID); err != nil {
			return fmt.Errorf("failed to delete subscription %s: %w", sub.ID, err)
		}
		log.Infof("[Hub] Unsubscribed %s from %s (challenge matched: %v)", sub.Callback, sub.Topic, matched)
		return nil
	}

	if matched {
		// Re-read before writing: the row must not be committed from
		// the copy cached across the verification GET.
		err := e.updateSubscription(sub.ID, func(s *models.Subscription) bool {
			if s.VerificationToken != p.Token {
				// Another round took over while we were verifying.
				return false
			}
			now := time.Now()
			s.Verified = true
			s.VerificationToken = ""
			s.VerificationExpires = nil
			s.Expires = now.Add(time.Duration(p.LeaseSeconds) * time.Second)
			s.ErrorCount = 0
			s.LastError = ""
			s.LastErrorTime = nil
			return true
		})
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to mark subscription %s verified: %w", sub.ID, err)
		}
		log.Infof("[Hub] Verified subscription %s (%s -> %s)", sub.ID, sub.Topic, sub.Callback)
		return nil
	}

	// Challenge mismatch or non-2xx: the subscription stays pending and
	// carries an error mark. No queue retry; the subscriber answered.
	err = e.updateSubscription(sub.ID, func(s *models.Subscription) bool {
		if s.VerificationToken != p.Token {
			return false
		}
		now := time.Now()
		s.ErrorCount++
		s.LastError = fmt.Sprintf("verification failed: status %d", status)
		s.LastErrorTime = &now
		return true
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record verification failure on %s: %w", sub.ID, err)
	}

	// When the subscriber is our own external client, a failed
	// verification falls back to polling: the topic is fetched and, if
	// it parses as a feed, the subscription is verified anyway and the
	// feed joins the polling set. Inbound third-party subscriptions
	// never take this path.
	if e.isOwnCallback(sub.Callback) {
		if e.fallbackToPolling(ctx, sub, p.Token) {
			return nil
		}
	}

	log.Warnf("[Hub] Verification of %s for topic %s failed (status %d)", sub.Callback, sub.Topic, status)
	return nil
}

func (e *Engine) verificationGet(ctx context.Context, callback string, p *queue.VerifyPayload) (int, string, error) {
	q := url.Values{}
	q.Set("hub.mode", p.Mode)
	q.Set("hub.topic", p.Topic)
	q.Set("hub.challenge", p.Challenge)
	if p.Mode == models.ModeSubscribe {
		q.Set("hub.lease_seconds", strconv.Itoa(p.LeaseSeconds))
	}

	sep := "?"
	if strings.Contains(callback, "?") {
		sep = "&"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, callback+sep+q.Encode(), nil)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := e.webhookClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, string(body), nil
}

func (e *Engine) isOwnCallback(callback string) bool {
	return strings.HasPrefix(callback, strings.TrimRight(e.cfg.BaseURL, "/")+"/callback/")
}

// fallbackToPolling verifies an own-callback subscription out of band:
// the topic must fetch and parse as a feed, which then joins the
// polling set. Returns true when the fallback succeeded.
func (e *Engine) fallbackToPolling(ctx context.Context, sub *models.Subscription, token string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sub.Topic, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := e.fetchClient.Do(req)
	if err != nil {
		log.Warnf("[Hub] Polling fallback fetch of %s failed: %v", sub.Topic, err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false
	}
	parsed, err := feedparse.Parse(body, sub.Topic)
	if err != nil {
		return false
	}

	err = e.updateSubscription(sub.ID, func(s *models.Subscription) bool {
		if s.VerificationToken != token {
			return false
		}
		s.Verified = true
		s.VerificationToken = ""
		s.VerificationExpires = nil
		return true
	})
	if err != nil {
		log.Errorf("[Hub] Failed to verify subscription %s via fallback: %v", sub.ID, err)
		return false
	}

	if err := e.ensurePolledFeed(sub.Topic, parsed); err != nil {
		log.Errorf("[Hub] Failed to add %s to polling set: %v", sub.Topic, err)
		return false
	}

	log.Infof("[Hub] Subscription %s verified via polling fallback for topic %s", sub.ID, sub.Topic)
	return true
}

// ensurePolledFeed creates a Feed row for the topic when none exists
// and queues its first poll.
func (e *Engine) ensurePolledFeed(topic string, parsed *feedparse.Feed) error {
	feed, err := e.repos.Feed.GetByURL(topic)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		feed = &models.Feed{
			URL:                    topic,
			Title:                  parsed.Title,
			Description:            parsed.Description,
			PollingIntervalMinutes: e.cfg.DefaultPollingIntervalMinutes,
			Active:                 true,
		}
		if err := e.repos.Feed.Create(feed); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	payload := queue.PollFeedPayload{FeedID: feed.ID}
	_, err = e.queue.Enqueue(queue.TaskTypePollFeed, payload.ToMap(), nil)
	return err
}
