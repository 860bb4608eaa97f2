package external

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/superduperfeeder/superduperfeeder/app/models"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/queue"
)

// ErrUnknownCallback is returned when no subscription owns a callback path.
var ErrUnknownCallback = errors.New("unknown callback path")

// ErrTopicMismatch is returned when a hub verifies with the wrong topic.
var ErrTopicMismatch = errors.New("topic does not match subscription")

// ErrNotVerified is returned when content arrives for an unverified subscription.
var ErrNotVerified = errors.New("subscription is not verified")

// HandleVerificationCallback answers an upstream hub's intent
// verification GET on one of our callback paths. The echoed challenge
// confirms the subscription; an unsubscribe verification deletes it.
func (c *Client) HandleVerificationCallback(ctx context.Context, callbackID, mode, topic, challenge string, leaseSeconds int) (string, error) {
	sub, err := c.repos.ExternalSubscription.GetByCallbackPath("/callback/" + callbackID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrUnknownCallback
	}
	if err != nil {
		return "", fmt.Errorf("failed to load subscription for callback %s: %w", callbackID, err)
	}

	if topic != "" && topic != sub.Topic {
		return "", ErrTopicMismatch
	}

	switch mode {
	case models.ModeUnsubscribe:
		if err := c.repos.ExternalSubscription.Delete(sub.ID); err != nil {
			return "", fmt.Errorf("failed to delete subscription %s: %w", sub.ID, err)
		}
		log.Infof("[External] Upstream hub confirmed unsubscribe of %s", sub.Topic)
	default:
		err := c.updateExternalSubscription(sub.ID, func(s *models.ExternalSubscription) bool {
			now := time.Now()
			s.Verified = true
			if leaseSeconds > 0 {
				s.LeaseSeconds = leaseSeconds
			}
			s.Expires = now.Add(time.Duration(s.LeaseSeconds) * time.Second)
			s.ErrorCount = 0
			s.LastError = ""
			s.LastErrorTime = nil
			*sub = *s
			return true
		})
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrUnknownCallback
		}
		if err != nil {
			return "", fmt.Errorf("failed to verify subscription %s: %w", sub.ID, err)
		}
		log.Infof("[External] Upstream hub verified subscription to %s (lease %ds)", sub.Topic, sub.LeaseSeconds)
	}

	return challenge, nil
}

// HandleContentCallback accepts a content POST from an upstream hub and
// queues a relay to every verified user callback of the topic.
func (c *Client) HandleContentCallback(ctx context.Context, callbackID string, body []byte, contentType string) (int, error) {
	sub, err := c.repos.ExternalSubscription.GetByCallbackPath("/callback/" + callbackID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrUnknownCallback
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load subscription for callback %s: %w", callbackID, err)
	}
	if !sub.Verified {
		return 0, ErrNotVerified
	}

	return c.relayToUserCallbacks(sub.Topic, body, contentType)
}

// HandleContentNotification receives synthesized notifications for
// polled (fallback) topics, mirroring what an upstream hub would have
// POSTed to the callback path.
func (c *Client) HandleContentNotification(ctx context.Context, topic string, body []byte, contentType string) (int, error) {
	return c.relayToUserCallbacks(topic, body, contentType)
}

func (c *Client) relayToUserCallbacks(topic string, body []byte, contentType string) (int, error) {
	callbacks, err := c.repos.UserCallback.GetVerifiedByTopic(topic)
	if err != nil {
		return 0, fmt.Errorf("failed to list user callbacks for %s: %w", topic, err)
	}

	count := 0
	for _, cb := range callbacks {
		payload := queue.RelayPayload{
			UserCallbackID: cb.ID,
			Topic:          topic,
			ContentType:    contentType,
			Body:           body,
		}
		_, err := c.queue.Enqueue(queue.TaskTypeRelay, payload.ToMap(), &queue.EnqueueOptions{
			MaxRetries: c.cfg.WebhookRetries,
		})
		if err != nil {
			log.Errorf("[External] Failed to queue relay to %s: %v", cb.CallbackURL, err)
			continue
		}
		count++
	}

	if count > 0 {
		log.Infof("[External] Queued %d relays for topic %s", count, topic)
	}
	return count, nil
}
