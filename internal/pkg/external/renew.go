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

// RenewDueSubscriptions finds verified subscriptions close to expiry.
// Fallback subscriptions renew in place; real hub subscriptions renew
// off the queue, since the hub round-trip can fail and retry.
func (c *Client) RenewDueSubscriptions(ctx context.Context) (int, error) {
	now := time.Now()
	subs, err := c.repos.ExternalSubscription.GetRenewalCandidates(now.Add(c.cfg.RenewalWindow))
	if err != nil {
		return 0, fmt.Errorf("failed to list renewal candidates: %w", err)
	}

	count := 0
	for _, sub := range subs {
		// The SQL cutoff preselects; the model predicate decides.
		if !sub.NeedsRenewal(now, c.cfg.RenewalWindow) {
			continue
		}

		if sub.UsingFallback {
			err := c.updateExternalSubscription(sub.ID, func(s *models.ExternalSubscription) bool {
				if !s.NeedsRenewal(time.Now(), c.cfg.RenewalWindow) || !s.UsingFallback {
					return false
				}
				renewedAt := time.Now()
				s.Expires = renewedAt.Add(time.Duration(s.LeaseSeconds) * time.Second)
				s.LastRenewed = &renewedAt
				return true
			})
			if err != nil {
				log.Errorf("[External] Failed to renew fallback subscription %s: %v", sub.ID, err)
				continue
			}
			count++
			continue
		}

		payload := queue.RenewPayload{ExternalSubscriptionID: sub.ID}
		if _, err := c.queue.Enqueue(queue.TaskTypeRenew, payload.ToMap(), nil); err != nil {
			log.Errorf("[External] Failed to queue renewal of %s: %v", sub.ID, err)
			continue
		}
		count++
	}
	return count, nil
}

// HandleRenew re-issues the subscribe POST for one subscription with
// its original secret. The upstream hub confirms through the usual
// callback verification, which also advances the expiry.
func (c *Client) HandleRenew(ctx context.Context, task *queue.Task) error {
	p, err := queue.RenewPayloadFromMap(task.Payload)
	if err != nil {
		return fmt.Errorf("malformed renew payload: %w", err)
	}

	sub, err := c.repos.ExternalSubscription.GetByID(p.ExternalSubscriptionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load subscription %s: %w", p.ExternalSubscriptionID, err)
	}
	if sub.UsingFallback {
		// Renewed in place by the scheduler; a queued renewal is stale.
		return nil
	}

	if err := c.postSubscribeForm(ctx, sub); err != nil {
		uerr := c.updateExternalSubscription(sub.ID, func(s *models.ExternalSubscription) bool {
			now := time.Now()
			s.ErrorCount++
			s.LastError = err.Error()
			s.LastErrorTime = &now
			return true
		})
		if uerr != nil && !errors.Is(uerr, gorm.ErrRecordNotFound) {
			log.Errorf("[External] Failed to record renewal error on %s: %v", sub.ID, uerr)
		}
		return fmt.Errorf("renewal of %s against %s failed: %w", sub.Topic, sub.Hub, err)
	}

	err = c.updateExternalSubscription(sub.ID, func(s *models.ExternalSubscription) bool {
		now := time.Now()
		s.LastRenewed = &now
		s.ErrorCount = 0
		s.LastError = ""
		s.LastErrorTime = nil
		return true
	})
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to record renewal of %s: %w", sub.ID, err)
	}

	log.Infof("[External] Renewed subscription to %s against hub %s", sub.Topic, sub.Hub)
	return nil
}

// Unsubscribe removes an external subscription, notifying the upstream
// hub when one is involved.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	sub, err := c.repos.ExternalSubscription.GetByTopic(topic)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up subscription for %s: %w", topic, err)
	}

	if !sub.UsingFallback && sub.Hub != "" {
		if err := c.postUnsubscribeForm(ctx, sub); err != nil {
			// The local row goes away regardless; the hub's copy lapses
			// at lease end.
			log.Warnf("[External] Hub %s unsubscribe for %s failed: %v", sub.Hub, topic, err)
		}
	}

	return c.repos.ExternalSubscription.Delete(sub.ID)
}
