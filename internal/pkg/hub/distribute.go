package hub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/superduperfeeder/superduperfeeder/app/models"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/queue"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/security"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/version"
)

// HandleDistribute POSTs one content payload to one subscriber. The
// body is relayed verbatim; delivery failures consume the task's
// backoff schedule and leave an error mark on the subscription row.
func (e *Engine) HandleDistribute(ctx context.Context, task *queue.Task) error {
	p, err := queue.DistributePayloadFromMap(task.Payload)
	if err != nil {
		return fmt.Errorf("malformed distribute payload: %w", err)
	}

	sub, err := e.repos.Subscription.GetByID(p.SubscriptionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Subscriber unsubscribed or expired between fan-out and delivery.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load subscription %s: %w", p.SubscriptionID, err)
	}
	if !sub.Verified {
		return nil
	}
	if sub.Expired(time.Now()) {
		// Lease ran out between fan-out and delivery; the sweep will
		// collect the row.
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Callback, bytes.NewReader(p.Body))
	if err != nil {
		return fmt.Errorf("invalid callback URL %s: %w", sub.Callback, err)
	}
	req.Header.Set("Content-Type", p.ContentType)
	req.Header.Set("Link", fmt.Sprintf(`<%s>; rel="self", <%s>; rel="hub"`, p.Topic, e.cfg.HubURL))
	req.Header.Set("User-Agent", version.UserAgent())
	if len(sub.Secret) > 0 {
		req.Header.Set("X-Hub-Signature", security.HubSignature(sub.Secret, p.Body))
	}

	resp, err := e.webhookClient.Do(req)
	if err != nil {
		e.markDeliveryError(sub.ID, err.Error())
		return fmt.Errorf("delivery to %s failed: %w", sub.Callback, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.markDeliveryError(sub.ID, fmt.Sprintf("subscriber returned status %d", resp.StatusCode))
		return fmt.Errorf("subscriber %s returned status %d", sub.Callback, resp.StatusCode)
	}

	err = e.updateSubscription(sub.ID, func(s *models.Subscription) bool {
		if s.ErrorCount == 0 && s.LastError == "" {
			return false
		}
		s.ErrorCount = 0
		s.LastError = ""
		s.LastErrorTime = nil
		return true
	})
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Errorf("[Hub] Failed to clear delivery errors on %s: %v", sub.ID, err)
	}

	log.Debugf("[Hub] Delivered %d bytes of %s to %s", len(p.Body), p.Topic, sub.Callback)
	return nil
}

// markDeliveryError re-reads the row so concurrent deliveries don't
// clobber each other's counters.
func (e *Engine) markDeliveryError(subscriptionID, msg string) {
	err := e.updateSubscription(subscriptionID, func(s *models.Subscription) bool {
		now := time.Now()
		s.ErrorCount++
		s.LastError = msg
		s.LastErrorTime = &now
		return true
	})
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Errorf("[Hub] Failed to record delivery error on %s: %v", subscriptionID, err)
	}
}
