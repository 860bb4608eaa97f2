package external

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
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/version"
)

// TopicHeader carries the originating topic on relayed content.
const TopicHeader = "X-SuperDuperFeeder-Topic"

// HandleRelay forwards one content payload to one user callback.
func (c *Client) HandleRelay(ctx context.Context, task *queue.Task) error {
	p, err := queue.RelayPayloadFromMap(task.Payload)
	if err != nil {
		return fmt.Errorf("malformed relay payload: %w", err)
	}

	cb, err := c.repos.UserCallback.GetByID(p.UserCallbackID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load user callback %s: %w", p.UserCallbackID, err)
	}
	if !cb.Verified {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cb.CallbackURL, bytes.NewReader(p.Body))
	if err != nil {
		return fmt.Errorf("invalid user callback URL %s: %w", cb.CallbackURL, err)
	}
	req.Header.Set("Content-Type", p.ContentType)
	req.Header.Set(TopicHeader, p.Topic)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.webhookClient.Do(req)
	if err != nil {
		c.markRelayError(cb.ID, err.Error())
		return fmt.Errorf("relay to %s failed: %w", cb.CallbackURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.markRelayError(cb.ID, fmt.Sprintf("callback returned status %d", resp.StatusCode))
		return fmt.Errorf("user callback %s returned status %d", cb.CallbackURL, resp.StatusCode)
	}

	err = c.updateUserCallback(cb.ID, func(u *models.UserCallback) bool {
		now := time.Now()
		u.LastUsed = &now
		u.ErrorCount = 0
		u.LastError = ""
		u.LastErrorTime = nil
		return true
	})
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Errorf("[External] Failed to update user callback %s: %v", cb.ID, err)
	}

	log.Debugf("[External] Relayed %d bytes of %s to %s", len(p.Body), p.Topic, cb.CallbackURL)
	return nil
}

// markRelayError increments the error counters on a fresh row so
// concurrent relays don't clobber each other.
func (c *Client) markRelayError(callbackID, msg string) {
	err := c.updateUserCallback(callbackID, func(u *models.UserCallback) bool {
		now := time.Now()
		u.ErrorCount++
		u.LastError = msg
		u.LastErrorTime = &now
		return true
	})
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Errorf("[External] Failed to record relay error on %s: %v", callbackID, err)
	}
}
