package external

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/superduperfeeder/superduperfeeder/app/models"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/security"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/version"
)

// ErrTokenExpired is returned when a verification token is past its window.
var ErrTokenExpired = errors.New("verification token expired")

// ensureUserCallback reuses or creates the UserCallback for a
// (topic, url) pair and runs the ownership round-trip. Returns whether
// verification is still pending.
func (c *Client) ensureUserCallback(ctx context.Context, topic, callbackURL string) (pending bool, err error) {
	cb, err := c.repos.UserCallback.GetByTopicAndURL(topic, callbackURL)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("failed to look up user callback: %w", err)
	}

	if cb == nil {
		expires := time.Now().Add(models.UserCallbackVerificationTTL)
		cb = &models.UserCallback{
			Topic:               topic,
			CallbackURL:         callbackURL,
			Verified:            false,
			VerificationToken:   security.RandomToken(16),
			VerificationExpires: &expires,
		}
		if err := c.repos.UserCallback.Create(cb); err != nil {
			return false, fmt.Errorf("failed to create user callback: %w", err)
		}
	} else if cb.Verified {
		return false, nil
	}

	// Ownership check: GET the callback with mode=verify&token=X and
	// expect the token echoed back. A callback that answers inline is
	// verified right away; otherwise the owner confirms later via
	// /api/webhook/verify/:token.
	if c.sendUserCallbackVerification(ctx, cb) {
		return false, nil
	}
	return true, nil
}

func (c *Client) sendUserCallbackVerification(ctx context.Context, cb *models.UserCallback) bool {
	q := url.Values{}
	q.Set("mode", "verify")
	q.Set("token", cb.VerificationToken)

	sep := "?"
	if strings.Contains(cb.CallbackURL, "?") {
		sep = "&"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cb.CallbackURL+sep+q.Encode(), nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.webhookClient.Do(req)
	if err != nil {
		log.Warnf("[External] Verification GET to %s failed: %v", cb.CallbackURL, err)
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return false
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || strings.TrimSpace(string(body)) != cb.VerificationToken {
		return false
	}

	token := cb.VerificationToken
	err = c.updateUserCallback(cb.ID, func(u *models.UserCallback) bool {
		if u.VerificationToken != token {
			// Another round re-tokenized the row while we were waiting.
			return false
		}
		u.Verified = true
		u.VerificationToken = ""
		u.VerificationExpires = nil
		return true
	})
	if err != nil {
		log.Errorf("[External] Failed to mark user callback %s verified: %v", cb.ID, err)
		return false
	}
	log.Infof("[External] User callback %s verified inline", cb.CallbackURL)
	return true
}

// VerifyUserCallbackToken confirms a user callback from the
// /api/webhook/verify/:token endpoint.
func (c *Client) VerifyUserCallbackToken(ctx context.Context, token string) (*models.UserCallback, error) {
	cb, err := c.repos.UserCallback.GetByToken(token)
	if err != nil {
		return nil, err
	}
	if cb.VerificationExpires != nil && time.Now().After(*cb.VerificationExpires) {
		return nil, ErrTokenExpired
	}

	var verified *models.UserCallback
	err = c.updateUserCallback(cb.ID, func(u *models.UserCallback) bool {
		if u.VerificationToken != token {
			return false
		}
		u.Verified = true
		u.VerificationToken = ""
		u.VerificationExpires = nil
		verified = u
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify user callback %s: %w", cb.ID, err)
	}
	if verified == nil {
		// The token rotated underneath us; treat as unknown.
		return nil, gorm.ErrRecordNotFound
	}
	return verified, nil
}

// CleanupExpiredVerifications purges user callbacks whose verification
// window lapsed without confirmation. Run periodically by the manager.
func (c *Client) CleanupExpiredVerifications(ctx context.Context) (int64, error) {
	return c.repos.UserCallback.DeleteExpiredUnverified(time.Now())
}
