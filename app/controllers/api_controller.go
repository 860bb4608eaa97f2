package controllers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/superduperfeeder/superduperfeeder/app/models"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/external"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/hub"
)

// HandleAPISubscribe accepts a plain REST subscribe on behalf of a
// subscriber, mirroring the hub endpoint form.
func HandleAPISubscribe(c *fiber.Ctx) error {
	return apiSubscription(c, models.ModeSubscribe)
}

// HandleAPIUnsubscribe mirrors HandleAPISubscribe for unsubscribe.
func HandleAPIUnsubscribe(c *fiber.Ctx) error {
	return apiSubscription(c, models.ModeUnsubscribe)
}

func apiSubscription(c *fiber.Ctx, mode string) error {
	leaseSeconds := 0
	if raw := c.FormValue("hub.lease_seconds"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return badRequest(c, "hub.lease_seconds must be an integer")
		}
		leaseSeconds = n
	}

	result, err := hubEngine.ProcessSubscriptionRequest(
		c.Context(),
		mode,
		c.FormValue("hub.topic"),
		c.FormValue("hub.callback"),
		leaseSeconds,
		c.FormValue("hub.secret"),
	)
	if err != nil {
		if hub.IsClientError(err) {
			return badRequest(c, err.Error())
		}
		return serverError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(result)
}

// HandleWebhook is the high-level entry point: discover the hub behind
// a URL, subscribe there on the caller's behalf and relay content to
// the optional callback.
func HandleWebhook(c *fiber.Ctx) error {
	topic := c.FormValue("topic")
	if topic == "" {
		return badRequest(c, "topic is required")
	}
	callback := c.FormValue("callback")

	result, err := externalClient.SubscribeToFeed(c.Context(), topic, callback)
	if err != nil {
		return serverError(c, err)
	}
	return c.JSON(result)
}

// HandleWebhookVerify confirms ownership of a user callback from the
// token we sent it.
func HandleWebhookVerify(c *fiber.Ctx) error {
	token := c.Params("token")
	if token == "" {
		return badRequest(c, "token is required")
	}

	cb, err := externalClient.VerifyUserCallbackToken(c.Context(), token)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"message": "unknown verification token",
			})
		}
		if errors.Is(err, external.ErrTokenExpired) {
			return c.Status(fiber.StatusGone).JSON(fiber.Map{
				"success": false,
				"message": "verification token expired",
			})
		}
		return serverError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"topic":   cb.Topic,
	})
}
