package controllers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/superduperfeeder/superduperfeeder/internal/pkg/external"
)

// HandleCallbackVerification answers an upstream hub's challenge GET
// against one of our minted callback paths. The challenge is echoed as
// plain text, exactly as received.
func HandleCallbackVerification(c *fiber.Ctx) error {
	id := c.Params("id")
	mode := c.Query("hub.mode")
	topic := c.Query("hub.topic")
	challenge := c.Query("hub.challenge")

	leaseSeconds := 0
	if raw := c.Query("hub.lease_seconds"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			leaseSeconds = n
		}
	}

	echo, err := externalClient.HandleVerificationCallback(c.Context(), id, mode, topic, challenge, leaseSeconds)
	if err != nil {
		if errors.Is(err, external.ErrUnknownCallback) || errors.Is(err, external.ErrTopicMismatch) {
			return c.SendStatus(fiber.StatusNotFound)
		}
		return serverError(c, err)
	}

	c.Set("Content-Type", "text/plain")
	return c.SendString(echo)
}

// HandleCallbackContent accepts a content POST from an upstream hub and
// fans it out to the topic's verified user callbacks.
func HandleCallbackContent(c *fiber.Ctx) error {
	id := c.Params("id")

	count, err := externalClient.HandleContentCallback(c.Context(), id, c.Body(), c.Get("Content-Type"))
	if err != nil {
		if errors.Is(err, external.ErrUnknownCallback) {
			return c.SendStatus(fiber.StatusNotFound)
		}
		if errors.Is(err, external.ErrNotVerified) {
			return c.SendStatus(fiber.StatusForbidden)
		}
		return serverError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"relayed": count,
	})
}
