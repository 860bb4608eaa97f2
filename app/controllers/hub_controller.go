package controllers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/superduperfeeder/superduperfeeder/app/models"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/discovery"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/hub"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/version"
)

// HandleIndex serves the service banner.
func HandleIndex(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"name":    version.AppName,
		"version": version.Version,
	})
}

// HandleHub is the WebSub hub endpoint: one POST accepting subscribe,
// unsubscribe and publish forms, plus bare content notifications from
// publishers.
func HandleHub(c *fiber.Ctx) error {
	mode := c.FormValue("hub.mode")

	switch mode {
	case models.ModeSubscribe, models.ModeUnsubscribe:
		return handleSubscriptionForm(c, mode)
	case models.ModePublish:
		return handlePublishForm(c)
	case "":
		return handleContentNotification(c)
	default:
		return badRequest(c, "unsupported hub.mode: "+mode)
	}
}

func handleSubscriptionForm(c *fiber.Ctx, mode string) error {
	topic := c.FormValue("hub.topic")
	callback := c.FormValue("hub.callback")
	secret := c.FormValue("hub.secret")

	leaseSeconds := 0
	if raw := c.FormValue("hub.lease_seconds"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return badRequest(c, "hub.lease_seconds must be an integer")
		}
		leaseSeconds = n
	}

	result, err := hubEngine.ProcessSubscriptionRequest(c.Context(), mode, topic, callback, leaseSeconds, secret)
	if err != nil {
		if hub.IsClientError(err) {
			return badRequest(c, err.Error())
		}
		return serverError(c, err)
	}

	// A subscription is never confirmed synchronously; 202 always.
	return c.Status(fiber.StatusAccepted).JSON(result)
}

func handlePublishForm(c *fiber.Ctx) error {
	topic := c.FormValue("hub.topic")
	if topic == "" {
		topic = c.FormValue("hub.url")
	}

	count, err := hubEngine.ProcessPublishRequest(c.Context(), topic)
	if err != nil {
		if hub.IsClientError(err) {
			return badRequest(c, err.Error())
		}
		return serverError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"distributed": count,
	})
}

// handleContentNotification accepts a raw content POST from an upstream
// publisher. The topic comes from the Link header (rel=self), or from a
// form field named topic.
func handleContentNotification(c *fiber.Ctx) error {
	topic := discovery.SelfFromLinkHeader([]string{c.Get("Link")})
	if topic == "" {
		topic = c.FormValue("topic")
	}
	if topic == "" {
		return badRequest(c, "content notification requires a Link rel=\"self\" header or a topic field")
	}

	contentType := c.Get("Content-Type")
	count, err := hubEngine.ProcessContentNotification(c.Context(), topic, c.Body(), contentType)
	if err != nil {
		return serverError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"distributed": count,
	})
}
