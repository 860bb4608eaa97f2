package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/superduperfeeder/superduperfeeder/internal/pkg/external"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/hub"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/poller"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/queue"
)

// Engines are wired once at startup; controllers stay thin adapters
// over them.
var (
	hubEngine      *hub.Engine
	externalClient *external.Client
	feedPoller     *poller.Poller
	taskQueue      *queue.Queue
)

// Setup injects the core services into the controller layer.
func Setup(h *hub.Engine, e *external.Client, p *poller.Poller, q *queue.Queue) {
	hubEngine = h
	externalClient = e
	feedPoller = p
	taskQueue = q
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":   "bad_request",
		"message": msg,
	})
}

func serverError(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error":   "internal_error",
		"message": err.Error(),
	})
}
