package router

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis/v3"

	"github.com/superduperfeeder/superduperfeeder/app/controllers"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/env"
)

// ApiRouter carries the REST convenience surface over the hub engine
// and the external client.
type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	port, err := strconv.Atoi(env.GetEnv("CACHE_PORT", "6379"))
	if err != nil {
		port = 6379
	}

	// Rate limiting state lives in Redis so that it survives restarts
	// alongside the queue.
	storage := redisstorage.New(redisstorage.Config{
		Host: env.GetEnv("CACHE_HOST", "localhost"),
		Port: port,
	})

	api := app.Group("/api", limiter.New(limiter.Config{Storage: storage}))

	api.Post("/subscribe", controllers.HandleAPISubscribe)
	api.Post("/unsubscribe", controllers.HandleAPIUnsubscribe)
	api.Post("/webhook", controllers.HandleWebhook)
	api.Get("/webhook/verify/:token", controllers.HandleWebhookVerify)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
