package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/superduperfeeder/superduperfeeder/app/controllers"
	"github.com/superduperfeeder/superduperfeeder/app/repository"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/cache"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/config"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/database"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/discovery"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/env"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/external"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/hub"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/poller"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/queue"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/router"
)

func main() {
	env.SetupEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	database.SetupDatabase()
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())
	repos := repository.GetGlobalRepositories()

	q := queue.NewQueue(cfg.QueueWorkers)
	disc := discovery.New(cfg.FetchTimeout)
	hubEngine := hub.New(cfg, repos, q)
	extClient := external.New(cfg, repos, q, disc)
	feedPoller := poller.New(cfg, repos, q, &notifier{hub: hubEngine, ext: extClient})

	hubEngine.RegisterHandlers(q)
	extClient.RegisterHandlers(q)
	feedPoller.RegisterHandlers(q)

	manager := queue.InitManager(q, queue.Hooks{
		PollDueFeeds:                feedPoller.EnqueueDueFeeds,
		RenewDueSubscriptions:       extClient.RenewDueSubscriptions,
		CleanupExpiredVerifications: extClient.CleanupExpiredVerifications,
		ClearExpiredSubscriptions:   hubEngine.ClearExpiredSubscriptions,
	}, queue.DefaultIntervals())
	manager.Start()

	controllers.Setup(hubEngine, extClient, feedPoller, q)

	app := fiber.New(fiber.Config{
		BodyLimit: 10 << 20, // feeds are small; 10 MiB is generous
	})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())

	router.InstallRouter(app)

	// Drain queue workers before the process goes away.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		log.Println("Shutting down...")
		_ = app.Shutdown()
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Printf("Server error: %v", err)
		manager.Stop()
		os.Exit(1)
	}

	manager.Stop()
	os.Exit(0)
}

// notifier fans a synthesized content notification out twice: to the
// hub engine's verified subscribers and to the external client's user
// callbacks for polled topics.
type notifier struct {
	hub *hub.Engine
	ext *external.Client
}

func (n *notifier) ProcessContentNotification(ctx context.Context, topic string, body []byte, contentType string) (int, error) {
	count, err := n.hub.ProcessContentNotification(ctx, topic, body, contentType)
	if err != nil {
		return count, err
	}
	relayed, err := n.ext.HandleContentNotification(ctx, topic, body, contentType)
	return count + relayed, err
}
