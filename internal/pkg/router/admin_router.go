package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"

	"github.com/superduperfeeder/superduperfeeder/app/controllers"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/config"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/security"
)

// AdminRouter carries the operator projection. Everything behind basic
// auth with a bcrypt-hashed password from the environment.
type AdminRouter struct {
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	cfg := config.Get()
	if cfg.AdminPasswordHash == "" {
		log.Warn("[Router] ADMIN_PASSWORD_HASH not set, admin surface disabled")
		return
	}

	admin := app.Group("/admin", basicauth.New(basicauth.Config{
		Authorizer: func(user, pass string) bool {
			return user == cfg.AdminUser && security.CheckPassword(pass, cfg.AdminPasswordHash)
		},
	}))

	admin.Get("/feeds", controllers.HandleAdminFeeds)
	admin.Get("/feeds/:id", controllers.HandleAdminFeed)
	admin.Get("/feeds/:id/items", controllers.HandleAdminFeedItems)
	admin.Post("/feeds/:id/toggle", controllers.HandleAdminFeedToggle)
	admin.Post("/feeds/:id/reset-websub", controllers.HandleAdminFeedResetWebSub)
	admin.Post("/feeds/:id/poll", controllers.HandleAdminFeedPoll)

	admin.Get("/subscriptions", controllers.HandleAdminSubscriptions)
	admin.Get("/external-subscriptions", controllers.HandleAdminExternalSubscriptions)
	admin.Get("/queue", controllers.HandleAdminQueueStats)
}

func NewAdminRouter() *AdminRouter {
	return &AdminRouter{}
}
