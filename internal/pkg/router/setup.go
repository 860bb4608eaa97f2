package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router installs one route surface onto the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter wires every surface: the public hub endpoints first,
// then the REST API, then the admin projection.
func InstallRouter(app *fiber.App) {
	setup(app, NewHttpRouter(), NewApiRouter(), NewAdminRouter())
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
