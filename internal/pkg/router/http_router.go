package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/superduperfeeder/superduperfeeder/app/controllers"
)

// HttpRouter carries the public WebSub surface: the hub endpoint and
// the minted upstream callback paths.
type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/", controllers.HandleIndex)
	app.Post("/", controllers.HandleHub)

	app.Get("/callback/:id", controllers.HandleCallbackVerification)
	app.Post("/callback/:id", controllers.HandleCallbackContent)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
