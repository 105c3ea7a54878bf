package admin

import (
	"licensing-controlplane/pkg/httpapi"

	"go.uber.org/fx"
)

var ServerModule = fx.Module("admin.server",
	Module,
	fx.Provide(
		NewHandler,
		httpapi.AsAdminRoutes(func(h *Handler) httpapi.Routes { return h }),
	),
)
