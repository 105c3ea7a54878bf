package license

import (
	"licensing-controlplane/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("license.module",
	fx.Provide(
		NewService,
		NewVerifier,
	),
)

var ServerModule = fx.Module("license.server",
	Module,
	fx.Provide(
		NewHandler,
		httpapi.AsPublicRoutes(func(h *Handler) httpapi.Routes { return h }),
	),
)
