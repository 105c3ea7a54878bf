package payment

import (
	"licensing-controlplane/pkg/httpapi"
	"licensing-controlplane/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.module",
	fx.Provide(NewReconciler),
)

var ServerModule = fx.Module("payment.server",
	Module,
	fx.Provide(
		NewHandler,
		httpapi.AsPublicRoutes(func(h *Handler) httpapi.Routes { return h }),
	),
)

// WorkerModule serves queued payment events on the asynq mux.
var WorkerModule = fx.Module("payment.worker",
	Module,
	fx.Invoke(registerTaskHandlers),
)

func registerTaskHandlers(mux *asynq.ServeMux, r *Reconciler) {
	mux.HandleFunc(taskname.PaymentEventProcess, r.HandleTask)
}
