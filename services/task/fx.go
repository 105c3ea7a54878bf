package task

import (
	"licensing-controlplane/pkg/taskname"
	"licensing-controlplane/services/payment"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

// Module runs housekeeping inside the worker. It expects the asynq mux and
// the payment reconciler to be provided.
var Module = fx.Module("task.service",
	fx.Provide(
		func(r *payment.Reconciler) Pruner { return r },
		NewService,
		NewScheduler,
	),
	fx.Invoke(
		registerTaskHandlers,
		StartScheduler,
	),
)

func registerTaskHandlers(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.PaymentEventPrune, s.HandlePruneTask)
}
