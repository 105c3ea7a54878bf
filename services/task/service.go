package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"licensing-controlplane/pkg/errutil"
	queue "licensing-controlplane/pkg/task"
	"licensing-controlplane/pkg/taskname"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const jobPaymentEventPrune = "payment_event_prune"

// Pruner deletes processed payment events past their retention window.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	enqueuer queue.Enqueuer
	pruner   Pruner
	clock    func() time.Time
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Pruner   Pruner
	Enqueuer queue.Enqueuer `optional:"true"`
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		enqueuer: p.Enqueuer,
		pruner:   p.Pruner,
		clock:    time.Now,
	}
}

func loggerFrom(ctx context.Context) *zap.Logger {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return zap.L().With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}

// EnqueuePrune schedules one prune run per day. Without a queue the run
// happens inline.
func (s *Service) EnqueuePrune(ctx context.Context) error {
	if s.enqueuer == nil {
		_, err := s.RunPrune(ctx)
		return err
	}

	day := s.clock().UTC().Format("2006-01-02")
	t := asynq.NewTask(taskname.PaymentEventPrune, nil)
	_, err := s.enqueuer.Enqueue(ctx, t,
		asynq.Queue(taskname.QueueLow),
		asynq.TaskID(taskname.PaymentEventPrune+":"+day),
		asynq.MaxRetry(3),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}

	loggerFrom(ctx).Info("enqueued prune job", zap.String("day", day))
	return nil
}

// HandlePruneTask is the asynq handler for taskname.PaymentEventPrune.
func (s *Service) HandlePruneTask(ctx context.Context, _ *asynq.Task) error {
	_, err := s.RunPrune(ctx)
	return err
}

// RunPrune deletes expired payment events and records the run as a Job.
func (s *Service) RunPrune(ctx context.Context) (*Job, error) {
	zapLog := loggerFrom(ctx)

	job := &Job{
		ID:        s.node.Generate().String(),
		Name:      jobPaymentEventPrune,
		Status:    JobRunning,
		StartedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, errutil.Internal("failed to record job", err)
	}

	deleted, pruneErr := s.pruner.Prune(ctx)

	completed := s.clock().UTC()
	updates := map[string]any{"completed_at": completed}
	if pruneErr != nil {
		job.Status = JobFailed
		updates["error_msg"] = pruneErr.Error()
		zapLog.Error("prune job failed", zap.String("job_id", job.ID), zap.Error(pruneErr))
	} else {
		job.Status = JobSuccess
		meta, _ := json.Marshal(map[string]int64{"deleted": deleted})
		updates["metadata"] = meta
		zapLog.Info("prune job finished", zap.String("job_id", job.ID), zap.Int64("deleted", deleted))
	}
	updates["status"] = job.Status

	if err := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		zapLog.Error("failed to update job", zap.String("job_id", job.ID), zap.Error(err))
	}
	job.CompletedAt = &completed

	if pruneErr != nil {
		return job, errutil.Internal("failed to prune payment events", pruneErr)
	}
	return job, nil
}

// Jobs returns the most recent runs, newest first.
func (s *Service) Jobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	var jobs []*Job
	err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}
