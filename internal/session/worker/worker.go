package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"computeruse/internal/compute"
	"computeruse/internal/resilience"
	"computeruse/internal/session"

	"github.com/hibiken/asynq"
)

var (
	_ ComputeWorker     = (*StopWorker)(nil)
	_ session.StopQueue = (*AsynqStopQueue)(nil)
)

// AsynqStopQueue 把停止失败的计算单元交给 asynq 重试
type AsynqStopQueue struct {
	client   *asynq.Client
	maxRetry int
}

func NewAsynqStopQueue(client *asynq.Client, maxRetry int) *AsynqStopQueue {
	return &AsynqStopQueue{client: client, maxRetry: maxRetry}
}

func NewComputeStopTask(sessionID string, h compute.Handle) (*asynq.Task, error) {
	payload, err := json.Marshal(session.ComputeStopPayload{SessionID: sessionID, Handle: h})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(session.ComputeStopTask, payload), nil
}

func (q *AsynqStopQueue) EnqueueStop(ctx context.Context, sessionID string, h compute.Handle) error {
	task, err := NewComputeStopTask(sessionID, h)
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueContext(ctx, task, asynq.MaxRetry(q.maxRetry), asynq.TaskID("stop:"+h.ID))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// 同一单元已在队列中
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", session.ComputeStopTask, err)
	}
	return nil
}

type StopWorker struct {
	provider compute.Provider
	exec     *resilience.Executor
	logger   *slog.Logger
}

func NewStopWorker(provider compute.Provider, exec *resilience.Executor, logger *slog.Logger) *StopWorker {
	return &StopWorker{
		provider: provider,
		exec:     exec,
		logger:   logger.With("component", "compute-worker"),
	}
}

func (w *StopWorker) HandleComputeStop(ctx context.Context, task *asynq.Task) error {
	var payload session.ComputeStopPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		w.logger.Error("Failed to unmarshal payload", "error", err)
		return fmt.Errorf("json unmarshal error: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Handle.IsZero() {
		return fmt.Errorf("empty compute handle for session %s: %w", payload.SessionID, asynq.SkipRetry)
	}

	w.logger.Info("Retrying compute stop", "session_id", payload.SessionID, "unit_id", payload.Handle.ID)

	err := w.exec.Do(ctx, func(ctx context.Context) error {
		return w.provider.Stop(ctx, payload.Handle)
	})
	if err != nil {
		w.logger.Error("Compute stop failed", "session_id", payload.SessionID, "unit_id", payload.Handle.ID, "error", err)
		return err
	}

	w.logger.Info("Compute unit stopped", "session_id", payload.SessionID, "unit_id", payload.Handle.ID)
	return nil
}
