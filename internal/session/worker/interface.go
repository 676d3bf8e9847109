package worker

import (
	"context"

	"github.com/hibiken/asynq"
)

type ComputeWorker interface {
	HandleComputeStop(ctx context.Context, task *asynq.Task) error
}
