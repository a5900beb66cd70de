package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/recovery-companion/internal/model"
	"github.com/capitalize-ai/recovery-companion/pkg/logger"
	"github.com/capitalize-ai/recovery-companion/pkg/metrics"
)

// TaskCompleter records task completions detected in conversation. Concurrent
// calls for the same task and conversation share one store call; repeated
// calls rely on the store being idempotent per (task, conversation).
type TaskCompleter struct {
	tasks  TaskService
	group  singleflight.Group
	logger *logger.Logger
}

// NewTaskCompleter creates a completer over a task service.
func NewTaskCompleter(tasks TaskService, log *logger.Logger) *TaskCompleter {
	return &TaskCompleter{tasks: tasks, logger: log}
}

// Complete marks taskID done for the conversation in meta.
func (c *TaskCompleter) Complete(ctx context.Context, taskID string, meta model.CompletionMetadata) error {
	key := completionKey(taskID, meta.ConversationID)

	_, err, shared := c.group.Do(key, func() (interface{}, error) {
		return nil, c.tasks.CompleteTask(ctx, taskID, meta)
	})
	if err != nil {
		metrics.TaskCompletionsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to complete task %s: %w", taskID, err)
	}

	if shared {
		c.logger.Debug("task completion deduplicated",
			zap.String("task_id", taskID),
			zap.String("conversation_id", meta.ConversationID),
		)
		metrics.TaskCompletionsTotal.WithLabelValues("shared").Inc()
		return nil
	}

	metrics.TaskCompletionsTotal.WithLabelValues("completed").Inc()
	return nil
}
