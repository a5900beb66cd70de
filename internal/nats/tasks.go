package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/recovery-companion/internal/detector"
	"github.com/capitalize-ai/recovery-companion/internal/model"
	"github.com/capitalize-ai/recovery-companion/internal/service"
	"github.com/capitalize-ai/recovery-companion/pkg/metrics"
)

// statusUpdateAttempts bounds rereads on revision conflicts.
const statusUpdateAttempts = 3

// TaskStore is a service.TaskService backed by two key-value buckets: tasks
// keyed by patient and task id, and completions keyed by task and
// conversation. Creating a completion key is the idempotency guard.
type TaskStore struct {
	tasks       jetstream.KeyValue
	completions jetstream.KeyValue
}

// NewTaskStore opens the task and completion buckets.
func NewTaskStore(ctx context.Context, client *Client) (*TaskStore, error) {
	tasks, err := client.KeyValue(ctx, TasksBucket)
	if err != nil {
		return nil, err
	}
	completions, err := client.KeyValue(ctx, CompletionsBucket)
	if err != nil {
		return nil, err
	}
	return newTaskStore(tasks, completions), nil
}

func newTaskStore(tasks, completions jetstream.KeyValue) *TaskStore {
	return &TaskStore{tasks: tasks, completions: completions}
}

// CreateTask stores a task unless one with the same key exists. It reports
// whether the task was created, so reseeding never reopens completed tasks.
func (s *TaskStore) CreateTask(ctx context.Context, task model.Task) (bool, error) {
	if task.Status == "" {
		task.Status = model.TaskStatusPending
	}
	data, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("failed to marshal task: %w", err)
	}
	if _, err := s.tasks.Create(ctx, TaskKey(task.PatientID, task.ID), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("failed to store task: %w", err)
	}
	return true, nil
}

// PendingTasks returns the patient's open tasks up to service.UpcomingDays
// past day, in schedule order.
func (s *TaskStore) PendingTasks(ctx context.Context, patientID string, day int) ([]model.Task, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return nil, err
	}

	prefix := Token(patientID) + "."
	var pending []model.Task
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		task, _, err := s.get(ctx, key)
		if err != nil {
			if errors.Is(err, service.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if task.Status != model.TaskStatusPending || task.Day > day+service.UpcomingDays {
			continue
		}
		pending = append(pending, task)
	}
	return detector.NextTasks(pending, "", len(pending)), nil
}

// CompleteTask records the completion once per (task, conversation) and
// marks the task completed. An existing completion record does not end the
// call: the status update that followed it may have failed, so it is checked
// and finished here.
func (s *TaskStore) CompleteTask(ctx context.Context, taskID string, meta model.CompletionMetadata) error {
	key, err := s.findTask(ctx, taskID)
	if err != nil {
		return err
	}

	record, err := json.Marshal(model.CompletionRecord{TaskID: taskID, Metadata: meta})
	if err != nil {
		return fmt.Errorf("failed to marshal completion: %w", err)
	}

	_, err = s.completions.Create(ctx, CompletionKey(taskID, meta.ConversationID), record)
	if err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
		metrics.NATSPublishFailuresTotal.WithLabelValues("completion").Inc()
		return fmt.Errorf("failed to record completion: %w", err)
	}
	return s.markCompleted(ctx, key)
}

// markCompleted sets the task status with a compare-and-set on the entry
// revision, rereading when a concurrent writer got there first.
func (s *TaskStore) markCompleted(ctx context.Context, key string) error {
	var lastErr error
	for attempt := 0; attempt < statusUpdateAttempts; attempt++ {
		task, revision, err := s.get(ctx, key)
		if err != nil {
			return err
		}
		if task.Status == model.TaskStatusCompleted {
			return nil
		}

		task.Status = model.TaskStatusCompleted
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		_, err = s.tasks.Update(ctx, key, data, revision)
		if err == nil {
			return nil
		}
		// A stale revision surfaces as ErrKeyExists (wrong last sequence).
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("failed to update task status: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("failed to update task status after %d attempts: %w", statusUpdateAttempts, lastErr)
}

func (s *TaskStore) findTask(ctx context.Context, taskID string) (string, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return "", err
	}
	suffix := "." + Token(taskID)
	for _, key := range keys {
		if strings.HasSuffix(key, suffix) {
			return key, nil
		}
	}
	return "", fmt.Errorf("task %s: %w", taskID, service.ErrNotFound)
}

func (s *TaskStore) keys(ctx context.Context) ([]string, error) {
	keys, err := s.tasks.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return keys, nil
}

func (s *TaskStore) get(ctx context.Context, key string) (model.Task, uint64, error) {
	entry, err := s.tasks.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return model.Task{}, 0, fmt.Errorf("task key %s: %w", key, service.ErrNotFound)
		}
		return model.Task{}, 0, fmt.Errorf("failed to read task: %w", err)
	}

	var task model.Task
	if err := json.Unmarshal(entry.Value(), &task); err != nil {
		return model.Task{}, 0, fmt.Errorf("failed to decode task: %w", err)
	}
	return task, entry.Revision(), nil
}
