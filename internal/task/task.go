// Package task is the asynchronous half of the control plane: named
// tasks on Redis-backed queues, worker pools with per-task time limits,
// bounded retries with at-least-once delivery, batch chords, and the
// periodic control loops.
package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Queue names. Provisioning, deletion and backups ride atlas; code and
// instance rebuilds ride update; interactive CMS commands ride command;
// scheduled fan-outs ride cron.
const (
	QueueAtlas   = "atlas"
	QueueUpdate  = "update"
	QueueCommand = "command"
	QueueCron    = "cron"
)

// Queues lists every queue a worker may consume.
var Queues = []string{QueueAtlas, QueueUpdate, QueueCommand, QueueCron}

// Time limits. Most tasks get the default; bulk backup children and
// cross-deployment imports run longer.
const (
	DefaultTimeLimit = 900 * time.Second
	BackupBulkLimit  = 1200 * time.Second
	ImportTimeLimit  = 2000 * time.Second
)

// Task is the queue envelope.
type Task struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Queue    string          `json:"queue"`
	Args     json.RawMessage `json:"args,omitempty"`
	Attempts int             `json:"attempts"`
	// BatchID ties the task to a chord; settling decrements the batch
	// counter.
	BatchID string `json:"batch_id,omitempty"`
}

func newTask(name, queue string, args json.RawMessage) *Task {
	return &Task{ID: uuid.NewString(), Name: name, Queue: queue, Args: args}
}

// Handler is one task body. Args unmarshal into the handler's own
// argument struct.
type Handler func(ctx context.Context, deps *Deps, args json.RawMessage) error

// Definition registers a task name with its queue, limits and body.
type Definition struct {
	Name      string
	Queue     string
	TimeLimit time.Duration
	// MaxRetries bounds re-enqueues after failure; only idempotent tasks
	// set it above zero.
	MaxRetries int
	Fn         Handler
}

func (d Definition) timeLimit() time.Duration {
	if d.TimeLimit <= 0 {
		return DefaultTimeLimit
	}
	return d.TimeLimit
}
