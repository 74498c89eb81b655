package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/campusweb/atlas/internal/notify"
)

const popTimeout = 5 * time.Second

// Engine owns the task registry and the queues. Delivery is at least
// once: a worker that dies mid-task loses nothing already acknowledged,
// and retries re-enqueue the same envelope.
type Engine struct {
	broker Broker
	deps   *Deps

	mu   sync.RWMutex
	defs map[string]Definition
}

// NewEngine builds an engine over a broker. Deps.Engine is pointed back
// at the engine so handlers can chain tasks.
func NewEngine(broker Broker, deps *Deps) *Engine {
	e := &Engine{broker: broker, deps: deps, defs: map[string]Definition{}}
	deps.Engine = e
	registerAll(e)
	return e
}

// Register adds a definition; duplicate names are a programming error.
func (e *Engine) Register(def Definition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.defs[def.Name]; dup {
		panic(fmt.Sprintf("task: duplicate definition %q", def.Name))
	}
	e.defs[def.Name] = def
}

func (e *Engine) definition(name string) (Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.defs[name]
	return def, ok
}

// Enqueue queues a task by name. Args marshal to JSON.
func (e *Engine) Enqueue(ctx context.Context, name string, args any) error {
	return e.enqueueBatched(ctx, name, args, "")
}

func (e *Engine) enqueueBatched(ctx context.Context, name string, args any, batchID string) error {
	def, ok := e.definition(name)
	if !ok {
		return fmt.Errorf("task: unknown task %q", name)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	t := newTask(name, def.Queue, raw)
	t.BatchID = batchID
	return e.push(ctx, t)
}

func (e *Engine) push(ctx context.Context, t *Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := e.broker.Push(ctx, t.Queue, payload); err != nil {
		return fmt.Errorf("enqueue %s: %w", t.Name, err)
	}
	e.observeDepth(ctx, t.Queue)
	return nil
}

// Work consumes the given queues until ctx is canceled, with concurrency
// workers per queue.
func (e *Engine) Work(ctx context.Context, queues []string, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for _, queue := range queues {
		for i := 0; i < concurrency; i++ {
			wg.Add(1)
			go func(queue string) {
				defer wg.Done()
				e.consume(ctx, queue)
			}(queue)
		}
	}
	wg.Wait()
}

func (e *Engine) consume(ctx context.Context, queue string) {
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := e.broker.Pop(ctx, queue, popTimeout)
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("queue", queue).Msg("queue pop failed")
			time.Sleep(time.Second)
			continue
		}
		var t Task
		if err := json.Unmarshal(payload, &t); err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("dropping undecodable task")
			continue
		}
		e.dispatch(ctx, &t)
		e.observeDepth(ctx, queue)
	}
}

// dispatch runs one task under its time limit, retries bounded failures
// and settles the batch once the task will not run again.
func (e *Engine) dispatch(ctx context.Context, t *Task) {
	def, ok := e.definition(t.Name)
	if !ok {
		log.Error().Str("task", t.Name).Msg("dropping unregistered task")
		return
	}
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, def.timeLimit())
	err := def.Fn(runCtx, e.deps, t.Args)
	cancel()
	observeTask(t.Name, t.Queue, err, time.Since(start))

	if err == nil {
		e.settle(ctx, t)
		return
	}
	log.Error().Err(err).Str("task", t.Name).Int("attempt", t.Attempts).Msg("task failed")
	if t.Attempts < def.MaxRetries {
		t.Attempts++
		if pushErr := e.push(ctx, t); pushErr != nil {
			log.Error().Err(pushErr).Str("task", t.Name).Msg("retry enqueue failed")
			e.settle(ctx, t)
		}
		return
	}
	e.settle(ctx, t)
}

func (e *Engine) observeDepth(ctx context.Context, queue string) {
	if depth, err := e.broker.Len(ctx, queue); err == nil {
		observeQueueDepth(queue, depth)
	}
}

// batch chord state.
type batchState struct {
	Finalizer string          `json:"finalizer"`
	Args      json.RawMessage `json:"args,omitempty"`
}

func batchCountKey(id string) string { return "batch:" + id + ":count" }
func batchStateKey(id string) string { return "batch:" + id + ":state" }

// EnqueueBatch queues children and arms a finalizer that runs after
// every child settles. Finalizer args are fixed now; children cannot
// influence them.
func (e *Engine) EnqueueBatch(ctx context.Context, children []ChildTask, finalizerName string, finalizerArgs any) (string, error) {
	if len(children) == 0 {
		// nothing to wait for; run the finalizer path directly
		return "", e.Enqueue(ctx, finalizerName, finalizerArgs)
	}
	rawArgs, err := json.Marshal(finalizerArgs)
	if err != nil {
		return "", err
	}
	id := newTask(finalizerName, "", nil).ID
	state, err := json.Marshal(batchState{Finalizer: finalizerName, Args: rawArgs})
	if err != nil {
		return "", err
	}
	if err := e.broker.SetValue(ctx, batchStateKey(id), state); err != nil {
		return "", err
	}
	if _, err := e.broker.AddCount(ctx, batchCountKey(id), int64(len(children))); err != nil {
		return "", err
	}
	for _, child := range children {
		if err := e.enqueueBatched(ctx, child.Name, child.Args, id); err != nil {
			return "", err
		}
	}
	return id, nil
}

// ChildTask names one member of a batch.
type ChildTask struct {
	Name string
	Args any
}

// settle decrements the batch counter and fires the finalizer at zero.
func (e *Engine) settle(ctx context.Context, t *Task) {
	if t.BatchID == "" {
		return
	}
	left, err := e.broker.AddCount(ctx, batchCountKey(t.BatchID), -1)
	if err != nil {
		log.Error().Err(err).Str("batch", t.BatchID).Msg("batch settle failed")
		return
	}
	if left > 0 {
		return
	}
	raw, err := e.broker.GetValue(ctx, batchStateKey(t.BatchID))
	if err != nil {
		log.Error().Err(err).Str("batch", t.BatchID).Msg("batch state lost")
		return
	}
	var state batchState
	if err := json.Unmarshal(raw, &state); err != nil {
		log.Error().Err(err).Str("batch", t.BatchID).Msg("batch state undecodable")
		return
	}
	if err := e.broker.Del(ctx, batchCountKey(t.BatchID), batchStateKey(t.BatchID)); err != nil {
		log.Warn().Err(err).Str("batch", t.BatchID).Msg("batch key cleanup failed")
	}
	def, ok := e.definition(state.Finalizer)
	if !ok {
		log.Error().Str("finalizer", state.Finalizer).Msg("batch finalizer unregistered")
		return
	}
	ft := newTask(state.Finalizer, def.Queue, state.Args)
	if err := e.push(ctx, ft); err != nil {
		log.Error().Err(err).Str("finalizer", state.Finalizer).Msg("finalizer enqueue failed")
	}
}

// chatError posts a danger-colored failure summary keyed to the subject.
func chatError(ctx context.Context, deps *Deps, subject, detail string) {
	deps.Notify.Chat(ctx, notify.ChatMessage{
		Text: "task failure",
		Attachments: []notify.ChatAttachment{{
			Fallback: subject,
			Color:    notify.ColorDanger,
			Fields: []notify.ChatField{
				{Title: "subject", Value: subject, Short: true},
				{Title: "error", Value: detail},
			},
		}},
	})
}
