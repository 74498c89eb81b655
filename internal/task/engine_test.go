package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
)

func TestRetryIsBounded(t *testing.T) {
	h := newHarness(t)
	var runs atomic.Int32
	h.engine.Register(Definition{
		Name:       "flaky",
		Queue:      QueueUpdate,
		MaxRetries: 2,
		Fn: func(ctx context.Context, deps *Deps, args json.RawMessage) error {
			runs.Add(1)
			return errors.New("boom")
		},
	})
	if err := h.engine.Enqueue(context.Background(), "flaky", nil); err != nil {
		t.Fatal(err)
	}
	h.drain(t)
	if got := runs.Load(); got != 3 { // first attempt + two retries
		t.Fatalf("runs = %d", got)
	}
}

func TestUnknownTaskRejectedAtEnqueue(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Enqueue(context.Background(), "no_such_task", nil); err == nil {
		t.Fatal("enqueue accepted an unregistered task")
	}
}

func TestBatchFinalizerAfterAllChildren(t *testing.T) {
	h := newHarness(t)
	var children, finals atomic.Int32
	h.engine.Register(Definition{
		Name:  "child",
		Queue: QueueUpdate,
		Fn: func(ctx context.Context, deps *Deps, args json.RawMessage) error {
			if finals.Load() != 0 {
				t.Error("finalizer ran before a child")
			}
			children.Add(1)
			var n map[string]int
			_ = json.Unmarshal(args, &n)
			if n["fail"] == 1 {
				return errors.New("child failure")
			}
			return nil
		},
	})
	h.engine.Register(Definition{
		Name:  "final",
		Queue: QueueUpdate,
		Fn: func(ctx context.Context, deps *Deps, args json.RawMessage) error {
			finals.Add(1)
			return nil
		},
	})

	ctx := context.Background()
	_, err := h.engine.EnqueueBatch(ctx, []ChildTask{
		{Name: "child", Args: map[string]int{}},
		{Name: "child", Args: map[string]int{"fail": 1}},
		{Name: "child", Args: map[string]int{}},
	}, "final", nil)
	if err != nil {
		t.Fatal(err)
	}
	h.drain(t)
	if children.Load() != 3 {
		t.Fatalf("children = %d", children.Load())
	}
	// the finalizer fires exactly once even though one child failed
	if finals.Load() != 1 {
		t.Fatalf("finalizer runs = %d", finals.Load())
	}
}

func TestEmptyBatchRunsFinalizerDirectly(t *testing.T) {
	h := newHarness(t)
	var finals atomic.Int32
	h.engine.Register(Definition{
		Name:  "final_only",
		Queue: QueueUpdate,
		Fn: func(ctx context.Context, deps *Deps, args json.RawMessage) error {
			finals.Add(1)
			return nil
		},
	})
	if _, err := h.engine.EnqueueBatch(context.Background(), nil, "final_only", nil); err != nil {
		t.Fatal(err)
	}
	h.drain(t)
	if finals.Load() != 1 {
		t.Fatalf("finalizer runs = %d", finals.Load())
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	h := newHarness(t)
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate registration accepted")
		}
	}()
	h.engine.Register(Definition{Name: TaskSiteProvision, Queue: QueueAtlas})
}
