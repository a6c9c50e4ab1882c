package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestDispatcher_RunsAndDrains(t *testing.T) {
	d := NewDispatcher(3, 16, discardLogger())
	d.Start(context.Background())
	d.Start(context.Background()) // idempotent

	var ran atomic.Int32
	for range 10 {
		if !d.Submit("count", func(context.Context) error {
			ran.Add(1)
			return nil
		}) {
			t.Fatal("Submit rejected a task with free capacity")
		}
	}
	d.Stop()

	if got := ran.Load(); got != 10 {
		t.Errorf("ran = %d, want 10", got)
	}
	if d.Submit("late", func(context.Context) error { return nil }) {
		t.Error("Submit after Stop must report false")
	}
	d.Stop() // second stop is a no-op
}

func TestDispatcher_SurvivesPanicsAndErrors(t *testing.T) {
	d := NewDispatcher(1, 4, discardLogger())
	d.Start(context.Background())

	var after atomic.Bool
	d.Submit("panics", func(context.Context) error { panic("boom") })
	d.Submit("fails", func(context.Context) error { return errors.New("nope") })
	d.Submit("after", func(context.Context) error {
		after.Store(true)
		return nil
	})
	d.Stop()

	if !after.Load() {
		t.Error("worker died after a panicking task")
	}
}

func TestDispatcher_FullQueueRejects(t *testing.T) {
	d := NewDispatcher(1, 1, discardLogger())
	d.Start(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	d.Submit("blocker", func(context.Context) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	<-started

	if !d.Submit("queued", func(context.Context) error { return nil }) {
		t.Fatal("first queued task rejected")
	}
	if d.Submit("overflow", func(context.Context) error { return nil }) {
		t.Error("Submit on a full queue must report false")
	}
	close(release)
	d.Stop()
}

func TestDispatcher_TasksGetDispatcherContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "worker")
	d := NewDispatcher(1, 1, discardLogger())
	d.Start(ctx)

	got := make(chan any, 1)
	d.Submit("ctx", func(ctx context.Context) error {
		got <- ctx.Value(key{})
		return nil
	})
	d.Stop()

	if v := <-got; v != "worker" {
		t.Errorf("task context value = %v, want worker", v)
	}
}
