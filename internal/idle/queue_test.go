package idle

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestAction_InvokeOnce(t *testing.T) {
	var n int
	a := NewAction("once", func() { n++ })

	if !a.Invoke() {
		t.Fatal("first Invoke should run")
	}
	if a.Invoke() {
		t.Error("second Invoke should be a no-op")
	}
	if n != 1 {
		t.Errorf("ran %d times, want 1", n)
	}
	if !a.Invoked() {
		t.Error("Invoked should be true")
	}
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(testLogger())
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		q.AddAction(NewAction(name, func() { order = append(order, name) }))
	}

	if got := q.Drain(); got != 3 {
		t.Errorf("Drain: got %d, want 3", got)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("order: got %v", order)
	}
}

func TestQueue_CoalescesByName(t *testing.T) {
	q := NewQueue(testLogger())
	var n int
	for i := 0; i < 5; i++ {
		q.AddAction(NewAction("selection", func() { n++ }))
	}

	if q.Len() != 1 {
		t.Errorf("Len: got %d, want 1", q.Len())
	}
	q.Drain()
	if n != 1 {
		t.Errorf("ran %d times, want 1", n)
	}

	// once dequeued the name may be queued again
	if !q.AddAction(NewAction("selection", func() { n++ })) {
		t.Error("name should be free after the action ran")
	}
}

func TestQueue_UnnamedActionsAreNotCoalesced(t *testing.T) {
	q := NewQueue(testLogger())
	q.AddAction(NewAction("", nil))
	q.AddAction(NewAction("", nil))
	if q.Len() != 2 {
		t.Errorf("Len: got %d, want 2", q.Len())
	}
}

func TestQueue_RejectsInvokedAction(t *testing.T) {
	q := NewQueue(testLogger())
	var n int
	a := NewAction("x", func() { n++ })
	a.Invoke()

	if q.AddAction(a) {
		t.Error("an invoked action should not be queued")
	}
	q.Drain()
	if n != 1 {
		t.Errorf("ran %d times, want 1", n)
	}
}

func TestQueue_OnCompletedFiresOncePerDrain(t *testing.T) {
	var fired int
	var q *Queue
	q = NewQueue(testLogger(), WithOnCompleted(func() {
		fired++
		if q.Len() != 0 {
			t.Error("OnCompleted fired with items queued")
		}
	}))

	q.RunNextAction()
	if fired != 0 {
		t.Errorf("empty queue fired OnCompleted")
	}

	q.AddAction(NewAction("a", nil))
	q.AddAction(NewAction("b", nil))
	q.RunNextAction()
	if fired != 0 {
		t.Errorf("fired while an item remained")
	}
	q.RunNextAction()
	if fired != 1 {
		t.Errorf("fired: got %d, want 1", fired)
	}
	q.RunNextAction()
	if fired != 1 {
		t.Errorf("fired again on an idle tick: got %d", fired)
	}

	q.AddAction(NewAction("c", nil))
	q.Drain()
	if fired != 2 {
		t.Errorf("fired: got %d, want 2", fired)
	}
}

func TestQueue_ActionEnqueuedDuringRunDefersCompletion(t *testing.T) {
	var fired int
	q := NewQueue(testLogger(), WithOnCompleted(func() { fired++ }))
	q.AddAction(NewAction("first", func() {
		q.AddAction(NewAction("second", nil))
	}))

	q.RunNextAction()
	if fired != 0 {
		t.Error("completed while a follow-up was queued")
	}
	q.RunNextAction()
	if fired != 1 {
		t.Errorf("fired: got %d, want 1", fired)
	}
}

func TestQueue_PanicIsSwallowed(t *testing.T) {
	q := NewQueue(testLogger())
	var ran bool
	q.AddAction(NewAction("boom", func() { panic("host exploded") }))
	q.AddAction(NewAction("next", func() { ran = true }))

	q.Drain()
	if !ran {
		t.Error("queue stopped after a panicking action")
	}
}

func TestQueue_ReentrantRunIsNoOp(t *testing.T) {
	q := NewQueue(testLogger())
	var inner bool
	q.AddAction(NewAction("outer", func() {
		inner = q.RunNextAction()
	}))
	q.AddAction(NewAction("other", nil))

	q.RunNextAction()
	if inner {
		t.Error("reentrant RunNextAction should not run an action")
	}
	if q.Len() != 1 {
		t.Errorf("Len: got %d, want 1", q.Len())
	}
}

func TestQueue_ConcurrentProducersSingleConsumer(t *testing.T) {
	var running, maxRunning, total atomic.Int32
	q := NewQueue(testLogger())

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q.AddAction(NewAction("", func() {
					n := running.Add(1)
					if n > maxRunning.Load() {
						maxRunning.Store(n)
					}
					total.Add(1)
					running.Add(-1)
				}))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		q.Drain()
		select {
		case <-done:
			q.Drain()
			if total.Load() != 200 {
				t.Errorf("total: got %d, want 200", total.Load())
			}
			if maxRunning.Load() > 1 {
				t.Errorf("actions ran concurrently: %d", maxRunning.Load())
			}
			return
		default:
		}
	}
}

func TestQueue_DepthObserver(t *testing.T) {
	var depths []int
	q := NewQueue(testLogger(), WithDepthObserver(func(d int) { depths = append(depths, d) }))
	q.AddAction(NewAction("a", nil))
	q.AddAction(NewAction("b", nil))
	q.Drain()

	want := []int{1, 2, 1, 0}
	if len(depths) != len(want) {
		t.Fatalf("depths: got %v, want %v", depths, want)
	}
	for i := range want {
		if depths[i] != want[i] {
			t.Errorf("depths: got %v, want %v", depths, want)
			break
		}
	}
}
