package sandbox

import (
	"sort"
	"time"

	"github.com/robertkrimen/otto"
)

// timerQueue backs the setTimeout/clearTimeout shim. Callbacks do not run
// concurrently with script code: they are drained on the invoking goroutine
// after the entry point returns, bounded by the invocation deadline.
type timerQueue struct {
	nextID  int64
	pending map[int64]*deferredCall
}

type deferredCall struct {
	id  int64
	fn  otto.Value
	due time.Time
}

func newTimerQueue() *timerQueue {
	return &timerQueue{pending: make(map[int64]*deferredCall)}
}

func (q *timerQueue) install(vm *otto.Otto) error {
	if err := vm.Set("setTimeout", func(call otto.FunctionCall) otto.Value {
		fn := call.Argument(0)
		if !fn.IsFunction() {
			return otto.UndefinedValue()
		}
		delayMs, _ := call.Argument(1).ToInteger()
		if delayMs < 0 {
			delayMs = 0
		}
		q.nextID++
		id := q.nextID
		q.pending[id] = &deferredCall{
			id:  id,
			fn:  fn,
			due: time.Now().Add(time.Duration(delayMs) * time.Millisecond),
		}
		v, err := vm.ToValue(id)
		if err != nil {
			return otto.UndefinedValue()
		}
		return v
	}); err != nil {
		return err
	}
	return vm.Set("clearTimeout", func(call otto.FunctionCall) otto.Value {
		id, err := call.Argument(0).ToInteger()
		if err == nil {
			delete(q.pending, id)
		}
		return otto.UndefinedValue()
	})
}

// drain fires pending callbacks in due order until none are left or the
// deadline passes. Callbacks may schedule further callbacks; those are
// picked up in the same pass if their due time fits the deadline.
func (q *timerQueue) drain(deadline time.Time) error {
	for len(q.pending) > 0 {
		calls := make([]*deferredCall, 0, len(q.pending))
		for _, c := range q.pending {
			calls = append(calls, c)
		}
		sort.Slice(calls, func(i, j int) bool {
			if calls[i].due.Equal(calls[j].due) {
				return calls[i].id < calls[j].id
			}
			return calls[i].due.Before(calls[j].due)
		})

		fired := false
		for _, c := range calls {
			now := time.Now()
			if c.due.After(deadline) {
				delete(q.pending, c.id)
				continue
			}
			if c.due.After(now) {
				time.Sleep(c.due.Sub(now))
			}
			if time.Now().After(deadline) {
				delete(q.pending, c.id)
				continue
			}
			delete(q.pending, c.id)
			fired = true
			if _, err := c.fn.Call(otto.UndefinedValue()); err != nil {
				return err
			}
		}
		if !fired {
			return nil
		}
	}
	return nil
}

// reset discards pending callbacks. Used when a context is retired.
func (q *timerQueue) reset() {
	q.pending = make(map[int64]*deferredCall)
}
