package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/opencode-ai/opencode/internal/logging"
)

// DrainResult summarizes the outcome of a Tracker.Drain call.
type DrainResult struct {
	TotalTasks int      `json:"total_tasks"`
	Completed  int      `json:"completed"`
	TimedOut   int      `json:"timed_out"`
	TaskNames  []string `json:"task_names,omitempty"`
}

type bgTask struct {
	name string
	done chan struct{}
}

// Tracker runs named background tasks and lets a caller await their
// completion with a deadline, per base_agent.py's drain_background_tasks:
// saves fire-and-forget at run end, but the process can still wait a bounded
// amount of time for them before shutting down.
type Tracker struct {
	mu    sync.Mutex
	tasks []*bgTask
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Launch starts fn in its own goroutine under name. A failure is logged,
// not returned, since nothing awaits Launch itself.
func (t *Tracker) Launch(name string, fn func(context.Context) error) {
	bt := &bgTask{name: name, done: make(chan struct{})}

	t.mu.Lock()
	t.tasks = append(t.tasks, bt)
	t.mu.Unlock()

	go func() {
		defer close(bt.done)
		defer t.forget(bt)

		if err := fn(context.Background()); err != nil {
			logging.Error().Err(err).Str("task", name).Msg("background persistence save failed")
		}
	}()
}

func (t *Tracker) forget(bt *bgTask) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, x := range t.tasks {
		if x == bt {
			t.tasks = append(t.tasks[:i], t.tasks[i+1:]...)
			return
		}
	}
}

// Drain waits up to timeout for every task outstanding at the time of the
// call to finish, returning how many completed versus timed out.
func (t *Tracker) Drain(timeout time.Duration) DrainResult {
	t.mu.Lock()
	snapshot := make([]*bgTask, len(t.tasks))
	copy(snapshot, t.tasks)
	t.mu.Unlock()

	if len(snapshot) == 0 {
		return DrainResult{}
	}

	allDone := make(chan struct{})
	go func() {
		for _, bt := range snapshot {
			<-bt.done
		}
		close(allDone)
	}()

	select {
	case <-allDone:
		return DrainResult{TotalTasks: len(snapshot), Completed: len(snapshot)}
	case <-time.After(timeout):
		var completed int
		var pending []string
		for _, bt := range snapshot {
			select {
			case <-bt.done:
				completed++
			default:
				pending = append(pending, bt.name)
			}
		}
		logging.Warn().
			Int("completed", completed).
			Int("timed_out", len(snapshot)-completed).
			Msg("background persistence drain timed out")
		return DrainResult{
			TotalTasks: len(snapshot),
			Completed:  completed,
			TimedOut:   len(snapshot) - completed,
			TaskNames:  pending,
		}
	}
}
