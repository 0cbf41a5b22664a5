// Package sweep runs named periodic maintenance tasks. Tasks can also be
// fired synchronously, which keeps time-driven behavior testable without
// waiting on real tickers.
package sweep

import (
	"log"
	"sync"
	"time"
)

// Task executes a function on a fixed interval until stopped.
type Task struct {
	name     string
	interval time.Duration
	fn       func()

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool
	mu       sync.Mutex
}

// New creates a task. It does not start ticking until Start is called.
func New(name string, interval time.Duration, fn func()) *Task {
	return &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the ticker goroutine. Calling Start twice is a no-op.
func (t *Task) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	go t.loop()
	log.Printf("sweep: started task=%s interval=%s", t.name, t.interval)
}

func (t *Task) loop() {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.fn()
		case <-t.stop:
			return
		}
	}
}

// Stop halts the ticker and waits for any in-flight run to finish.
// Safe to call multiple times, and before Start.
func (t *Task) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if started {
		<-t.done
		log.Printf("sweep: stopped task=%s", t.name)
	}
}

// Fire runs the task function once, synchronously.
func (t *Task) Fire() {
	t.fn()
}

// Group owns a set of tasks and starts and stops them together.
type Group struct {
	tasks []*Task
}

// Add registers a task with the group and returns it.
func (g *Group) Add(name string, interval time.Duration, fn func()) *Task {
	t := New(name, interval, fn)
	g.tasks = append(g.tasks, t)
	return t
}

// Start starts every task in the group.
func (g *Group) Start() {
	for _, t := range g.tasks {
		t.Start()
	}
}

// Stop stops every task in the group, newest first.
func (g *Group) Stop() {
	for i := len(g.tasks) - 1; i >= 0; i-- {
		g.tasks[i].Stop()
	}
}
