package sweep

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFireRunsSynchronously(t *testing.T) {
	var runs int64
	task := New("test", time.Hour, func() { atomic.AddInt64(&runs, 1) })

	task.Fire()
	task.Fire()
	assert.Equal(t, int64(2), atomic.LoadInt64(&runs))
}

func TestStartTicks(t *testing.T) {
	done := make(chan struct{}, 1)
	task := New("test", 5*time.Millisecond, func() {
		select {
		case done <- struct{}{}:
		default:
		}
	})
	task.Start()
	defer task.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ticked")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	task := New("test", time.Millisecond, func() {})
	task.Start()

	task.Stop()
	task.Stop()
}

func TestStopBeforeStart(t *testing.T) {
	task := New("test", time.Millisecond, func() {})
	task.Stop()
}

func TestDoubleStartIsNoop(t *testing.T) {
	var runs int64
	task := New("test", time.Hour, func() { atomic.AddInt64(&runs, 1) })
	task.Start()
	task.Start()
	task.Stop()
}

func TestGroupStartsAndStopsAll(t *testing.T) {
	var g Group
	hits := make(chan string, 10)
	g.Add("a", 5*time.Millisecond, func() {
		select {
		case hits <- "a":
		default:
		}
	})
	g.Add("b", 5*time.Millisecond, func() {
		select {
		case hits <- "b":
		default:
		}
	})

	g.Start()
	defer g.Stop()

	seen := map[string]bool{}
	deadline := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case name := <-hits:
			seen[name] = true
		case <-deadline:
			t.Fatalf("tasks did not all tick: %v", seen)
		}
	}
}
