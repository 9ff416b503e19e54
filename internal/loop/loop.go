// Package loop runs cancellable recurring tasks.
//
// A Task owns one goroutine that calls its function on a fixed interval until
// Stop is called. Stop blocks until the goroutine has exited, so once it
// returns no further callbacks fire.
package loop

import (
	"sync"
	"time"
)

type Task struct {
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Start calls fn immediately and then every interval.
func Start(interval time.Duration, fn func(now time.Time)) *Task {
	t := &Task{
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		fn(time.Now())
		for {
			select {
			case <-t.quit:
				return
			case now := <-ticker.C:
				select {
				case <-t.quit:
					return
				default:
				}
				fn(now)
			}
		}
	}()
	return t
}

// Stop cancels the task and waits for the goroutine to exit. Safe to call
// more than once and on a nil Task. Must not be called from fn.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() { close(t.quit) })
	<-t.done
}

// Quit is closed when Stop has been requested.
func (t *Task) Quit() <-chan struct{} {
	return t.quit
}
