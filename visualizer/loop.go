package visualizer

import (
	"sync"
	"sync/atomic"
	"time"

	"voicenotes/internal/loop"
)

const FrameInterval = 33 * time.Millisecond

type Source interface {
	FrequencyData() []byte
}

type FrameSink interface {
	Frame(f Frame)
}

type FrameSinkFunc func(Frame)

func (fn FrameSinkFunc) Frame(f Frame) { fn(f) }

// Loop drives at most one render task. Switching mode cancels the running
// task before the next one starts.
type Loop struct {
	sink     FrameSink
	interval time.Duration
	epoch    time.Time
	geom     atomic.Pointer[Geometry]

	mu   sync.Mutex
	task *loop.Task
}

func NewLoop(sink FrameSink, width, height float64) *Loop {
	l := &Loop{sink: sink, interval: FrameInterval, epoch: time.Now()}
	l.Resize(width, height)
	return l
}

// Resize takes effect on the next frame.
func (l *Loop) Resize(width, height float64) {
	l.geom.Store(&Geometry{Width: width, Height: height})
}

func (l *Loop) Geometry() Geometry { return *l.geom.Load() }

func (l *Loop) SetIdle() {
	l.run(func(now time.Time) {
		ms := float64(now.Sub(l.epoch)) / float64(time.Millisecond)
		l.sink.Frame(IdleFrame(l.Geometry(), ms))
	})
}

func (l *Loop) SetLive(src Source) {
	l.run(func(time.Time) {
		l.sink.Frame(LiveFrame(l.Geometry(), src.FrequencyData()))
	})
}

func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.task.Stop()
	l.task = nil
}

// Running reports whether a render task is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.task != nil
}

func (l *Loop) run(fn func(time.Time)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.task.Stop()
	l.task = loop.Start(l.interval, fn)
}
