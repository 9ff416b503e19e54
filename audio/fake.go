package audio

import (
	"os"
	"sync"
	"time"
)

const (
	fakeFrameSize     = 1024
	fakeBytesPerFrame = 2 // 16-bit mono
	fakeSampleRate    = 16000
)

// FakeContext replays a WAV file as if it were a microphone and plays clips
// back against the wall clock without a sound device.
type FakeContext struct {
	pcm      []byte
	realtime bool
}

func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	return NewFakeContextPCM(data, realtime), nil
}

// NewFakeContextPCM uses raw little-endian 16-bit mono PCM as the input.
func NewFakeContextPCM(pcm []byte, realtime bool) *FakeContext {
	return &FakeContext{pcm: pcm, realtime: realtime}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	return &FakeCapture{
		pcm:       f.pcm,
		realtime:  f.realtime,
		audioDone: make(chan struct{}),
		ended:     make(chan struct{}),
	}, nil
}

func (f *FakeContext) NewPlayback(samples []int16, config CaptureConfig) (PlaybackHandle, error) {
	return &fakePlayback{clip: newClip(samples, config.SampleRate)}, nil
}

type FakeCapture struct {
	pcm       []byte
	realtime  bool
	audioDone chan struct{}

	mu       sync.Mutex
	cb       DataCallback
	stopCh   chan struct{}
	feedDone chan struct{}

	ended     chan struct{}
	endedOnce sync.Once
}

// AudioDone is closed once the whole input has been delivered.
func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) Ended() <-chan struct{} { return f.ended }

// EndStream simulates the device disappearing mid-recording.
func (f *FakeCapture) EndStream() {
	f.endedOnce.Do(func() { close(f.ended) })
}

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

func (f *FakeCapture) callback() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *FakeCapture) feedChunk(cb DataCallback, pos, chunkBytes int) int {
	end := min(pos+chunkBytes, len(f.pcm))
	chunk := make([]byte, end-pos)
	copy(chunk, f.pcm[pos:end])
	cb(chunk, uint32(len(chunk)/fakeBytesPerFrame))
	return end
}

func (f *FakeCapture) Start() error {
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})

	chunkBytes := fakeFrameSize * fakeBytesPerFrame
	interval := time.Duration(fakeFrameSize) * time.Second / fakeSampleRate
	if !f.realtime {
		interval = time.Millisecond
	}

	go func() {
		defer close(f.feedDone)
		pos := 0
		finished := false
		for {
			select {
			case <-f.stopCh:
				return
			case <-f.ended:
				return
			default:
			}

			if cb := f.callback(); cb != nil && pos < len(f.pcm) {
				pos = f.feedChunk(cb, pos, chunkBytes)
			}
			if pos >= len(f.pcm) && !finished {
				finished = true
				close(f.audioDone)
			}

			select {
			case <-f.stopCh:
				return
			case <-f.ended:
				return
			case <-time.After(interval):
			}
		}
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	if f.stopCh == nil {
		return
	}
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	<-f.feedDone
}

func (f *FakeCapture) Close() { f.Stop() }

// fakePlayback advances the clip in real time on a ticker.
type fakePlayback struct {
	*clip
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (p *fakePlayback) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return nil
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		const step = 20 * time.Millisecond
		buf := make([]int16, int(p.sampleRate)*int(step/time.Millisecond)/1000)
		ticker := time.NewTicker(step)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				if p.read(buf) == 0 {
					return
				}
			}
		}
	}()
	return nil
}

func (p *fakePlayback) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == nil {
		return
	}
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
}
