package transcriber

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeTranscriber scripts recognition for tests and the headless mode. On
// the first Feed a session emits Interim (if set) followed by Text as a
// final segment.
type FakeTranscriber struct {
	Text    string
	Interim string
	Err     error // returned by Close
	DialErr error // returned by NewSession

	// CloseDelay stalls Close, as a provider finishing an upload would.
	CloseDelay time.Duration

	mu       sync.Mutex
	sessions []*FakeSession
}

func NewFake(text string, err error) *FakeTranscriber {
	return &FakeTranscriber{Text: text, Err: err}
}

func (f *FakeTranscriber) Name() string { return "fake" }

func (f *FakeTranscriber) NewSession(_ context.Context, _ SessionConfig) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DialErr != nil {
		return nil, f.DialErr
	}
	s := &FakeSession{
		text:    f.Text,
		interim: f.Interim,
		err:     f.Err,
		delay:   f.CloseDelay,
		updates: make(chan Update, 16),
		done:    make(chan struct{}),
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

// Sessions returns every session created so far, oldest first.
func (f *FakeTranscriber) Sessions() []*FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeSession(nil), f.sessions...)
}

type FakeSession struct {
	text, interim string
	err           error
	delay         time.Duration

	mu      sync.Mutex
	fed     int
	ended   bool
	closed  bool
	updates chan Update
	done    chan struct{}
}

func (s *FakeSession) Feed(pcm []byte) {
	s.mu.Lock()
	first := s.fed == 0
	s.fed += len(pcm)
	s.mu.Unlock()
	if !first || len(pcm) == 0 {
		return
	}
	if s.interim != "" {
		s.Emit(Update{Text: s.interim})
	}
	if s.text != "" {
		s.Emit(Update{Text: s.text, Final: true})
	}
}

// Fed reports how many PCM bytes the session received.
func (s *FakeSession) Fed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fed
}

// Emit delivers u unless the session has ended.
func (s *FakeSession) Emit(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	select {
	case s.updates <- u:
	default:
	}
}

// End simulates the provider hanging up.
func (s *FakeSession) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.end()
}

func (s *FakeSession) end() {
	if s.ended {
		return
	}
	s.ended = true
	close(s.updates)
	close(s.done)
}

func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *FakeSession) Updates() <-chan Update { return s.updates }

func (s *FakeSession) Done() <-chan struct{} { return s.done }

func (s *FakeSession) Close() (Result, error) {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.end()
	var text string
	if s.fed > 0 {
		text = s.text
	}
	if s.err != nil {
		return Result{Provider: "fake", NoSpeech: text == ""}, fmt.Errorf("fake transcriber: %w", s.err)
	}
	return Result{Text: text, NoSpeech: text == "", Provider: "fake"}, nil
}
