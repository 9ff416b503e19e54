package transcriber

import (
	"strings"
	"sync"
	"time"

	"voicenotes/encoder"
	"voicenotes/log"
)

const (
	streamChunkMs      = 200
	streamChunkBytes   = encoder.SampleRate * encoder.Channels * (encoder.BitsPerSample / 8) * streamChunkMs / 1000
	streamFinalizeIdle = 200 * time.Millisecond
	streamFinalizeMax  = time.Second
	streamDrainMax     = 2 * time.Second
)

// rawStream is one provider connection.
type rawStream interface {
	Send(pcm []byte) error
	// Finalize asks the provider to flush any pending results.
	Finalize() error
	Recv() (streamMessage, error)
	Close() error
}

type streamMessage struct {
	Transcript   string
	IsFinal      bool
	SpeechFinal  bool
	FromFinalize bool
}

type streamStats struct {
	ConnectDur   time.Duration
	SentChunks   int
	SentBytes    int
	RecvMessages int
	RecvFinal    int
	FinalizeWait time.Duration
}

// streamSession dials in the background, buffers PCM into fixed chunks and
// collects finalized segments.
type streamSession struct {
	provider  string
	startedAt time.Time

	audioCh chan []byte
	updates chan Update
	done    chan struct{}

	connected chan struct{}
	sendDone  chan struct{}
	recvDone  chan struct{}
	finalized chan struct{}

	finalizedOnce sync.Once
	doneOnce      sync.Once
	closeOnce     sync.Once

	feedMu  sync.Mutex
	feedBuf []byte
	sealed  bool
	dropped int

	mu        sync.Mutex
	ws        rawStream
	committed []string
	err       error
	closing   bool
	stats     streamStats
	result    Result
	closeErr  error
}

func newStreamSession(provider string, dial func() (rawStream, error)) *streamSession {
	s := &streamSession{
		provider:  provider,
		startedAt: time.Now(),
		audioCh:   make(chan []byte, 128),
		updates:   make(chan Update, 64),
		done:      make(chan struct{}),
		connected: make(chan struct{}),
		sendDone:  make(chan struct{}),
		recvDone:  make(chan struct{}),
		finalized: make(chan struct{}),
	}

	go func() {
		start := time.Now()
		ws, err := dial()
		s.mu.Lock()
		s.stats.ConnectDur = time.Since(start)
		s.mu.Unlock()
		if err != nil {
			s.setErr(err)
			close(s.connected)
			close(s.sendDone)
			close(s.recvDone)
			s.markDone()
			go s.discardAudio()
			return
		}
		s.mu.Lock()
		s.ws = ws
		s.mu.Unlock()
		close(s.connected)
		go s.runSender()
		go s.runReceiver()
	}()
	return s
}

func (s *streamSession) Feed(pcm []byte) {
	if s.failed() {
		return
	}

	s.feedMu.Lock()
	if s.sealed {
		s.feedMu.Unlock()
		return
	}
	s.feedBuf = append(s.feedBuf, pcm...)
	var chunks [][]byte
	for len(s.feedBuf) >= streamChunkBytes {
		chunk := make([]byte, streamChunkBytes)
		copy(chunk, s.feedBuf[:streamChunkBytes])
		s.feedBuf = s.feedBuf[streamChunkBytes:]
		chunks = append(chunks, chunk)
	}
	for _, chunk := range chunks {
		select {
		case s.audioCh <- chunk:
		case <-s.done:
		default:
			s.dropped++
		}
	}
	s.feedMu.Unlock()
}

func (s *streamSession) Updates() <-chan Update { return s.updates }

func (s *streamSession) Done() <-chan struct{} { return s.done }

func (s *streamSession) Close() (Result, error) {
	s.closeOnce.Do(s.close)
	return s.result, s.closeErr
}

func (s *streamSession) close() {
	<-s.connected

	s.feedMu.Lock()
	s.sealed = true
	if len(s.feedBuf) > 0 && !s.failed() {
		select {
		case s.audioCh <- s.feedBuf:
		case <-s.done:
		}
	}
	s.feedBuf = nil
	close(s.audioCh)
	if s.dropped > 0 {
		log.Warnf("%s: dropped %d audio chunks while the connection was backed up", s.provider, s.dropped)
	}
	s.feedMu.Unlock()

	finalizeStart := time.Now()
	<-s.sendDone

	if !s.failed() {
		select {
		case <-s.finalized:
			time.Sleep(streamFinalizeIdle)
		case <-s.recvDone:
		case <-time.After(streamFinalizeMax):
		}
	}

	s.mu.Lock()
	s.closing = true
	ws := s.ws
	s.stats.FinalizeWait = time.Since(finalizeStart)
	s.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
	select {
	case <-s.recvDone:
	case <-time.After(streamDrainMax):
		log.Warn("stream receiver drain timeout")
	}
	s.markDone()
	close(s.updates)

	s.mu.Lock()
	text := strings.Join(s.committed, " ")
	stats := s.stats
	s.closeErr = s.err
	s.mu.Unlock()

	s.result = Result{Text: text, NoSpeech: text == "", Provider: s.provider}
	log.StreamMetrics(log.StreamMetricsData{
		Provider:     s.provider,
		ConnectMs:    float64(stats.ConnectDur.Milliseconds()),
		FinalizeMs:   float64(stats.FinalizeWait.Milliseconds()),
		TotalMs:      float64(time.Since(s.startedAt).Milliseconds()),
		AudioS:       encoder.Duration(stats.SentBytes / 2).Seconds(),
		SentChunks:   stats.SentChunks,
		SentKB:       float64(stats.SentBytes) / 1024,
		RecvMessages: stats.RecvMessages,
		RecvFinal:    stats.RecvFinal,
	})
}

func (s *streamSession) runSender() {
	defer close(s.sendDone)
	for chunk := range s.audioCh {
		if s.failed() {
			continue
		}
		if err := s.ws.Send(chunk); err != nil {
			s.setErr(err)
			continue
		}
		s.mu.Lock()
		s.stats.SentChunks++
		s.stats.SentBytes += len(chunk)
		s.mu.Unlock()
	}
	if !s.failed() {
		if err := s.ws.Finalize(); err != nil {
			s.setErr(err)
		}
	}
}

func (s *streamSession) runReceiver() {
	defer close(s.recvDone)
	// The provider hanging up ends the session even if nobody called Close.
	defer s.markDone()
	for {
		msg, err := s.ws.Recv()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if !closing {
				s.setErr(err)
			}
			return
		}

		if msg.FromFinalize {
			s.finalizedOnce.Do(func() { close(s.finalized) })
		}
		final := msg.IsFinal || msg.SpeechFinal || msg.FromFinalize
		text := strings.TrimSpace(msg.Transcript)

		s.mu.Lock()
		s.stats.RecvMessages++
		if final {
			s.stats.RecvFinal++
			if text != "" {
				s.committed = append(s.committed, text)
			}
		}
		s.mu.Unlock()

		if text == "" && final {
			continue
		}
		select {
		case s.updates <- Update{Text: text, Final: final}:
		default:
		}
	}
}

func (s *streamSession) discardAudio() {
	for range s.audioCh {
	}
}

func (s *streamSession) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *streamSession) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err != nil
}

func (s *streamSession) setErr(err error) {
	err = classifyStreamErr(err)
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	ws := s.ws
	s.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}
