// Package session owns the record → review → save cycle.
//
// A Controller runs a single event loop (Run). Microphone chunks, the
// elapsed-time tick, capture loss and transcript updates all arrive as
// events on that loop, and the public methods are requests served by it, so
// phase changes never interleave. Closing the transcription session can take
// as long as an upload, so it runs off the loop once the recording is under
// review. Everything acquired on entering Recording
// (capture stream, analyser, transcription session, visualizer live mode,
// ticker) is released on every path out of it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"voicenotes/audio"
	"voicenotes/encoder"
	"voicenotes/internal/loop"
	"voicenotes/log"
	"voicenotes/notes"
	"voicenotes/transcriber"
	"voicenotes/visualizer"
)

const DefaultTickInterval = 200 * time.Millisecond

const (
	HintIdle             = "Press space to record"
	HintRecording        = "Recording..."
	HintReviewing        = "Name your note, or discard it"
	HintPermissionDenied = "Microphone access denied. Please allow it."
	HintStartFailed      = "Error: unable to start recording."
	HintDeviceLost       = "Microphone disconnected, recording stopped."
	HintNoVoice          = "No voice detected. Check your microphone."
)

var (
	ErrClosed     = errors.New("session controller closed")
	ErrNotPending = errors.New("no recording awaiting review")
)

type Phase int

const (
	Idle Phase = iota
	Recording
	Reviewing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Reviewing:
		return "reviewing"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Artifact is a finished recording waiting to be saved or discarded.
type Artifact struct {
	Audio        []byte
	MimeType     string
	Duration     time.Duration
	PCMBytes     int
	Chunks       int
	Transcript   string
	DefaultTitle string

	// Transcribing is set until the transcription session has closed and
	// Transcript holds its final text.
	Transcribing bool
}

// Snapshot is the observable state of a Controller.
type Snapshot struct {
	Phase      Phase
	Generation uint64
	StartedAt  time.Time
	Elapsed    time.Duration
	Transcript string // finalized text
	Interim    string
	Hint       string
	Err        error
	Pending    *Artifact
}

// LiveTranscript is the finalized text followed by the interim fragment.
func (s Snapshot) LiveTranscript() string {
	return strings.TrimSpace(strings.TrimSpace(s.Transcript) + " " + s.Interim)
}

type Sink interface {
	SessionChanged(s Snapshot)
}

type SinkFunc func(Snapshot)

func (fn SinkFunc) SessionChanged(s Snapshot) { fn(s) }

type Config struct {
	Audio  audio.Context
	Device *audio.DeviceInfo
	Store  notes.Store

	// Transcriber is optional. It is wrapped so that a session dropped by
	// the provider is redialed while recording continues.
	Transcriber transcriber.Transcriber
	Language    string

	// Visualizer, if set, is switched to live mode while recording and
	// back to idle afterwards.
	Visualizer *visualizer.Loop

	// Sink is called from the event loop after every state change. It
	// must not call back into the Controller synchronously.
	Sink Sink

	TickInterval time.Duration
	Now          func() time.Time
}

type Controller struct {
	audio       audio.Context
	device      *audio.DeviceInfo
	store       notes.Store
	transcriber transcriber.Transcriber
	language    string
	visualizer  *visualizer.Loop
	sink        Sink
	tick        time.Duration
	now         func() time.Time

	requests chan request
	events   chan event
	closed   chan struct{}
	runOnce  sync.Once

	mu   sync.Mutex
	snap Snapshot

	// Owned by the Run goroutine.
	ctx        context.Context
	phase      Phase
	generation uint64
	hint       string
	lastErr    error
	rec        *recording
	pending    *Artifact
	preview    audio.PlaybackHandle

	// transcribed is closed when the pending artifact's transcript is final
	// or the artifact is dropped.
	transcribed chan struct{}
}

func New(cfg Config) *Controller {
	c := &Controller{
		audio:      cfg.Audio,
		device:     cfg.Device,
		store:      cfg.Store,
		language:   cfg.Language,
		visualizer: cfg.Visualizer,
		sink:       cfg.Sink,
		tick:       cfg.TickInterval,
		now:        cfg.Now,
		requests:   make(chan request),
		events:     make(chan event, 256),
		closed:     make(chan struct{}),
		hint:       HintIdle,
	}
	if cfg.Transcriber != nil {
		c.transcriber = transcriber.NewResilient(cfg.Transcriber)
	}
	if c.tick <= 0 {
		c.tick = DefaultTickInterval
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.snap = Snapshot{Phase: Idle, Hint: HintIdle}
	return c
}

type request struct {
	fn   func()
	done chan struct{}
}

type eventKind int

const (
	evChunk eventKind = iota
	evTick
	evEnded
	evTranscript
	evTranscribed
)

type event struct {
	kind   eventKind
	gen    uint64
	data   []byte
	update transcriber.Update
	text   string
}

// recording holds everything acquired for one Recording phase.
type recording struct {
	gen       uint64
	capture   audio.CaptureDevice
	analyser  *audio.Analyser
	session   transcriber.Session
	startedAt time.Time
	pcm       []byte
	chunks    int
	finals    []string
	interim   string
	voice     voiceMeter
	silence   *silenceMonitor

	quit    chan struct{}
	ticker  *loop.Task
	workers sync.WaitGroup
}

// Run serves requests and events until ctx is cancelled. On exit any active
// recording is released and pending review state is dropped.
func (c *Controller) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("session: Run called twice")
	}
	c.ctx = ctx
	defer close(c.closed)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case req := <-c.requests:
			req.fn()
			close(req.done)
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Controller) shutdown() {
	if c.phase == Recording {
		c.finish("shutdown")
	}
	c.releasePending()
	c.phase = Idle
	c.publish()
}

// do runs fn on the event loop and waits for it to complete.
func (c *Controller) do(ctx context.Context, fn func()) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case c.requests <- req:
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.done
	return nil
}

// Snapshot returns the state as of the last transition or tick.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Toggle starts a recording when idle and stops it when recording. It does
// nothing while a recording is under review.
func (c *Controller) Toggle(ctx context.Context) error {
	var err error
	if doErr := c.do(ctx, func() {
		switch c.phase {
		case Idle:
			err = c.start()
		case Recording:
			err = c.stop("toggle")
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// Start begins recording. Starting while not idle is a no-op. Acquisition
// failures leave the controller idle and return an error matching
// audio.ErrPermissionDenied or audio.ErrDeviceUnavailable.
func (c *Controller) Start(ctx context.Context) error {
	var err error
	if doErr := c.do(ctx, func() {
		if c.phase == Idle {
			err = c.start()
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// Stop ends the recording and moves to review. Stopping when not recording
// is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	var err error
	if doErr := c.do(ctx, func() {
		if c.phase == Recording {
			err = c.stop("stop")
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// Save persists the pending recording as a note. A blank title becomes the
// placeholder. If the store fails the recording stays pending. Save waits
// for a transcription still closing, without holding up the controller.
func (c *Controller) Save(ctx context.Context, title string) (notes.Note, error) {
	var (
		gen  uint64
		wait chan struct{}
	)
	if err := c.do(ctx, func() { gen, wait = c.generation, c.transcribed }); err != nil {
		return notes.Note{}, err
	}
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return notes.Note{}, ctx.Err()
		}
	}

	var (
		n   notes.Note
		err error
	)
	if doErr := c.do(ctx, func() { n, err = c.save(gen, title) }); doErr != nil {
		return notes.Note{}, doErr
	}
	return n, err
}

// Discard drops the pending recording. It is a no-op outside review.
func (c *Controller) Discard(ctx context.Context) error {
	return c.do(ctx, func() {
		if c.phase != Reviewing {
			return
		}
		log.NoteDiscarded(c.pending.Duration.Seconds())
		c.releasePending()
		c.enterIdle(HintIdle)
	})
}

// Preview plays the pending recording. A preview already playing is closed
// first. The returned handle is closed by the controller when the review
// ends.
func (c *Controller) Preview(ctx context.Context) (audio.PlaybackHandle, error) {
	var (
		h   audio.PlaybackHandle
		err error
	)
	if doErr := c.do(ctx, func() { h, err = c.startPreview() }); doErr != nil {
		return nil, doErr
	}
	return h, err
}

func (c *Controller) start() error {
	c.generation++
	gen := c.generation

	capture, err := c.audio.NewCapture(c.device, audio.CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	})
	if err != nil {
		return c.startFailed(gen, err)
	}

	rec := &recording{
		gen:       gen,
		capture:   capture,
		analyser:  audio.NewAnalyser(),
		startedAt: c.now(),
		silence:   newSilenceMonitor(c.tick),
		quit:      make(chan struct{}),
	}

	capture.SetCallback(func(data []byte, _ uint32) {
		if len(data) == 0 {
			return
		}
		select {
		case c.events <- event{kind: evChunk, gen: gen, data: data}:
		case <-rec.quit:
		}
	})
	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		capture.Close()
		return c.startFailed(gen, err)
	}

	if c.transcriber != nil {
		sess, err := c.transcriber.NewSession(c.ctx, transcriber.SessionConfig{Language: c.language})
		switch {
		case errors.Is(err, transcriber.ErrUnavailable):
			log.Infof("recording %d: transcription unavailable", gen)
		case err != nil:
			log.Warnf("recording %d: transcription not started: %v", gen, err)
		default:
			rec.session = sess
		}
	}

	rec.workers.Add(1)
	go func() {
		defer rec.workers.Done()
		select {
		case <-capture.Ended():
			c.post(rec, event{kind: evEnded, gen: gen})
		case <-rec.quit:
		}
	}()
	if rec.session != nil {
		rec.workers.Add(1)
		go func() {
			defer rec.workers.Done()
			updates := rec.session.Updates()
			for {
				select {
				case <-rec.quit:
					return
				case u, ok := <-updates:
					if !ok {
						return
					}
					c.post(rec, event{kind: evTranscript, gen: gen, update: u})
				}
			}
		}()
	}
	rec.ticker = loop.Start(c.tick, func(time.Time) {
		c.post(rec, event{kind: evTick, gen: gen})
	})

	if c.visualizer != nil {
		c.visualizer.SetLive(rec.analyser)
	}

	c.rec = rec
	c.phase = Recording
	c.hint = HintRecording
	c.lastErr = nil
	log.RecordingStart(gen)
	c.publish()
	return nil
}

func (c *Controller) post(rec *recording, ev event) {
	select {
	case c.events <- ev:
	case <-rec.quit:
	}
}

func (c *Controller) startFailed(gen uint64, err error) error {
	err = audio.Classify(err)
	log.Errorf("recording %d: start failed: %v", gen, err)
	if errors.Is(err, audio.ErrPermissionDenied) {
		c.hint = HintPermissionDenied
	} else {
		c.hint = HintStartFailed
	}
	c.lastErr = err
	c.publish()
	return err
}

func (c *Controller) stop(reason string) error {
	err := c.finish(reason)
	c.publish()
	return err
}

// finish releases the recording and assembles the artifact. The phase is
// Reviewing afterwards even if encoding failed. An open transcription
// session is handed to closeTranscription.
func (c *Controller) finish(reason string) error {
	rec := c.rec
	elapsed := max(0, c.now().Sub(rec.startedAt))

	close(rec.quit)
	rec.ticker.Stop()
	rec.capture.Stop()
	rec.capture.ClearCallback()
	rec.capture.Close()
	rec.workers.Wait()
	c.drainEvents(rec)

	if c.visualizer != nil {
		c.visualizer.SetIdle()
	}
	rec.analyser.Reset()

	flac, encErr := encoder.EncodePCM(rec.pcm)
	if encErr != nil {
		encErr = fmt.Errorf("encoding recording: %w", encErr)
		log.Errorf("recording %d: %v", rec.gen, encErr)
	}
	log.RecordingStop(rec.gen, reason, elapsed, len(rec.pcm), len(flac), rec.voice.Detected())

	c.rec = nil
	c.pending = &Artifact{
		Audio:        flac,
		MimeType:     encoder.MimeType,
		Duration:     elapsed,
		PCMBytes:     len(rec.pcm),
		Chunks:       rec.chunks,
		Transcript:   strings.Join(rec.finals, " "),
		DefaultTitle: notes.DefaultTitle(c.now()),
		Transcribing: rec.session != nil,
	}
	if rec.session != nil {
		c.transcribed = make(chan struct{})
		go c.closeTranscription(rec)
	}
	c.phase = Reviewing
	c.hint = HintReviewing
	if reason == "device_lost" {
		c.hint = HintDeviceLost
	}
	c.lastErr = encErr
	return encErr
}

// drainEvents applies events for rec that were queued before its producers
// stopped. Events from earlier recordings are dropped.
func (c *Controller) drainEvents(rec *recording) {
	for {
		select {
		case ev := <-c.events:
			if ev.gen != rec.gen {
				continue
			}
			switch ev.kind {
			case evChunk:
				c.appendChunk(rec, ev.data)
			case evTranscript:
				applyUpdate(rec, ev.update)
			}
		default:
			return
		}
	}
}

// closeTranscription runs on its own goroutine, which owns rec once finish
// has returned. The final text is posted back as evTranscribed.
func (c *Controller) closeTranscription(rec *recording) {
	res, err := rec.session.Close()
	for u := range rec.session.Updates() {
		applyUpdate(rec, u)
	}
	if err != nil {
		log.Warnf("recording %d: transcription: %v", rec.gen, err)
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		text = strings.Join(rec.finals, " ")
	}
	select {
	case c.events <- event{kind: evTranscribed, gen: rec.gen, text: text}:
	case <-c.closed:
	}
}

func (c *Controller) transcriptionDone(ev event) {
	if c.phase != Reviewing || c.transcribed == nil || ev.gen != c.generation {
		return
	}
	c.pending.Transcript = ev.text
	c.pending.Transcribing = false
	close(c.transcribed)
	c.transcribed = nil
	c.publish()
}

func applyUpdate(rec *recording, u transcriber.Update) {
	text := strings.TrimSpace(u.Text)
	if !u.Final {
		rec.interim = text
		return
	}
	if text != "" {
		rec.finals = append(rec.finals, text)
	}
	rec.interim = ""
}

func (c *Controller) appendChunk(rec *recording, data []byte) {
	rec.pcm = append(rec.pcm, data...)
	rec.chunks++
	rec.analyser.Write(data)
	rec.voice.Write(data)
	if rec.session != nil {
		rec.session.Feed(data)
	}
}

func (c *Controller) handle(ev event) {
	if ev.kind == evTranscribed {
		c.transcriptionDone(ev)
		return
	}
	rec := c.rec
	if c.phase != Recording || rec == nil || ev.gen != rec.gen {
		return
	}
	switch ev.kind {
	case evChunk:
		c.appendChunk(rec, ev.data)
	case evTick:
		switch rec.silence.Tick(rec.voice.Tick()) {
		case silenceWarn:
			log.Warnf("recording %d: no voice detected", rec.gen)
			c.hint = HintNoVoice
		case silenceClear:
			c.hint = HintRecording
		}
		c.publish()
	case evTranscript:
		applyUpdate(rec, ev.update)
		c.publish()
	case evEnded:
		log.Warnf("recording %d: capture stream ended unexpectedly", rec.gen)
		c.stop("device_lost")
	}
}

func (c *Controller) save(gen uint64, title string) (notes.Note, error) {
	if c.phase != Reviewing || gen != c.generation {
		return notes.Note{}, ErrNotPending
	}
	p := c.pending
	n := notes.New(title, p.Audio, p.MimeType, p.Transcript, p.Duration, c.now())
	if err := c.store.Append(n); err != nil {
		log.Errorf("saving note: %v", err)
		c.lastErr = err
		c.publish()
		return notes.Note{}, err
	}
	log.NoteSaved(n.ID, n.Duration, len(n.AudioData), n.HasTranscript())
	if n.HasTranscript() {
		log.Transcript(n.Title, n.Transcription)
	}
	c.releasePending()
	c.enterIdle(HintIdle)
	return n, nil
}

func (c *Controller) startPreview() (audio.PlaybackHandle, error) {
	if c.phase != Reviewing {
		return nil, ErrNotPending
	}
	c.closePreview()
	samples, rate, err := encoder.Decode(c.pending.Audio)
	if err != nil {
		return nil, fmt.Errorf("decoding recording: %w", err)
	}
	h, err := c.audio.NewPlayback(samples, audio.CaptureConfig{SampleRate: rate, Channels: encoder.Channels})
	if err != nil {
		return nil, err
	}
	if err := h.Start(); err != nil {
		h.Close()
		return nil, err
	}
	c.preview = h
	return h, nil
}

func (c *Controller) closePreview() {
	if c.preview != nil {
		c.preview.Close()
		c.preview = nil
	}
}

func (c *Controller) releasePending() {
	c.closePreview()
	c.pending = nil
	if c.transcribed != nil {
		close(c.transcribed)
		c.transcribed = nil
	}
}

func (c *Controller) enterIdle(hint string) {
	c.phase = Idle
	c.hint = hint
	c.lastErr = nil
	c.publish()
}

func (c *Controller) publish() {
	s := Snapshot{
		Phase:      c.phase,
		Generation: c.generation,
		Hint:       c.hint,
		Err:        c.lastErr,
	}
	if rec := c.rec; rec != nil {
		s.StartedAt = rec.startedAt
		s.Elapsed = max(0, c.now().Sub(rec.startedAt))
		s.Transcript = strings.Join(rec.finals, " ")
		s.Interim = rec.interim
	}
	if p := c.pending; p != nil {
		a := *p
		s.Pending = &a
		s.Elapsed = p.Duration
		s.Transcript = p.Transcript
	}

	c.mu.Lock()
	c.snap = s
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.SessionChanged(s)
	}
}
