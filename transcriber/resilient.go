package transcriber

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"voicenotes/log"
)

const (
	defaultMaxRedials = 3
	defaultBackoff    = 250 * time.Millisecond
)

// Resilient redials its inner transcriber when a session ends before the
// caller closes it, so a dropped connection costs only the audio sent
// while reconnecting. Text finalized by earlier connections is kept.
type Resilient struct {
	inner      Transcriber
	maxRedials int
	backoff    time.Duration
}

func NewResilient(inner Transcriber) *Resilient {
	return &Resilient{inner: inner, maxRedials: defaultMaxRedials, backoff: defaultBackoff}
}

func (r *Resilient) Name() string { return r.inner.Name() }

func (r *Resilient) NewSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	first, err := r.inner.NewSession(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rs := &resilientSession{
		r:              r,
		ctx:            ctx,
		cfg:            cfg,
		current:        first,
		updates:        make(chan Update, 64),
		done:           make(chan struct{}),
		closeCh:        make(chan struct{}),
		supervisorDone: make(chan struct{}),
	}
	go rs.supervise(first)
	return rs, nil
}

type resilientSession struct {
	r   *Resilient
	ctx context.Context
	cfg SessionConfig

	updates        chan Update
	done           chan struct{}
	closeCh        chan struct{}
	supervisorDone chan struct{}

	mu      sync.Mutex
	current Session
	closing bool
	texts   []string
	lastErr error
	redials int

	closeOnce sync.Once
	result    Result
}

func (rs *resilientSession) Feed(pcm []byte) {
	rs.mu.Lock()
	cur := rs.current
	rs.mu.Unlock()
	if cur != nil {
		cur.Feed(pcm)
	}
}

func (rs *resilientSession) Updates() <-chan Update { return rs.updates }

func (rs *resilientSession) Done() <-chan struct{} { return rs.done }

func (rs *resilientSession) Close() (Result, error) {
	rs.closeOnce.Do(func() {
		rs.mu.Lock()
		rs.closing = true
		rs.mu.Unlock()
		close(rs.closeCh)
		<-rs.supervisorDone

		rs.mu.Lock()
		cur := rs.current
		rs.current = nil
		rs.mu.Unlock()
		if cur != nil {
			rs.record(cur.Close())
		}

		close(rs.updates)
		close(rs.done)

		rs.mu.Lock()
		text := strings.Join(rs.texts, " ")
		rs.result = Result{
			Text:     text,
			NoSpeech: text == "",
			Provider: rs.r.inner.Name(),
			Redials:  rs.redials,
		}
		rs.mu.Unlock()
	})
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.result, rs.lastErr
}

func (rs *resilientSession) supervise(s Session) {
	defer close(rs.supervisorDone)
	for s != nil {
		if !rs.forward(s) {
			return
		}
		log.Warnf("%s: transcription session ended unexpectedly, redialing", rs.r.inner.Name())
		rs.mu.Lock()
		rs.current = nil
		rs.mu.Unlock()
		rs.record(s.Close())
		s = rs.redial()
	}
}

// forward relays updates until s ends on its own (true) or Close is called
// (false).
func (rs *resilientSession) forward(s Session) bool {
	updates := s.Updates()
	for {
		select {
		case <-rs.closeCh:
			return false
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			rs.emit(u)
		case <-s.Done():
			rs.drain(updates)
			return true
		}
	}
}

func (rs *resilientSession) drain(updates <-chan Update) {
	for updates != nil {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			rs.emit(u)
		default:
			return
		}
	}
}

func (rs *resilientSession) emit(u Update) {
	select {
	case rs.updates <- u:
	default:
	}
}

func (rs *resilientSession) redial() Session {
	for {
		rs.mu.Lock()
		if rs.redials >= rs.r.maxRedials {
			rs.mu.Unlock()
			log.Warnf("%s: giving up after %d redials, keeping finalized text", rs.r.inner.Name(), rs.r.maxRedials)
			return nil
		}
		rs.redials++
		attempt := rs.redials
		rs.mu.Unlock()

		select {
		case <-time.After(rs.r.backoff * time.Duration(attempt)):
		case <-rs.closeCh:
			return nil
		case <-rs.ctx.Done():
			return nil
		}

		s, err := rs.r.inner.NewSession(rs.ctx, rs.cfg)
		if err != nil {
			rs.record(Result{}, err)
			continue
		}
		rs.mu.Lock()
		if rs.closing {
			rs.mu.Unlock()
			s.Close()
			return nil
		}
		rs.current = s
		rs.mu.Unlock()
		log.Infof("%s: redial %d connected", rs.r.inner.Name(), attempt)
		return s
	}
}

func (rs *resilientSession) record(res Result, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if t := strings.TrimSpace(res.Text); t != "" {
		rs.texts = append(rs.texts, t)
	}
	if err == nil {
		return
	}
	if errors.Is(err, ErrTransient) {
		log.Warnf("%s: %v", rs.r.inner.Name(), err)
		return
	}
	log.Errorf("%s: %v", rs.r.inner.Name(), err)
	rs.lastErr = err
}
