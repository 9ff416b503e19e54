package transcriber

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"voicenotes/encoder"
	"voicenotes/log"
)

const (
	groqDefaultURL    = "https://api.groq.com/openai/v1/"
	openAIDefaultURL  = "https://api.openai.com/v1/"
	batchTimeout      = 60 * time.Second
	minBatchAudioSecs = 0.1
)

type transcribeFunc func(ctx context.Context, flac []byte) (string, error)

// Whisper uploads the whole recording as FLAC to an OpenAI-compatible
// transcription endpoint once recording stops.
type Whisper struct {
	name   string
	model  string
	client openai.Client
	trace  *tracedTransport
}

func NewGroq(apiKey, baseURL string) *Whisper {
	if baseURL == "" {
		baseURL = groqDefaultURL
	}
	return newWhisper("groq", apiKey, baseURL, "whisper-large-v3-turbo")
}

func NewOpenAI(apiKey, baseURL string) *Whisper {
	if baseURL == "" {
		baseURL = openAIDefaultURL
	}
	return newWhisper("openai", apiKey, baseURL, "whisper-1")
}

func newWhisper(name, apiKey, baseURL, model string) *Whisper {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	trace := newTracedTransport(http.DefaultTransport)
	return &Whisper{
		name:  name,
		model: model,
		trace: trace,
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(baseURL),
			option.WithHTTPClient(&http.Client{Transport: trace, Timeout: batchTimeout}),
			option.WithMaxRetries(1),
		),
	}
}

func (w *Whisper) Name() string { return w.name }

func (w *Whisper) NewSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	return newBatchSession(ctx, w.name, func(ctx context.Context, flac []byte) (string, error) {
		return w.transcribe(ctx, flac, cfg.Language)
	}), nil
}

func (w *Whisper) transcribe(ctx context.Context, flac []byte, language string) (string, error) {
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(flac), "audio.flac", encoder.MimeType),
		Model: openai.AudioModel(w.model),
	}
	if language != "" {
		params.Language = openai.String(language)
	}
	resp, err := w.client.Audio.Transcriptions.New(ctx, params)
	if m := w.trace.last(); m != nil {
		log.Debugf("%s: conn_reused=%t dns=%s tls=%s ttfb=%s total=%s",
			w.name, m.ConnReused, m.DNS, m.TLS, m.TTFB, m.Total)
	}
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 500 {
			return "", fmt.Errorf("%w: %s returned %d", ErrTransient, w.name, apiErr.StatusCode)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return "", fmt.Errorf("%s transcription: %w", w.name, err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// batchSession keeps every fed sample and transcribes them in one request
// on Close. It has no interim results.
type batchSession struct {
	ctx        context.Context
	provider   string
	transcribe transcribeFunc

	mu  sync.Mutex
	pcm []byte

	updates   chan Update
	done      chan struct{}
	closeOnce sync.Once
	result    Result
	err       error
}

func newBatchSession(ctx context.Context, provider string, fn transcribeFunc) *batchSession {
	return &batchSession{
		ctx:        ctx,
		provider:   provider,
		transcribe: fn,
		updates:    make(chan Update, 1),
		done:       make(chan struct{}),
	}
}

func (b *batchSession) Feed(pcm []byte) {
	b.mu.Lock()
	b.pcm = append(b.pcm, pcm...)
	b.mu.Unlock()
}

func (b *batchSession) Updates() <-chan Update { return b.updates }

func (b *batchSession) Done() <-chan struct{} { return b.done }

func (b *batchSession) Close() (Result, error) {
	b.closeOnce.Do(func() {
		defer close(b.done)
		defer close(b.updates)

		b.mu.Lock()
		pcm := b.pcm
		b.pcm = nil
		b.mu.Unlock()

		b.result = Result{Provider: b.provider, NoSpeech: true}
		if encoder.Duration(len(pcm)/2).Seconds() < minBatchAudioSecs {
			return
		}
		flac, err := encoder.EncodePCM(pcm)
		if err != nil {
			b.err = err
			return
		}
		text, err := b.transcribe(b.ctx, flac)
		if err != nil {
			b.err = err
			return
		}
		b.result.Text = text
		b.result.NoSpeech = text == ""
		if text != "" {
			b.updates <- Update{Text: text, Final: true}
		}
	})
	return b.result, b.err
}
