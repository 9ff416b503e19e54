// Package transcriber turns microphone PCM into text, either streamed with
// interim results or as a single batch request when recording ends.
package transcriber

import (
	"context"
	"errors"
	"os"
	"strings"
)

var (
	// ErrUnavailable means no speech-to-text provider is configured.
	ErrUnavailable = errors.New("speech recognition unavailable")
	// ErrTransient covers failures worth retrying: no speech, timeouts,
	// dropped connections.
	ErrTransient = errors.New("transient speech recognition error")
)

// Update is one recognition result. Final updates carry a newly finalized
// segment; interim updates replace the previous interim text.
type Update struct {
	Text  string
	Final bool
}

type Result struct {
	Text     string
	NoSpeech bool
	Provider string
	Redials  int
}

type SessionConfig struct {
	Language string
}

// Session receives PCM for one recording.
type Session interface {
	Feed(pcm []byte)
	Updates() <-chan Update
	// Done is closed when the session has ended, whether by Close or
	// because the provider went away.
	Done() <-chan struct{}
	// Close flushes pending audio and returns the finalized text.
	Close() (Result, error)
}

type Transcriber interface {
	Name() string
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)
}

type Config struct {
	DeepgramKey string
	GroqKey     string
	OpenAIKey   string

	// Base URLs override the provider endpoints, for tests and proxies.
	DeepgramURL string
	GroqURL     string
	OpenAIURL   string
}

func ConfigFromEnv() Config {
	return Config{
		DeepgramKey: strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY")),
		GroqKey:     strings.TrimSpace(os.Getenv("GROQ_API_KEY")),
		OpenAIKey:   strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		DeepgramURL: os.Getenv("DEEPGRAM_API_URL"),
	}
}

// New picks the first configured provider: Deepgram streaming, then Groq,
// then OpenAI batch transcription.
func New(cfg Config) (Transcriber, error) {
	switch {
	case cfg.DeepgramKey != "":
		return NewDeepgram(DeepgramConfig{APIKey: cfg.DeepgramKey, BaseURL: cfg.DeepgramURL}), nil
	case cfg.GroqKey != "":
		return NewGroq(cfg.GroqKey, cfg.GroqURL), nil
	case cfg.OpenAIKey != "":
		return NewOpenAI(cfg.OpenAIKey, cfg.OpenAIURL), nil
	}
	return nil, ErrUnavailable
}
