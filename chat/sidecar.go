// Package chat lets the user ask an LLM about their notes. Every request
// carries the full notes context as a system message plus the most recent
// turns of the conversation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/sony/gobreaker"

	"voicenotes/log"
	"voicenotes/notes"
	"voicenotes/settings"
)

var (
	ErrRemoteService = errors.New("remote service error")
	ErrNotConfigured = errors.New("chat endpoint not configured")
	ErrEmptyMessage  = errors.New("empty message")
)

const requestTimeout = 60 * time.Second

type NoteLister interface {
	List() ([]notes.Note, error)
}

type Sidecar struct {
	notes    NoteLister
	history  History
	settings func() settings.Settings
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	now      func() time.Time

	// Serializes Send so turns are appended in order.
	sendMu sync.Mutex

	mu     sync.Mutex
	status string
}

// New builds a sidecar. current is consulted on every Send so settings
// changes apply to the next message.
func New(ns NoteLister, history History, current func() settings.Settings) *Sidecar {
	return &Sidecar{
		notes:    ns,
		history:  history,
		settings: current,
		client:   &http.Client{Timeout: requestTimeout},
		breaker:  newBreaker(),
		now:      time.Now,
	}
}

func newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "chat",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("circuit breaker %s: %v -> %v", name, from, to)
		},
	})
}

// Status is the last user-visible error, or "" after a successful send.
func (s *Sidecar) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Sidecar) setStatus(msg string) {
	s.mu.Lock()
	s.status = msg
	s.mu.Unlock()
}

func (s *Sidecar) Turns() ([]Turn, error) { return s.history.Turns() }

func (s *Sidecar) Clear() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.setStatus("")
	return s.history.Clear()
}

// Send records text as a user turn and asks the endpoint for a reply. On
// failure the user turn stays in history and no assistant turn is added.
func (s *Sidecar) Send(ctx context.Context, text string) (Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, ErrEmptyMessage
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	cfg := s.settings()
	if !cfg.Configured() {
		s.setStatus("Chat is not configured. Set the endpoint, API key and model in settings.")
		return Turn{}, ErrNotConfigured
	}

	if err := s.history.Append(Turn{Role: RoleUser, Content: text, CreatedAt: s.now()}); err != nil {
		s.setStatus("Error: " + err.Error())
		return Turn{}, err
	}

	ns, err := s.notes.List()
	if err != nil {
		s.setStatus("Error: " + err.Error())
		return Turn{}, err
	}
	turns, err := s.history.Turns()
	if err != nil {
		s.setStatus("Error: " + err.Error())
		return Turn{}, err
	}
	limit := min(max(cfg.HistoryTurns, 1), settings.MaxHistoryTurns)
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	messages = append(messages, openai.SystemMessage(systemPrompt(ns)))
	for _, t := range turns {
		if t.Role == RoleAssistant {
			messages = append(messages, openai.AssistantMessage(t.Content))
		} else {
			messages = append(messages, openai.UserMessage(t.Content))
		}
	}

	start := time.Now()
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.complete(ctx, cfg, messages)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %v", ErrRemoteService, err)
	}
	log.ChatExchange(cfg.Model, len(turns), time.Since(start), err)
	if err != nil {
		s.setStatus("Error: " + err.Error())
		return Turn{}, err
	}

	reply := Turn{Role: RoleAssistant, Content: out.(string), CreatedAt: s.now()}
	if err := s.history.Append(reply); err != nil {
		s.setStatus("Error: " + err.Error())
		return Turn{}, err
	}
	s.setStatus("")
	return reply, nil
}

func (s *Sidecar) complete(ctx context.Context, cfg settings.Settings, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	client := openai.NewClient(
		option.WithBaseURL(baseURL(cfg.Endpoint)),
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(s.client),
		option.WithMaxRetries(0),
	)
	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       cfg.Model,
		Messages:    messages,
		MaxTokens:   openai.Int(int64(cfg.MaxTokens)),
		Temperature: openai.Float(cfg.Temperature),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%w: HTTP %d", ErrRemoteService, apiErr.StatusCode)
		}
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrRemoteService, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrRemoteService)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty completion", ErrRemoteService)
	}
	return content, nil
}

// baseURL accepts either an API base ("https://host/v1") or the full
// completions URL and returns the base with a trailing slash.
func baseURL(endpoint string) string {
	u := strings.TrimSpace(endpoint)
	u = strings.TrimRight(u, "/")
	u = strings.TrimSuffix(u, "/chat/completions")
	return u + "/"
}
