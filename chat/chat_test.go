package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicenotes/notes"
	"voicenotes/settings"
)

type staticNotes []notes.Note

func (s staticNotes) List() ([]notes.Note, error) { return s, nil }

func twoNotes() staticNotes {
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	return staticNotes{
		{ID: "1", Title: "Groceries", Transcription: "buy milk and eggs", Duration: 3.2, CreatedAt: at},
		{ID: "2", Title: "Silent idea", Transcription: "", Duration: 1.5, CreatedAt: at.Add(-time.Hour)},
	}
}

func testSettings(endpoint string) func() settings.Settings {
	s := settings.Default()
	s.Endpoint = endpoint
	s.APIKey = "sk-test"
	s.Model = "test-model"
	s.MaxTokens = 300
	s.Temperature = 0.5
	return func() settings.Settings { return s }
}

const completion = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"created": 1700000000,
	"model": "test-model",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "You need milk."}, "finish_reason": "stop"}]
}`

type chatRequest struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func TestBuildContextMarksMissingTranscript(t *testing.T) {
	doc := BuildContext(twoNotes())

	assert.Contains(t, doc, "Groceries")
	assert.Contains(t, doc, "Silent idea")
	assert.Contains(t, doc, "buy milk and eggs")
	assert.Contains(t, doc, "Duration: 3.2s")
	assert.Equal(t, 1, strings.Count(doc, UnavailableMarker))

	silent := doc[strings.Index(doc, "Silent idea"):]
	assert.Contains(t, silent, UnavailableMarker)
}

func TestSendSuccess(t *testing.T) {
	var got chatRequest
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completion))
	}))
	defer srv.Close()

	sc := New(twoNotes(), NewMemoryHistory(), testSettings(srv.URL+"/v1"))
	reply, err := sc.Send(context.Background(), "what do I need to buy?")
	require.NoError(t, err)

	assert.Equal(t, "You need milk.", reply.Content)
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "/v1/chat/completions", path)
	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, 300, got.MaxTokens)
	assert.InDelta(t, 0.5, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "Groceries")
	assert.Contains(t, got.Messages[0].Content, UnavailableMarker)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "what do I need to buy?", got.Messages[1].Content)

	turns, err := sc.Turns()
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, RoleAssistant, turns[1].Role)
	assert.Empty(t, sc.Status())
}

func TestSendServerErrorKeepsOnlyUserTurn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": {"message": "boom", "type": "server_error"}}`))
	}))
	defer srv.Close()

	hist := NewMemoryHistory()
	sc := New(twoNotes(), hist, testSettings(srv.URL))
	_, err := sc.Send(context.Background(), "hello?")
	require.ErrorIs(t, err, ErrRemoteService)
	assert.Contains(t, err.Error(), "500")

	turns, err := hist.Turns()
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "hello?", turns[0].Content)
	assert.NotEmpty(t, sc.Status())
}

func TestSendEmptyCompletionIsRemoteError(t *testing.T) {
	for name, body := range map[string]string{
		"no choices": `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`,
		"blank":      `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"  "},"finish_reason":"stop"}]}`,
		"malformed":  `{"id": `,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(body))
			}))
			defer srv.Close()

			hist := NewMemoryHistory()
			sc := New(twoNotes(), hist, testSettings(srv.URL))
			_, err := sc.Send(context.Background(), "hi")
			require.ErrorIs(t, err, ErrRemoteService)
			turns, _ := hist.Turns()
			assert.Len(t, turns, 1)
		})
	}
}

func TestSendTrimsHistoryToLimit(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completion))
	}))
	defer srv.Close()

	hist := NewMemoryHistory()
	for i := range 30 {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		hist.Append(Turn{Role: role, Content: "turn", CreatedAt: time.Now()})
	}
	sc := New(twoNotes(), hist, testSettings(srv.URL))
	_, err := sc.Send(context.Background(), "latest")
	require.NoError(t, err)

	require.Len(t, got.Messages, 1+settings.MaxHistoryTurns)
	assert.Equal(t, "latest", got.Messages[len(got.Messages)-1].Content)
}

func TestBreakerFailsFastAfterRepeatedErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sc := New(twoNotes(), NewMemoryHistory(), testSettings(srv.URL))
	for range 3 {
		_, err := sc.Send(context.Background(), "ping")
		require.ErrorIs(t, err, ErrRemoteService)
	}
	_, err := sc.Send(context.Background(), "ping")
	require.ErrorIs(t, err, ErrRemoteService)
	assert.Equal(t, int32(3), hits.Load())
}

func TestSendRequiresConfiguration(t *testing.T) {
	hist := NewMemoryHistory()
	sc := New(twoNotes(), hist, func() settings.Settings { return settings.Default() })
	_, err := sc.Send(context.Background(), "hi")
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.NotEmpty(t, sc.Status())

	_, err = sc.Send(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestBaseURL(t *testing.T) {
	for in, want := range map[string]string{
		"https://api.openai.com/v1":                 "https://api.openai.com/v1/",
		"https://api.openai.com/v1/":                "https://api.openai.com/v1/",
		"https://llm.local/v1/chat/completions":     "https://llm.local/v1/",
		" http://127.0.0.1:8080/chat/completions/ ": "http://127.0.0.1:8080/",
	} {
		assert.Equal(t, want, baseURL(in), in)
	}
}

func TestSQLiteHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), HistoryFileName)
	h, err := OpenSQLite(path)
	require.NoError(t, err)

	at := time.UnixMilli(1700000000000)
	require.NoError(t, h.Append(Turn{Role: RoleUser, Content: "q", CreatedAt: at}))
	require.NoError(t, h.Append(Turn{Role: RoleAssistant, Content: "a", CreatedAt: at.Add(time.Second)}))
	require.NoError(t, h.Close())

	h, err = OpenSQLite(path)
	require.NoError(t, err)
	defer h.Close()
	turns, err := h.Turns()
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "q", turns[0].Content)
	assert.Equal(t, RoleAssistant, turns[1].Role)
	assert.True(t, turns[0].CreatedAt.Equal(at))

	require.NoError(t, h.Clear())
	turns, err = h.Turns()
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestSQLiteHistoryInMemory(t *testing.T) {
	h, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer h.Close()

	sc := New(twoNotes(), h, func() settings.Settings { return settings.Default() })
	require.NoError(t, h.Append(Turn{Role: RoleUser, Content: "x", CreatedAt: time.Now()}))
	turns, err := sc.Turns()
	require.NoError(t, err)
	assert.Len(t, turns, 1)
	require.NoError(t, sc.Clear())
	turns, _ = sc.Turns()
	assert.Empty(t, turns)
}
