package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voicenotes/encoder"
)

const (
	deepgramDefaultURL   = "wss://api.deepgram.com/v1"
	deepgramDefaultModel = "nova-3"
	deepgramWriteTimeout = 5 * time.Second
)

type DeepgramConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Deepgram streams PCM over a websocket and receives interim and final
// results as the user speaks.
type Deepgram struct {
	cfg    DeepgramConfig
	dialer *websocket.Dialer
}

func NewDeepgram(cfg DeepgramConfig) *Deepgram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = deepgramDefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = deepgramDefaultModel
	}
	return &Deepgram{cfg: cfg, dialer: websocket.DefaultDialer}
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) NewSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	if strings.TrimSpace(d.cfg.APIKey) == "" {
		return nil, ErrUnavailable
	}
	wsURL, err := buildListenURL(d.cfg, cfg.Language)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.cfg.APIKey)

	return newStreamSession(d.Name(), func() (rawStream, error) {
		conn, _, err := d.dialer.DialContext(ctx, wsURL, headers)
		if err != nil {
			return nil, fmt.Errorf("connecting to deepgram: %w", err)
		}
		return &deepgramConn{conn: conn}, nil
	}), nil
}

func buildListenURL(cfg DeepgramConfig, language string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	u, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid deepgram URL: %w", err)
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprint(encoder.SampleRate))
	q.Set("channels", fmt.Sprint(encoder.Channels))
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")
	if language != "" {
		q.Set("language", language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type deepgramResponse struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// deepgramConn serializes writes; gorilla allows one concurrent writer.
type deepgramConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *deepgramConn) write(kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(deepgramWriteTimeout))
	return c.conn.WriteMessage(kind, data)
}

func (c *deepgramConn) Send(pcm []byte) error {
	return c.write(websocket.BinaryMessage, pcm)
}

func (c *deepgramConn) Finalize() error {
	return c.write(websocket.TextMessage, []byte(`{"type":"Finalize"}`))
}

func (c *deepgramConn) Recv() (streamMessage, error) {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return streamMessage{}, err
		}
		var resp deepgramResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			continue
		}
		if strings.EqualFold(resp.Type, "Error") {
			msg := strings.TrimSpace(resp.Message)
			if msg == "" {
				msg = "unknown error"
			}
			return streamMessage{}, fmt.Errorf("deepgram: %s", msg)
		}
		if resp.Type != "" && resp.Type != "Results" {
			continue
		}
		var transcript string
		if len(resp.Channel.Alternatives) > 0 {
			transcript = resp.Channel.Alternatives[0].Transcript
		}
		return streamMessage{
			Transcript:   strings.TrimSpace(transcript),
			IsFinal:      resp.IsFinal,
			SpeechFinal:  resp.SpeechFinal,
			FromFinalize: resp.FromFinalize,
		}, nil
	}
}

func (c *deepgramConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		err = c.conn.Close()
	})
	return err
}

// classifyStreamErr drops orderly closes and marks network hiccups as
// transient.
func classifyStreamErr(err error) error {
	if err == nil {
		return nil
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if websocket.IsUnexpectedCloseError(err) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}
