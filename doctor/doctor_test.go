package doctor

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"voicenotes/audio"
	"voicenotes/notes"
	"voicenotes/settings"
	"voicenotes/transcriber"
)

func newChecker(input string, opts Options) (*checker, *bytes.Buffer) {
	var out bytes.Buffer
	return &checker{in: bufio.NewReader(strings.NewReader(input)), out: &out, opts: opts}, &out
}

func tone(d time.Duration) []byte {
	n := int(d.Seconds() * 16000)
	pcm := make([]byte, n*2)
	for i := range n {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func TestCheckStore(t *testing.T) {
	store, err := notes.NewFileStore(filepath.Join(t.TempDir(), notes.FileName))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Append(notes.New("a", []byte("flac"), "audio/flac", "", time.Second, time.Now())); err != nil {
		t.Fatal(err)
	}

	c, out := newChecker("", Options{Store: store})
	if !c.checkStore() {
		t.Fatalf("checkStore failed: %s", out)
	}
	if !strings.Contains(out.String(), "1 notes readable") {
		t.Errorf("output = %q", out)
	}
}

type brokenStore struct{ notes.Store }

func (brokenStore) List() ([]notes.Note, error) { return nil, errors.New("disk on fire") }

func TestCheckStoreFailure(t *testing.T) {
	c, out := newChecker("", Options{Store: brokenStore{}})
	if c.checkStore() {
		t.Fatal("expected failure")
	}
	if !strings.Contains(out.String(), "disk on fire") {
		t.Errorf("output = %q", out)
	}

	c, _ = newChecker("", Options{})
	if c.checkStore() {
		t.Error("nil store should fail")
	}
}

func TestCheckChatSkipsWhenNotConfigured(t *testing.T) {
	c, out := newChecker("", Options{Settings: settings.Default()})
	if !c.checkChat() {
		t.Fatal("unconfigured chat should not fail")
	}
	if !strings.Contains(out.String(), "SKIP") {
		t.Errorf("output = %q", out)
	}
}

func TestCheckChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"message":{"role":"assistant","content":"OK"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	s := settings.Default()
	s.Endpoint = srv.URL
	s.APIKey = "sk-doctor-test"
	c, out := newChecker("", Options{Settings: s})
	if !c.checkChat() {
		t.Fatalf("checkChat failed: %s", out)
	}
	if !strings.Contains(out.String(), `"OK"`) {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out.String(), "sk-doctor-test") {
		t.Error("API key printed in clear")
	}
}

func TestCheckTranscriptionSkipsWithoutKey(t *testing.T) {
	c, out := newChecker("", Options{})
	if !c.checkTranscription(transcriber.Config{}) {
		t.Fatal("missing provider should not fail")
	}
	if !strings.Contains(out.String(), "SKIP") {
		t.Errorf("output = %q", out)
	}
}

func TestCheckMicrophoneAndPlayback(t *testing.T) {
	ctx := audio.NewFakeContextPCM(tone(500*time.Millisecond), false)

	c, out := newChecker("\ny\n", Options{})
	if !c.checkMicrophone(ctx) {
		t.Fatalf("checkMicrophone failed: %s", out)
	}
	if len(c.pcm) == 0 {
		t.Fatal("no pcm kept for later checks")
	}
	if !c.checkPlayback(ctx) {
		t.Fatalf("checkPlayback failed: %s", out)
	}
}

func TestCheckPlaybackNotConfirmed(t *testing.T) {
	ctx := audio.NewFakeContextPCM(nil, false)
	c, out := newChecker("n\n", Options{})
	c.pcm = tone(100 * time.Millisecond)
	if c.checkPlayback(ctx) {
		t.Fatalf("expected failure: %s", out)
	}
}
