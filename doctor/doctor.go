package doctor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"voicenotes/audio"
	"voicenotes/chat"
	"voicenotes/clipboard"
	"voicenotes/encoder"
	"voicenotes/notes"
	"voicenotes/settings"
	"voicenotes/shutdown"
	"voicenotes/transcriber"
)

type Options struct {
	Store    notes.Store
	Settings settings.Settings
	Device   string
}

type checker struct {
	in   *bufio.Reader
	out  io.Writer
	opts Options

	// pcm captured by the microphone check, reused by later checks.
	pcm []byte
}

// Run executes interactive diagnostic checks and returns an exit code (0=all pass, 1=any fail).
func Run(opts Options) int {
	resetTerminal()
	setupInterruptHandler()

	c := &checker{in: bufio.NewReader(os.Stdin), out: os.Stdout, opts: opts}
	c.printf("voicenotes doctor - interactive system diagnostics\n")
	c.printf("==================================================\n")

	ctx, err := audio.NewContext()
	if err != nil {
		c.printf("\n  FAIL: cannot connect to audio: %v\n", err)
		return 1
	}
	defer ctx.Close()

	allPass := true
	if !c.checkMicrophone(ctx) {
		allPass = false
	}
	if allPass && !c.checkPlayback(ctx) {
		allPass = false
	}
	if allPass && !c.checkTranscription(transcriber.ConfigFromEnv()) {
		allPass = false
	}
	if !c.checkStore() {
		allPass = false
	}
	if !c.checkChat() {
		allPass = false
	}
	c.checkClipboard()

	c.printf("\n")
	if allPass {
		c.printf("All checks passed!\n")
		return 0
	}
	c.printf("Some checks failed. See details above.\n")
	return 1
}

func setupInterruptHandler() {
	ctx, _ := shutdown.Context(context.Background())
	go func() {
		<-ctx.Done()
		println("\nInterrupted")
		os.Exit(1)
	}()
}

func (c *checker) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *checker) confirm(question string) bool {
	c.printf("%s [y/n]: ", question)
	answer, _ := c.in.ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "y" || answer == "yes"
}

func (c *checker) checkMicrophone(ctx audio.Context) bool {
	c.printf("\n[1/6] Microphone\n")

	device, err := audio.FindDevice(ctx, c.opts.Device)
	if err != nil {
		c.printf("  FAIL: %v\n", err)
		return false
	}
	if device == nil {
		devices, err := ctx.Devices()
		if err != nil {
			c.printf("  FAIL: cannot list devices: %v\n", err)
			return false
		}
		if len(devices) == 0 {
			c.printf("  FAIL: no capture devices found\n")
			return false
		}
		c.printf("  Using system default (%d devices available)\n", len(devices))
	} else {
		c.printf("  Using device: %s\n", device.Name)
		if audio.IsBluetooth(device.Name) {
			c.printf("  Warning: bluetooth microphones record at lower quality\n")
		}
	}

	c.printf("Press Enter and speak for 3 seconds...")
	c.in.ReadString('\n')

	stop := make(chan struct{})
	time.AfterFunc(3*time.Second, func() { close(stop) })
	pcm, err := c.record(ctx, device, stop)
	if err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			c.printf("  FAIL: microphone access denied, allow it in your system settings\n")
		} else {
			c.printf("  FAIL: recording error: %v\n", err)
		}
		return false
	}
	if len(pcm) == 0 {
		c.printf("  FAIL: no audio captured\n")
		return false
	}

	a := audio.NewAnalyser()
	a.Write(pcm)
	var peak byte
	for _, v := range a.FrequencyData() {
		peak = max(peak, v)
	}
	c.printf("  Captured %.1fs of audio (spectrum peak %d/255)\n", encoder.Duration(len(pcm)/2).Seconds(), peak)
	if peak == 0 {
		c.printf("  FAIL: captured audio is silent, check the input volume\n")
		return false
	}
	c.pcm = pcm
	c.printf("  PASS: microphone works\n")
	return true
}

func (c *checker) record(ctx audio.Context, device *audio.DeviceInfo, stop <-chan struct{}) ([]byte, error) {
	var (
		mu  sync.Mutex
		pcm []byte
	)
	capture, err := ctx.NewCapture(device, audio.CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	})
	if err != nil {
		return nil, err
	}
	defer capture.Close()

	capture.SetCallback(func(data []byte, _ uint32) {
		mu.Lock()
		pcm = append(pcm, data...)
		mu.Unlock()
	})
	if err := capture.Start(); err != nil {
		return nil, err
	}

	c.printf("  Recording")
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-capture.Ended():
			c.printf(" device lost\n")
			break loop
		case <-ticker.C:
			c.printf(".")
		}
	}
	capture.Stop()
	capture.ClearCallback()
	c.printf(" done\n")

	mu.Lock()
	defer mu.Unlock()
	return pcm, nil
}

func (c *checker) checkPlayback(ctx audio.Context) bool {
	c.printf("\n[2/6] Encoding and playback\n")

	flac, err := encoder.EncodePCM(c.pcm)
	if err != nil {
		c.printf("  FAIL: FLAC encoding: %v\n", err)
		return false
	}
	samples, rate, err := encoder.Decode(flac)
	if err != nil {
		c.printf("  FAIL: FLAC decoding: %v\n", err)
		return false
	}
	c.printf("  Encoded %.1f KB of PCM into %.1f KB of FLAC\n", float64(len(c.pcm))/1024, float64(len(flac))/1024)

	h, err := ctx.NewPlayback(samples, audio.CaptureConfig{SampleRate: rate, Channels: encoder.Channels})
	if err != nil {
		c.printf("  FAIL: opening playback: %v\n", err)
		return false
	}
	defer h.Close()
	if err := h.Start(); err != nil {
		c.printf("  FAIL: starting playback: %v\n", err)
		return false
	}
	c.printf("  Playing back your recording...\n")
	select {
	case <-h.Done():
	case <-time.After(h.Duration() + 2*time.Second):
	}

	if c.confirm("Did you hear your recording?") {
		c.printf("  PASS: playback verified by user\n")
		return true
	}
	c.printf("  FAIL: playback not confirmed\n")
	return false
}

func (c *checker) checkTranscription(cfg transcriber.Config) bool {
	c.printf("\n[3/6] Transcription\n")

	tr, err := transcriber.New(cfg)
	if errors.Is(err, transcriber.ErrUnavailable) {
		c.printf("  SKIP: no provider key set (DEEPGRAM_API_KEY, GROQ_API_KEY or OPENAI_API_KEY)\n")
		c.printf("        notes will be saved without a transcript\n")
		return true
	}
	if err != nil {
		c.printf("  FAIL: %v\n", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sess, err := tr.NewSession(ctx, transcriber.SessionConfig{Language: c.opts.Settings.Language})
	if err != nil {
		c.printf("  FAIL: session error: %v\n", err)
		return false
	}
	sess.Feed(c.pcm)
	result, err := sess.Close()
	if err != nil {
		c.printf("  FAIL: transcription error: %v\n", err)
		return false
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		text = "(no speech detected)"
	}
	c.printf("\n  %s transcribed: %s\n\n", tr.Name(), text)

	if c.confirm("Is this correct?") {
		c.printf("  PASS: transcription verified by user\n")
		return true
	}
	c.printf("  FAIL: transcription not confirmed\n")
	return false
}

func (c *checker) checkStore() bool {
	c.printf("\n[4/6] Note store\n")
	if c.opts.Store == nil {
		c.printf("  FAIL: no store configured\n")
		return false
	}
	ns, err := c.opts.Store.List()
	if err != nil {
		c.printf("  FAIL: %v\n", err)
		return false
	}
	var bytes int
	for _, n := range ns {
		bytes += len(n.AudioData)
	}
	c.printf("  PASS: %d notes readable (%.1f KB of audio)\n", len(ns), float64(bytes)/1024)
	return true
}

func (c *checker) checkChat() bool {
	c.printf("\n[5/6] Chat endpoint\n")
	s := c.opts.Settings
	if !s.Configured() {
		c.printf("  SKIP: chat not configured (endpoint, API key and model)\n")
		return true
	}
	c.printf("  Endpoint: %s  model: %s  key: %s\n", s.Endpoint, s.Model, s.Masked())

	sc := chat.New(noNotes{}, chat.NewMemoryHistory(), func() settings.Settings { return s })
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	reply, err := sc.Send(ctx, "Reply with the single word OK.")
	if err != nil {
		c.printf("  FAIL: %v\n", err)
		return false
	}
	c.printf("  PASS: endpoint replied %q\n", truncate(reply.Content, 60))
	return true
}

func (c *checker) checkClipboard() {
	c.printf("\n[6/6] Clipboard\n")
	if !clipboard.Available() {
		c.printf("  SKIP: no clipboard utility found (install xclip, xsel or wl-clipboard)\n")
		return
	}
	const sentinel = "voicenotes-doctor-test"
	if err := clipboard.Copy(sentinel); err != nil {
		c.printf("  WARN: copy failed: %v\n", err)
		return
	}
	got, err := clipboard.Read()
	if err != nil || got != sentinel {
		c.printf("  WARN: clipboard read back %q (%v)\n", got, err)
		return
	}
	c.printf("  PASS: transcripts can be copied\n")
}

type noNotes struct{}

func (noNotes) List() ([]notes.Note, error) { return nil, nil }

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
