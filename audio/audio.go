package audio

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const WAVHeaderSize = 44

var (
	ErrPermissionDenied  = errors.New("microphone access denied")
	ErrDeviceUnavailable = errors.New("capture device unavailable")
)

// Classify maps a platform error from device acquisition onto
// ErrPermissionDenied or ErrDeviceUnavailable.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceUnavailable) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if errors.Is(err, os.ErrPermission) ||
		strings.Contains(msg, "denied") ||
		strings.Contains(msg, "not permitted") ||
		strings.Contains(msg, "permission") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"bluetooth", " bt ", " bt)", " bt]",
}

func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	NewPlayback(samples []int16, config CaptureConfig) (PlaybackHandle, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	// Ended is closed when the stream stops without Stop being called,
	// e.g. the device was unplugged.
	Ended() <-chan struct{}
	DeviceName() string
}

// PlaybackHandle is one playing clip of mono PCM. Position advances only
// while the handle is started and not paused.
type PlaybackHandle interface {
	Start() error
	Pause()
	Resume()
	Paused() bool
	Position() time.Duration
	Duration() time.Duration
	Seek(pos time.Duration)
	// Done is closed when the clip plays to its end.
	Done() <-chan struct{}
	Close()
}
