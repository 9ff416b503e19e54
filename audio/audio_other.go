//go:build !linux

package audio

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

type malgoContext struct {
	ctx *malgo.AllocatedContext
}

func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, Classify(err)
	}
	return &malgoContext{ctx: ctx}, nil
}

func (m *malgoContext) Devices() ([]DeviceInfo, error) {
	devices, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	var result []DeviceInfo
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:   hex.EncodeToString(d.ID[:]),
			Name: d.Name(),
		})
	}
	return result, nil
}

func (m *malgoContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	c := &malgoCapture{device: device, ended: make(chan struct{})}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = config.Channels
	deviceConfig.SampleRate = config.SampleRate

	if device != nil {
		idBytes, err := hex.DecodeString(device.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid device ID: %v", ErrDeviceUnavailable, err)
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, frameCount uint32) {
			if cb := c.callback.Load(); cb != nil {
				buf := make([]byte, len(data))
				copy(buf, data)
				(*cb)(buf, frameCount)
			}
		},
		Stop: func() {
			if !c.stopping.Load() {
				c.endedOnce.Do(func() { close(c.ended) })
			}
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, Classify(err)
	}
	c.dev = dev
	return c, nil
}

func (m *malgoContext) NewPlayback(samples []int16, config CaptureConfig) (PlaybackHandle, error) {
	p := &malgoPlayback{clip: newClip(samples, config.SampleRate)}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = p.sampleRate

	buf := make([]int16, 0, 1024)
	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			if cap(buf) < int(frameCount) {
				buf = make([]int16, frameCount)
			}
			buf = buf[:frameCount]
			n := p.read(buf)
			clear(buf[n:])
			for i, s := range buf {
				binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
			}
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("malgo playback: %w", err)
	}
	p.dev = dev
	return p, nil
}

func (m *malgoContext) Close() {
	_ = m.ctx.Uninit()
	m.ctx.Free()
}

type malgoCapture struct {
	dev      *malgo.Device
	device   *DeviceInfo
	callback atomic.Pointer[DataCallback]

	stopping  atomic.Bool
	ended     chan struct{}
	endedOnce sync.Once
	closeOnce sync.Once
}

func (c *malgoCapture) Start() error {
	c.stopping.Store(false)
	if err := c.dev.Start(); err != nil {
		return Classify(err)
	}
	return nil
}

func (c *malgoCapture) Stop() {
	c.stopping.Store(true)
	_ = c.dev.Stop()
}

func (c *malgoCapture) Close() {
	c.closeOnce.Do(func() {
		c.Stop()
		c.dev.Uninit()
	})
}

func (c *malgoCapture) Ended() <-chan struct{} { return c.ended }

func (c *malgoCapture) SetCallback(cb DataCallback) { c.callback.Store(&cb) }

func (c *malgoCapture) ClearCallback() { c.callback.Store(nil) }

func (c *malgoCapture) DeviceName() string {
	if c.device != nil {
		return c.device.Name
	}
	return "system default"
}

type malgoPlayback struct {
	*clip
	dev       *malgo.Device
	closeOnce sync.Once
}

func (p *malgoPlayback) Start() error {
	return p.dev.Start()
}

func (p *malgoPlayback) Close() {
	p.closeOnce.Do(func() {
		_ = p.dev.Stop()
		p.dev.Uninit()
	})
}
