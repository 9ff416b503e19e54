// Package visualizer turns frequency magnitudes into frames of vertical bars.
// Idle frames breathe on a slow sine; live frames follow the analyser.
package visualizer

import (
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
)

const (
	BarCount  = 40
	BarWidth  = 3
	MinHeight = 4
)

var IdleColor = colorful.Color{R: 108 / 255.0, G: 92 / 255.0, B: 231 / 255.0}

const idleAlpha = 0.2

type Geometry struct {
	Width, Height float64
}

// Gap is the spacing between bars and at both edges. It is never negative.
func (g Geometry) Gap() float64 {
	return max(0, (g.Width-BarCount*g.BarWidth())/(BarCount+1))
}

// BarWidth is the width of each bar: BarWidth, or less on a surface too
// narrow to fit BarCount of them side by side.
func (g Geometry) BarWidth() float64 {
	return max(0, min(BarWidth, g.Width/BarCount))
}

func (g Geometry) barX(i int) float64 {
	gap := g.Gap()
	return gap + float64(i)*(g.BarWidth()+gap)
}

type Bar struct {
	X, Y          float64
	Width, Height float64
	Color         colorful.Color
	Alpha         float64
}

// Hex is the bar colour composited over background at the bar's alpha.
func (b Bar) Hex(background colorful.Color) string {
	return background.BlendRgb(b.Color, b.Alpha).Clamped().Hex()
}

type Frame struct {
	Geometry
	Live bool
	Bars []Bar
}

// IdleFrame renders the resting animation at nowMs milliseconds.
func IdleFrame(g Geometry, nowMs float64) Frame {
	f := Frame{Geometry: g, Bars: make([]Bar, BarCount)}
	for i := range f.Bars {
		h := MinHeight + math.Sin(nowMs/800+float64(i)*0.3)*3
		f.Bars[i] = g.bar(i, h, IdleColor, idleAlpha)
	}
	return f
}

// LiveFrame maps frequency bins (0..255) onto the bars.
func LiveFrame(g Geometry, bins []byte) Frame {
	f := Frame{Geometry: g, Live: true, Bars: make([]Bar, BarCount)}
	step := len(bins) / BarCount
	for i := range f.Bars {
		var v float64
		if idx := i * step; idx < len(bins) {
			v = float64(bins[idx]) / 255
		}
		h := math.Max(MinHeight, v*g.Height*0.8)
		c := colorful.Hsl(258-v*20, 0.7, (60+v*15)/100)
		f.Bars[i] = g.bar(i, h, c, 0.5+v*0.5)
	}
	return f
}

func (g Geometry) bar(i int, h float64, c colorful.Color, alpha float64) Bar {
	return Bar{
		X:      g.barX(i),
		Y:      (g.Height - h) / 2,
		Width:  g.BarWidth(),
		Height: h,
		Color:  c,
		Alpha:  alpha,
	}
}
