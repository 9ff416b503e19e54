package visualizer

import (
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
	colorful "github.com/lucasb-eyer/go-colorful"
)

// Each terminal cell covers PixelsPerCol x 2 surface pixels; half-block
// glyphs give two vertical pixels per cell.
const PixelsPerCol = 2

// SurfaceFor returns the surface geometry that fills cols x rows cells.
func SurfaceFor(cols, rows int) Geometry {
	return Geometry{Width: float64(cols * PixelsPerCol), Height: float64(rows * 2)}
}

type cell struct {
	top, bot bool
	color    string
}

// Render rasterizes f into rows of terminal cells over background.
func Render(f Frame, cols, rows int, background colorful.Color) string {
	if cols <= 0 || rows <= 0 {
		return ""
	}
	grid := make([][]cell, rows)
	for r := range grid {
		grid[r] = make([]cell, cols)
	}

	for _, b := range f.Bars {
		col := int((b.X + b.Width/2) / PixelsPerCol)
		if col < 0 || col >= cols {
			continue
		}
		hex := b.Hex(background)
		from := int(math.Round(b.Y))
		to := int(math.Round(b.Y + b.Height))
		for px := max(from, 0); px < min(to, rows*2); px++ {
			c := &grid[px/2][col]
			if px%2 == 0 {
				c.top = true
			} else {
				c.bot = true
			}
			c.color = hex
		}
	}

	styles := map[string]lipgloss.Style{}
	var sb strings.Builder
	for r, row := range grid {
		for _, c := range row {
			var glyph string
			switch {
			case c.top && c.bot:
				glyph = "█"
			case c.top:
				glyph = "▀"
			case c.bot:
				glyph = "▄"
			default:
				sb.WriteByte(' ')
				continue
			}
			st, ok := styles[c.color]
			if !ok {
				st = lipgloss.NewStyle().Foreground(lipgloss.Color(c.color))
				styles[c.color] = st
			}
			sb.WriteString(st.Render(glyph))
		}
		if r < rows-1 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
