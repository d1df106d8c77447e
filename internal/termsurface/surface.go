// Package termsurface draws pages in a terminal with 24-bit colour half
// blocks and turns raw keyboard input into reader events.
package termsurface

import (
	"bufio"
	"fmt"
	"image"
	"io"
	"strings"
	"sync"

	"golang.org/x/term"

	"pkt.systems/folio/internal/imaging"
)

const (
	clearScreen = "\x1b[0m\x1b[H\x1b[2J"
	resetColour = "\x1b[0m"
	upperHalf   = "▀"
)

// Surface renders pages to a terminal. Each character cell shows two
// vertically stacked pixels.
type Surface struct {
	out    io.Writer
	fd     int
	cols   int
	rows   int
	status func(page int) string

	mu sync.Mutex
}

// Option customises a Surface.
type Option func(*Surface)

// WithSize fixes the drawing area in character cells instead of asking the
// terminal.
func WithSize(cols, rows int) Option {
	return func(s *Surface) {
		s.cols, s.rows = cols, rows
	}
}

// WithTerminal names the file descriptor whose size bounds the drawing area.
func WithTerminal(fd int) Option {
	return func(s *Surface) { s.fd = fd }
}

// WithStatus sets the text printed below each page.
func WithStatus(fn func(page int) string) Option {
	return func(s *Surface) { s.status = fn }
}

// New returns a surface writing to out.
func New(out io.Writer, opts ...Option) *Surface {
	s := &Surface{out: out, fd: -1}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.status == nil {
		s.status = func(page int) string { return fmt.Sprintf("page %d", page) }
	}
	return s
}

// Viewport returns the drawing area in pixels.
func (s *Surface) Viewport() (w, h int) {
	cols, rows := s.cols, s.rows
	if (cols <= 0 || rows <= 0) && s.fd >= 0 && term.IsTerminal(s.fd) {
		if c, r, err := term.GetSize(s.fd); err == nil {
			cols, rows = c, r
		}
	}
	if cols <= 0 {
		cols = 80
	}
	if rows <= 1 {
		rows = 24
	}
	// last row holds the status line
	return cols, (rows - 1) * 2
}

// Draw implements reader.Surface.
func (s *Surface) Draw(page int, img image.Image) error {
	w, h := s.Viewport()
	img = imaging.Fit(img, w, h)
	s.mu.Lock()
	defer s.mu.Unlock()
	bw := bufio.NewWriter(s.out)
	bw.WriteString(clearScreen)
	render(bw, img)
	bw.WriteString(resetColour)
	bw.WriteString(s.status(page))
	bw.WriteString("\r\n")
	return bw.Flush()
}

// Clear implements reader.Surface.
func (s *Surface) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.out, clearScreen)
	return err
}

func render(w *bufio.Writer, img image.Image) {
	b := img.Bounds()
	var line strings.Builder
	for y := b.Min.Y; y < b.Max.Y; y += 2 {
		line.Reset()
		for x := b.Min.X; x < b.Max.X; x++ {
			tr, tg, tb := rgb8(img, x, y)
			br, bg, bb := tr, tg, tb
			if y+1 < b.Max.Y {
				br, bg, bb = rgb8(img, x, y+1)
			}
			fmt.Fprintf(&line, "\x1b[38;2;%d;%d;%dm\x1b[48;2;%d;%d;%dm%s", tr, tg, tb, br, bg, bb, upperHalf)
		}
		line.WriteString(resetColour)
		line.WriteString("\r\n")
		w.WriteString(line.String())
	}
}

func rgb8(img image.Image, x, y int) (uint8, uint8, uint8) {
	r, g, b, _ := img.At(x, y).RGBA()
	return uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)
}
