package reader

import (
	"image"
	"sync"

	"pkt.systems/folio/internal/imaging"
)

// Surface displays page bitmaps.
type Surface interface {
	Draw(page int, img image.Image) error
	Clear() error
}

// FitSurface scales pages down to a Width x Height viewport before passing
// them to Target. Non-positive dimensions leave that axis unconstrained.
type FitSurface struct {
	Target Surface
	Width  int
	Height int
}

// Draw implements Surface.
func (f FitSurface) Draw(page int, img image.Image) error {
	return f.Target.Draw(page, imaging.Fit(img, f.Width, f.Height))
}

// Clear implements Surface.
func (f FitSurface) Clear() error {
	return f.Target.Clear()
}

// Frame is one draw recorded by MemorySurface.
type Frame struct {
	Page   int
	Bitmap image.Image
}

// MemorySurface keeps drawn frames in memory. It backs headless use and tests.
type MemorySurface struct {
	mu      sync.Mutex
	frames  []Frame
	visible bool
	clears  int
}

// Draw implements Surface.
func (m *MemorySurface) Draw(page int, img image.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, Frame{Page: page, Bitmap: img})
	m.visible = true
	return nil
}

// Clear implements Surface.
func (m *MemorySurface) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visible = false
	m.clears++
	return nil
}

// Visible returns the frame currently shown.
func (m *MemorySurface) Visible() (Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.visible || len(m.frames) == 0 {
		return Frame{}, false
	}
	return m.frames[len(m.frames)-1], true
}

// Frames returns every frame drawn so far.
func (m *MemorySurface) Frames() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Frame(nil), m.frames...)
}

// Clears counts Clear calls.
func (m *MemorySurface) Clears() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}
