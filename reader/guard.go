package reader

import (
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/folio/internal/svcfields"
)

// Guard suppresses the input that would copy, print or save page content
// while a reader holds it. It deters casual copying and nothing more.
type Guard struct {
	mu         sync.Mutex
	holders    int
	suppressed int
	logger     pslog.Base
}

// NewGuard returns an inactive guard. A nil logger disables logging.
func NewGuard(logger pslog.Base) *Guard {
	return &Guard{logger: svcfields.EnsureBase(logger, svcfields.Subsystem(svcfields.Reader, "guard"))}
}

// Acquire activates the guard until release is called. Release may be
// called any number of times; only the first call counts.
func (g *Guard) Acquire() (release func()) {
	g.mu.Lock()
	g.holders++
	g.mu.Unlock()
	g.logger.Trace("reader.guard.acquired")
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.holders--
			g.mu.Unlock()
			g.logger.Trace("reader.guard.released")
		})
	}
}

// Active reports whether any holder has the guard.
func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holders > 0
}

// Filter reports whether ev is suppressed. Inactive guards let everything
// through.
func (g *Guard) Filter(ev Event) bool {
	if !blocked(ev) {
		return false
	}
	g.mu.Lock()
	if g.holders == 0 {
		g.mu.Unlock()
		return false
	}
	g.suppressed++
	g.mu.Unlock()
	g.logger.Debug("reader.guard.suppressed", "event", ev.Kind.String(), "key", ev.Key)
	return true
}

// Suppressed returns how many events the guard has swallowed.
func (g *Guard) Suppressed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suppressed
}

func blocked(ev Event) bool {
	switch ev.Kind {
	case EventContextMenu, EventDragStart, EventCopy, EventCut, EventPaste, EventBeforePrint:
		return true
	case EventKeyDown:
		if ev.keyIs(KeyPrintScreen) {
			return true
		}
		if !ev.shortcut() {
			return false
		}
		for _, k := range []string{"p", "s", "c", "x", "v"} {
			if ev.keyIs(k) {
				return true
			}
		}
	}
	return false
}
