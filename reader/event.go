package reader

import "strings"

// EventKind classifies input delivered to the reader.
type EventKind int

const (
	EventKeyDown EventKind = iota
	EventContextMenu
	EventDragStart
	EventCopy
	EventCut
	EventPaste
	EventBeforePrint
)

func (k EventKind) String() string {
	switch k {
	case EventKeyDown:
		return "keydown"
	case EventContextMenu:
		return "contextmenu"
	case EventDragStart:
		return "dragstart"
	case EventCopy:
		return "copy"
	case EventCut:
		return "cut"
	case EventPaste:
		return "paste"
	case EventBeforePrint:
		return "beforeprint"
	default:
		return "unknown"
	}
}

// Modifiers is a bit set of held modifier keys.
type Modifiers uint8

const (
	ModCtrl Modifiers = 1 << iota
	ModMeta
	ModShift
	ModAlt
)

// Key names understood by the reader.
const (
	KeyArrowLeft   = "ArrowLeft"
	KeyArrowRight  = "ArrowRight"
	KeyEscape      = "Escape"
	KeyPrintScreen = "PrintScreen"
	KeyRetry       = "r"
)

// Event is one input event.
type Event struct {
	Kind EventKind
	// Key is the key name for EventKeyDown, e.g. "ArrowLeft" or "p".
	Key  string
	Mods Modifiers
}

// KeyDown builds a key press event.
func KeyDown(key string, mods Modifiers) Event {
	return Event{Kind: EventKeyDown, Key: key, Mods: mods}
}

func (e Event) shortcut() bool {
	return e.Mods&(ModCtrl|ModMeta) != 0
}

func (e Event) keyIs(name string) bool {
	return strings.EqualFold(e.Key, name)
}

// Action is what the controller did with an event.
type Action int

const (
	ActionNone Action = iota
	ActionSuppressed
	ActionPrevious
	ActionNext
	ActionRetry
	ActionClose
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSuppressed:
		return "suppressed"
	case ActionPrevious:
		return "previous"
	case ActionNext:
		return "next"
	case ActionRetry:
		return "retry"
	case ActionClose:
		return "close"
	default:
		return "unknown"
	}
}
