package termsurface

import (
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/term"

	"pkt.systems/folio/reader"
)

// ErrNotTerminal is returned when key input is requested from a non-terminal.
var ErrNotTerminal = errors.New("termsurface: input is not a terminal")

// ReadKeys switches in to raw mode and streams decoded events until ctx ends
// or input closes. restore puts the terminal back and must be called.
func ReadKeys(ctx context.Context, in *os.File) (<-chan reader.Event, func() error, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil, nil, ErrNotTerminal
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, nil, err
	}
	restore := func() error { return term.Restore(fd, state) }
	events := make(chan reader.Event, 16)
	go func() {
		defer close(events)
		pump(ctx, in, events)
	}()
	return events, restore, nil
}

func pump(ctx context.Context, in io.Reader, out chan<- reader.Event) {
	buf := make([]byte, 64)
	for {
		n, err := in.Read(buf)
		for _, ev := range ParseKeys(buf[:n]) {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err != nil || ctx.Err() != nil {
			return
		}
	}
}

// ParseKeys decodes one read of raw terminal input. Control bytes become
// Ctrl-modified letters so the content guard sees them the way a browser
// would.
func ParseKeys(b []byte) []reader.Event {
	var out []reader.Event
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch {
		case c == 0x1b:
			if i+2 < len(b) && b[i+1] == '[' {
				switch b[i+2] {
				case 'D':
					out = append(out, reader.KeyDown(reader.KeyArrowLeft, 0))
					i += 2
					continue
				case 'C':
					out = append(out, reader.KeyDown(reader.KeyArrowRight, 0))
					i += 2
					continue
				}
			}
			out = append(out, reader.KeyDown(reader.KeyEscape, 0))
			if i+1 < len(b) && b[i+1] == '[' {
				// unknown sequence; drop the rest of this read
				return out
			}
		case c == 'q':
			out = append(out, reader.KeyDown(reader.KeyEscape, 0))
		case c == 'h':
			out = append(out, reader.KeyDown(reader.KeyArrowLeft, 0))
		case c == 'l' || c == ' ':
			out = append(out, reader.KeyDown(reader.KeyArrowRight, 0))
		case c >= 0x01 && c <= 0x1a && c != '\r' && c != '\n' && c != '\t':
			out = append(out, reader.KeyDown(string(rune('a'+c-1)), reader.ModCtrl))
		default:
			out = append(out, reader.KeyDown(string(rune(c)), 0))
		}
	}
	return out
}
