// Package term turns raw terminal bytes into key transitions. Terminals only
// report presses, so releases are synthesized once auto-repeat stops.
package term

import (
	"time"

	"github.com/dkeye/meshvoice/internal/app/transmit"
)

// DefaultReleaseAfter outlasts the usual auto-repeat start delay (~500ms).
const DefaultReleaseAfter = 650 * time.Millisecond

const CodeInterrupt = "CtrlC"

// Code names b the way browsers name KeyboardEvent.code; "" for unmapped bytes.
func Code(b byte) string {
	switch {
	case b == ' ':
		return "Space"
	case b == '\r' || b == '\n':
		return "Enter"
	case b == 0x1b:
		return "Escape"
	case b == 0x03:
		return CodeInterrupt
	case b == 0x7f:
		return "Backspace"
	case b >= 'a' && b <= 'z':
		return "Key" + string(b-'a'+'A')
	case b >= 'A' && b <= 'Z':
		return "Key" + string(b)
	case b >= '0' && b <= '9':
		return "Digit" + string(b)
	case b == '+' || b == '=':
		return "Equal"
	case b == '-':
		return "Minus"
	}
	return ""
}

// Repeater tracks the held key. A press of the held key inside the window is
// an auto-repeat; silence past the window releases it.
type Repeater struct {
	window time.Duration
	held   string
	last   time.Time
}

func NewRepeater(window time.Duration) *Repeater {
	if window <= 0 {
		window = DefaultReleaseAfter
	}
	return &Repeater{window: window}
}

func (r *Repeater) Press(code string, now time.Time) []transmit.KeyEvent {
	if code == "" {
		return nil
	}
	if code == r.held && now.Sub(r.last) < r.window {
		r.last = now
		return []transmit.KeyEvent{{Code: code, Down: true, Repeat: true}}
	}
	var out []transmit.KeyEvent
	if r.held != "" {
		out = append(out, transmit.KeyEvent{Code: r.held})
	}
	r.held, r.last = code, now
	return append(out, transmit.KeyEvent{Code: code, Down: true})
}

// Tick releases the held key once the window has passed.
func (r *Repeater) Tick(now time.Time) []transmit.KeyEvent {
	if r.held == "" || now.Sub(r.last) < r.window {
		return nil
	}
	code := r.held
	r.held = ""
	return []transmit.KeyEvent{{Code: code}}
}

// Deadline is when the held key would be released, zero when nothing is held.
func (r *Repeater) Deadline() time.Time {
	if r.held == "" {
		return time.Time{}
	}
	return r.last.Add(r.window)
}

// Flush releases whatever is held.
func (r *Repeater) Flush() []transmit.KeyEvent {
	if r.held == "" {
		return nil
	}
	code := r.held
	r.held = ""
	return []transmit.KeyEvent{{Code: code}}
}
