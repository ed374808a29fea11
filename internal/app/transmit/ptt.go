package transmit

import "github.com/dkeye/meshvoice/internal/domain"

// KeyEvent is one key transition as delivered by the input layer.
type KeyEvent struct {
	Code string
	Down bool
	// Repeat marks auto-repeat key-downs while a key is held.
	Repeat bool
	// Editable marks events that originate in a text field.
	Editable bool
}

// PushToTalk tracks whether the bound key is held. The binding is passed on
// every call so the latest settings apply without re-registration.
type PushToTalk struct {
	held bool
	// code is the key that was pressed, kept so its key-up releases even
	// after the binding moved.
	code string
}

// Handle applies ev and reports whether the held state changed.
func (p *PushToTalk) Handle(binding *domain.KeyBinding, ev KeyEvent) bool {
	if ev.Editable {
		return false
	}
	if !ev.Down {
		if !p.held || ev.Code != p.code {
			return false
		}
		p.held, p.code = false, ""
		return true
	}
	if binding == nil || binding.Code == "" || ev.Code != binding.Code || ev.Repeat || p.held {
		return false
	}
	p.held, p.code = true, ev.Code
	return true
}

// Release force-releases the key (window blur, visibility change, leave).
// A stuck key must never leave the microphone open after focus loss.
func (p *PushToTalk) Release() bool {
	if !p.held {
		return false
	}
	p.held, p.code = false, ""
	return true
}

// Rebind releases a held key that binding no longer names.
func (p *PushToTalk) Rebind(binding *domain.KeyBinding) bool {
	if !p.held || (binding != nil && binding.Code == p.code) {
		return false
	}
	return p.Release()
}

// Held reports whether the currently bound key is down. Without a binding
// push-to-talk never transmits.
func (p *PushToTalk) Held(binding *domain.KeyBinding) bool {
	return p.held && binding != nil && binding.Code != "" && binding.Code == p.code
}
