package hotkey

import (
	"fmt"
	"strings"
)

// Hotkey delivers press and release of one global key binding.
type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}

// Binding is a key with optional Ctrl and Shift modifiers.
type Binding struct {
	Ctrl  bool
	Shift bool
	Key   string
}

var DefaultBinding = Binding{Ctrl: true, Shift: true, Key: "space"}

// ParseBinding reads forms like "ctrl+shift+space" or "f9".
func ParseBinding(s string) (Binding, error) {
	var b Binding
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "+")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		last := i == len(parts)-1
		switch {
		case p == "ctrl" && !last:
			b.Ctrl = true
		case p == "shift" && !last:
			b.Shift = true
		case last && validKey(p):
			b.Key = p
		default:
			return Binding{}, fmt.Errorf("invalid key binding %q", s)
		}
	}
	return b, nil
}

func (b Binding) String() string {
	var parts []string
	if b.Ctrl {
		parts = append(parts, "Ctrl")
	}
	if b.Shift {
		parts = append(parts, "Shift")
	}
	key := strings.ToUpper(b.Key[:1]) + b.Key[1:]
	return strings.Join(append(parts, key), "+")
}

func validKey(k string) bool {
	_, ok := keyCodes[k]
	return ok
}
