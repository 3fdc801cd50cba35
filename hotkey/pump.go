package hotkey

import "sync"

// Gestures receives press-to-talk input.
type Gestures interface {
	Press()
	Release()
}

// Pump forwards a Hotkey to Gestures. Repeated keydowns without a keyup
// in between are collapsed into one press.
type Pump struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewPump(hk Hotkey, g Gestures) *Pump {
	p := &Pump{stop: make(chan struct{}), done: make(chan struct{})}
	go p.run(hk, g)
	return p
}

func (p *Pump) run(hk Hotkey, g Gestures) {
	defer close(p.done)
	held := false
	for {
		select {
		case <-p.stop:
			return
		case <-hk.Keydown():
			if held {
				continue
			}
			held = true
			g.Press()
		case <-hk.Keyup():
			if !held {
				continue
			}
			held = false
			g.Release()
		}
	}
}

// Stop ends forwarding and waits for the pump goroutine.
func (p *Pump) Stop() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
}
