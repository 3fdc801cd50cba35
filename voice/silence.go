package voice

import "time"

const (
	speechMinRatio   = 0.10
	speechClearRatio = 0.25 // higher threshold to clear warning (hysteresis)
)

type SilenceEvent int

const (
	SilenceNone      SilenceEvent = iota
	SilenceWarn                   // no voice detected
	SilenceWarnClear              // speech resumed after warning
	SilenceRepeat                 // warning repeated while still silent
	SilenceAutoStop               // silent for the whole auto-stop window
)

// silenceMonitor classifies a stream of per-tick speech flags. It warns
// once the warn window is mostly silent and asks for an automatic stop
// once the auto-stop window is.
type silenceMonitor struct {
	warnAt   int
	windowSz int
	autoStop bool

	ticks       int
	window      []bool
	speechCount int
	warned      bool
	lastWarn    int
}

func newSilenceMonitor(tick, warnAfter, autoStopAfter time.Duration) *silenceMonitor {
	warnAt := max(1, int(warnAfter/tick))
	windowSz := int(autoStopAfter / tick)
	autoStop := windowSz > 0
	if windowSz < warnAt {
		windowSz = warnAt
	}
	return &silenceMonitor{
		warnAt:   warnAt,
		windowSz: windowSz,
		autoStop: autoStop,
		window:   make([]bool, windowSz),
	}
}

func (m *silenceMonitor) ratio(n int) float64 {
	if m.ticks < n {
		n = m.ticks
	}
	if n == 0 {
		return 1.0
	}
	count := 0
	for i := 0; i < n; i++ {
		if m.window[(m.ticks-1-i+m.windowSz)%m.windowSz] {
			count++
		}
	}
	return float64(count) / float64(n)
}

func (m *silenceMonitor) Tick(hasSpeech bool) SilenceEvent {
	idx := m.ticks % m.windowSz
	if m.ticks >= m.windowSz && m.window[idx] {
		m.speechCount--
	}
	m.window[idx] = hasSpeech
	if hasSpeech {
		m.speechCount++
	}
	m.ticks++

	r := m.ratio(m.warnAt)

	if m.ticks >= m.warnAt && r < speechMinRatio && !m.warned {
		m.warned = true
		m.lastWarn = m.ticks
		return SilenceWarn
	}
	if m.warned && r >= speechClearRatio {
		m.warned = false
		return SilenceWarnClear
	}

	// Auto-stop is checked before repeat.
	if m.autoStop && m.ticks >= m.windowSz && float64(m.speechCount)/float64(m.windowSz) < speechMinRatio {
		return SilenceAutoStop
	}

	if m.warned && m.ticks-m.lastWarn >= m.warnAt {
		m.lastWarn = m.ticks
		return SilenceRepeat
	}

	return SilenceNone
}
