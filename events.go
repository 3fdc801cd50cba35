package main

import (
	tea "github.com/charmbracelet/bubbletea"

	"voxrec/voice"
)

// Voice session messages for the TUI.
type voiceStateMsg struct {
	State      voice.State
	Cancelling bool
}
type transcriptMsg struct {
	Text  string
	Final bool
}
type processingMsg struct{ Text string }
type silenceMsg struct{ Active bool }
type finishedMsg struct{ Outcome voice.Outcome }

// teaSink forwards controller callbacks into the Bubble Tea program.
type teaSink struct {
	send func(tea.Msg)
}

func (s teaSink) StateChanged(st voice.State, cancelling bool) {
	s.send(voiceStateMsg{State: st, Cancelling: cancelling})
}
func (s teaSink) Transcript(text string, final bool) { s.send(transcriptMsg{Text: text, Final: final}) }
func (s teaSink) Processing(msg string)              { s.send(processingMsg{Text: msg}) }
func (s teaSink) SilenceWarning(active bool)         { s.send(silenceMsg{Active: active}) }
func (s teaSink) Finished(out voice.Outcome)         { s.send(finishedMsg{Outcome: out}) }
