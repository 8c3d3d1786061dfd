package core

import "github.com/dkeye/voicelink/internal/domain"

// Cues drives the UI shell's audio feedback.
type Cues interface {
	StartRingback()
	StartRingtone()
	// StopLoop stops whichever looping cue is playing.
	StopLoop()
	PlayDisconnect()
}

// Notifier is the UI shell as seen from the session layer.
type Notifier interface {
	Cues
	Notify(n domain.Notice)
	PromptIncoming(inv domain.Invitation)
	DismissIncoming(key string)
}
