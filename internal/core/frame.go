package core

import "time"

type SessionID string

// FrameKind discriminates the payloads flowing through a session pipeline.
type FrameKind int

const (
	FrameAudioIn FrameKind = iota
	FrameTranscriptPartial
	FrameTranscriptFinal
	FrameGenerationToken
	FrameGenerationFinal
	FrameAudioOut
	FrameControl
)

func (k FrameKind) String() string {
	switch k {
	case FrameAudioIn:
		return "audio_in"
	case FrameTranscriptPartial:
		return "transcript_partial"
	case FrameTranscriptFinal:
		return "transcript_final"
	case FrameGenerationToken:
		return "generation_token"
	case FrameGenerationFinal:
		return "generation_final"
	case FrameAudioOut:
		return "audio_out"
	case FrameControl:
		return "control"
	}
	return "unknown"
}

// ControlSignal is the sub-kind of a FrameControl frame.
type ControlSignal int

const (
	SignalNone ControlSignal = iota
	SignalTurnStart
	SignalTurnEnd
	SignalInterrupt
	// SignalGreeting asks the synthesis stage to speak the frame text
	// without consulting the generation provider. It is the only frame
	// that may carry turn sequence zero.
	SignalGreeting
	// SignalSpeak is the fallback path: speak the frame text verbatim
	// (e.g. an apology after a provider failure mid-turn).
	SignalSpeak
)

func (s ControlSignal) String() string {
	switch s {
	case SignalTurnStart:
		return "turn_start"
	case SignalTurnEnd:
		return "turn_end"
	case SignalInterrupt:
		return "interrupt"
	case SignalGreeting:
		return "greeting"
	case SignalSpeak:
		return "speak"
	}
	return "none"
}

// Frame is the unit of data exchanged between pipeline stages. Exactly one
// of Audio/Text is meaningful depending on Kind. Turn is the sequence number
// of the conversational turn that produced the frame; stages must never
// reorder frames within a turn.
type Frame struct {
	Kind      FrameKind
	Signal    ControlSignal
	Audio     []byte
	Text      string
	Turn      uint64
	Timestamp time.Time
}

func AudioInFrame(pcm []byte, turn uint64) Frame {
	return Frame{Kind: FrameAudioIn, Audio: pcm, Turn: turn, Timestamp: time.Now()}
}

func AudioOutFrame(pcm []byte, turn uint64) Frame {
	return Frame{Kind: FrameAudioOut, Audio: pcm, Turn: turn, Timestamp: time.Now()}
}

func TextFrame(kind FrameKind, text string, turn uint64) Frame {
	return Frame{Kind: kind, Text: text, Turn: turn, Timestamp: time.Now()}
}

func ControlFrame(sig ControlSignal, turn uint64) Frame {
	return Frame{Kind: FrameControl, Signal: sig, Turn: turn, Timestamp: time.Now()}
}

// SpeakFrame is a control frame carrying text for the synthesis stage.
func SpeakFrame(sig ControlSignal, text string, turn uint64) Frame {
	return Frame{Kind: FrameControl, Signal: sig, Text: text, Turn: turn, Timestamp: time.Now()}
}
