package core

import (
	"context"

	"github.com/ariavoice/aria/internal/domain"
)

// RecognitionEventKind enumerates events produced by a recognition stream.
type RecognitionEventKind int

const (
	// RecognitionSpeechStarted signals voice-activity onset on inbound
	// audio.
	RecognitionSpeechStarted RecognitionEventKind = iota
	// RecognitionPartial carries an interim transcript.
	RecognitionPartial
	// RecognitionFinal carries the end-of-utterance transcript.
	RecognitionFinal
	RecognitionError
)

type RecognitionEvent struct {
	Kind       RecognitionEventKind
	Text       string
	Confidence float64
	Err        error
}

// RecognitionStream is one live speech-to-text session. SendAudio may be
// called concurrently with draining Events.
type RecognitionStream interface {
	SendAudio(ctx context.Context, pcm []byte) error
	Events() <-chan RecognitionEvent
	Close() error
}

// RecognitionProvider opens recognition streams; restartable per session.
type RecognitionProvider interface {
	Start(ctx context.Context, sid SessionID) (RecognitionStream, error)
}

type GenerationEvent struct {
	// Token is a text delta. Empty on the final event.
	Token string
	// Text is the full accumulated reply, set only when Final is true.
	Text  string
	Final bool
	Err   error
}

// GenerationProvider produces a lazily streamed reply for an ordered
// conversation history. Cancelling ctx abandons the stream mid-flight.
type GenerationProvider interface {
	Stream(ctx context.Context, history []domain.Entry) (<-chan GenerationEvent, error)
}

type SynthesisEventKind int

const (
	// SynthesisAudio carries one chunk of 48 kHz mono PCM16.
	SynthesisAudio SynthesisEventKind = iota
	// SynthesisFlushed signals that all text spoken so far has been fully
	// rendered to audio.
	SynthesisFlushed
	// SynthesisCleared acknowledges a Clear, i.e. buffered audio for the
	// interrupted utterance was discarded server-side.
	SynthesisCleared
	SynthesisError
)

type SynthesisEvent struct {
	Kind  SynthesisEventKind
	Audio []byte
	Err   error
}

// SynthesisStream is one live text-to-speech session. Text is spoken
// incrementally; Flush forces rendering of everything buffered; Clear
// discards not-yet-delivered audio (barge-in).
type SynthesisStream interface {
	Speak(ctx context.Context, text string) error
	Flush(ctx context.Context) error
	Clear(ctx context.Context) error
	Events() <-chan SynthesisEvent
	Close() error
}

// SynthesisProvider opens synthesis streams; one per session.
type SynthesisProvider interface {
	Start(ctx context.Context, sid SessionID) (SynthesisStream, error)
}
