package session

import (
	"context"

	"github.com/sebas/callpilot/internal/rtpmanager/media"
	"github.com/sebas/callpilot/internal/signaling/store"
	"github.com/sebas/callpilot/internal/signaling/transcription"
)

// Transcriber is the speech-to-text backend. The registry never calls it
// directly; audio goes through the transcription pipeline.
type Transcriber = transcription.Transcriber

// SynthesizeOptions are passed to the speech synthesizer.
type SynthesizeOptions struct {
	Voice      string
	Language   string
	SampleRate int
}

// Synthesizer turns text into audio: a WAV blob or raw 8kHz 16-bit PCM.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) ([]byte, error)
}

// TurnGenerator produces the agent's reply to one caller utterance.
type TurnGenerator interface {
	ProcessMessage(ctx context.Context, conversationID, text string) (string, error)
}

// ConversationStore owns conversations and their transcripts.
type ConversationStore interface {
	CreateConversation(ctx context.Context, agentID, callID string) (string, error)
	AddMessage(ctx context.Context, conversationID string, msg store.Message) error
	EndConversation(ctx context.Context, conversationID string) error
}

// CallStore persists call records. Optional.
type CallStore interface {
	SaveCall(ctx context.Context, rec *store.CallRecord) error
}

// RecordingStore persists finished recordings. Optional.
type RecordingStore interface {
	SaveRecording(ctx context.Context, rec *store.Recording) error
}

// MediaPort is the audio side of a live call. *media.Session implements it.
type MediaPort interface {
	Audio() <-chan media.Frame
	Digits() <-chan rune
	Play(ctx context.Context, pcm []byte) error
	WriteFrame(pcm []byte) error
	SendDigits(ctx context.Context, digits string) error
}

var _ MediaPort = (*media.Session)(nil)
