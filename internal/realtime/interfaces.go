package realtime

import (
	"context"
	"time"

	"github.com/mfushimi/kikitori/internal/costpolicy"
	"github.com/mfushimi/kikitori/internal/requirement"
)

// Credential is a short-lived token scoped to a single realtime connection.
type Credential struct {
	Secret    string
	SessionID string
	ExpiresAt time.Time
}

// CredentialBroker mints a connection credential parameterized by the cost
// policy. Backed by the backend's pass-through endpoint so the long-lived
// provider key never reaches the client.
type CredentialBroker interface {
	MintCredential(ctx context.Context, voice string, policy costpolicy.Policy) (Credential, error)
}

// RequirementSink accepts an extracted requirement draft for persistence,
// tagged with the conversation session it came from. The sink is the source
// of truth for persistence-time validation.
type RequirementSink interface {
	SaveRequirement(ctx context.Context, draft requirement.Draft, sessionID string) error
}

// CaptureConstraints are the local audio processing switches. The quality
// floor forces all three on for every capture open.
type CaptureConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// CaptureTrack is one live microphone track.
type CaptureTrack interface {
	SetEnabled(enabled bool)
	Enabled() bool
	Close() error
}

// CaptureDevice acquires the local microphone.
type CaptureDevice interface {
	OpenTrack(ctx context.Context, constraints CaptureConstraints) (CaptureTrack, error)
}

// EventChannel is the single bidirectional event channel of a negotiated
// realtime connection. Events() yields raw inbound payloads in arrival
// order and is closed when the link drops.
type EventChannel interface {
	Send(ctx context.Context, event any) error
	Events() <-chan []byte
	Close() error
}

// RemoteAudioSink receives the negotiated remote media stream. Detached on
// teardown.
type RemoteAudioSink interface {
	Attach(stream <-chan []byte)
	Detach()
}

// ChannelDialer negotiates the realtime connection: it binds the capture
// track, performs the offer/answer exchange against the upstream endpoint
// authenticated by the minted credential, and returns the open event
// channel plus the remote audio stream.
type ChannelDialer interface {
	Dial(ctx context.Context, cred Credential, track CaptureTrack) (EventChannel, <-chan []byte, error)
}
