package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mfushimi/kikitori/internal/costpolicy"
)

// ConnectionState is the transport session lifecycle state. Transitions are
// strictly forward: Idle -> Connecting -> Connected -> Closed, with the one
// exception that a failed connect attempt reverts Connecting -> Idle so the
// handle can retry. A handle cannot be reused after Closed.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	StateClosed     ConnectionState = "closed"
)

// ErrUpstreamRejected should be wrapped by dialers when the remote endpoint
// refuses the negotiated session, so Connect can classify the failure.
var ErrUpstreamRejected = errors.New("upstream rejected session")

// openingUserTurn seeds the conversation in auto-detect mode so the
// assistant speaks first. Deliberate UX bootstrap, not a protocol
// requirement; push-to-talk skips it because the human initiates by
// pressing.
const openingUserTurn = "こんにちは。業務委託の要件定義について相談したいです。"

// Config wires a Session's collaborators.
type Config struct {
	Capture   CaptureDevice
	Dialer    ChannelDialer
	Broker    CredentialBroker
	Sink      RequirementSink
	AudioSink RemoteAudioSink
	Voice     string
	OnNotice  NoticeFunc
}

// Session owns one realtime audio+event connection: the capture track, the
// bidirectional event channel, and the connection state machine. One live
// instance per conversation.
type Session struct {
	cfg    Config
	notify NoticeFunc

	mu         sync.Mutex
	state      ConnectionState
	policy     costpolicy.Policy
	cred       Credential
	track      CaptureTrack
	channel    EventChannel
	router     *Router
	micEnabled bool
	pressed    bool
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.Capture == nil || cfg.Dialer == nil || cfg.Broker == nil {
		return nil, errors.New("capture, dialer and broker are required")
	}
	notify := cfg.OnNotice
	if notify == nil {
		notify = func(Notice) {}
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	return &Session{cfg: cfg, notify: notify, state: StateIdle}, nil
}

// State reports the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActivePolicy returns the policy snapshot bound at connect time.
func (s *Session) ActivePolicy() costpolicy.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// SessionID returns the conversation session identifier bound at connect.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred.SessionID
}

// Router exposes the conversation state for the live connection. Nil until
// a connect succeeds.
func (s *Session) Router() *Router {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.router
}

// MicrophoneEnabled reports whether the capture track is live.
func (s *Session) MicrophoneEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.micEnabled
}

// Connect negotiates the realtime connection under the given policy. The
// policy is frozen for the session's lifetime. On failure the state reverts
// to Idle (never left in Connecting) and a ConnectError is returned.
func (s *Session) Connect(ctx context.Context, policy costpolicy.Policy) error {
	if err := policy.Validate(); err != nil {
		return connectErr(ErrKindCredential, fmt.Errorf("invalid policy: %w", err))
	}

	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateConnecting, StateConnected:
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.state = StateConnecting
	s.policy = policy
	s.mu.Unlock()

	revert := func(kind ConnectErrorKind, err error) error {
		s.teardown(false)
		s.mu.Lock()
		// A concurrent Disconnect mid-negotiation wins; stay Closed then.
		if s.state == StateConnecting {
			s.state = StateIdle
		}
		s.mu.Unlock()
		return connectErr(kind, err)
	}

	// Echo cancellation, noise suppression and auto gain are forced on; the
	// quality floor is non-negotiable.
	track, err := s.cfg.Capture.OpenTrack(ctx, CaptureConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	})
	if err != nil {
		return revert(ErrKindDevice, err)
	}
	ptt := policy.Mode == costpolicy.ModePushToTalk
	// In push-to-talk mode the track starts disabled; the caller enables it
	// only while a press gesture is held.
	track.SetEnabled(!ptt)
	s.mu.Lock()
	s.track = track
	s.micEnabled = !ptt
	s.mu.Unlock()

	cred, err := s.cfg.Broker.MintCredential(ctx, s.cfg.Voice, policy)
	if err != nil {
		return revert(ErrKindCredential, err)
	}
	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()

	channel, remoteAudio, err := s.cfg.Dialer.Dial(ctx, cred, track)
	if err != nil {
		if errors.Is(err, ErrUpstreamRejected) {
			return revert(ErrKindUpstream, err)
		}
		return revert(ErrKindNegotiation, err)
	}
	s.mu.Lock()
	if s.state != StateConnecting {
		// Disconnected while the dial was outstanding; teardown could not
		// see this channel, so it must be closed here.
		s.mu.Unlock()
		_ = channel.Close()
		return ErrSessionClosed
	}
	s.channel = channel
	s.mu.Unlock()

	if err := channel.Send(ctx, sessionUpdateFor(policy)); err != nil {
		return revert(ErrKindUpstream, fmt.Errorf("push session config: %w", err))
	}

	if s.cfg.AudioSink != nil && remoteAudio != nil {
		s.cfg.AudioSink.Attach(remoteAudio)
	}

	router := NewRouter(cred.SessionID, policy, s.cfg.Sink, channel.Send, s.notify)
	s.mu.Lock()
	if s.state != StateConnecting {
		// Disconnected mid-negotiation; resources were already released.
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.router = router
	s.state = StateConnected
	s.mu.Unlock()

	if !ptt {
		if err := channel.Send(ctx, NewUserTextItem(openingUserTurn)); err != nil {
			s.notify(Notice{Source: NoticeSourceUpstream, Code: "seed_turn_failed", Detail: err.Error()})
		} else if err := channel.Send(ctx, ResponseCreate{Type: TypeResponseCreate}); err != nil {
			s.notify(Notice{Source: NoticeSourceUpstream, Code: "seed_response_failed", Detail: err.Error()})
		}
	}
	return nil
}

// sessionUpdateFor translates the policy into connection-setup parameters.
// The voice-detection block is omitted entirely (not merely disabled) when
// the effective policy has none.
func sessionUpdateFor(policy costpolicy.Policy) SessionUpdate {
	cfg := SessionConfig{
		MaxResponseOutputTokens: policy.Context.MaxResponseTokens,
	}
	if vd, ok := policy.EffectiveVoiceDetection(); ok {
		cfg.TurnDetection = &TurnDetection{
			Kind:              "server_vad",
			Threshold:         vd.Threshold,
			PrefixPaddingMS:   vd.PrefixPaddingMS,
			SilenceDurationMS: vd.SilenceDurationMS,
		}
	}
	return SessionUpdate{Type: TypeSessionUpdate, Session: cfg}
}

// Run drains the event channel through the router until the link drops or
// ctx is cancelled, then tears the session down. Events are processed
// strictly in arrival order on this single goroutine.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	channel := s.channel
	router := s.router
	state := s.state
	s.mu.Unlock()
	if state != StateConnected || channel == nil {
		return ErrNotConnected
	}

	defer s.Disconnect()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-channel.Events():
			if !ok {
				return nil
			}
			router.HandleRaw(ctx, raw)
		}
	}
}

// Send emits one client event on the live channel.
func (s *Session) Send(ctx context.Context, event any) error {
	s.mu.Lock()
	channel := s.channel
	state := s.state
	s.mu.Unlock()
	if state != StateConnected || channel == nil {
		return ErrNotConnected
	}
	return channel.Send(ctx, event)
}

// SetMicrophoneEnabled toggles the capture track. Continuous enable/disable
// applies to auto-detect mode; in push-to-talk the press gesture owns the
// track.
func (s *Session) SetMicrophoneEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.track == nil {
		return
	}
	if s.policy.Mode == costpolicy.ModePushToTalk {
		return
	}
	s.track.SetEnabled(enabled)
	s.micEnabled = enabled
}

// Press starts a push-to-talk gesture: the capture track goes live and the
// upstream input buffer is cleared to establish an explicit "user is now
// speaking" boundary. No-op outside push-to-talk mode or when not
// Connected.
func (s *Session) Press(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnected || s.policy.Mode != costpolicy.ModePushToTalk || s.pressed {
		s.mu.Unlock()
		return nil
	}
	s.pressed = true
	track := s.track
	channel := s.channel
	track.SetEnabled(true)
	s.micEnabled = true
	s.mu.Unlock()

	return channel.Send(ctx, BufferClear{Type: TypeBufferClear})
}

// Release ends a push-to-talk gesture: the track is disabled, the input
// buffer committed, and a response explicitly requested since no server
// silence detector will trigger one. Each press pairs with exactly one
// release-triggered response request, however short the press.
func (s *Session) Release(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnected || s.policy.Mode != costpolicy.ModePushToTalk || !s.pressed {
		s.mu.Unlock()
		return nil
	}
	s.pressed = false
	track := s.track
	channel := s.channel
	track.SetEnabled(false)
	s.micEnabled = false
	s.mu.Unlock()

	if err := channel.Send(ctx, BufferCommit{Type: TypeBufferCommit}); err != nil {
		return err
	}
	return channel.Send(ctx, ResponseCreate{Type: TypeResponseCreate})
}

// Disconnect tears the session down and moves it to Closed. Safe to call at
// any point, including mid-negotiation and repeatedly; it never returns an
// error and discards the effects of in-flight calls against the session.
func (s *Session) Disconnect() {
	s.teardown(true)
}

// teardown releases all owned transport resources in order: event channel,
// peer connection resources (the capture track), remote audio sink, bound
// credential and session identifiers. Every step runs even when an earlier
// one is already a no-op, so partial state from a failed connect never
// leaks into a later retry.
func (s *Session) teardown(final bool) {
	s.mu.Lock()
	channel := s.channel
	track := s.track
	router := s.router
	s.channel = nil
	s.track = nil
	s.router = nil
	s.cred = Credential{}
	s.micEnabled = false
	s.pressed = false
	if final {
		s.state = StateClosed
	}
	s.mu.Unlock()

	if channel != nil {
		_ = channel.Close()
	}
	if track != nil {
		_ = track.Close()
	}
	if s.cfg.AudioSink != nil {
		s.cfg.AudioSink.Detach()
	}
	if router != nil {
		router.Close()
	}
}
