package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mfushimi/kikitori/internal/costpolicy"
)

// MockCaptureDevice stands in for real microphone hardware.
type MockCaptureDevice struct {
	FailOpen error

	mu    sync.Mutex
	track *MockCaptureTrack
}

func NewMockCaptureDevice() *MockCaptureDevice { return &MockCaptureDevice{} }

func (d *MockCaptureDevice) OpenTrack(_ context.Context, constraints CaptureConstraints) (CaptureTrack, error) {
	if d.FailOpen != nil {
		return nil, d.FailOpen
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.track = &MockCaptureTrack{constraints: constraints}
	return d.track, nil
}

// LastTrack returns the most recently opened track, for assertions.
func (d *MockCaptureDevice) LastTrack() *MockCaptureTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.track
}

type MockCaptureTrack struct {
	mu          sync.Mutex
	constraints CaptureConstraints
	enabled     bool
	closed      bool
	transitions []bool
}

func (t *MockCaptureTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
	t.transitions = append(t.transitions, enabled)
}

func (t *MockCaptureTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *MockCaptureTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *MockCaptureTrack) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *MockCaptureTrack) Constraints() CaptureConstraints {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.constraints
}

// Transitions returns the sequence of SetEnabled calls in order.
func (t *MockCaptureTrack) Transitions() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.transitions...)
}

// MockChannel is an in-memory EventChannel. Inbound events are injected
// with Deliver; outbound client events are recorded for assertions.
type MockChannel struct {
	mu     sync.Mutex
	sent   []any
	events chan []byte
	closed bool

	SendErr error
}

func NewMockChannel() *MockChannel {
	return &MockChannel{events: make(chan []byte, 256)}
}

func (c *MockChannel) Send(_ context.Context, event any) error {
	if c.SendErr != nil {
		return c.SendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, event)
	return nil
}

func (c *MockChannel) Events() <-chan []byte { return c.events }

// Deliver injects one inbound payload as the upstream would emit it.
func (c *MockChannel) Deliver(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.events <- raw
}

// DeliverRaw injects a raw payload, malformed ones included.
func (c *MockChannel) DeliverRaw(raw []byte) {
	c.events <- raw
}

func (c *MockChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}

func (c *MockChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MockChannel) Sent() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.sent...)
}

// MockDialer hands out a prepared MockChannel.
type MockDialer struct {
	Channel *MockChannel
	Err     error

	mu    sync.Mutex
	dials int
}

func NewMockDialer() *MockDialer {
	return &MockDialer{Channel: NewMockChannel()}
}

func (d *MockDialer) Dial(_ context.Context, _ Credential, _ CaptureTrack) (EventChannel, <-chan []byte, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	if d.Err != nil {
		return nil, nil, d.Err
	}
	return d.Channel, make(chan []byte), nil
}

func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// MockBroker mints deterministic credentials.
type MockBroker struct {
	Err error

	mu     sync.Mutex
	minted []costpolicy.Policy
}

func NewMockBroker() *MockBroker { return &MockBroker{} }

func (b *MockBroker) MintCredential(_ context.Context, _ string, policy costpolicy.Policy) (Credential, error) {
	if b.Err != nil {
		return Credential{}, b.Err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.minted = append(b.minted, policy)
	return Credential{
		Secret:    "ek_mock",
		SessionID: "sess_mock",
		ExpiresAt: time.Now().Add(time.Minute),
	}, nil
}

func (b *MockBroker) Minted() []costpolicy.Policy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]costpolicy.Policy(nil), b.minted...)
}
