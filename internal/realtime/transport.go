package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// wsConn is the slice of the websocket connection the channel needs, so
// tests can fake the wire.
type wsConn interface {
	WriteJSON(v any) error
	ReadMessage() (int, []byte, error)
	Close() error
}

type wsDialFunc func(ctx context.Context, urlStr string, header http.Header) (wsConn, error)

const (
	defaultRealtimeURL = "wss://api.openai.com/v1/realtime"
	defaultModel       = "gpt-4o-realtime-preview"
	negotiationTimeout = 15 * time.Second
)

// WebsocketDialer negotiates the realtime connection over a single
// websocket: the dial is authenticated by the minted credential, the first
// inbound frame acknowledges the session, and all subsequent traffic is the
// bidirectional event channel plus the remote audio stream multiplexed as
// audio delta frames.
type WebsocketDialer struct {
	BaseURL string
	Model   string

	dial wsDialFunc
}

func NewWebsocketDialer(baseURL, model string) *WebsocketDialer {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultRealtimeURL
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	return &WebsocketDialer{BaseURL: baseURL, Model: model, dial: gorillaDial}
}

func (d *WebsocketDialer) Dial(ctx context.Context, cred Credential, _ CaptureTrack) (EventChannel, <-chan []byte, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", d.Model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cred.Secret)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dial := d.dial
	if dial == nil {
		dial = gorillaDial
	}
	dialCtx, cancel := context.WithTimeout(ctx, negotiationTimeout)
	defer cancel()
	conn, err := dial(dialCtx, u.String(), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial realtime endpoint: %w", err)
	}

	// The first frame acknowledges or refuses the negotiated session.
	if err := awaitSessionAck(conn); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	ch := &websocketChannel{
		conn:   conn,
		done:   make(chan struct{}),
		events: make(chan []byte, 256),
		audio:  make(chan []byte, 256),
	}
	go ch.readLoop()
	return ch, ch.audio, nil
}

func awaitSessionAck(conn wsConn) error {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read session ack: %w", err)
	}
	var ack struct {
		Type  EventType `json:"type"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &ack); err != nil {
		return fmt.Errorf("decode session ack: %w", err)
	}
	switch ack.Type {
	case "session.created":
		return nil
	case TypeUpstreamError:
		return fmt.Errorf("%w: %s", ErrUpstreamRejected, ack.Error.Message)
	default:
		return fmt.Errorf("%w: unexpected first event %q", ErrUpstreamRejected, ack.Type)
	}
}

type websocketChannel struct {
	conn      wsConn
	writeMu   sync.Mutex
	closeOnce sync.Once
	doneOnce  sync.Once
	done      chan struct{}
	events    chan []byte
	audio     chan []byte
}

func (c *websocketChannel) Send(_ context.Context, event any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(event)
}

func (c *websocketChannel) Events() <-chan []byte { return c.events }

func (c *websocketChannel) readLoop() {
	defer c.closeChans()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Type  EventType `json:"type"`
			Delta string    `json:"delta"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			// Let the router surface the protocol error.
			if !c.deliver(raw) {
				return
			}
			continue
		}
		if env.Type == "response.audio.delta" {
			chunk, err := base64.StdEncoding.DecodeString(env.Delta)
			if err != nil {
				continue
			}
			select {
			case c.audio <- chunk:
			default:
				// Playback is best effort; never stall the event channel
				// behind a slow audio sink.
			}
			continue
		}
		if !c.deliver(raw) {
			return
		}
	}
}

// deliver hands one event to the consumer. A Close while the buffer is full
// unblocks the read loop instead of leaving it stuck on the send forever.
func (c *websocketChannel) deliver(raw []byte) bool {
	select {
	case c.events <- raw:
		return true
	case <-c.done:
		return false
	}
}

func (c *websocketChannel) closeChans() {
	c.closeOnce.Do(func() {
		close(c.events)
		close(c.audio)
	})
}

func (c *websocketChannel) Close() error {
	c.doneOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}
