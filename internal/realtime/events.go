package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies upstream realtime protocol event variants.
type EventType string

const (
	TypeItemCreated      EventType = "conversation.item.created"
	TypeTranscriptDelta  EventType = "response.audio_transcript.delta"
	TypeTranscriptDone   EventType = "response.audio_transcript.done"
	TypeResponseDone     EventType = "response.done"
	TypeSpeechStarted    EventType = "input_audio_buffer.speech_started"
	TypeSpeechStopped    EventType = "input_audio_buffer.speech_stopped"
	TypeFunctionCallDone EventType = "response.function_call_arguments.done"
	TypeUpstreamError    EventType = "error"

	// Client -> upstream event types.
	TypeSessionUpdate  EventType = "session.update"
	TypeItemCreate     EventType = "conversation.item.create"
	TypeItemDelete     EventType = "conversation.item.delete"
	TypeBufferClear    EventType = "input_audio_buffer.clear"
	TypeBufferCommit   EventType = "input_audio_buffer.commit"
	TypeResponseCreate EventType = "response.create"
)

// ErrUnknownEventType marks inbound kinds outside the handled set. Unknown
// kinds are ignored by the router, never fatal.
var ErrUnknownEventType = errors.New("unknown event type")

type envelope struct {
	Type EventType `json:"type"`
}

// ItemContent is one content part of a conversation item.
type ItemContent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ConversationItem is the upstream's view of one conversation entry.
type ConversationItem struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ItemContent `json:"content,omitempty"`
}

// Text returns the first transcript or text content part, if any.
func (i ConversationItem) Text() string {
	for _, c := range i.Content {
		if c.Transcript != "" {
			return c.Transcript
		}
		if c.Text != "" {
			return c.Text
		}
	}
	return ""
}

type ItemCreated struct {
	Type EventType        `json:"type"`
	Item ConversationItem `json:"item"`
}

type TranscriptDelta struct {
	Type  EventType `json:"type"`
	Delta string    `json:"delta"`
}

type TranscriptDone struct {
	Type       EventType `json:"type"`
	Transcript string    `json:"transcript"`
}

type ResponseDone struct {
	Type EventType `json:"type"`
}

type SpeechStarted struct {
	Type EventType `json:"type"`
}

type SpeechStopped struct {
	Type EventType `json:"type"`
}

type FunctionCallDone struct {
	Type      EventType `json:"type"`
	Name      string    `json:"name"`
	CallID    string    `json:"call_id"`
	Arguments string    `json:"arguments"`
}

type UpstreamError struct {
	Type  EventType         `json:"type"`
	Error UpstreamErrorBody `json:"error"`
}

type UpstreamErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseServerEvent classifies one inbound channel payload into its typed
// event. Unknown kinds return ErrUnknownEventType with the raw type name so
// callers can count them without failing.
func ParseServerEvent(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid event envelope: %w", err)
	}

	switch env.Type {
	case TypeItemCreated:
		var ev ItemCreated
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case TypeTranscriptDelta:
		var ev TranscriptDelta
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case TypeTranscriptDone:
		var ev TranscriptDone
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case TypeResponseDone:
		return ResponseDone{Type: env.Type}, nil
	case TypeSpeechStarted:
		return SpeechStarted{Type: env.Type}, nil
	case TypeSpeechStopped:
		return SpeechStopped{Type: env.Type}, nil
	case TypeFunctionCallDone:
		var ev FunctionCallDone
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case TypeUpstreamError:
		var ev UpstreamError
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
}

// TurnDetection is the session-level VAD block. A nil pointer omits the
// block entirely from the session configuration.
type TurnDetection struct {
	Kind              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

// SessionConfig carries the policy-derived connection setup parameters.
type SessionConfig struct {
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	MaxResponseOutputTokens int            `json:"max_response_output_tokens,omitempty"`
}

type SessionUpdate struct {
	Type    EventType     `json:"type"`
	Session SessionConfig `json:"session"`
}

type ItemCreate struct {
	Type EventType        `json:"type"`
	Item ConversationItem `json:"item"`
}

type ItemDelete struct {
	Type   EventType `json:"type"`
	ItemID string    `json:"item_id"`
}

type BufferClear struct {
	Type EventType `json:"type"`
}

type BufferCommit struct {
	Type EventType `json:"type"`
}

type ResponseCreate struct {
	Type EventType `json:"type"`
}

// NewUserTextItem builds a conversation.item.create payload carrying one
// user text turn.
func NewUserTextItem(text string) ItemCreate {
	return ItemCreate{
		Type: TypeItemCreate,
		Item: ConversationItem{
			Type: "message",
			Role: "user",
			Content: []ItemContent{
				{Type: "input_text", Text: text},
			},
		},
	}
}
