package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mfushimi/kikitori/internal/costpolicy"
	"github.com/mfushimi/kikitori/internal/reliability"
	"github.com/mfushimi/kikitori/internal/requirement"
)

// SaveRequirementTool is the structured directive the router dispatches to
// the requirement sink.
const SaveRequirementTool = "save_requirement"

const persistTimeout = 10 * time.Second

// isRetryable defers to the error's own transient/permanent classification
// when it carries one, as backend status errors do.
func isRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// savedConfirmation is appended after a successful sink call so the
// transcript records that the extraction landed.
const savedConfirmation = "要件を保存しました！内容を確認してください。"

// Message is one finalized user or assistant turn fragment. Appended, never
// mutated after append.
type Message struct {
	Role       string    `json:"role"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// SendFunc emits a client event on the live channel. The router uses it for
// truncation directives.
type SendFunc func(ctx context.Context, event any) error

// NoticeFunc receives non-fatal diagnostics.
type NoticeFunc func(Notice)

// Router classifies inbound protocol events and applies the corresponding
// state transition. Events must be handled strictly in arrival order; delta
// events accumulate before their terminating done event.
type Router struct {
	sessionID string
	limits    costpolicy.ContextLimits
	sink      RequirementSink
	send      SendFunc
	notify    NoticeFunc

	mu        sync.Mutex
	closed    bool
	messages  []Message
	partial   strings.Builder
	itemIDs   []string
	itemCount int
}

func NewRouter(sessionID string, policy costpolicy.Policy, sink RequirementSink, send SendFunc, notify NoticeFunc) *Router {
	if notify == nil {
		notify = func(Notice) {}
	}
	return &Router{
		sessionID: sessionID,
		limits:    policy.Context,
		sink:      sink,
		send:      send,
		notify:    notify,
	}
}

// HandleRaw parses one inbound payload and applies it. A malformed payload
// is surfaced as a notice and processing continues with the next event.
func (r *Router) HandleRaw(ctx context.Context, raw []byte) {
	ev, err := ParseServerEvent(raw)
	if err != nil {
		if errors.Is(err, ErrUnknownEventType) {
			// Forward-compatible: unknown kinds never throw.
			return
		}
		r.notify(Notice{
			Source: NoticeSourceProtocol,
			Code:   "malformed_event",
			Detail: err.Error(),
		})
		return
	}
	r.HandleEvent(ctx, ev)
}

// HandleEvent applies one typed event.
func (r *Router) HandleEvent(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case ItemCreated:
		r.onItemCreated(e)
	case TranscriptDelta:
		r.onTranscriptDelta(e)
	case TranscriptDone:
		r.onTranscriptDone(e)
	case ResponseDone:
		r.truncateHistory(ctx)
	case SpeechStarted, SpeechStopped:
		// Observational only.
	case FunctionCallDone:
		r.onFunctionCall(ctx, e)
	case UpstreamError:
		r.notify(Notice{
			Source:    NoticeSourceUpstream,
			Code:      e.Error.Code,
			Detail:    e.Error.Message,
			Retryable: reliability.IsRetryableUpstreamCode(e.Error.Code),
		})
	}
}

func (r *Router) onItemCreated(e ItemCreated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.itemCount++
	if e.Item.ID != "" {
		r.itemIDs = append(r.itemIDs, e.Item.ID)
	}
	if e.Item.Type != "message" {
		return
	}
	if text := e.Item.Text(); text != "" {
		r.messages = append(r.messages, Message{
			Role:       e.Item.Role,
			Text:       text,
			ReceivedAt: time.Now().UTC(),
		})
	}
}

func (r *Router) onTranscriptDelta(e TranscriptDelta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.partial.WriteString(e.Delta)
}

func (r *Router) onTranscriptDone(e TranscriptDone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	text := e.Transcript
	if text == "" {
		text = r.partial.String()
	}
	r.partial.Reset()
	if text == "" {
		return
	}
	r.messages = append(r.messages, Message{
		Role:       "assistant",
		Text:       text,
		ReceivedAt: time.Now().UTC(),
	})
}

// truncateHistory evicts the oldest excess items once the history exceeds
// the policy cap. Eviction is FIFO by tracked item id; the most recent
// exchange is never a victim.
func (r *Router) truncateHistory(ctx context.Context) {
	r.mu.Lock()
	if r.closed || r.itemCount <= r.limits.MaxHistoryItems {
		r.mu.Unlock()
		return
	}
	excess := r.itemCount - r.limits.MaxHistoryItems
	if excess > len(r.itemIDs) {
		excess = len(r.itemIDs)
	}
	victims := append([]string(nil), r.itemIDs[:excess]...)
	r.itemIDs = append([]string(nil), r.itemIDs[excess:]...)
	r.itemCount = r.limits.MaxHistoryItems
	r.mu.Unlock()

	for _, id := range victims {
		if err := r.send(ctx, ItemDelete{Type: TypeItemDelete, ItemID: id}); err != nil {
			r.notify(Notice{
				Source: NoticeSourceUpstream,
				Code:   "truncate_send_failed",
				Detail: err.Error(),
			})
			return
		}
	}
}

func (r *Router) onFunctionCall(ctx context.Context, e FunctionCallDone) {
	if e.Name != SaveRequirementTool {
		return
	}
	draft, err := requirement.ParseDraft([]byte(e.Arguments))
	if err != nil {
		r.notify(Notice{
			Source: NoticeSourceProtocol,
			Code:   "invalid_tool_arguments",
			Detail: err.Error(),
		})
		return
	}
	if r.sink == nil {
		return
	}

	// The sink call is a network round trip; later transcript events may be
	// processed while it is outstanding. Its effects are discarded if the
	// session has closed by the time it completes.
	go func() {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := r.sink.SaveRequirement(saveCtx, draft, r.sessionID); err != nil {
			r.notify(Notice{
				Source:    NoticeSourcePersistence,
				Code:      "save_requirement_failed",
				Detail:    err.Error(),
				Retryable: isRetryable(err),
			})
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return
		}
		r.messages = append(r.messages, Message{
			Role:       "assistant",
			Text:       savedConfirmation,
			ReceivedAt: time.Now().UTC(),
		})
	}()
}

// Close discards the effects of any still-outstanding sink completions.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Messages returns a snapshot of the finalized transcript.
func (r *Router) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// PartialTranscript returns the in-progress assistant transcript, if any.
func (r *Router) PartialTranscript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.partial.String()
}

// HistoryItemCount reports the tracked conversation item count after
// clamping.
func (r *Router) HistoryItemCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.itemCount
}

// TrackedItemIDs returns the ordered ids eligible for future truncation.
func (r *Router) TrackedItemIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.itemIDs...)
}
