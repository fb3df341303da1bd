package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mfushimi/kikitori/internal/costpolicy"
	"github.com/mfushimi/kikitori/internal/requirement"
)

type sinkCall struct {
	draft     requirement.Draft
	sessionID string
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
	err   error
	gate  chan struct{}
}

func newFakeSink() *fakeSink { return &fakeSink{} }

func (f *fakeSink) SaveRequirement(_ context.Context, draft requirement.Draft, sessionID string) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, sinkCall{draft: draft, sessionID: sessionID})
	return nil
}

func (f *fakeSink) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *noticeRecorder) record(notice Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *noticeRecorder) first(code string) (Notice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, notice := range n.notices {
		if notice.Code == code {
			return notice, true
		}
	}
	return Notice{}, false
}

func (n *noticeRecorder) byCode(code string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, notice := range n.notices {
		if notice.Code == code {
			count++
		}
	}
	return count
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestRouter(sink RequirementSink, notices *noticeRecorder, maxHistory int) (*Router, *MockChannel) {
	ch := NewMockChannel()
	policy := costpolicy.Default()
	policy.Context.MaxHistoryItems = maxHistory
	notify := NoticeFunc(nil)
	if notices != nil {
		notify = notices.record
	}
	return NewRouter("sess_test", policy, sink, ch.Send, notify), ch
}

func TestRouterDeltaAccumulation(t *testing.T) {
	r, _ := newTestRouter(nil, nil, 20)
	ctx := context.Background()

	for _, d := range []string{"We ", "need ", "a ", "frontend ", "engineer."} {
		r.HandleEvent(ctx, TranscriptDelta{Type: TypeTranscriptDelta, Delta: d})
	}
	if got := r.PartialTranscript(); got != "We need a frontend engineer." {
		t.Fatalf("PartialTranscript() = %q", got)
	}
	if len(r.Messages()) != 0 {
		t.Fatalf("deltas must not finalize messages")
	}

	r.HandleEvent(ctx, TranscriptDone{Type: TypeTranscriptDone, Transcript: "We need a frontend engineer."})
	msgs := r.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Role != "assistant" || msgs[0].Text != "We need a frontend engineer." {
		t.Fatalf("unexpected finalized message: %+v", msgs[0])
	}
	if r.PartialTranscript() != "" {
		t.Fatalf("in-progress buffer must be cleared after done")
	}
}

func TestRouterTranscriptDoneFallsBackToAccumulatedDeltas(t *testing.T) {
	r, _ := newTestRouter(nil, nil, 20)
	ctx := context.Background()

	r.HandleEvent(ctx, TranscriptDelta{Type: TypeTranscriptDelta, Delta: "partial "})
	r.HandleEvent(ctx, TranscriptDelta{Type: TypeTranscriptDelta, Delta: "answer"})
	r.HandleEvent(ctx, TranscriptDone{Type: TypeTranscriptDone})

	msgs := r.Messages()
	if len(msgs) != 1 || msgs[0].Text != "partial answer" {
		t.Fatalf("messages = %+v, want concatenated deltas", msgs)
	}
}

func TestRouterItemCreated(t *testing.T) {
	r, _ := newTestRouter(nil, nil, 20)
	ctx := context.Background()

	r.HandleEvent(ctx, ItemCreated{Type: TypeItemCreated, Item: ConversationItem{
		ID:   "item_1",
		Type: "message",
		Role: "user",
		Content: []ItemContent{
			{Type: "input_audio", Transcript: "hello"},
		},
	}})
	r.HandleEvent(ctx, ItemCreated{Type: TypeItemCreated, Item: ConversationItem{
		ID:   "item_2",
		Type: "function_call",
	}})

	if got := r.HistoryItemCount(); got != 2 {
		t.Fatalf("HistoryItemCount() = %d, want 2", got)
	}
	msgs := r.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1 (non-message items carry no text)", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Text != "hello" {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}
}

func TestRouterTruncationEvictsOldestFirst(t *testing.T) {
	r, ch := newTestRouter(nil, nil, 3)
	ctx := context.Background()

	for _, id := range []string{"item_1", "item_2", "item_3", "item_4", "item_5"} {
		r.HandleEvent(ctx, ItemCreated{Type: TypeItemCreated, Item: ConversationItem{ID: id, Type: "message"}})
	}
	r.HandleEvent(ctx, ResponseDone{Type: TypeResponseDone})

	if got := r.HistoryItemCount(); got != 3 {
		t.Fatalf("HistoryItemCount() = %d, want clamp to 3", got)
	}

	var deleted []string
	for _, ev := range ch.Sent() {
		if del, ok := ev.(ItemDelete); ok {
			deleted = append(deleted, del.ItemID)
		}
	}
	if len(deleted) != 2 || deleted[0] != "item_1" || deleted[1] != "item_2" {
		t.Fatalf("deleted = %v, want the two oldest", deleted)
	}

	remaining := r.TrackedItemIDs()
	if len(remaining) != 3 || remaining[0] != "item_3" {
		t.Fatalf("remaining ids = %v", remaining)
	}
}

func TestRouterTruncationNoopUnderLimit(t *testing.T) {
	r, ch := newTestRouter(nil, nil, 10)
	ctx := context.Background()

	r.HandleEvent(ctx, ItemCreated{Type: TypeItemCreated, Item: ConversationItem{ID: "item_1", Type: "message"}})
	r.HandleEvent(ctx, ResponseDone{Type: TypeResponseDone})

	for _, ev := range ch.Sent() {
		if _, ok := ev.(ItemDelete); ok {
			t.Fatalf("no deletes expected under the limit")
		}
	}
}

func TestRouterSaveRequirement(t *testing.T) {
	sink := newFakeSink()
	r, _ := newTestRouter(sink, nil, 20)
	ctx := context.Background()

	r.HandleEvent(ctx, FunctionCallDone{
		Type: TypeFunctionCallDone,
		Name: SaveRequirementTool,
		Arguments: `{
			"task_title": "EC frontend",
			"task_description": "Build the storefront UI",
			"skills_required": ["React", "TypeScript"],
			"experience": "3+ years",
			"budget_min": 500000,
			"budget_max": 800000
		}`,
	})

	waitUntil(t, func() bool { return sink.callCount() == 1 }, "sink call")
	sink.mu.Lock()
	call := sink.calls[0]
	sink.mu.Unlock()
	if call.sessionID != "sess_test" {
		t.Fatalf("sessionID = %q, want sess_test", call.sessionID)
	}
	if call.draft.TaskTitle != "EC frontend" || len(call.draft.SkillsRequired) != 2 {
		t.Fatalf("unexpected draft: %+v", call.draft)
	}

	waitUntil(t, func() bool {
		msgs := r.Messages()
		return len(msgs) == 1 && msgs[0].Role == "assistant"
	}, "confirmation message")
}

func TestRouterSaveRequirementConfirmationOnlyAfterSuccess(t *testing.T) {
	sink := newFakeSink()
	sink.gate = make(chan struct{})
	r, _ := newTestRouter(sink, nil, 20)
	ctx := context.Background()

	r.HandleEvent(ctx, FunctionCallDone{
		Type:      TypeFunctionCallDone,
		Name:      SaveRequirementTool,
		Arguments: `{"task_title":"t","task_description":"d","skills_required":[],"experience":"any"}`,
	})

	// Transcript events keep flowing while the save is outstanding.
	r.HandleEvent(ctx, TranscriptDelta{Type: TypeTranscriptDelta, Delta: "mean"})
	r.HandleEvent(ctx, TranscriptDone{Type: TypeTranscriptDone, Transcript: "meanwhile"})
	if len(r.Messages()) != 1 {
		t.Fatalf("interleaved transcript should finalize while save is pending")
	}

	close(sink.gate)
	waitUntil(t, func() bool { return len(r.Messages()) == 2 }, "confirmation after save")
}

func TestRouterSaveRequirementFailureIsNotice(t *testing.T) {
	sink := newFakeSink()
	sink.err = errors.New("backend down")
	notices := &noticeRecorder{}
	r, _ := newTestRouter(sink, notices, 20)

	r.HandleEvent(context.Background(), FunctionCallDone{
		Type:      TypeFunctionCallDone,
		Name:      SaveRequirementTool,
		Arguments: `{"task_title":"t","task_description":"d"}`,
	})

	waitUntil(t, func() bool { return notices.byCode("save_requirement_failed") == 1 }, "persistence notice")
	if len(r.Messages()) != 0 {
		t.Fatalf("no confirmation message expected on sink failure")
	}
	if notice, _ := notices.first("save_requirement_failed"); notice.Retryable {
		t.Fatalf("unclassified sink error must not be marked retryable")
	}
}

type transientSinkErr struct{}

func (*transientSinkErr) Error() string   { return "backend overloaded" }
func (*transientSinkErr) Retryable() bool { return true }

func TestRouterSinkFailureCarriesRetryable(t *testing.T) {
	sink := newFakeSink()
	sink.err = &transientSinkErr{}
	notices := &noticeRecorder{}
	r, _ := newTestRouter(sink, notices, 20)

	r.HandleEvent(context.Background(), FunctionCallDone{
		Type:      TypeFunctionCallDone,
		Name:      SaveRequirementTool,
		Arguments: `{"task_title":"t","task_description":"d"}`,
	})

	waitUntil(t, func() bool { return notices.byCode("save_requirement_failed") == 1 }, "persistence notice")
	notice, ok := notices.first("save_requirement_failed")
	if !ok || !notice.Retryable {
		t.Fatalf("transient sink failure must be marked retryable: %+v", notice)
	}
}

func TestRouterDiscardsSinkCompletionAfterClose(t *testing.T) {
	sink := newFakeSink()
	sink.gate = make(chan struct{})
	r, _ := newTestRouter(sink, nil, 20)

	r.HandleEvent(context.Background(), FunctionCallDone{
		Type:      TypeFunctionCallDone,
		Name:      SaveRequirementTool,
		Arguments: `{"task_title":"t","task_description":"d"}`,
	})
	r.Close()
	close(sink.gate)

	waitUntil(t, func() bool { return sink.callCount() == 1 }, "sink completion")
	time.Sleep(20 * time.Millisecond)
	if len(r.Messages()) != 0 {
		t.Fatalf("sink completion after close must be discarded")
	}
}

func TestRouterIgnoresOtherFunctionCalls(t *testing.T) {
	sink := newFakeSink()
	r, _ := newTestRouter(sink, nil, 20)

	r.HandleEvent(context.Background(), FunctionCallDone{
		Type:      TypeFunctionCallDone,
		Name:      "lookup_weather",
		Arguments: `{}`,
	})
	time.Sleep(20 * time.Millisecond)
	if sink.callCount() != 0 {
		t.Fatalf("only save_requirement dispatches to the sink")
	}
}

func TestRouterMalformedEventIsNonFatal(t *testing.T) {
	notices := &noticeRecorder{}
	r, _ := newTestRouter(nil, notices, 20)
	ctx := context.Background()

	r.HandleRaw(ctx, []byte(`{not json`))
	if notices.byCode("malformed_event") != 1 {
		t.Fatalf("malformed event should surface a protocol notice")
	}

	// Processing continues with the next event.
	r.HandleRaw(ctx, []byte(`{"type":"response.audio_transcript.done","transcript":"still alive"}`))
	if len(r.Messages()) != 1 {
		t.Fatalf("router should keep processing after a protocol error")
	}
}

func TestRouterUnknownEventKindIgnored(t *testing.T) {
	notices := &noticeRecorder{}
	r, _ := newTestRouter(nil, notices, 20)

	r.HandleRaw(context.Background(), []byte(`{"type":"rate_limits.updated","rate_limits":[]}`))
	notices.mu.Lock()
	n := len(notices.notices)
	notices.mu.Unlock()
	if n != 0 {
		t.Fatalf("unknown kinds are ignored, got notices %+v", notices.notices)
	}
}

func TestRouterUpstreamErrorSurfacedNotFatal(t *testing.T) {
	notices := &noticeRecorder{}
	r, _ := newTestRouter(nil, notices, 20)
	ctx := context.Background()

	r.HandleEvent(ctx, UpstreamError{Type: TypeUpstreamError, Error: UpstreamErrorBody{Code: "rate_limit_exceeded", Message: "slow down"}})
	if notices.byCode("rate_limit_exceeded") != 1 {
		t.Fatalf("upstream error should surface as a notice")
	}
	notices.mu.Lock()
	retryable := notices.notices[0].Retryable
	notices.mu.Unlock()
	if !retryable {
		t.Fatalf("rate limit notices should be marked retryable")
	}

	r.HandleEvent(ctx, TranscriptDone{Type: TypeTranscriptDone, Transcript: "after error"})
	if len(r.Messages()) != 1 {
		t.Fatalf("session continues after an upstream error event")
	}
}
