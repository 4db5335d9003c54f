package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-notes/core"
	"github.com/becomeliminal/nim-notes/engine"
	"github.com/becomeliminal/nim-notes/memory"
	"github.com/becomeliminal/nim-notes/memory/embedder/mock"
	"github.com/becomeliminal/nim-notes/memory/index/flat"
	"github.com/becomeliminal/nim-notes/memory/store/badger"
	"github.com/becomeliminal/nim-notes/transcribe"
)

type sent struct {
	chat     core.ChatID
	ext      core.ExternalID
	text     string
	controls []core.Control
}

// fakeTransport keeps the displayed messages in memory.
type fakeTransport struct {
	mu       sync.Mutex
	next     core.ExternalID
	messages map[core.ExternalID]*sent
	order    []core.ExternalID
	failSend error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{next: 1000, messages: make(map[core.ExternalID]*sent)}
}

func (f *fakeTransport) Send(_ context.Context, chat core.ChatID, text string, controls []core.Control) (core.ExternalID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend != nil {
		return 0, f.failSend
	}
	f.next++
	f.messages[f.next] = &sent{chat: chat, ext: f.next, text: text, controls: controls}
	f.order = append(f.order, f.next)
	return f.next, nil
}

func (f *fakeTransport) Edit(_ context.Context, chat core.ChatID, ext core.ExternalID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[ext]
	if !ok || m.chat != chat {
		return errors.New("message not found")
	}
	m.text, m.controls = text, nil
	return nil
}

func (f *fakeTransport) SetControls(_ context.Context, chat core.ChatID, ext core.ExternalID, controls []core.Control) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[ext]
	if !ok || m.chat != chat {
		return errors.New("message not found")
	}
	m.controls = controls
	return nil
}

func (f *fakeTransport) get(ext core.ExternalID) sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.messages[ext]
}

func (f *fakeTransport) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.messages[f.order[len(f.order)-1]]
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f fakeTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return f.text, f.err
}

type fakeCorrector struct {
	mu   sync.Mutex
	seen []string
}

func (f *fakeCorrector) Correct(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, text)
	return "Hello, world!", nil
}

type manualScheduler struct {
	mu  sync.Mutex
	fns []func(context.Context)
}

func (s *manualScheduler) Schedule(_ time.Duration, fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
}

func (s *manualScheduler) fireAll() {
	s.mu.Lock()
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn(context.Background())
	}
}

type harness struct {
	engine    *engine.Engine
	transport *fakeTransport
	sched     *manualScheduler
	corrector *fakeCorrector
	manager   *memory.Manager
}

func newHarness(t *testing.T, transcript string) *harness {
	t.Helper()
	store, err := badger.New(badger.Config{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &memory.Config{
		Dimension:       16,
		Metric:          memory.MetricCosine,
		EmbedRetry:      memory.RetryPolicy{MaxAttempts: 2, Pause: time.Millisecond},
		StoreRetry:      memory.RetryPolicy{MaxAttempts: 2, Pause: time.Millisecond},
		DefaultLimit:    5,
		ApprovalTimeout: time.Second,
		OrphanTTL:       time.Minute,
	}
	index := flat.New()
	embedder := mock.NewWithDimensions(16)
	manager := memory.NewManager(store, index, embedder, cfg)
	require.NoError(t, manager.EnsureIndex(context.Background()))
	retriever := memory.NewRetriever(index, embedder, cfg)

	h := &harness{
		transport: newFakeTransport(),
		sched:     &manualScheduler{},
		corrector: &fakeCorrector{},
		manager:   manager,
	}
	h.engine = engine.NewEngine(manager, retriever, h.transport,
		engine.WithTranscriber(fakeTranscriber{text: transcript}),
		engine.WithCorrector(h.corrector),
		engine.WithApprovals(store, h.sched, cfg.ApprovalTimeout),
		engine.WithMinTextLen(5),
	)
	return h
}

func TestEngine_TextMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")

	out, err := h.engine.Handle(ctx, &core.Input{Kind: core.InputText, OwnerID: 42, Text: "buy bread"})
	require.NoError(t, err)
	assert.Equal(t, engine.OutputStored, out.Type)
	assert.False(t, out.AwaitingApproval)

	msg := h.transport.get(out.MessageID)
	assert.Equal(t, core.ChatID(42), msg.chat)
	assert.Equal(t, `"buy bread"`, msg.text)
	assert.Nil(t, msg.controls)

	rec, err := h.manager.Lookup(ctx, 42, out.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "buy bread", rec.Text)
}

func TestEngine_VoiceApprovalExpires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "hello world")

	out, err := h.engine.Handle(ctx, &core.Input{Kind: core.InputVoice, OwnerID: 42, ChatID: 7, Audio: []byte("ogg"), MimeType: "audio/ogg"})
	require.NoError(t, err)
	assert.True(t, out.AwaitingApproval)

	msg := h.transport.get(out.MessageID)
	assert.Equal(t, core.ChatID(7), msg.chat)
	assert.Equal(t, core.ApprovalControls, msg.controls)

	h.sched.fireAll()
	assert.Nil(t, h.transport.get(out.MessageID).controls)

	// The record stays after expiry.
	_, err = h.manager.Lookup(ctx, 42, out.MessageID)
	assert.NoError(t, err)
}

func TestEngine_ShortTranscriptionHasNoControls(t *testing.T) {
	h := newHarness(t, "hi")

	out, err := h.engine.Handle(context.Background(), &core.Input{Kind: core.InputVoice, OwnerID: 1, Audio: []byte("x")})
	require.NoError(t, err)
	assert.False(t, out.AwaitingApproval)
	assert.Nil(t, h.transport.get(out.MessageID).controls)
}

func TestEngine_Accept(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "hello world")

	out, err := h.engine.Handle(ctx, &core.Input{Kind: core.InputVoice, OwnerID: 42, Audio: []byte("x")})
	require.NoError(t, err)

	acc, err := h.engine.Handle(ctx, &core.Input{Kind: core.InputAccept, OwnerID: 42, MessageID: out.MessageID})
	require.NoError(t, err)
	assert.Equal(t, engine.OutputAccepted, acc.Type)
	assert.Nil(t, h.transport.get(out.MessageID).controls)

	// A stale expiry must not touch the message again.
	require.NoError(t, h.transport.SetControls(ctx, 42, out.MessageID, []core.Control{core.ControlEdit}))
	h.sched.fireAll()
	assert.Equal(t, []core.Control{core.ControlEdit}, h.transport.get(out.MessageID).controls)
}

func TestEngine_Edit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "hello world")

	out, err := h.engine.Handle(ctx, &core.Input{Kind: core.InputVoice, OwnerID: 42, Audio: []byte("x")})
	require.NoError(t, err)

	edited, err := h.engine.Handle(ctx, &core.Input{Kind: core.InputEdit, OwnerID: 42, MessageID: out.MessageID, Text: "hello there world"})
	require.NoError(t, err)
	assert.Equal(t, engine.OutputCorrected, edited.Type)

	msg := h.transport.get(out.MessageID)
	assert.Equal(t, `"hello there world"`, msg.text)
	assert.Nil(t, msg.controls)

	rec, err := h.manager.Lookup(ctx, 42, out.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "hello there world", rec.Text)
}

func TestEngine_Correct(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "hello world")

	out, err := h.engine.Handle(ctx, &core.Input{Kind: core.InputVoice, OwnerID: 42, Audio: []byte("x")})
	require.NoError(t, err)
	before, err := h.manager.Lookup(ctx, 42, out.MessageID)
	require.NoError(t, err)

	_, err = h.engine.Handle(ctx, &core.Input{Kind: core.InputCorrect, OwnerID: 42, MessageID: out.MessageID})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello world"}, h.corrector.seen)

	after, err := h.manager.Lookup(ctx, 42, out.MessageID)
	require.NoError(t, err)
	assert.Equal(t, before.Key, after.Key)
	assert.Equal(t, "Hello, world!", after.Text)
	assert.NotEqual(t, before.Embedding, after.Embedding)
	assert.Equal(t, `"Hello, world!"`, h.transport.get(out.MessageID).text)
}

func TestEngine_CorrectUnknownMessage(t *testing.T) {
	h := newHarness(t, "")

	out, err := h.engine.Handle(context.Background(), &core.Input{Kind: core.InputCorrect, OwnerID: 42, MessageID: 999})
	assert.ErrorIs(t, err, memory.ErrNotFound)
	require.NotNil(t, out)
	assert.Equal(t, engine.OutputNotice, out.Type)
	assert.Empty(t, h.corrector.seen)
	assert.Equal(t, out.Text, h.transport.last().text)
}

func TestEngine_Search(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")

	for _, text := range []string{"buy bread", "call the dentist", "book flights"} {
		_, err := h.engine.Handle(ctx, &core.Input{Kind: core.InputText, OwnerID: 3, Text: text})
		require.NoError(t, err)
	}
	_, err := h.engine.Handle(ctx, &core.Input{Kind: core.InputText, OwnerID: 4, Text: "buy bread"})
	require.NoError(t, err)

	out, err := h.engine.Handle(ctx, &core.Input{Kind: core.InputSearch, OwnerID: 3, Text: "buy bread", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, engine.OutputResults, out.Type)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "buy bread", out.Results[0].Text)
	assert.Contains(t, h.transport.last().text, "=== SIMILAR MESSAGES ===")

	_, err = h.engine.Handle(ctx, &core.Input{Kind: core.InputSearch, OwnerID: 3, Text: "x", Limit: -1})
	assert.ErrorIs(t, err, memory.ErrInvalidLimit)
}

func TestEngine_SendFailureLeavesOrphan(t *testing.T) {
	h := newHarness(t, "")
	h.transport.failSend = errors.New("network down")

	_, err := h.engine.Handle(context.Background(), &core.Input{Kind: core.InputText, OwnerID: 1, Text: "lost"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, memory.ErrNotFound)
}

func TestEngine_NoSpeech(t *testing.T) {
	h := newHarness(t, "")
	eng := engine.NewEngine(nil, nil, h.transport,
		engine.WithTranscriber(fakeTranscriber{err: transcribe.ErrNoSpeech}))

	out, err := eng.Handle(context.Background(), &core.Input{Kind: core.InputVoice, OwnerID: 1, Audio: []byte("x")})
	assert.ErrorIs(t, err, transcribe.ErrNoSpeech)
	require.NotNil(t, out)
	assert.Equal(t, "I couldn't hear anything in that recording.", h.transport.last().text)
}

func TestEngine_RejectsBadInput(t *testing.T) {
	h := newHarness(t, "")

	_, err := h.engine.Handle(context.Background(), &core.Input{Kind: core.InputText})
	assert.ErrorIs(t, err, engine.ErrMissingOwner)

	_, err = h.engine.Handle(context.Background(), &core.Input{Kind: "dance", OwnerID: 1})
	assert.ErrorIs(t, err, engine.ErrUnknownInput)

	bare := engine.NewEngine(nil, nil, h.transport)
	_, err = bare.Handle(context.Background(), &core.Input{Kind: core.InputVoice, OwnerID: 1})
	assert.ErrorIs(t, err, engine.ErrNotConfigured)
}
