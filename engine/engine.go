// Package engine is the chat layer: it turns inbound chat events into
// memory operations and transport calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-notes/core"
	"github.com/becomeliminal/nim-notes/correct"
	"github.com/becomeliminal/nim-notes/memory"
	"github.com/becomeliminal/nim-notes/transcribe"
)

var (
	// ErrUnknownInput is returned for an unsupported input kind.
	ErrUnknownInput = errors.New("unknown input kind")

	// ErrMissingOwner is returned for inputs without an owner id.
	ErrMissingOwner = errors.New("missing owner id")

	// ErrNotConfigured is returned when an input needs a collaborator
	// the engine was built without.
	ErrNotConfigured = errors.New("not configured")
)

// Transport delivers messages to chats.
type Transport interface {
	// Send posts a message with optional controls and returns the id the
	// transport assigned to it.
	Send(ctx context.Context, chat core.ChatID, text string, controls []core.Control) (core.ExternalID, error)

	// Edit replaces the text of a message and removes its controls.
	Edit(ctx context.Context, chat core.ChatID, ext core.ExternalID, text string) error

	// SetControls replaces the controls of a message. nil removes them.
	SetControls(ctx context.Context, chat core.ChatID, ext core.ExternalID, controls []core.Control) error
}

// Engine handles chat inputs.
type Engine struct {
	manager     *memory.Manager
	retriever   *memory.Retriever
	transport   Transport
	transcriber transcribe.Transcriber
	corrector   correct.Corrector
	approvals   *memory.Approvals
	logger      *zap.Logger

	minTextLen   int
	maxResultLen int

	// Held until NewEngine builds approvals.
	markers         memory.MarkerStore
	scheduler       memory.Scheduler
	approvalTimeout time.Duration
}

// Option configures the engine.
type Option func(*Engine)

// WithTranscriber enables voice inputs.
func WithTranscriber(t transcribe.Transcriber) Option {
	return func(e *Engine) {
		e.transcriber = t
	}
}

// WithCorrector enables the correct control.
func WithCorrector(c correct.Corrector) Option {
	return func(e *Engine) {
		e.corrector = c
	}
}

// WithApprovals shows approval controls under transcriptions and removes
// them when the user doesn't act within timeout.
func WithApprovals(markers memory.MarkerStore, scheduler memory.Scheduler, timeout time.Duration) Option {
	return func(e *Engine) {
		e.markers = markers
		e.scheduler = scheduler
		e.approvalTimeout = timeout
	}
}

// WithMinTextLen sets the shortest transcription that gets approval
// controls. Default: 0 (every transcription).
func WithMinTextLen(n int) Option {
	return func(e *Engine) {
		e.minTextLen = n
	}
}

// WithMaxResultLen bounds the length of a rendered search answer.
// Default: 3000.
func WithMaxResultLen(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxResultLen = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an engine.
func NewEngine(manager *memory.Manager, retriever *memory.Retriever, transport Transport, opts ...Option) *Engine {
	e := &Engine{
		manager:      manager,
		retriever:    retriever,
		transport:    transport,
		logger:       zap.NewNop(),
		maxResultLen: 3000,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("engine")
	if e.markers != nil && e.scheduler != nil {
		e.approvals = memory.NewApprovals(e.markers, e.scheduler, e.approvalTimeout, e.expired,
			memory.WithLogger(e.logger))
	}
	return e
}

// Output describes what Handle did.
type Output struct {
	// Type indicates the kind of output.
	Type OutputType

	// MessageID is the displayed message the input created or changed.
	MessageID core.ExternalID

	// Text is the text shown to the user.
	Text string

	// AwaitingApproval is set when the message shows approval controls.
	AwaitingApproval bool

	// Results is set for searches.
	Results []memory.Result
}

// OutputType indicates the kind of output.
type OutputType int

const (
	// OutputStored indicates a new message was remembered.
	OutputStored OutputType = iota

	// OutputAccepted indicates a transcription was accepted as shown.
	OutputAccepted

	// OutputCorrected indicates a message's text was replaced.
	OutputCorrected

	// OutputResults indicates search results were sent.
	OutputResults

	// OutputNotice indicates the user was told why the input failed.
	OutputNotice
)

// Handle processes a single input. Failures the user can act on are
// reported to the chat and returned as an OutputNotice together with the
// error.
func (e *Engine) Handle(ctx context.Context, in *core.Input) (*Output, error) {
	if in.OwnerID == 0 {
		return nil, ErrMissingOwner
	}

	var (
		out *Output
		err error
	)
	switch in.Kind {
	case core.InputText:
		out, err = e.remember(ctx, in, in.Text, false)
	case core.InputVoice:
		out, err = e.handleVoice(ctx, in)
	case core.InputAccept:
		out, err = e.handleAccept(ctx, in)
	case core.InputEdit:
		out, err = e.handleEdit(ctx, in)
	case core.InputCorrect:
		out, err = e.handleCorrect(ctx, in)
	case core.InputSearch:
		out, err = e.handleSearch(ctx, in)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownInput, in.Kind)
	}
	if err != nil {
		return e.notify(ctx, in, err), err
	}
	return out, nil
}

func (e *Engine) handleVoice(ctx context.Context, in *core.Input) (*Output, error) {
	if e.transcriber == nil {
		return nil, fmt.Errorf("voice input: transcriber %w", ErrNotConfigured)
	}
	text, err := e.transcriber.Transcribe(ctx, in.Audio, in.MimeType)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	return e.remember(ctx, in, text, true)
}

// remember stores text, displays it and links the displayed message.
func (e *Engine) remember(ctx context.Context, in *core.Input, text string, transcribed bool) (*Output, error) {
	h, err := e.manager.RecordNewMessage(ctx, in.OwnerID, text)
	if err != nil {
		return nil, err
	}

	var controls []core.Control
	if transcribed && e.approvals != nil && utf8.RuneCountInString(text) >= e.minTextLen {
		controls = core.ApprovalControls
	}

	shown := quote(text)
	ext, err := e.transport.Send(ctx, in.Chat(), shown, controls)
	if err != nil {
		// The provisional record is left for the orphan sweeper.
		return nil, fmt.Errorf("send message: %w", err)
	}
	if err := e.manager.ConfirmDelivery(ctx, h, ext); err != nil {
		return nil, err
	}

	out := &Output{Type: OutputStored, MessageID: ext, Text: shown}
	if controls != nil {
		if err := e.approvals.Await(ctx, in.OwnerID, in.Chat(), ext); err != nil {
			// Without a marker the controls would never be removed.
			e.logger.Warn("failed to await approval, removing controls",
				zap.Int64("ext_id", int64(ext)), zap.Error(err))
			e.clearControls(ctx, in.Chat(), ext)
		} else {
			out.AwaitingApproval = true
		}
	}
	return out, nil
}

func (e *Engine) handleAccept(ctx context.Context, in *core.Input) (*Output, error) {
	if _, err := e.manager.Lookup(ctx, in.OwnerID, in.MessageID); err != nil {
		return nil, err
	}
	e.resolve(ctx, in)
	if err := e.transport.SetControls(ctx, in.Chat(), in.MessageID, nil); err != nil {
		return nil, fmt.Errorf("remove controls: %w", err)
	}
	return &Output{Type: OutputAccepted, MessageID: in.MessageID}, nil
}

func (e *Engine) handleEdit(ctx context.Context, in *core.Input) (*Output, error) {
	return e.replace(ctx, in, in.Text)
}

func (e *Engine) handleCorrect(ctx context.Context, in *core.Input) (*Output, error) {
	if e.corrector == nil {
		return nil, fmt.Errorf("correct input: corrector %w", ErrNotConfigured)
	}
	rec, err := e.manager.Lookup(ctx, in.OwnerID, in.MessageID)
	if err != nil {
		return nil, err
	}
	corrected, err := e.corrector.Correct(ctx, rec.Text)
	if err != nil {
		return nil, fmt.Errorf("correct text: %w", err)
	}
	return e.replace(ctx, in, corrected)
}

// replace stores the new text and shows it in place of the old one.
func (e *Engine) replace(ctx context.Context, in *core.Input, text string) (*Output, error) {
	rec, err := e.manager.CorrectMessage(ctx, in.OwnerID, in.MessageID, text)
	if err != nil {
		return nil, err
	}
	e.resolve(ctx, in)
	shown := quote(rec.Text)
	if err := e.transport.Edit(ctx, in.Chat(), in.MessageID, shown); err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	return &Output{Type: OutputCorrected, MessageID: in.MessageID, Text: shown}, nil
}

func (e *Engine) handleSearch(ctx context.Context, in *core.Input) (*Output, error) {
	var opts []memory.SearchOption
	if in.Limit != 0 {
		opts = append(opts, memory.WithLimit(in.Limit))
	}
	results, err := e.retriever.Search(ctx, in.OwnerID, in.Text, opts...)
	if err != nil {
		return nil, err
	}
	text := memory.FormatResults(results, e.maxResultLen)
	ext, err := e.transport.Send(ctx, in.Chat(), text, nil)
	if err != nil {
		return nil, fmt.Errorf("send results: %w", err)
	}
	return &Output{Type: OutputResults, MessageID: ext, Text: text, Results: results}, nil
}

// resolve drops the approval marker. Failures only delay control removal
// until the marker's TTL, so they are logged.
func (e *Engine) resolve(ctx context.Context, in *core.Input) {
	if e.approvals == nil {
		return
	}
	if _, err := e.approvals.Resolve(ctx, in.OwnerID, in.MessageID); err != nil {
		e.logger.Warn("failed to resolve approval",
			zap.Int64("owner_id", int64(in.OwnerID)),
			zap.Int64("ext_id", int64(in.MessageID)),
			zap.Error(err))
	}
}

// expired removes the controls of a transcription nobody acted on.
func (e *Engine) expired(ctx context.Context, x memory.Expiry) {
	e.clearControls(ctx, x.ChatID, x.ExternalID)
}

func (e *Engine) clearControls(ctx context.Context, chat core.ChatID, ext core.ExternalID) {
	if err := e.transport.SetControls(ctx, chat, ext, nil); err != nil {
		e.logger.Warn("failed to remove controls",
			zap.Int64("chat_id", int64(chat)),
			zap.Int64("ext_id", int64(ext)),
			zap.Error(err))
	}
}

// notify tells the user why their input failed, when there is something
// useful to say.
func (e *Engine) notify(ctx context.Context, in *core.Input, err error) *Output {
	msg := noticeFor(err)
	if msg == "" {
		return nil
	}
	e.logger.Info("input failed",
		zap.String("kind", string(in.Kind)),
		zap.Int64("owner_id", int64(in.OwnerID)),
		zap.Error(err))
	if _, sendErr := e.transport.Send(ctx, in.Chat(), msg, nil); sendErr != nil {
		e.logger.Warn("failed to send notice", zap.Error(sendErr))
	}
	return &Output{Type: OutputNotice, Text: msg}
}

func noticeFor(err error) string {
	switch {
	case errors.Is(err, memory.ErrEmptyText):
		return "There is no text to work with."
	case errors.Is(err, memory.ErrNotFound):
		return "I don't know that message anymore."
	case errors.Is(err, memory.ErrInvalidLimit):
		return "The number of results must be positive."
	case errors.Is(err, transcribe.ErrNoSpeech):
		return "I couldn't hear anything in that recording."
	case errors.Is(err, memory.ErrEmbeddingUnavailable),
		errors.Is(err, memory.ErrStoreUnavailable),
		errors.Is(err, memory.ErrIndexUnavailable):
		return "Sorry, I couldn't save or search right now. Please try again later."
	}
	return ""
}

func quote(text string) string {
	return `"` + text + `"`
}
