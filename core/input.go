package core

// InputKind tells the chat layer what an inbound event asks for.
type InputKind string

const (
	// InputText is a typed message to remember.
	InputText InputKind = "text"

	// InputVoice is a voice note to transcribe and remember.
	InputVoice InputKind = "voice"

	// InputAccept confirms a transcription as shown.
	InputAccept InputKind = "accept"

	// InputEdit replaces a transcription with text typed by the user.
	InputEdit InputKind = "edit"

	// InputCorrect asks the language model to clean up a transcription.
	InputCorrect InputKind = "correct"

	// InputSearch runs a semantic search over the owner's messages.
	InputSearch InputKind = "search"
)

// Control is an action button attached to a displayed message.
type Control string

const (
	ControlAccept  Control = "accept"
	ControlEdit    Control = "edit"
	ControlCorrect Control = "correct"
)

// ApprovalControls are shown under a transcription awaiting confirmation.
var ApprovalControls = []Control{ControlAccept, ControlEdit, ControlCorrect}

// Input is a single inbound event from a chat user.
type Input struct {
	Kind    InputKind `json:"type"`
	OwnerID OwnerID   `json:"owner_id"`
	ChatID  ChatID    `json:"chat_id,omitempty"`

	// Text carries the message, the replacement text or the search query.
	Text string `json:"text,omitempty"`

	// Audio and MimeType carry a voice note.
	Audio    []byte `json:"audio,omitempty"`
	MimeType string `json:"mime_type,omitempty"`

	// MessageID references a previously displayed message for
	// accept, edit and correct.
	MessageID ExternalID `json:"message_id,omitempty"`

	// Limit overrides the number of search results.
	Limit int `json:"limit,omitempty"`
}

// Chat returns the chat to answer in, falling back to the owner's
// private chat.
func (in *Input) Chat() ChatID {
	if in.ChatID != 0 {
		return in.ChatID
	}
	return ChatID(in.OwnerID)
}
