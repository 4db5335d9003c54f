package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-notes/core"
	"github.com/becomeliminal/nim-notes/engine"
)

// ErrChatOffline is returned when no connection is open for a chat.
var ErrChatOffline = errors.New("chat has no open connection")

// Event types sent to clients.
const (
	EventMessage  = "message"
	EventEdit     = "edit"
	EventControls = "controls"
	EventAck      = "ack"
	EventError    = "error"
)

// Event is a server to client frame.
type Event struct {
	Type      string          `json:"type"`
	Kind      core.InputKind  `json:"kind,omitempty"`
	ChatID    core.ChatID     `json:"chat_id,omitempty"`
	MessageID core.ExternalID `json:"message_id,omitempty"`
	Text      string          `json:"text,omitempty"`
	Controls  []core.Control  `json:"controls,omitempty"`
	Pending   bool            `json:"pending,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type client struct {
	conn  *websocket.Conn
	owner core.OwnerID
	chat  core.ChatID

	writeMu sync.Mutex
}

func (c *client) write(ev Event, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(ev)
}

// Hub tracks open connections per chat and delivers messages to them.
// Message ids are unique per process and grow across restarts.
type Hub struct {
	mu     sync.RWMutex
	chats  map[core.ChatID]map[*client]struct{}
	nextID atomic.Int64

	writeTimeout time.Duration
	logger       *zap.Logger
}

var _ engine.Transport = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(writeTimeout time.Duration, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	h := &Hub{
		chats:        make(map[core.ChatID]map[*client]struct{}),
		writeTimeout: writeTimeout,
		logger:       logger.Named("hub"),
	}
	h.nextID.Store(time.Now().UnixMicro())
	return h
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.chats[c.chat]
	if !ok {
		set = make(map[*client]struct{})
		h.chats[c.chat] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.chats[c.chat]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.chats, c.chat)
		}
	}
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.chats {
		n += len(set)
	}
	return n
}

// Send implements engine.Transport.
func (h *Hub) Send(ctx context.Context, chat core.ChatID, text string, controls []core.Control) (core.ExternalID, error) {
	ext := core.ExternalID(h.nextID.Add(1))
	err := h.broadcast(chat, Event{
		Type:      EventMessage,
		ChatID:    chat,
		MessageID: ext,
		Text:      text,
		Controls:  controls,
	})
	if err != nil {
		return 0, err
	}
	return ext, nil
}

// Edit implements engine.Transport.
func (h *Hub) Edit(ctx context.Context, chat core.ChatID, ext core.ExternalID, text string) error {
	return h.broadcast(chat, Event{Type: EventEdit, ChatID: chat, MessageID: ext, Text: text})
}

// SetControls implements engine.Transport.
func (h *Hub) SetControls(ctx context.Context, chat core.ChatID, ext core.ExternalID, controls []core.Control) error {
	return h.broadcast(chat, Event{Type: EventControls, ChatID: chat, MessageID: ext, Controls: controls})
}

// broadcast writes ev to every connection of the chat. It succeeds when
// at least one connection got it.
func (h *Hub) broadcast(chat core.ChatID, ev Event) error {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.chats[chat]))
	for c := range h.chats[chat] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return ErrChatOffline
	}
	var errs []error
	for _, c := range targets {
		if err := c.write(ev, h.writeTimeout); err != nil {
			h.logger.Warn("write failed",
				zap.Int64("chat_id", int64(chat)),
				zap.String("event", ev.Type),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) == len(targets) {
		return errors.Join(errs...)
	}
	return nil
}

// closeAll closes every connection. Read loops exit and unregister.
func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.chats {
		for c := range set {
			_ = c.conn.Close()
		}
	}
}
