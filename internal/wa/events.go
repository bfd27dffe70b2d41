package wa

import (
	"context"
	"time"

	"github.com/matheus3301/warchive/internal/bus"
	"github.com/matheus3301/warchive/internal/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// HistoryBatch is one slice of the phone's archive: every record kind a
// single history sync payload can carry, already normalized.
type HistoryBatch struct {
	Chats    []*store.Chat
	Contacts []*store.Contact
	Messages []*Parsed
}

// EventHandler translates whatsmeow events into normalized domain events
// on the bus. It does not drive the sync state machine directly; the
// orchestrator subscribes to the bus independently.
type EventHandler struct {
	bus     *bus.Bus
	adapter *Adapter
	logger  *zap.Logger
}

// NewEventHandler creates a new event handler. The adapter may be nil in
// tests; LID resolution then degrades to suffix stripping.
func NewEventHandler(b *bus.Bus, adapter *Adapter, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		bus:     b,
		adapter: adapter,
		logger:  logger,
	}
}

// Handle is the main whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		h.bus.Publish(bus.Event{Kind: "wa.connected", Timestamp: time.Now()})
		h.publishStoredContacts()
	case *events.Disconnected:
		h.logger.Warn("WhatsApp disconnected")
		h.bus.Publish(bus.Event{Kind: "wa.disconnected", Timestamp: time.Now()})
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		h.bus.Publish(bus.Event{Kind: "wa.logged_out", Timestamp: time.Now(), Payload: evt.Reason.String()})
	case *events.Message:
		h.handleMessage(evt)
	case *events.HistorySync:
		h.handleHistorySync(evt)
	case *events.PushName:
		jid := evt.JID.ToNonAD().String()
		name := evt.NewPushName
		c := &store.Contact{JID: jid}
		if name != "" {
			c.PushName = &name
		}
		h.bus.Publish(bus.Event{Kind: "wa.contact", Timestamp: time.Now(), Payload: c})
	case *events.Contact:
		jid := evt.JID.ToNonAD().String()
		c := &store.Contact{JID: jid}
		if name := evt.Action.GetFullName(); name != "" {
			c.Name = &name
		}
		h.bus.Publish(bus.Event{Kind: "wa.contact", Timestamp: time.Now(), Payload: c})
	}
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	parsed := ParseLiveMessage(evt)
	parsed.Message.ChatJID = h.resolveJID(parsed.Message.ChatJID)
	if parsed.Media != nil {
		parsed.Media.ChatJID = parsed.Message.ChatJID
	}
	h.bus.Publish(bus.Event{
		Kind:      "wa.message",
		Timestamp: time.Now(),
		Payload:   parsed,
	})
}

func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	batch := &HistoryBatch{}

	for _, pn := range data.GetPushnames() {
		jid := NormalizeJID(pn.GetID())
		name := pn.GetPushname()
		if jid == "" || name == "" {
			continue
		}
		batch.Contacts = append(batch.Contacts, &store.Contact{
			JID:      jid,
			PushName: &name,
		})
	}

	for _, conv := range data.GetConversations() {
		chat := ParseChat(conv)
		if chat == nil {
			continue
		}
		chat.JID = h.resolveJID(chat.JID)
		batch.Chats = append(batch.Chats, chat)

		// Conversation display names double as contact names for
		// direct chats, which the device contact store may lack.
		if chat.Name != nil && (chat.IsGroup == nil || !*chat.IsGroup) {
			batch.Contacts = append(batch.Contacts, &store.Contact{
				JID:  chat.JID,
				Name: chat.Name,
			})
		}

		for _, hm := range conv.GetMessages() {
			parsed := ParseHistoryMessage(chat.JID, hm.GetMessage())
			if parsed == nil {
				continue
			}
			if parsed.Message.SenderJID != nil {
				resolved := h.resolveJID(*parsed.Message.SenderJID)
				parsed.Message.SenderJID = &resolved
			}
			if parsed.Media != nil {
				parsed.Media.ChatJID = chat.JID
			}
			batch.Messages = append(batch.Messages, parsed)
		}
	}

	if len(batch.Chats) == 0 && len(batch.Contacts) == 0 && len(batch.Messages) == 0 {
		return
	}

	h.logger.Info("history sync batch",
		zap.Int("chats", len(batch.Chats)),
		zap.Int("contacts", len(batch.Contacts)),
		zap.Int("messages", len(batch.Messages)))

	h.bus.Publish(bus.Event{
		Kind:      "wa.history",
		Timestamp: time.Now(),
		Payload:   batch,
	})
}

// publishStoredContacts emits the device store's contact list so the
// archive picks up names for peers that never appear in history payloads.
func (h *EventHandler) publishStoredContacts() {
	if h.adapter == nil {
		return
	}
	contacts := h.adapter.Contacts(context.Background())
	if len(contacts) == 0 {
		return
	}
	h.bus.Publish(bus.Event{
		Kind:      "wa.contact_batch",
		Timestamp: time.Now(),
		Payload:   contacts,
	})
}

// resolveJID normalizes a JID string, resolving LIDs to phone number JIDs
// when the adapter's device store has the mapping.
func (h *EventHandler) resolveJID(jid string) string {
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return jid
	}
	if h.adapter != nil {
		parsed = h.adapter.ResolveLID(context.Background(), parsed)
	}
	return parsed.ToNonAD().String()
}
