package wa

import (
	"encoding/json"

	"github.com/matheus3301/warchive/internal/emoji"
	"github.com/matheus3301/warchive/internal/media"
	"github.com/matheus3301/warchive/internal/store"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/encoding/protojson"
)

// Parsed pairs a normalized message record with its attachment reference,
// when the message carries one.
type Parsed struct {
	Message *store.Message
	Media   *media.Ref
}

// NormalizeJID strips device/agent suffixes so history sync and live
// messages produce the same JID for the same peer. Unparseable strings
// pass through unchanged.
func NormalizeJID(jid string) string {
	if jid == "" {
		return ""
	}
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return jid
	}
	return parsed.ToNonAD().String()
}

// ParseLiveMessage normalizes a live whatsmeow message event.
func ParseLiveMessage(evt *events.Message) *Parsed {
	return buildParsed(
		evt.Info.Chat.ToNonAD().String(),
		evt.Info.ID,
		evt.Info.Sender.ToNonAD().String(),
		evt.Info.PushName,
		evt.Info.IsFromMe,
		evt.Info.Timestamp.UnixMilli(),
		evt.Message,
	)
}

// ParseHistoryMessage normalizes one message from a history sync
// conversation. Returns nil when the envelope has no payload.
func ParseHistoryMessage(chatJID string, wmsg *waWeb.WebMessageInfo) *Parsed {
	msg := wmsg.GetMessage()
	if msg == nil {
		return nil
	}
	key := wmsg.GetKey()
	if key.GetID() == "" {
		return nil
	}

	// Direct chats omit the participant; the chat JID stands in for the
	// sender, matching how live events report DM senders.
	senderJID := NormalizeJID(key.GetParticipant())
	if senderJID == "" {
		senderJID = chatJID
	}

	return buildParsed(
		chatJID,
		key.GetID(),
		senderJID,
		wmsg.GetPushName(),
		key.GetFromMe(),
		int64(wmsg.GetMessageTimestamp())*1000,
		msg,
	)
}

func buildParsed(chatJID, msgID, senderJID, pushName string, fromMe bool, ts int64, msg *waE2E.Message) *Parsed {
	content := extractTextBody(msg)

	m := &store.Message{
		ID:       msgID,
		ChatJID:  chatJID,
		IsFromMe: fromMe,
	}
	if ts > 0 {
		m.Timestamp = &ts
	}
	if senderJID != "" {
		m.SenderJID = &senderJID
	}
	if pushName != "" {
		m.SenderName = &pushName
	}
	if content != "" {
		m.Content = &content
	}
	if quoted := quotedMessageID(msg); quoted != "" {
		m.QuotedMessageID = &quoted
	}
	if list := emoji.Extract(content); len(list) > 0 {
		if raw, err := json.Marshal(list); err == nil {
			s := string(raw)
			m.EmojiList = &s
		}
	}

	var ref *media.Ref
	if kind, mime, size, ok := mediaInfo(msg); ok {
		m.MediaType = &kind
		if mime != "" {
			m.MediaMime = &mime
		}
		if size > 0 {
			m.MediaSize = &size
		}
		ref = &media.Ref{
			MessageID: msgID,
			ChatJID:   chatJID,
			Kind:      kind,
			Mime:      mime,
			Size:      size,
			Payload:   msg,
		}
	}

	if raw, err := protojson.Marshal(msg); err == nil {
		s := string(raw)
		m.RawMetadata = &s
	}

	return &Parsed{Message: m, Media: ref}
}

// extractTextBody returns the message text, including media captions.
func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	if dwc := msg.GetDocumentWithCaptionMessage(); dwc != nil {
		return extractTextBody(dwc.GetMessage())
	}
	return ""
}

// quotedMessageID returns the stanza ID of the message this one replies
// to, or "" when it is not a reply.
func quotedMessageID(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	for _, ctx := range []*waE2E.ContextInfo{
		msg.GetExtendedTextMessage().GetContextInfo(),
		msg.GetImageMessage().GetContextInfo(),
		msg.GetVideoMessage().GetContextInfo(),
		msg.GetAudioMessage().GetContextInfo(),
		msg.GetDocumentMessage().GetContextInfo(),
		msg.GetStickerMessage().GetContextInfo(),
	} {
		if id := ctx.GetStanzaID(); id != "" {
			return id
		}
	}
	return ""
}

// mediaInfo reports the attachment kind, mimetype and byte size for
// messages that carry downloadable media.
func mediaInfo(msg *waE2E.Message) (kind, mime string, size int64, ok bool) {
	if msg == nil {
		return "", "", 0, false
	}
	switch {
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		return "image", img.GetMimetype(), int64(img.GetFileLength()), true
	case msg.GetVideoMessage() != nil:
		vid := msg.GetVideoMessage()
		return "video", vid.GetMimetype(), int64(vid.GetFileLength()), true
	case msg.GetAudioMessage() != nil:
		aud := msg.GetAudioMessage()
		return "audio", aud.GetMimetype(), int64(aud.GetFileLength()), true
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		return "document", doc.GetMimetype(), int64(doc.GetFileLength()), true
	case msg.GetStickerMessage() != nil:
		st := msg.GetStickerMessage()
		return "sticker", st.GetMimetype(), int64(st.GetFileLength()), true
	case msg.GetDocumentWithCaptionMessage() != nil:
		return mediaInfo(msg.GetDocumentWithCaptionMessage().GetMessage())
	}
	return "", "", 0, false
}

// chatMetadata is the opaque blob stored alongside a chat: conversation
// flags that have no column of their own.
type chatMetadata struct {
	UnreadCount uint32 `json:"unread_count"`
	ReadOnly    bool   `json:"read_only"`
	Archived    bool   `json:"archived"`
	Pinned      uint32 `json:"pinned"`
}

// ParseChat normalizes a history sync conversation into a chat record.
func ParseChat(conv *waHistorySync.Conversation) *store.Chat {
	jid := NormalizeJID(conv.GetID())
	if jid == "" {
		return nil
	}
	c := &store.Chat{JID: jid}
	if name := conv.GetName(); name != "" {
		c.Name = &name
	}
	if ts := conv.GetConversationTimestamp(); ts > 0 {
		ms := int64(ts) * 1000
		c.LastMessageTime = &ms
	}
	if isGroup(jid) {
		g := true
		c.IsGroup = &g
	}
	if n := len(conv.GetParticipant()); n > 0 {
		count := int64(n)
		c.ParticipantCount = &count
	}
	if desc := conv.GetDescription(); desc != "" {
		c.Description = &desc
	}
	meta := chatMetadata{
		UnreadCount: conv.GetUnreadCount(),
		ReadOnly:    conv.GetReadOnly(),
		Archived:    conv.GetArchived(),
		Pinned:      conv.GetPinned(),
	}
	if raw, err := json.Marshal(meta); err == nil {
		s := string(raw)
		c.Metadata = &s
	}
	return c
}

func isGroup(jid string) bool {
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return false
	}
	return parsed.Server == types.GroupServer
}
