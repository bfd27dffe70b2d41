package store

// Partially-populated records passed to the upsert operations use pointer
// fields for everything nullable: a nil field means "no information", which
// the SQL-level reconciliation rules treat differently from a zero value.

// Chat represents a synced conversation.
type Chat struct {
	JID              string  `json:"jid"`
	Name             *string `json:"name"`
	IsGroup          *bool   `json:"is_group"`
	ParticipantCount *int64  `json:"participant_count"`
	LastMessageTime  *int64  `json:"last_message_time"`
	Description      *string `json:"description"`
	Metadata         *string `json:"metadata"`
}

// ChatSummary is a chat annotated with its live message count.
type ChatSummary struct {
	Chat
	MessageCount int64 `json:"message_count"`
}

// Message represents a synced message.
type Message struct {
	ID              string  `json:"id"`
	ChatJID         string  `json:"chat_jid"`
	SenderJID       *string `json:"sender_jid"`
	SenderName      *string `json:"sender_name"`
	Timestamp       *int64  `json:"timestamp"`
	Content         *string `json:"content"`
	MediaType       *string `json:"media_type"`
	MediaMime       *string `json:"media_mime"`
	MediaSize       *int64  `json:"media_size"`
	MediaPath       *string `json:"media_path"`
	IsFromMe        bool    `json:"is_from_me"`
	EmojiList       *string `json:"emoji_list"`
	QuotedMessageID *string `json:"quoted_message_id"`
	RawMetadata     *string `json:"raw_metadata"`
}

// Contact represents a synced contact. A contact may be known by up to
// three alias strings: the primary JID, a phone-number-derived alias, and
// a secondary (LID) alias.
type Contact struct {
	JID          string  `json:"jid"`
	Name         *string `json:"name"`
	PhoneNumber  *string `json:"phone_number"`
	LID          *string `json:"lid"`
	PushName     *string `json:"push_name"`
	VerifiedName *string `json:"verified_name"`
}

// Stats holds the aggregate archive counts.
type Stats struct {
	Chats    int64 `json:"total_chats"`
	Messages int64 `json:"total_messages"`
	Media    int64 `json:"total_media"`
	Contacts int64 `json:"total_contacts"`
}
