package models

import (
	"time"
)

// Conversation statuses.
const (
	ConversationOpen     = "open"
	ConversationResolved = "resolved"
)

// Message senders.
const (
	SenderUser    = "user"    // the agent
	SenderContact = "contact" // the counterparty
)

// Message statuses.
const (
	StatusReceived  = "received"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Webhook log processing statuses.
const (
	LogPending = "pending"
	LogSuccess = "success"
	LogError   = "error"
)

// Contact is a WhatsApp counterparty, individual or group.
// Ids are derived from the normalized phone and scoped by account.
type Contact struct {
	AccountID string    `gorm:"primaryKey;size:64;uniqueIndex:idx_contacts_account_phone,priority:1" json:"accountId"`
	ID        string    `gorm:"primaryKey;size:96" json:"id"`
	Name      string    `gorm:"size:255" json:"name"`
	Phone     string    `gorm:"size:64;uniqueIndex:idx_contacts_account_phone,priority:2" json:"phone"`
	IsGroup   bool      `gorm:"default:false" json:"isGroup"`
	RemoteJID string    `gorm:"column:remote_jid;size:128;comment:Last routing address seen for this contact" json:"remoteJid"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// Conversation is the single open thread per (account, contact).
type Conversation struct {
	AccountID     string     `gorm:"primaryKey;size:64;uniqueIndex:idx_conversations_account_contact,priority:1" json:"accountId"`
	ID            string     `gorm:"primaryKey;size:96" json:"id"`
	ContactID     string     `gorm:"size:96;uniqueIndex:idx_conversations_account_contact,priority:2" json:"contactId"`
	Status        string     `gorm:"size:16;default:open;index" json:"status"`
	LastMessage   string     `gorm:"type:text" json:"lastMessage"`
	LastMessageAt *time.Time `gorm:"index" json:"lastMessageAt"`
	UnreadCount   int        `gorm:"default:0;not null" json:"unreadCount"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`

	Contact *Contact `gorm:"-" json:"contact,omitempty"`
}

// Message is an immutable entry of a conversation.
type Message struct {
	ID             string    `gorm:"primaryKey;size:64" json:"id"`
	AccountID      string    `gorm:"size:64;not null;uniqueIndex:idx_messages_external,priority:1" json:"accountId"`
	ConversationID string    `gorm:"size:96;not null;uniqueIndex:idx_messages_external,priority:2;index:idx_messages_conversation_time,priority:1" json:"conversationId"`
	ExternalID     *string   `gorm:"size:128;uniqueIndex:idx_messages_external,priority:3;comment:Provider message id used for dedup" json:"externalId"`
	Sender         string    `gorm:"size:16;not null" json:"sender"`
	Content        string    `gorm:"type:text" json:"content"`
	Type           string    `gorm:"size:16;not null" json:"type"`
	MediaURL       *string   `gorm:"type:text" json:"mediaUrl"`
	MimeType       string    `gorm:"size:128" json:"mimeType,omitempty"`
	FileName       string    `gorm:"size:255" json:"fileName,omitempty"`
	Status         string    `gorm:"size:16;not null" json:"status"`
	Metadata       string    `gorm:"type:text;comment:Raw provider message JSON" json:"metadata,omitempty"`
	CreatedAt      time.Time `gorm:"index:idx_messages_conversation_time,priority:2" json:"createdAt"`
}

// WebhookLog is the audit record of one received webhook event or send attempt.
type WebhookLog struct {
	ID               string     `gorm:"primaryKey;size:64" json:"id"`
	AccountID        string     `gorm:"size:64;index" json:"accountId"`
	EventType        string     `gorm:"size:64;index" json:"eventType"`
	RawPayload       string     `gorm:"type:text" json:"rawPayload"`
	RemoteJID        string     `gorm:"column:remote_jid;size:128" json:"remoteJid"`
	Phone            string     `gorm:"size:64" json:"phone"`
	IsGroup          bool       `json:"isGroup"`
	PushName         string     `gorm:"size:255" json:"pushName"`
	FromMe           bool       `json:"fromMe"`
	ConversationID   *string    `gorm:"size:96" json:"conversationId"`
	ContactID        *string    `gorm:"size:96" json:"contactId"`
	ProcessingStatus string     `gorm:"size:16;index;not null" json:"processingStatus"`
	ErrorMessage     *string    `gorm:"type:text" json:"errorMessage"`
	CreatedAt        time.Time  `gorm:"index" json:"createdAt"`
	ProcessedAt      *time.Time `json:"processedAt"`
}

// All returns the models managed by migrations.
func All() []interface{} {
	return []interface{}{&Contact{}, &Conversation{}, &Message{}, &WebhookLog{}}
}
