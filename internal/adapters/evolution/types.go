package evolution

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Event names sent by Evolution API. v1 uses the dotted lower form, some
// deployments send the enum form.
const (
	EventMessagesUpsert     = "messages.upsert"
	EventMessagesUpsertEnum = "MESSAGES_UPSERT"
)

// knownEvents lists the webhook events Evolution API can deliver.
var knownEvents = []string{
	// Instance and connection
	"application.startup",
	"qrcode.updated",
	"connection.update",
	"logout.instance",
	"remove.instance",

	// Messages
	"messages.set",
	"messages.upsert",
	"messages.edited",
	"messages.update",
	"messages.delete",
	"send.message",

	// Contacts and chats
	"contacts.set",
	"contacts.upsert",
	"contacts.update",
	"presence.update",
	"chats.set",
	"chats.upsert",
	"chats.update",
	"chats.delete",

	// Groups
	"groups.upsert",
	"groups.update",
	"group-participants.update",

	// Calls and labels
	"call",
	"labels.edit",
	"labels.association",
	"typebot.start",
	"typebot.change-status",
}

var knownEventMap map[string]bool

func init() {
	knownEventMap = make(map[string]bool, len(knownEvents))
	for _, e := range knownEvents {
		knownEventMap[e] = true
	}
}

// IsKnownEvent reports whether the event name is one Evolution API sends,
// in either the dotted or the enum form.
func IsKnownEvent(event string) bool {
	normalized := strings.ToLower(strings.ReplaceAll(event, "_", "."))
	return knownEventMap[event] || knownEventMap[normalized] ||
		knownEventMap[strings.ReplaceAll(normalized, "group.participants", "group-participants")]
}

// IsMessagesUpsert reports whether the event carries new messages.
func IsMessagesUpsert(event string) bool {
	return event == EventMessagesUpsert || strings.EqualFold(event, EventMessagesUpsertEnum)
}

// WebhookEvent is the envelope of every webhook delivery.
type WebhookEvent struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance,omitempty"`
	Data     json.RawMessage `json:"data"`
	DateTime string          `json:"date_time,omitempty"`
	Sender   string          `json:"sender,omitempty"`
}

// Records decodes Data as either a single message or an array of messages.
func (e WebhookEvent) Records() ([]MessageRecord, error) {
	data := bytes.TrimSpace(e.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] == '[' {
		var records []MessageRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, err
		}
		return records, nil
	}
	var record MessageRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return []MessageRecord{record}, nil
}

// MessageKey identifies a message on the provider side.
type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
	SenderPn    string `json:"senderPn,omitempty"`
}

// MessageRecord is one message as delivered by the webhook or returned by findMessages.
type MessageRecord struct {
	Key              MessageKey      `json:"key"`
	PushName         string          `json:"pushName,omitempty"`
	Message          json.RawMessage `json:"message,omitempty"`
	MessageType      string          `json:"messageType,omitempty"`
	MessageTimestamp Timestamp       `json:"messageTimestamp,omitempty"`
	SenderPn         string          `json:"senderPn,omitempty"`
	Status           string          `json:"status,omitempty"`
}

// AltSender returns the real phone address when the provider supplies one.
func (r MessageRecord) AltSender() string {
	if r.Key.SenderPn != "" {
		return r.Key.SenderPn
	}
	return r.SenderPn
}

// Timestamp is an epoch timestamp sent as a number, a numeric string or a
// protobuf Long object. Values above 1e12 are taken as milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	var n float64
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			if parsed, perr := time.Parse(time.RFC3339, s); perr == nil {
				t.Time = parsed.UTC()
			}
			return nil
		}
		n = v
	case '{':
		var long struct {
			Low  int64 `json:"low"`
			High int64 `json:"high"`
		}
		if err := json.Unmarshal(b, &long); err != nil {
			return nil
		}
		n = float64(long.High<<32 | (long.Low & 0xffffffff))
	default:
		if err := json.Unmarshal(b, &n); err != nil {
			return nil
		}
	}
	t.Time = fromEpoch(n)
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(t.Unix(), 10)), nil
}

// Ptr returns nil for a missing timestamp.
func (t Timestamp) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

func fromEpoch(n float64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}

// Chat is one entry of findChats.
type Chat struct {
	ID          string         `json:"id,omitempty"`
	RemoteJID   string         `json:"remoteJid,omitempty"`
	PushName    string         `json:"pushName,omitempty"`
	UnreadCount int            `json:"unreadCount,omitempty"`
	LastMessage *MessageRecord `json:"lastMessage,omitempty"`
}

// HasLastMessageKey reports whether the chat can be resolved to an identity.
func (c Chat) HasLastMessageKey() bool {
	return c.LastMessage != nil && c.LastMessage.Key.RemoteJID != ""
}

// findMessagesRequest is the body of POST /chat/findMessages/{instance}.
type findMessagesRequest struct {
	Where struct {
		Key struct {
			RemoteJID string `json:"remoteJid"`
		} `json:"key"`
	} `json:"where"`
	Page   int `json:"page,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// findMessagesResponse accepts both the paged v2 shape and a bare array.
type findMessagesResponse struct {
	Records []MessageRecord
}

func (r *findMessagesResponse) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		return json.Unmarshal(b, &r.Records)
	}
	var paged struct {
		Messages struct {
			Total   int             `json:"total"`
			Pages   int             `json:"pages"`
			Records []MessageRecord `json:"records"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(b, &paged); err != nil {
		return err
	}
	r.Records = paged.Messages.Records
	return nil
}

// GroupInfo is the subset of findGroupInfos used for display names.
type GroupInfo struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Size    int    `json:"size,omitempty"`
}

// sendTextRequest is the body of POST /message/sendText/{instance}.
type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// sendMediaRequest is the body of POST /message/sendMedia/{instance}.
type sendMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
	FileName  string `json:"fileName,omitempty"`
}

// SendResult is the provider acknowledgement of an outbound message.
type SendResult struct {
	MessageID string
	Status    string
	Timestamp *time.Time
}

type sendResponse struct {
	Key              MessageKey `json:"key"`
	MessageID        string     `json:"messageId"`
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	MessageTimestamp Timestamp  `json:"messageTimestamp"`
}

func (r sendResponse) result() SendResult {
	id := r.Key.ID
	if id == "" {
		id = r.MessageID
	}
	if id == "" {
		id = r.ID
	}
	return SendResult{MessageID: id, Status: r.Status, Timestamp: r.MessageTimestamp.Ptr()}
}

// ConnectResponse is returned by GET /instance/connect/{instance}.
type ConnectResponse struct {
	Code        string `json:"code"`
	Base64      string `json:"base64"`
	PairingCode string `json:"pairingCode"`
	Count       int    `json:"count,omitempty"`
}
