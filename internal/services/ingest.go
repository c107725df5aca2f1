package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bigicee/atendimento-ver-conversas/internal/decoder"
	"github.com/bigicee/atendimento-ver-conversas/internal/identity"
	"github.com/bigicee/atendimento-ver-conversas/internal/models"
	"github.com/bigicee/atendimento-ver-conversas/internal/notify"
	"github.com/bigicee/atendimento-ver-conversas/internal/store"
)

var (
	// ErrStorage wraps every datastore failure of the ingestion path.
	ErrStorage = errors.New("storage error")
	// ErrMissingAccount is returned when a call carries no account id.
	ErrMissingAccount = errors.New("account id is required")
)

// summaryMaxRunes bounds the denormalized last message.
const summaryMaxRunes = 100

// messageNamespace seeds deterministic message ids.
var messageNamespace = uuid.MustParse("8f5d6bb4-5f8e-4b0e-9a57-0f4f6b1f2c31")

// Notifier receives committed changes.
type Notifier interface {
	Notify(ctx context.Context, ev notify.ChangeEvent)
}

// MediaOffloader moves inline media out of the message row.
type MediaOffloader interface {
	OffloadDataURL(ctx context.Context, accountID, conversationID, messageID, dataURL string) (string, error)
}

// IngestRequest is one message to record for an identity.
type IngestRequest struct {
	AccountID   string
	Identity    identity.Identity
	RemoteJID   string
	Decoded     decoder.Decoded
	FromMe      bool
	ExternalID  string
	Timestamp   *time.Time
	DisplayName string
	// Status overrides the default (received for contacts, sent for agents).
	Status      string
	RawMetadata json.RawMessage
	// ResetUnread clears the unread count in the same transaction.
	ResetUnread bool
}

// IngestResult identifies the rows touched by Ingest.
type IngestResult struct {
	ContactID           string `json:"contactId"`
	ConversationID      string `json:"conversationId"`
	MessageID           string `json:"messageId"`
	Duplicate           bool   `json:"duplicate"`
	ContactCreated      bool   `json:"contactCreated"`
	ConversationCreated bool   `json:"conversationCreated"`

	// Message is the stored row, the earlier one for a duplicate.
	Message models.Message `json:"-"`
}

// Engine finds-or-creates contacts and conversations and appends messages.
type Engine struct {
	store    store.Store
	notifier Notifier
	media    MediaOffloader
	now      func() time.Time
}

// NewEngine creates a new Engine.
func NewEngine(s store.Store, n Notifier, media MediaOffloader) (*Engine, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	return &Engine{store: s, notifier: n, media: media, now: time.Now}, nil
}

// MessageID is the deterministic id of a provider message within a conversation.
func MessageID(accountID, conversationID, externalID string) string {
	return uuid.NewSHA1(messageNamespace, []byte(accountID+"|"+conversationID+"|"+externalID)).String()
}

// Ingest records one message. Replaying the same external id returns the
// first message id and changes nothing.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return IngestResult{}, ErrMissingAccount
	}
	if req.Identity.Phone == "" {
		return IngestResult{}, fmt.Errorf("%w: empty phone", identity.ErrInvalidIdentity)
	}

	phone := req.Identity.Phone
	res := IngestResult{
		ContactID:      identity.ContactID(phone),
		ConversationID: identity.ConversationID(phone),
	}

	createdAt := e.now().UTC()
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		createdAt = req.Timestamp.UTC()
	}

	msg := e.buildMessage(req, res.ConversationID, createdAt)
	if err := e.offloadMedia(ctx, &msg); err != nil {
		log.Warn().Err(err).Str("messageID", msg.ID).Msg("Failed to offload inline media, storing without url")
		msg.MediaURL = nil
	}

	err := e.store.Transaction(ctx, func(tx store.Tx) error {
		var err error
		res.ContactCreated, err = e.upsertContact(ctx, tx, req, res.ContactID)
		if err != nil {
			return fmt.Errorf("upsert contact: %w", err)
		}

		res.ConversationCreated, err = tx.CreateConversation(ctx, &models.Conversation{
			AccountID: req.AccountID,
			ID:        res.ConversationID,
			ContactID: res.ContactID,
			Status:    models.ConversationOpen,
		})
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}

		inserted, err := tx.InsertMessage(ctx, &msg)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if !inserted {
			res.Duplicate = true
			res.MessageID = msg.ID
			if msg.ExternalID != nil {
				existing, err := tx.FindMessageByExternalID(ctx, req.AccountID, res.ConversationID, *msg.ExternalID)
				if err != nil {
					return fmt.Errorf("load duplicate message: %w", err)
				}
				res.MessageID = existing.ID
				res.Message = *existing
			}
			if req.ResetUnread {
				return tx.ResetUnread(ctx, req.AccountID, res.ConversationID)
			}
			return nil
		}
		res.MessageID = msg.ID
		res.Message = msg

		unreadDelta := 1
		if req.FromMe {
			unreadDelta = 0
		}
		if err := tx.AdvanceSummary(ctx, req.AccountID, res.ConversationID, Summarize(msg.Content), createdAt, unreadDelta); err != nil {
			return fmt.Errorf("advance summary: %w", err)
		}
		if req.ResetUnread {
			if err := tx.ResetUnread(ctx, req.AccountID, res.ConversationID); err != nil {
				return fmt.Errorf("reset unread: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).
			Str("account", req.AccountID).
			Str("conversationID", res.ConversationID).
			Msg("Failed to ingest message")
		return res, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	log.Info().
		Str("account", req.AccountID).
		Str("conversationID", res.ConversationID).
		Str("messageID", res.MessageID).
		Bool("fromMe", req.FromMe).
		Bool("duplicate", res.Duplicate).
		Msg("Message ingested")

	if !res.Duplicate {
		e.publish(ctx, req.AccountID, res, &msg)
	}
	return res, nil
}

func (e *Engine) buildMessage(req IngestRequest, conversationID string, createdAt time.Time) models.Message {
	msg := models.Message{
		AccountID:      req.AccountID,
		ConversationID: conversationID,
		Content:        req.Decoded.Content,
		Type:           string(req.Decoded.Type),
		MediaURL:       req.Decoded.MediaURL,
		MimeType:       req.Decoded.MimeType,
		FileName:       req.Decoded.FileName,
		Status:         req.Status,
		CreatedAt:      createdAt,
	}
	if msg.Type == "" {
		msg.Type = string(decoder.TypeText)
	}
	if msg.Content == "" {
		msg.Content = decoder.English.Fallback
	}
	if req.FromMe {
		msg.Sender = models.SenderUser
		if msg.Status == "" {
			msg.Status = models.StatusSent
		}
	} else {
		msg.Sender = models.SenderContact
		if msg.Status == "" {
			msg.Status = models.StatusReceived
		}
	}
	if len(req.RawMetadata) > 0 {
		msg.Metadata = string(req.RawMetadata)
	}
	if ext := strings.TrimSpace(req.ExternalID); ext != "" {
		msg.ExternalID = &ext
		msg.ID = MessageID(req.AccountID, conversationID, ext)
	} else {
		msg.ID = uuid.NewString()
	}
	return msg
}

func (e *Engine) offloadMedia(ctx context.Context, msg *models.Message) error {
	if e.media == nil || msg.MediaURL == nil || !strings.HasPrefix(*msg.MediaURL, "data:") {
		return nil
	}
	url, err := e.media.OffloadDataURL(ctx, msg.AccountID, msg.ConversationID, msg.ID, *msg.MediaURL)
	if err != nil {
		return err
	}
	msg.MediaURL = &url
	return nil
}

// upsertContact creates the contact or improves its name. A name is only
// replaced by a real one, never by a phone or placeholder.
func (e *Engine) upsertContact(ctx context.Context, tx store.Tx, req IngestRequest, contactID string) (bool, error) {
	phone := req.Identity.Phone
	name := strings.TrimSpace(req.DisplayName)
	// The push name on an agent message is the agent's own.
	if req.FromMe && !req.Identity.IsGroup {
		name = ""
	}
	realName := !identity.IsPlaceholderName(name, phone)

	initial := name
	if !realName {
		initial = DefaultContactName(req.Identity)
	}
	created, err := tx.CreateContact(ctx, &models.Contact{
		AccountID: req.AccountID,
		ID:        contactID,
		Name:      initial,
		Phone:     phone,
		IsGroup:   req.Identity.IsGroup,
		RemoteJID: req.RemoteJID,
	})
	if err != nil || created {
		return created, err
	}

	existing, err := tx.GetContact(ctx, req.AccountID, contactID)
	if err != nil {
		return false, err
	}
	newName := ""
	if realName && existing.Name != name {
		newName = name
	}
	newJID := ""
	if req.RemoteJID != "" && existing.RemoteJID != req.RemoteJID {
		newJID = req.RemoteJID
	}
	if newName == "" && newJID == "" {
		return false, nil
	}
	if newName != "" {
		log.Debug().Str("contactID", contactID).Str("from", existing.Name).Str("to", newName).Msg("Updating contact name")
	}
	return false, tx.UpdateContact(ctx, req.AccountID, contactID, newName, newJID)
}

func (e *Engine) publish(ctx context.Context, accountID string, res IngestResult, msg *models.Message) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, notify.ChangeEvent{
		AccountID:      accountID,
		Kind:           notify.KindMessageCreated,
		ConversationID: res.ConversationID,
		MessageID:      res.MessageID,
		Payload:        msg,
	})
	conv, err := e.store.GetConversation(ctx, accountID, res.ConversationID)
	if err != nil {
		log.Warn().Err(err).Str("conversationID", res.ConversationID).Msg("Could not load conversation for change feed")
		return
	}
	e.notifier.Notify(ctx, notify.ChangeEvent{
		AccountID:      accountID,
		Kind:           notify.KindConversationUpserted,
		ConversationID: res.ConversationID,
		Payload:        conv,
	})
}

// MarkRead resets the unread count of a conversation.
func (e *Engine) MarkRead(ctx context.Context, accountID, conversationID string) error {
	if strings.TrimSpace(accountID) == "" {
		return ErrMissingAccount
	}
	if err := e.store.ResetUnread(ctx, accountID, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if e.notifier != nil {
		e.notifier.Notify(ctx, notify.ChangeEvent{
			AccountID:      accountID,
			Kind:           notify.KindConversationRead,
			ConversationID: conversationID,
		})
	}
	return nil
}

// DefaultContactName is the display name used until a real one is known.
func DefaultContactName(id identity.Identity) string {
	if id.IsGroup {
		return identity.GroupPlaceholder(id.Phone)
	}
	return identity.FormatPhone(id.Phone)
}

// Summarize truncates content for the conversation summary.
func Summarize(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= summaryMaxRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:summaryMaxRunes])
}
