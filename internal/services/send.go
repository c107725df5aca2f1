package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/bigicee/atendimento-ver-conversas/internal/adapters/evolution"
	"github.com/bigicee/atendimento-ver-conversas/internal/decoder"
	"github.com/bigicee/atendimento-ver-conversas/internal/identity"
	"github.com/bigicee/atendimento-ver-conversas/internal/models"
	"github.com/bigicee/atendimento-ver-conversas/internal/store"
)

var (
	// ErrProviderSend is returned when the provider did not accept an outbound
	// message. The message is stored with status failed.
	ErrProviderSend = errors.New("provider send failed")
	// ErrNotConfigured is returned when the provider credentials are missing.
	ErrNotConfigured = evolution.ErrNotConfigured
	// ErrEmptyMessage is returned for a send without content.
	ErrEmptyMessage = errors.New("message text is empty")
)

// Provider is the outbound side of the WhatsApp gateway.
type Provider interface {
	Configured() bool
	SendText(ctx context.Context, number, text string) (evolution.SendResult, error)
	SendMedia(ctx context.Context, number, mediaType, mediaURL, caption, fileName string) (evolution.SendResult, error)
}

// Retryable reports whether a send error may succeed when tried again.
// Timeouts and transport failures are retryable, provider rejections are not.
func Retryable(err error) bool {
	if errors.Is(err, evolution.ErrTimeout) {
		return true
	}
	return errors.Is(err, ErrProviderSend) &&
		!errors.Is(err, evolution.ErrUnauthorized) &&
		!errors.Is(err, evolution.ErrRejected)
}

// MediaSend describes an outbound media message.
type MediaSend struct {
	Type     decoder.MessageType `json:"type" validate:"required,oneof=image video audio document"`
	URL      string              `json:"url" validate:"required,url"`
	Caption  string              `json:"caption"`
	FileName string              `json:"fileName"`
}

// Sender delivers agent replies and records them through the Engine.
type Sender struct {
	store        store.Store
	engine       *Engine
	provider     Provider
	audit        *AuditLogger
	placeholders decoder.Placeholders
	countryCode  string
}

// NewSender creates a new Sender.
func NewSender(s store.Store, engine *Engine, provider Provider, audit *AuditLogger, placeholders decoder.Placeholders, countryCode string) *Sender {
	return &Sender{
		store:        s,
		engine:       engine,
		provider:     provider,
		audit:        audit,
		placeholders: placeholders,
		countryCode:  countryCode,
	}
}

// outbound is one resolved send attempt.
type outbound struct {
	accountID string
	contact   *models.Contact
	recipient string
	decoded   decoder.Decoded
	payload   interface{}
}

// SendText sends a text reply into a conversation.
func (s *Sender) SendText(ctx context.Context, accountID, conversationID, text string) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, ErrEmptyMessage
	}
	out, err := s.resolve(ctx, accountID, conversationID)
	if err != nil {
		return models.Message{}, err
	}
	out.decoded = decoder.Decoded{Content: text, Type: decoder.TypeText}
	out.payload = map[string]string{"number": out.recipient, "text": text}

	return s.deliver(ctx, out, func() (evolution.SendResult, error) {
		return s.provider.SendText(ctx, out.recipient, text)
	})
}

// SendMedia sends a media reply by URL into a conversation.
func (s *Sender) SendMedia(ctx context.Context, accountID, conversationID string, m MediaSend) (models.Message, error) {
	if m.URL == "" {
		return models.Message{}, ErrEmptyMessage
	}
	out, err := s.resolve(ctx, accountID, conversationID)
	if err != nil {
		return models.Message{}, err
	}
	content := strings.TrimSpace(m.Caption)
	if content == "" {
		content = s.placeholderFor(m.Type, m.FileName)
	}
	url := m.URL
	out.decoded = decoder.Decoded{Content: content, Type: m.Type, MediaURL: &url, FileName: m.FileName}
	out.payload = map[string]string{"number": out.recipient, "mediatype": string(m.Type), "media": m.URL, "caption": m.Caption, "fileName": m.FileName}

	return s.deliver(ctx, out, func() (evolution.SendResult, error) {
		return s.provider.SendMedia(ctx, out.recipient, string(m.Type), m.URL, m.Caption, m.FileName)
	})
}

func (s *Sender) placeholderFor(t decoder.MessageType, fileName string) string {
	switch t {
	case decoder.TypeImage:
		return s.placeholders.Image
	case decoder.TypeVideo:
		return s.placeholders.Video
	case decoder.TypeAudio:
		return s.placeholders.Audio
	case decoder.TypeDocument:
		if fileName != "" {
			return fileName
		}
		return s.placeholders.Document
	}
	return s.placeholders.Fallback
}

func (s *Sender) resolve(ctx context.Context, accountID, conversationID string) (*outbound, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, ErrMissingAccount
	}
	if s.provider == nil || !s.provider.Configured() {
		return nil, ErrNotConfigured
	}
	conv, err := s.store.GetConversation(ctx, accountID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	contact, err := s.store.GetContact(ctx, accountID, conv.ContactID)
	if err != nil {
		return nil, fmt.Errorf("load contact %s: %w", conv.ContactID, err)
	}
	recipient := identity.RecipientAddress(identity.Identity{Phone: contact.Phone, IsGroup: contact.IsGroup}, s.countryCode)
	if contact.IsGroup && contact.RemoteJID != "" {
		recipient = contact.RemoteJID
	}
	return &outbound{accountID: accountID, contact: contact, recipient: recipient}, nil
}

// deliver calls the provider and records the outcome. The message is stored
// whether or not the provider accepted it.
func (s *Sender) deliver(ctx context.Context, out *outbound, send func() (evolution.SendResult, error)) (models.Message, error) {
	id := identity.Identity{Phone: out.contact.Phone, IsGroup: out.contact.IsGroup}
	raw, _ := json.Marshal(out.payload)
	lc := LogContext{
		AccountID:  out.accountID,
		EventType:  EventMessagesSend,
		RawPayload: raw,
		RemoteJID:  out.recipient,
		FromMe:     true,
	}

	result, sendErr := send()

	req := IngestRequest{
		AccountID: out.accountID,
		Identity:  id,
		Decoded:   out.decoded,
		FromMe:    true,
		Status:    models.StatusSent,
	}
	if sendErr != nil {
		req.Status = models.StatusFailed
	} else {
		req.ExternalID = result.MessageID
		req.ResetUnread = true
	}

	res, err := s.engine.Ingest(ctx, req)
	outcome := LogOutcome{
		Phone:          id.Phone,
		IsGroup:        id.IsGroup,
		ContactID:      res.ContactID,
		ConversationID: res.ConversationID,
	}
	if err != nil {
		log.Error().Err(err).Str("account", out.accountID).Str("recipient", out.recipient).Bool("providerAccepted", sendErr == nil).Msg("Failed to record outbound message")
		outcome.Err = err
		if sendErr != nil {
			outcome.Err = fmt.Errorf("%v; %w", sendErr, err)
		}
		s.record(ctx, lc, models.LogError, outcome)
		return models.Message{}, err
	}

	if sendErr != nil {
		log.Warn().Err(sendErr).
			Str("account", out.accountID).
			Str("conversationID", res.ConversationID).
			Str("messageID", res.MessageID).
			Msg("Provider rejected outbound message, stored as failed")
		outcome.Err = sendErr
		s.record(ctx, lc, models.LogError, outcome)
		return res.Message, fmt.Errorf("%w: %w", ErrProviderSend, sendErr)
	}

	s.record(ctx, lc, models.LogSuccess, outcome)
	return res.Message, nil
}

func (s *Sender) record(ctx context.Context, lc LogContext, status string, out LogOutcome) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, lc, status, out)
}
