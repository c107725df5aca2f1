package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bigicee/atendimento-ver-conversas/internal/models"
	"github.com/bigicee/atendimento-ver-conversas/internal/store"
)

// EventMessagesSend is the audit event type of outbound send attempts.
const EventMessagesSend = "messages.send"

// PayloadArchiver keeps a copy of raw webhook payloads.
type PayloadArchiver interface {
	ArchiveWebhook(ctx context.Context, accountID, logID string, payload []byte) error
}

// LogContext is what is known about an event when it arrives.
type LogContext struct {
	AccountID  string
	EventType  string
	RawPayload []byte
	RemoteJID  string
	PushName   string
	FromMe     bool
}

// LogOutcome is what processing learned about the event.
type LogOutcome struct {
	Phone          string
	IsGroup        bool
	ContactID      string
	ConversationID string
	Err            error
}

// pendingEntry remembers a pending log for a post-hoc record.
type pendingEntry struct {
	ctx       LogContext
	createdAt time.Time
}

// AuditLogger writes exactly one WebhookLog per event. Failures never
// propagate to the caller.
type AuditLogger struct {
	store    store.Store
	archiver PayloadArchiver
	now      func() time.Time
}

// NewAuditLogger creates a new AuditLogger. archiver may be nil.
func NewAuditLogger(s store.Store, archiver PayloadArchiver) *AuditLogger {
	return &AuditLogger{store: s, archiver: archiver, now: time.Now}
}

// Entry tracks one event between LogPending and LogTerminal.
type Entry struct {
	ID      string
	pending pendingEntry
}

// LogPending records the event as pending. The returned entry has an empty
// ID when the insert failed; LogTerminal then writes a complete record.
func (a *AuditLogger) LogPending(ctx context.Context, lc LogContext) *Entry {
	now := a.now().UTC()
	entry := &Entry{pending: pendingEntry{ctx: lc, createdAt: now}}

	l := &models.WebhookLog{
		ID:               uuid.NewString(),
		AccountID:        lc.AccountID,
		EventType:        lc.EventType,
		RawPayload:       string(lc.RawPayload),
		RemoteJID:        lc.RemoteJID,
		PushName:         lc.PushName,
		FromMe:           lc.FromMe,
		ProcessingStatus: models.LogPending,
		CreatedAt:        now,
	}
	if err := a.store.CreateWebhookLog(ctx, l); err != nil {
		log.Error().Err(err).Str("account", lc.AccountID).Str("event", lc.EventType).Msg("Failed to write pending webhook log")
		return entry
	}
	entry.ID = l.ID
	a.archive(ctx, lc.AccountID, l.ID, lc.RawPayload)
	return entry
}

// LogTerminal finalizes the entry with status success or error.
func (a *AuditLogger) LogTerminal(ctx context.Context, entry *Entry, status string, out LogOutcome) {
	if entry == nil {
		return
	}
	now := a.now().UTC()
	u := store.LogUpdate{
		Status:         status,
		ContactID:      optional(out.ContactID),
		ConversationID: optional(out.ConversationID),
		Phone:          out.Phone,
		IsGroup:        out.IsGroup,
		ProcessedAt:    now,
	}
	if out.Err != nil {
		msg := out.Err.Error()
		u.ErrorMessage = &msg
	}

	if entry.ID != "" {
		err := a.store.FinishWebhookLog(ctx, entry.ID, u)
		if err == nil {
			return
		}
		if errors.Is(err, store.ErrLogFinalized) {
			log.Warn().Str("logID", entry.ID).Msg("Webhook log already finalized, ignoring update")
			return
		}
		log.Error().Err(err).Str("logID", entry.ID).Msg("Failed to finalize webhook log")
		return
	}

	lc := entry.pending.ctx
	l := &models.WebhookLog{
		ID:               uuid.NewString(),
		AccountID:        lc.AccountID,
		EventType:        lc.EventType,
		RawPayload:       string(lc.RawPayload),
		RemoteJID:        lc.RemoteJID,
		PushName:         lc.PushName,
		FromMe:           lc.FromMe,
		Phone:            u.Phone,
		IsGroup:          u.IsGroup,
		ContactID:        u.ContactID,
		ConversationID:   u.ConversationID,
		ProcessingStatus: status,
		ErrorMessage:     u.ErrorMessage,
		CreatedAt:        entry.pending.createdAt,
		ProcessedAt:      &now,
	}
	if err := a.store.CreateWebhookLog(ctx, l); err != nil {
		log.Error().Err(err).Str("account", lc.AccountID).Str("event", lc.EventType).Msg("Failed to write post-hoc webhook log")
		return
	}
	entry.ID = l.ID
	a.archive(ctx, lc.AccountID, l.ID, lc.RawPayload)
}

// Record writes a terminal log in one step.
func (a *AuditLogger) Record(ctx context.Context, lc LogContext, status string, out LogOutcome) {
	a.LogTerminal(ctx, a.LogPending(ctx, lc), status, out)
}

func (a *AuditLogger) archive(ctx context.Context, accountID, logID string, payload []byte) {
	if a.archiver == nil || len(payload) == 0 {
		return
	}
	if err := a.archiver.ArchiveWebhook(ctx, accountID, logID, payload); err != nil {
		log.Error().Err(err).Str("logID", logID).Msg("Failed to archive webhook payload")
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
