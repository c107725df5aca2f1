package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/bigicee/atendimento-ver-conversas/internal/models"
)

type conversationRow struct {
	AccountID     string       `db:"account_id"`
	ID            string       `db:"id"`
	ContactID     string       `db:"contact_id"`
	Status        string       `db:"status"`
	LastMessage   string       `db:"last_message"`
	LastMessageAt sql.NullTime `db:"last_message_at"`
	UnreadCount   int          `db:"unread_count"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`

	ContactName      string    `db:"contact_name"`
	ContactPhone     string    `db:"contact_phone"`
	ContactIsGroup   bool      `db:"contact_is_group"`
	ContactRemoteJID string    `db:"contact_remote_jid"`
	ContactCreatedAt time.Time `db:"contact_created_at"`
	ContactUpdatedAt time.Time `db:"contact_updated_at"`
}

const listConversationsQuery = `
SELECT cv.account_id, cv.id, cv.contact_id, cv.status,
       COALESCE(cv.last_message, '') AS last_message, cv.last_message_at,
       cv.unread_count, cv.created_at, cv.updated_at,
       COALESCE(ct.name, '') AS contact_name, ct.phone AS contact_phone,
       ct.is_group AS contact_is_group, COALESCE(ct.remote_jid, '') AS contact_remote_jid,
       ct.created_at AS contact_created_at, ct.updated_at AS contact_updated_at
FROM conversations cv
JOIN contacts ct ON ct.account_id = cv.account_id AND ct.id = cv.contact_id
WHERE cv.account_id = ?`

func (s *Gorm) ListConversations(ctx context.Context, accountID string, f ConversationFilter) ([]models.Conversation, error) {
	var q strings.Builder
	q.WriteString(listConversationsQuery)
	args := []interface{}{accountID}

	switch f.Read {
	case FilterUnread:
		q.WriteString(" AND cv.unread_count > 0")
	case FilterRead:
		q.WriteString(" AND cv.unread_count = 0")
	}
	switch f.Kind {
	case FilterGroups:
		q.WriteString(" AND ct.is_group = ?")
		args = append(args, true)
	case FilterIndividual:
		q.WriteString(" AND ct.is_group = ?")
		args = append(args, false)
	}
	q.WriteString(" ORDER BY COALESCE(cv.last_message_at, cv.created_at) DESC LIMIT ?")
	args = append(args, listLimit(f.Limit))

	var rows []conversationRow
	if err := s.rx.SelectContext(ctx, &rows, s.rx.Rebind(q.String()), args...); err != nil {
		return nil, err
	}

	out := make([]models.Conversation, 0, len(rows))
	for _, r := range rows {
		c := models.Conversation{
			AccountID:   r.AccountID,
			ID:          r.ID,
			ContactID:   r.ContactID,
			Status:      r.Status,
			LastMessage: r.LastMessage,
			UnreadCount: r.UnreadCount,
			CreatedAt:   r.CreatedAt,
			UpdatedAt:   r.UpdatedAt,
			Contact: &models.Contact{
				AccountID: r.AccountID,
				ID:        r.ContactID,
				Name:      r.ContactName,
				Phone:     r.ContactPhone,
				IsGroup:   r.ContactIsGroup,
				RemoteJID: r.ContactRemoteJID,
				CreatedAt: r.ContactCreatedAt,
				UpdatedAt: r.ContactUpdatedAt,
			},
		}
		if r.LastMessageAt.Valid {
			at := r.LastMessageAt.Time
			c.LastMessageAt = &at
		}
		out = append(out, c)
	}
	return out, nil
}

type webhookLogRow struct {
	ID               string         `db:"id"`
	AccountID        string         `db:"account_id"`
	EventType        string         `db:"event_type"`
	RawPayload       string         `db:"raw_payload"`
	RemoteJID        string         `db:"remote_jid"`
	Phone            string         `db:"phone"`
	IsGroup          bool           `db:"is_group"`
	PushName         string         `db:"push_name"`
	FromMe           bool           `db:"from_me"`
	ConversationID   sql.NullString `db:"conversation_id"`
	ContactID        sql.NullString `db:"contact_id"`
	ProcessingStatus string         `db:"processing_status"`
	ErrorMessage     sql.NullString `db:"error_message"`
	CreatedAt        time.Time      `db:"created_at"`
	ProcessedAt      sql.NullTime   `db:"processed_at"`
}

const listWebhookLogsQuery = `
SELECT id, COALESCE(account_id, '') AS account_id, COALESCE(event_type, '') AS event_type,
       COALESCE(raw_payload, '') AS raw_payload, COALESCE(remote_jid, '') AS remote_jid,
       COALESCE(phone, '') AS phone, is_group, COALESCE(push_name, '') AS push_name, from_me,
       conversation_id, contact_id, processing_status, error_message, created_at, processed_at
FROM webhook_logs
WHERE account_id = ?`

func (s *Gorm) ListWebhookLogs(ctx context.Context, accountID string, f LogFilter) ([]models.WebhookLog, error) {
	q := listWebhookLogsQuery
	args := []interface{}{accountID}
	if f.Status != "" {
		q += " AND processing_status = ?"
		args = append(args, f.Status)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, listLimit(f.Limit))

	var rows []webhookLogRow
	if err := s.rx.SelectContext(ctx, &rows, s.rx.Rebind(q), args...); err != nil {
		return nil, err
	}
	out := make([]models.WebhookLog, 0, len(rows))
	for _, r := range rows {
		l := models.WebhookLog{
			ID:               r.ID,
			AccountID:        r.AccountID,
			EventType:        r.EventType,
			RawPayload:       r.RawPayload,
			RemoteJID:        r.RemoteJID,
			Phone:            r.Phone,
			IsGroup:          r.IsGroup,
			PushName:         r.PushName,
			FromMe:           r.FromMe,
			ConversationID:   nullString(r.ConversationID),
			ContactID:        nullString(r.ContactID),
			ProcessingStatus: r.ProcessingStatus,
			ErrorMessage:     nullString(r.ErrorMessage),
			CreatedAt:        r.CreatedAt,
		}
		if r.ProcessedAt.Valid {
			at := r.ProcessedAt.Time
			l.ProcessedAt = &at
		}
		out = append(out, l)
	}
	return out, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
