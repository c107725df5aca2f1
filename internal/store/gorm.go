package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bigicee/atendimento-ver-conversas/internal/models"
)

// Gorm is the datastore-backed Store. Writes go through gorm, list queries
// run through sqlx on the same connection pool.
type Gorm struct {
	gormTx
	db *gorm.DB
	rx *sqlx.DB
}

var _ Store = (*Gorm)(nil)

// NewGorm wraps an open gorm connection. driverName selects the sqlx bind
// style ("postgres" or "sqlite3").
func NewGorm(db *gorm.DB, driverName string) (*Gorm, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm store requires a database connection")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return &Gorm{
		gormTx: gormTx{db: db},
		db:     db,
		rx:     sqlx.NewDb(sqlDB, driverName),
	}, nil
}

type gormTx struct {
	db *gorm.DB
}

func (s *Gorm) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(gormTx{db: tx})
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (t gormTx) GetContact(ctx context.Context, accountID, id string) (*models.Contact, error) {
	var c models.Contact
	err := t.db.WithContext(ctx).
		Where("account_id = ? AND id = ?", accountID, id).
		Take(&c).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (t gormTx) CreateContact(ctx context.Context, c *models.Contact) (bool, error) {
	res := t.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(c)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (t gormTx) UpdateContact(ctx context.Context, accountID, id, name, remoteJID string) error {
	updates := map[string]interface{}{"updated_at": time.Now()}
	if name != "" {
		updates["name"] = name
	}
	if remoteJID != "" {
		updates["remote_jid"] = remoteJID
	}
	res := t.db.WithContext(ctx).Model(&models.Contact{}).
		Where("account_id = ? AND id = ?", accountID, id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t gormTx) GetConversation(ctx context.Context, accountID, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := t.db.WithContext(ctx).
		Where("account_id = ? AND id = ?", accountID, id).
		Take(&c).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (t gormTx) CreateConversation(ctx context.Context, c *models.Conversation) (bool, error) {
	if c.Status == "" {
		c.Status = models.ConversationOpen
	}
	res := t.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(c)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (t gormTx) InsertMessage(ctx context.Context, m *models.Message) (bool, error) {
	res := t.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (t gormTx) FindMessageByExternalID(ctx context.Context, accountID, conversationID, externalID string) (*models.Message, error) {
	var m models.Message
	err := t.db.WithContext(ctx).
		Where("account_id = ? AND conversation_id = ? AND external_id = ?", accountID, conversationID, externalID).
		Take(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// AdvanceSummary is a single conditional UPDATE so concurrent deliveries
// for the same conversation never lose an increment or move the summary back.
func (t gormTx) AdvanceSummary(ctx context.Context, accountID, conversationID, content string, at time.Time, unreadDelta int) error {
	newer := "last_message_at IS NULL OR last_message_at <= ?"
	res := t.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("account_id = ? AND id = ?", accountID, conversationID).
		UpdateColumns(map[string]interface{}{
			"last_message":    gorm.Expr("CASE WHEN "+newer+" THEN ? ELSE last_message END", at, content),
			"last_message_at": gorm.Expr("CASE WHEN "+newer+" THEN ? ELSE last_message_at END", at, at),
			"unread_count":    gorm.Expr("unread_count + ?", unreadDelta),
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t gormTx) ResetUnread(ctx context.Context, accountID, conversationID string) error {
	res := t.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("account_id = ? AND id = ?", accountID, conversationID).
		UpdateColumns(map[string]interface{}{"unread_count": 0, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Gorm) ListMessages(ctx context.Context, accountID, conversationID string) ([]models.Message, error) {
	var out []models.Message
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND conversation_id = ?", accountID, conversationID).
		Order("created_at ASC").Order("id ASC").
		Find(&out).Error
	return out, err
}

func (s *Gorm) ClearAccount(ctx context.Context, accountID string) (ClearResult, error) {
	var res ClearResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r := tx.Where("account_id = ?", accountID).Delete(&models.Message{})
		if r.Error != nil {
			return r.Error
		}
		res.Messages = r.RowsAffected
		r = tx.Where("account_id = ?", accountID).Delete(&models.Conversation{})
		if r.Error != nil {
			return r.Error
		}
		res.Conversations = r.RowsAffected
		r = tx.Where("account_id = ?", accountID).Delete(&models.Contact{})
		if r.Error != nil {
			return r.Error
		}
		res.Contacts = r.RowsAffected
		return nil
	})
	if err != nil {
		return ClearResult{}, err
	}
	log.Info().Str("account", accountID).
		Int64("messages", res.Messages).
		Int64("conversations", res.Conversations).
		Int64("contacts", res.Contacts).
		Msg("Cleared account data")
	return res, nil
}

func (s *Gorm) CreateWebhookLog(ctx context.Context, l *models.WebhookLog) error {
	return s.db.WithContext(ctx).Create(l).Error
}

func (s *Gorm) FinishWebhookLog(ctx context.Context, id string, u LogUpdate) error {
	updates := map[string]interface{}{
		"processing_status": u.Status,
		"error_message":     u.ErrorMessage,
		"processed_at":      u.ProcessedAt,
	}
	if u.ContactID != nil {
		updates["contact_id"] = *u.ContactID
	}
	if u.ConversationID != nil {
		updates["conversation_id"] = *u.ConversationID
	}
	if u.Phone != "" {
		updates["phone"] = u.Phone
		updates["is_group"] = u.IsGroup
	}
	res := s.db.WithContext(ctx).Model(&models.WebhookLog{}).
		Where("id = ? AND processing_status = ?", id, models.LogPending).
		UpdateColumns(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.WebhookLog{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrLogFinalized
}

func (s *Gorm) Ping(ctx context.Context) error {
	return s.rx.PingContext(ctx)
}
