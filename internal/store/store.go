// Package store is the persistence boundary of the inbox. Every operation is
// scoped by an explicit account id.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/bigicee/atendimento-ver-conversas/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist for the account.
	ErrNotFound = errors.New("not found")
	// ErrLogFinalized is returned when a webhook log is no longer pending.
	ErrLogFinalized = errors.New("webhook log already finalized")
)

// Tx holds the write primitives used by ingestion. Implementations run them
// atomically when called inside Store.Transaction.
type Tx interface {
	GetContact(ctx context.Context, accountID, id string) (*models.Contact, error)
	// CreateContact inserts the contact unless one with the same key exists.
	CreateContact(ctx context.Context, c *models.Contact) (bool, error)
	UpdateContact(ctx context.Context, accountID, id string, name, remoteJID string) error

	GetConversation(ctx context.Context, accountID, id string) (*models.Conversation, error)
	// CreateConversation inserts the conversation unless one with the same key exists.
	CreateConversation(ctx context.Context, c *models.Conversation) (bool, error)

	// InsertMessage inserts m unless a message with the same external id
	// already exists in the conversation. It reports whether a row was written.
	InsertMessage(ctx context.Context, m *models.Message) (bool, error)
	FindMessageByExternalID(ctx context.Context, accountID, conversationID, externalID string) (*models.Message, error)

	// AdvanceSummary moves the conversation summary to (content, at) unless
	// the stored summary is newer, and adds unreadDelta to the unread count.
	AdvanceSummary(ctx context.Context, accountID, conversationID, content string, at time.Time, unreadDelta int) error
	ResetUnread(ctx context.Context, accountID, conversationID string) error
}

// Store is the full repository used by services and handlers.
type Store interface {
	Tx
	Transaction(ctx context.Context, fn func(tx Tx) error) error

	ListConversations(ctx context.Context, accountID string, f ConversationFilter) ([]models.Conversation, error)
	ListMessages(ctx context.Context, accountID, conversationID string) ([]models.Message, error)
	ClearAccount(ctx context.Context, accountID string) (ClearResult, error)

	CreateWebhookLog(ctx context.Context, l *models.WebhookLog) error
	// FinishWebhookLog moves a pending log to a terminal status.
	FinishWebhookLog(ctx context.Context, id string, u LogUpdate) error
	ListWebhookLogs(ctx context.Context, accountID string, f LogFilter) ([]models.WebhookLog, error)

	Ping(ctx context.Context) error
}

// Read filters accepted by ListConversations.
const (
	FilterAll        = "all"
	FilterUnread     = "unread"
	FilterRead       = "read"
	FilterGroups     = "groups"
	FilterIndividual = "individual"
)

// ConversationFilter narrows ListConversations. Empty fields mean "all".
type ConversationFilter struct {
	Read  string // all, unread, read
	Kind  string // all, groups, individual
	Limit int
}

// LogFilter narrows ListWebhookLogs.
type LogFilter struct {
	Status string
	Limit  int
}

// LogUpdate is the terminal state written to a webhook log.
type LogUpdate struct {
	Status         string
	ContactID      *string
	ConversationID *string
	ErrorMessage   *string
	Phone          string
	IsGroup        bool
	ProcessedAt    time.Time
}

// ClearResult counts rows removed by ClearAccount.
type ClearResult struct {
	Contacts      int64 `json:"contacts"`
	Conversations int64 `json:"conversations"`
	Messages      int64 `json:"messages"`
}

const defaultListLimit = 200

func listLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
