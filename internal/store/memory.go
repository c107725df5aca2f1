package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bigicee/atendimento-ver-conversas/internal/models"
)

type rowKey struct {
	account string
	id      string
}

type externalKey struct {
	account      string
	conversation string
	external     string
}

type memData struct {
	contacts      map[rowKey]models.Contact
	conversations map[rowKey]models.Conversation
	messages      map[string]models.Message
	external      map[externalKey]string
	logs          map[string]models.WebhookLog
}

func newMemData() memData {
	return memData{
		contacts:      make(map[rowKey]models.Contact),
		conversations: make(map[rowKey]models.Conversation),
		messages:      make(map[string]models.Message),
		external:      make(map[externalKey]string),
		logs:          make(map[string]models.WebhookLog),
	}
}

func (d memData) clone() memData {
	c := newMemData()
	for k, v := range d.contacts {
		c.contacts[k] = v
	}
	for k, v := range d.conversations {
		c.conversations[k] = v
	}
	for k, v := range d.messages {
		c.messages[k] = v
	}
	for k, v := range d.external {
		c.external[k] = v
	}
	for k, v := range d.logs {
		c.logs[k] = v
	}
	return c
}

// Memory is an in-process Store. It is used by tests and by the "memory"
// database driver. Transactions serialize on a single mutex and roll back by
// restoring a snapshot.
type Memory struct {
	mu   sync.Mutex
	data memData
	now  func() time.Time

	// FailWith, when set, is returned by every write. Tests use it to
	// simulate an unavailable datastore.
	FailWith error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: newMemData(), now: time.Now}
}

var _ Store = (*Memory)(nil)

// memTx operates on the data without locking; the caller holds the mutex.
type memTx struct {
	m *Memory
}

func (m *Memory) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := m.data.clone()
	if err := fn(memTx{m: m}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (m *Memory) locked(fn func(tx memTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(memTx{m: m})
}

func (t memTx) fail() error {
	if t.m.FailWith != nil {
		return t.m.FailWith
	}
	return nil
}

func (t memTx) GetContact(_ context.Context, accountID, id string) (*models.Contact, error) {
	c, ok := t.m.data.contacts[rowKey{accountID, id}]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (t memTx) CreateContact(_ context.Context, c *models.Contact) (bool, error) {
	if err := t.fail(); err != nil {
		return false, err
	}
	key := rowKey{c.AccountID, c.ID}
	if _, ok := t.m.data.contacts[key]; ok {
		return false, nil
	}
	for _, existing := range t.m.data.contacts {
		if existing.AccountID == c.AccountID && existing.Phone == c.Phone {
			return false, nil
		}
	}
	now := t.m.now()
	c.CreatedAt, c.UpdatedAt = now, now
	t.m.data.contacts[key] = *c
	return true, nil
}

func (t memTx) UpdateContact(_ context.Context, accountID, id, name, remoteJID string) error {
	if err := t.fail(); err != nil {
		return err
	}
	key := rowKey{accountID, id}
	c, ok := t.m.data.contacts[key]
	if !ok {
		return ErrNotFound
	}
	if name != "" {
		c.Name = name
	}
	if remoteJID != "" {
		c.RemoteJID = remoteJID
	}
	c.UpdatedAt = t.m.now()
	t.m.data.contacts[key] = c
	return nil
}

func (t memTx) GetConversation(_ context.Context, accountID, id string) (*models.Conversation, error) {
	c, ok := t.m.data.conversations[rowKey{accountID, id}]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (t memTx) CreateConversation(_ context.Context, c *models.Conversation) (bool, error) {
	if err := t.fail(); err != nil {
		return false, err
	}
	key := rowKey{c.AccountID, c.ID}
	if _, ok := t.m.data.conversations[key]; ok {
		return false, nil
	}
	if _, ok := t.m.data.contacts[rowKey{c.AccountID, c.ContactID}]; !ok {
		return false, fmt.Errorf("conversation %s references missing contact %s", c.ID, c.ContactID)
	}
	now := t.m.now()
	c.CreatedAt, c.UpdatedAt = now, now
	if c.Status == "" {
		c.Status = models.ConversationOpen
	}
	stored := *c
	stored.Contact = nil
	t.m.data.conversations[key] = stored
	return true, nil
}

func (t memTx) InsertMessage(_ context.Context, msg *models.Message) (bool, error) {
	if err := t.fail(); err != nil {
		return false, err
	}
	if _, ok := t.m.data.conversations[rowKey{msg.AccountID, msg.ConversationID}]; !ok {
		return false, fmt.Errorf("message %s references missing conversation %s", msg.ID, msg.ConversationID)
	}
	if _, ok := t.m.data.messages[msg.ID]; ok {
		return false, nil
	}
	if msg.ExternalID != nil {
		key := externalKey{msg.AccountID, msg.ConversationID, *msg.ExternalID}
		if _, ok := t.m.data.external[key]; ok {
			return false, nil
		}
		t.m.data.external[key] = msg.ID
	}
	t.m.data.messages[msg.ID] = *msg
	return true, nil
}

func (t memTx) FindMessageByExternalID(_ context.Context, accountID, conversationID, externalID string) (*models.Message, error) {
	id, ok := t.m.data.external[externalKey{accountID, conversationID, externalID}]
	if !ok {
		return nil, ErrNotFound
	}
	msg := t.m.data.messages[id]
	return &msg, nil
}

func (t memTx) AdvanceSummary(_ context.Context, accountID, conversationID, content string, at time.Time, unreadDelta int) error {
	if err := t.fail(); err != nil {
		return err
	}
	key := rowKey{accountID, conversationID}
	c, ok := t.m.data.conversations[key]
	if !ok {
		return ErrNotFound
	}
	if c.LastMessageAt == nil || !at.Before(*c.LastMessageAt) {
		c.LastMessage = content
		c.LastMessageAt = &at
	}
	c.UnreadCount += unreadDelta
	c.UpdatedAt = t.m.now()
	t.m.data.conversations[key] = c
	return nil
}

func (t memTx) ResetUnread(_ context.Context, accountID, conversationID string) error {
	if err := t.fail(); err != nil {
		return err
	}
	key := rowKey{accountID, conversationID}
	c, ok := t.m.data.conversations[key]
	if !ok {
		return ErrNotFound
	}
	c.UnreadCount = 0
	c.UpdatedAt = t.m.now()
	t.m.data.conversations[key] = c
	return nil
}

// The Tx methods on Memory lock around the unlocked implementation.

func (m *Memory) GetContact(ctx context.Context, accountID, id string) (c *models.Contact, err error) {
	err = m.locked(func(tx memTx) error { c, err = tx.GetContact(ctx, accountID, id); return err })
	return c, err
}

func (m *Memory) CreateContact(ctx context.Context, c *models.Contact) (created bool, err error) {
	err = m.locked(func(tx memTx) error { created, err = tx.CreateContact(ctx, c); return err })
	return created, err
}

func (m *Memory) UpdateContact(ctx context.Context, accountID, id, name, remoteJID string) error {
	return m.locked(func(tx memTx) error { return tx.UpdateContact(ctx, accountID, id, name, remoteJID) })
}

func (m *Memory) GetConversation(ctx context.Context, accountID, id string) (c *models.Conversation, err error) {
	err = m.locked(func(tx memTx) error { c, err = tx.GetConversation(ctx, accountID, id); return err })
	return c, err
}

func (m *Memory) CreateConversation(ctx context.Context, c *models.Conversation) (created bool, err error) {
	err = m.locked(func(tx memTx) error { created, err = tx.CreateConversation(ctx, c); return err })
	return created, err
}

func (m *Memory) InsertMessage(ctx context.Context, msg *models.Message) (inserted bool, err error) {
	err = m.locked(func(tx memTx) error { inserted, err = tx.InsertMessage(ctx, msg); return err })
	return inserted, err
}

func (m *Memory) FindMessageByExternalID(ctx context.Context, accountID, conversationID, externalID string) (msg *models.Message, err error) {
	err = m.locked(func(tx memTx) error {
		msg, err = tx.FindMessageByExternalID(ctx, accountID, conversationID, externalID)
		return err
	})
	return msg, err
}

func (m *Memory) AdvanceSummary(ctx context.Context, accountID, conversationID, content string, at time.Time, unreadDelta int) error {
	return m.locked(func(tx memTx) error {
		return tx.AdvanceSummary(ctx, accountID, conversationID, content, at, unreadDelta)
	})
}

func (m *Memory) ResetUnread(ctx context.Context, accountID, conversationID string) error {
	return m.locked(func(tx memTx) error { return tx.ResetUnread(ctx, accountID, conversationID) })
}

func (m *Memory) ListConversations(_ context.Context, accountID string, f ConversationFilter) ([]models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Conversation
	for _, c := range m.data.conversations {
		if c.AccountID != accountID {
			continue
		}
		contact, ok := m.data.contacts[rowKey{accountID, c.ContactID}]
		if !ok {
			continue
		}
		if !matchesConversationFilter(c, contact, f) {
			continue
		}
		c.Contact = &contact
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return lastActivity(out[i]).After(lastActivity(out[j]))
	})
	if limit := listLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListMessages(_ context.Context, accountID, conversationID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Message
	for _, msg := range m.data.messages {
		if msg.AccountID == accountID && msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) ClearAccount(_ context.Context, accountID string) (ClearResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return ClearResult{}, m.FailWith
	}
	var res ClearResult
	for k, msg := range m.data.messages {
		if msg.AccountID == accountID {
			delete(m.data.messages, k)
			res.Messages++
		}
	}
	for k := range m.data.external {
		if k.account == accountID {
			delete(m.data.external, k)
		}
	}
	for k := range m.data.conversations {
		if k.account == accountID {
			delete(m.data.conversations, k)
			res.Conversations++
		}
	}
	for k := range m.data.contacts {
		if k.account == accountID {
			delete(m.data.contacts, k)
			res.Contacts++
		}
	}
	return res, nil
}

func (m *Memory) CreateWebhookLog(_ context.Context, l *models.WebhookLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	if _, ok := m.data.logs[l.ID]; ok {
		return fmt.Errorf("webhook log %s already exists", l.ID)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = m.now()
	}
	m.data.logs[l.ID] = *l
	return nil
}

func (m *Memory) FinishWebhookLog(_ context.Context, id string, u LogUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	l, ok := m.data.logs[id]
	if !ok {
		return ErrNotFound
	}
	if l.ProcessingStatus != models.LogPending {
		return ErrLogFinalized
	}
	applyLogUpdate(&l, u)
	m.data.logs[id] = l
	return nil
}

func (m *Memory) ListWebhookLogs(_ context.Context, accountID string, f LogFilter) ([]models.WebhookLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WebhookLog
	for _, l := range m.data.logs {
		if l.AccountID != accountID {
			continue
		}
		if f.Status != "" && l.ProcessingStatus != f.Status {
			continue
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := listLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

// Messages returns every stored message of the account, for tests.
func (m *Memory) Messages(accountID string) []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Message
	for _, msg := range m.data.messages {
		if msg.AccountID == accountID {
			out = append(out, msg)
		}
	}
	return out
}

// Logs returns every webhook log, for tests.
func (m *Memory) Logs() []models.WebhookLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.WebhookLog, 0, len(m.data.logs))
	for _, l := range m.data.logs {
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func matchesConversationFilter(c models.Conversation, contact models.Contact, f ConversationFilter) bool {
	switch f.Read {
	case FilterUnread:
		if c.UnreadCount == 0 {
			return false
		}
	case FilterRead:
		if c.UnreadCount > 0 {
			return false
		}
	}
	switch f.Kind {
	case FilterGroups:
		return contact.IsGroup
	case FilterIndividual:
		return !contact.IsGroup
	}
	return true
}

func lastActivity(c models.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func applyLogUpdate(l *models.WebhookLog, u LogUpdate) {
	l.ProcessingStatus = u.Status
	if u.ContactID != nil {
		l.ContactID = u.ContactID
	}
	if u.ConversationID != nil {
		l.ConversationID = u.ConversationID
	}
	l.ErrorMessage = u.ErrorMessage
	if u.Phone != "" {
		l.Phone = u.Phone
		l.IsGroup = u.IsGroup
	}
	processed := u.ProcessedAt
	l.ProcessedAt = &processed
}
