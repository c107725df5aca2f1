package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigicee/atendimento-ver-conversas/internal/adapters/evolution"
	"github.com/bigicee/atendimento-ver-conversas/internal/db"
	"github.com/bigicee/atendimento-ver-conversas/internal/decoder"
	"github.com/bigicee/atendimento-ver-conversas/internal/identity"
	"github.com/bigicee/atendimento-ver-conversas/internal/models"
	"github.com/bigicee/atendimento-ver-conversas/internal/store"
)

func newSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	gdb, err := db.Open(db.DriverSQLite, "file::memory:")
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))

	s, err := store.NewGorm(gdb, db.SQLXDriverName(db.DriverSQLite))
	require.NoError(t, err)
	return s
}

// eachStore runs fn against the in-memory store and a gorm store on sqlite.
func eachStore(t *testing.T, fn func(t *testing.T, s store.Store, e *Engine)) {
	for name, newStore := range map[string]func(*testing.T) store.Store{
		"memory": func(*testing.T) store.Store { return store.NewMemory() },
		"sqlite": newSQLiteStore,
	} {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			e, err := NewEngine(s, nil, nil)
			require.NoError(t, err)
			fn(t, s, e)
		})
	}
}

func TestEngineStores_InboundThenAgentReply(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store, e *Engine) {
		ctx := context.Background()
		at := time.Unix(1717000000, 0).UTC()

		req := textRequest("5511999998888", "Oi", false, "ABC1", at)
		req.DisplayName = "Maria"
		res, err := e.Ingest(ctx, req)
		require.NoError(t, err)
		assert.True(t, res.ContactCreated)
		assert.True(t, res.ConversationCreated)

		conv, err := s.GetConversation(ctx, testAccount, "conv_5511999998888")
		require.NoError(t, err)
		assert.Equal(t, 1, conv.UnreadCount)
		assert.Equal(t, "Oi", conv.LastMessage)

		reply := textRequest("5511999998888", "Olá, como posso ajudar?", true, "ABC2", at.Add(time.Minute))
		reply.DisplayName = "Agent Self"
		_, err = e.Ingest(ctx, reply)
		require.NoError(t, err)

		conv, err = s.GetConversation(ctx, testAccount, "conv_5511999998888")
		require.NoError(t, err)
		assert.Equal(t, 1, conv.UnreadCount)
		assert.Equal(t, "Olá, como posso ajudar?", conv.LastMessage)
		require.NotNil(t, conv.LastMessageAt)
		assert.True(t, conv.LastMessageAt.Equal(at.Add(time.Minute)))

		contact, err := s.GetContact(ctx, testAccount, "contact_5511999998888")
		require.NoError(t, err)
		assert.Equal(t, "Maria", contact.Name)

		msgs, err := s.ListMessages(ctx, testAccount, conv.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, models.SenderContact, msgs[0].Sender)
		assert.Equal(t, models.SenderUser, msgs[1].Sender)
	})
}

func TestEngineStores_DedupOnReplay(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store, e *Engine) {
		ctx := context.Background()
		req := textRequest("5511999998888", "Oi", false, "DUP", time.Unix(1717000000, 0).UTC())

		first, err := e.Ingest(ctx, req)
		require.NoError(t, err)
		second, err := e.Ingest(ctx, req)
		require.NoError(t, err)

		assert.True(t, second.Duplicate)
		assert.Equal(t, first.MessageID, second.MessageID)
		msgs, err := s.ListMessages(ctx, testAccount, first.ConversationID)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)

		conv, err := s.GetConversation(ctx, testAccount, first.ConversationID)
		require.NoError(t, err)
		assert.Equal(t, 1, conv.UnreadCount)
	})
}

func TestEngineStores_UnreadAndMarkRead(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store, e *Engine) {
		ctx := context.Background()
		base := time.Unix(1717000000, 0).UTC()
		convID := identity.ConversationID("5511999998888")

		inbound := 0
		for i, fromMe := range []bool{false, true, false, false, true, false} {
			_, err := e.Ingest(ctx, textRequest("5511999998888", "m", fromMe, "", base.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
			if !fromMe {
				inbound++
			}
			conv, err := s.GetConversation(ctx, testAccount, convID)
			require.NoError(t, err)
			assert.Equal(t, inbound, conv.UnreadCount)
		}

		require.NoError(t, e.MarkRead(ctx, testAccount, convID))
		conv, err := s.GetConversation(ctx, testAccount, convID)
		require.NoError(t, err)
		assert.Equal(t, 0, conv.UnreadCount)
	})
}

func TestEngineStores_SummaryOnlyMovesForward(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store, e *Engine) {
		ctx := context.Background()
		base := time.Unix(1717000000, 0).UTC()

		_, err := e.Ingest(ctx, textRequest("5511999998888", "newest", false, "B", base.Add(time.Hour)))
		require.NoError(t, err)
		res, err := e.Ingest(ctx, textRequest("5511999998888", "older", false, "A", base))
		require.NoError(t, err)

		conv, err := s.GetConversation(ctx, testAccount, res.ConversationID)
		require.NoError(t, err)
		assert.Equal(t, "newest", conv.LastMessage)
		require.NotNil(t, conv.LastMessageAt)
		assert.True(t, conv.LastMessageAt.Equal(base.Add(time.Hour)))
		assert.Equal(t, 2, conv.UnreadCount)
	})
}

func TestEngineStores_RoutingAddressChangeAndRename(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store, e *Engine) {
		ctx := context.Background()
		at := time.Unix(1717000000, 0).UTC()

		_, err := e.Ingest(ctx, textRequest("5511999998888", "1", false, "1", at))
		require.NoError(t, err)

		moved := textRequest("5511999998888", "2", false, "2", at.Add(time.Second))
		moved.RemoteJID = "5511999998888@c.us"
		moved.DisplayName = "Maria"
		res, err := e.Ingest(ctx, moved)
		require.NoError(t, err)
		assert.False(t, res.ContactCreated)

		contact, err := s.GetContact(ctx, testAccount, "contact_5511999998888")
		require.NoError(t, err)
		assert.Equal(t, "Maria", contact.Name)
		assert.Equal(t, "5511999998888@c.us", contact.RemoteJID)

		placeholder := textRequest("5511999998888", "3", false, "3", at.Add(2*time.Second))
		placeholder.DisplayName = identity.FormatPhone("5511999998888")
		_, err = e.Ingest(ctx, placeholder)
		require.NoError(t, err)
		contact, err = s.GetContact(ctx, testAccount, "contact_5511999998888")
		require.NoError(t, err)
		assert.Equal(t, "Maria", contact.Name)

		convs, err := s.ListConversations(ctx, testAccount, store.ConversationFilter{})
		require.NoError(t, err)
		require.Len(t, convs, 1)
		require.NotNil(t, convs[0].Contact)
		assert.Equal(t, "5511999998888@c.us", convs[0].Contact.RemoteJID)
	})
}

func TestEngineStores_GroupPlaceholder(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store, e *Engine) {
		ctx := context.Background()
		req := textRequest("12345", "hello", false, "G1", time.Unix(1717000000, 0).UTC())
		req.Identity = identity.Identity{Phone: "12345", IsGroup: true}
		req.RemoteJID = "12345@g.us"
		_, err := e.Ingest(ctx, req)
		require.NoError(t, err)

		contact, err := s.GetContact(ctx, testAccount, "contact_12345")
		require.NoError(t, err)
		assert.True(t, contact.IsGroup)
		assert.Equal(t, "Grupo 12345", contact.Name)
		assert.Equal(t, "12345@g.us", contact.RemoteJID)

		convs, err := s.ListConversations(ctx, testAccount, store.ConversationFilter{Kind: store.FilterGroups})
		require.NoError(t, err)
		assert.Len(t, convs, 1)
	})
}

func TestEngineStores_SyncOutOfOrderBatchConverges(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store, e *Engine) {
		ctx := context.Background()
		jid := "5511999998888@s.whatsapp.net"
		h := &fakeHistory{
			chats: []evolution.Chat{chat(jid)},
			messages: map[string][]evolution.MessageRecord{jid: {
				record("C", "third", true, 1717000300, "Você"),
				record("A", "first", false, 1717000100, "Maria"),
				record("B", "second", false, 1717000200, "Maria"),
			}},
		}
		r := NewReconciler(h, e, s, decoder.New(decoder.English), nil)

		res, err := r.Sync(ctx, testAccount)
		require.NoError(t, err)
		assert.Equal(t, SyncResult{NewConversations: 1, Messages: 3}, res)

		conv, err := s.GetConversation(ctx, testAccount, "conv_5511999998888")
		require.NoError(t, err)
		assert.Equal(t, "third", conv.LastMessage)
		assert.Equal(t, int64(1717000300), conv.LastMessageAt.Unix())
		assert.Equal(t, 2, conv.UnreadCount)

		res, err = r.Sync(ctx, testAccount)
		require.NoError(t, err)
		assert.Equal(t, SyncResult{}, res)
	})
}
