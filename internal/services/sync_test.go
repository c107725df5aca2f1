package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigicee/atendimento-ver-conversas/internal/adapters/evolution"
	"github.com/bigicee/atendimento-ver-conversas/internal/decoder"
	"github.com/bigicee/atendimento-ver-conversas/internal/identity"
	"github.com/bigicee/atendimento-ver-conversas/internal/store"
)

type fakeHistory struct {
	mu         sync.Mutex
	chats      []evolution.Chat
	chatsErr   error
	messages   map[string][]evolution.MessageRecord
	groupNames map[string]string
	groupCalls int
	release    chan struct{}
	chatCalls  int
	chatCtxErr error
}

func (f *fakeHistory) Configured() bool { return true }

func (f *fakeHistory) FetchChats(ctx context.Context) ([]evolution.Chat, error) {
	f.mu.Lock()
	f.chatCalls++
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	f.chatCtxErr = ctx.Err()
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.chats, f.chatsErr
}

func (f *fakeHistory) FetchMessages(_ context.Context, remoteJID string) ([]evolution.MessageRecord, error) {
	recs, ok := f.messages[remoteJID]
	if !ok {
		return nil, errors.New("chat not found")
	}
	out := make([]evolution.MessageRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (f *fakeHistory) FetchGroupName(_ context.Context, groupJID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupCalls++
	return f.groupNames[groupJID], nil
}

func chat(remoteJID string) evolution.Chat {
	return evolution.Chat{RemoteJID: remoteJID, LastMessage: &evolution.MessageRecord{Key: evolution.MessageKey{RemoteJID: remoteJID}}}
}

func record(id, text string, fromMe bool, unix int64, pushName string) evolution.MessageRecord {
	msg, _ := json.Marshal(map[string]string{"conversation": text})
	return evolution.MessageRecord{
		Key:              evolution.MessageKey{ID: id, FromMe: fromMe},
		PushName:         pushName,
		Message:          msg,
		MessageTimestamp: evolution.Timestamp{Time: time.Unix(unix, 0)},
	}
}

func newTestReconciler(t *testing.T, h *fakeHistory) (*Reconciler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	engine, err := NewEngine(mem, nil, nil)
	require.NoError(t, err)
	return NewReconciler(h, engine, mem, decoder.New(decoder.English), nil), mem
}

func TestSyncOutOfOrderBatchConverges(t *testing.T) {
	jid := "5511999998888@s.whatsapp.net"
	h := &fakeHistory{
		chats: []evolution.Chat{chat(jid)},
		messages: map[string][]evolution.MessageRecord{jid: {
			record("C", "third", true, 1700000300, "Você"),
			record("A", "first", false, 1700000100, "Maria"),
			record("B", "second", false, 1700000200, "Maria"),
		}},
	}
	r, mem := newTestReconciler(t, h)
	ctx := context.Background()

	res, err := r.Sync(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{NewConversations: 1, Messages: 3}, res)

	conv, err := mem.GetConversation(ctx, testAccount, identity.ConversationID("5511999998888"))
	require.NoError(t, err)
	assert.Equal(t, "third", conv.LastMessage)
	assert.Equal(t, int64(1700000300), conv.LastMessageAt.Unix())
	assert.Equal(t, 2, conv.UnreadCount)

	contact, err := mem.GetContact(ctx, testAccount, identity.ContactID("5511999998888"))
	require.NoError(t, err)
	assert.Equal(t, "Maria", contact.Name)

	msgs, err := mem.ListMessages(ctx, testAccount, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})

	// A second run is additive and finds nothing new.
	res, err = r.Sync(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res)
	assert.Len(t, mem.Messages(testAccount), 3)
}

func TestSyncMergesWithWebhookMessages(t *testing.T) {
	jid := "5511999998888@s.whatsapp.net"
	h := &fakeHistory{
		chats: []evolution.Chat{chat(jid)},
		messages: map[string][]evolution.MessageRecord{jid: {
			record("A", "first", false, 1700000100, ""),
			record("B", "second", false, 1700000200, ""),
		}},
	}
	r, mem := newTestReconciler(t, h)
	ctx := context.Background()

	_, err := r.engine.Ingest(ctx, textRequest("5511999998888", "first", false, "A", time.Unix(1700000100, 0)))
	require.NoError(t, err)

	res, err := r.Sync(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{UpdatedConversations: 1, Messages: 1}, res)
	assert.Len(t, mem.Messages(testAccount), 2)
}

func TestSyncSkipsUnusableChats(t *testing.T) {
	good := "5511999998888@s.whatsapp.net"
	h := &fakeHistory{
		chats: []evolution.Chat{
			{RemoteJID: "status@broadcast"},
			chat("123456789@s.whatsapp.net"),
			chat("5511777776666@s.whatsapp.net"),
			chat("5511444443333@s.whatsapp.net"),
			chat(good),
		},
		messages: map[string][]evolution.MessageRecord{
			"5511444443333@s.whatsapp.net": {},
			good:                           {record("A", "hi", false, 1700000100, "")},
		},
	}
	r, mem := newTestReconciler(t, h)

	res, err := r.Sync(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{NewConversations: 1, Messages: 1, Skipped: 4}, res)
	assert.Len(t, mem.Messages(testAccount), 1)
}

func TestSyncGroupNamesAreCached(t *testing.T) {
	group := "120363025246125486@g.us"
	h := &fakeHistory{
		chats:      []evolution.Chat{chat(group)},
		messages:   map[string][]evolution.MessageRecord{group: {record("G1", "oi grupo", false, 1700000100, "Participant")}},
		groupNames: map[string]string{group: "Família"},
	}
	r, mem := newTestReconciler(t, h)
	ctx := context.Background()

	_, err := r.Sync(ctx, testAccount)
	require.NoError(t, err)
	_, err = r.Sync(ctx, testAccount)
	require.NoError(t, err)

	contact, err := mem.GetContact(ctx, testAccount, identity.ContactID("120363025246125486"))
	require.NoError(t, err)
	assert.True(t, contact.IsGroup)
	assert.Equal(t, "Família", contact.Name)
	assert.Equal(t, 1, h.groupCalls)
}

func TestSyncFailsWhenChatListFails(t *testing.T) {
	r, _ := newTestReconciler(t, &fakeHistory{chatsErr: evolution.ErrTimeout})
	_, err := r.Sync(context.Background(), testAccount)
	assert.ErrorIs(t, err, evolution.ErrTimeout)

	_, err = r.Sync(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingAccount)
}

func TestSyncCoalescesConcurrentRuns(t *testing.T) {
	jid := "5511999998888@s.whatsapp.net"
	h := &fakeHistory{
		chats:    []evolution.Chat{chat(jid)},
		messages: map[string][]evolution.MessageRecord{jid: {record("A", "hi", false, 1700000100, "")}},
		release:  make(chan struct{}),
	}
	r, _ := newTestReconciler(t, h)

	var wg sync.WaitGroup
	results := make([]SyncResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Sync(context.Background(), testAccount)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(h.release)
	wg.Wait()

	assert.Equal(t, 1, h.chatCalls)
	assert.Equal(t, results[0], results[1])
}

func TestSyncSurvivesCancelledFirstCaller(t *testing.T) {
	jid := "5511999998888@s.whatsapp.net"
	h := &fakeHistory{
		chats:    []evolution.Chat{chat(jid)},
		messages: map[string][]evolution.MessageRecord{jid: {record("A", "hi", false, 1700000100, "")}},
		release:  make(chan struct{}),
	}
	r, mem := newTestReconciler(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Sync(ctx, testAccount)
		firstErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	second := make(chan SyncResult, 1)
	go func() {
		res, err := r.Sync(context.Background(), testAccount)
		assert.NoError(t, err)
		second <- res
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(h.release)
	res := <-second
	assert.Equal(t, 1, res.Messages)
	assert.NoError(t, h.chatCtxErr)
	assert.Equal(t, 1, h.chatCalls)
	assert.Len(t, mem.Messages(testAccount), 1)
}

func TestSyncScheduler(t *testing.T) {
	r, _ := newTestReconciler(t, &fakeHistory{})

	s, err := NewSyncScheduler(r, "off", []string{testAccount})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = NewSyncScheduler(r, "@every 1h", nil)
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = NewSyncScheduler(r, "not a schedule", []string{testAccount})
	assert.Error(t, err)

	s, err = NewSyncScheduler(r, "@every 1h", []string{testAccount})
	require.NoError(t, err)
	require.NotNil(t, s)
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
