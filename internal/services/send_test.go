package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigicee/atendimento-ver-conversas/internal/adapters/evolution"
	"github.com/bigicee/atendimento-ver-conversas/internal/decoder"
	"github.com/bigicee/atendimento-ver-conversas/internal/identity"
	"github.com/bigicee/atendimento-ver-conversas/internal/models"
	"github.com/bigicee/atendimento-ver-conversas/internal/store"
)

type fakeProvider struct {
	configured bool
	err        error
	nextID     string
	numbers    []string
}

func (f *fakeProvider) Configured() bool { return f.configured }

func (f *fakeProvider) SendText(_ context.Context, number, _ string) (evolution.SendResult, error) {
	f.numbers = append(f.numbers, number)
	if f.err != nil {
		return evolution.SendResult{}, f.err
	}
	return evolution.SendResult{MessageID: f.nextID}, nil
}

func (f *fakeProvider) SendMedia(_ context.Context, number, _, _, _, _ string) (evolution.SendResult, error) {
	return f.SendText(context.Background(), number, "")
}

type sendFixture struct {
	mem      *store.Memory
	provider *fakeProvider
	sender   *Sender
	convID   string
}

func newSendFixture(t *testing.T, phone string, group bool) *sendFixture {
	t.Helper()
	mem := store.NewMemory()
	engine, err := NewEngine(mem, nil, nil)
	require.NoError(t, err)

	remote := phone + "@s.whatsapp.net"
	if group {
		remote = phone + "@g.us"
	}
	res, err := engine.Ingest(context.Background(), IngestRequest{
		AccountID:  testAccount,
		Identity:   identity.Identity{Phone: phone, IsGroup: group},
		RemoteJID:  remote,
		Decoded:    decoder.Decoded{Content: "Oi", Type: decoder.TypeText},
		ExternalID: "IN1",
		Timestamp:  func() *time.Time { v := time.Now().Add(-time.Hour); return &v }(),
	})
	require.NoError(t, err)

	p := &fakeProvider{configured: true, nextID: "3EB0OUT"}
	return &sendFixture{
		mem:      mem,
		provider: p,
		sender:   NewSender(mem, engine, p, NewAuditLogger(mem, nil), decoder.English, "55"),
		convID:   res.ConversationID,
	}
}

func (f *sendFixture) sendLogs(t *testing.T) []models.WebhookLog {
	t.Helper()
	var out []models.WebhookLog
	for _, l := range f.mem.Logs() {
		if l.EventType == EventMessagesSend {
			out = append(out, l)
		}
	}
	return out
}

func TestSendTextSuccess(t *testing.T) {
	f := newSendFixture(t, "5511999998888", false)
	ctx := context.Background()

	msg, err := f.sender.SendText(ctx, testAccount, f.convID, " Olá ")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, msg.Status)
	assert.Equal(t, models.SenderUser, msg.Sender)
	assert.Equal(t, "Olá", msg.Content)
	require.NotNil(t, msg.ExternalID)
	assert.Equal(t, "3EB0OUT", *msg.ExternalID)
	assert.Equal(t, []string{"5511999998888@s.whatsapp.net"}, f.provider.numbers)

	conv, err := f.mem.GetConversation(ctx, testAccount, f.convID)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount, "an agent reply clears unread")
	assert.Equal(t, "Olá", conv.LastMessage)

	logs := f.sendLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogSuccess, logs[0].ProcessingStatus)
}

func TestSendTextProviderFailureStoresFailedMessage(t *testing.T) {
	f := newSendFixture(t, "5511999998888", false)
	ctx := context.Background()
	f.provider.err = fmt.Errorf("%w: gateway slow", evolution.ErrTimeout)

	msg, err := f.sender.SendText(ctx, testAccount, f.convID, "Olá")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderSend)
	assert.ErrorIs(t, err, evolution.ErrTimeout)
	assert.True(t, Retryable(err))

	assert.Equal(t, models.StatusFailed, msg.Status)
	assert.Nil(t, msg.ExternalID)
	assert.Len(t, f.mem.Messages(testAccount), 2)

	conv, err := f.mem.GetConversation(ctx, testAccount, f.convID)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCount)

	logs := f.sendLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogError, logs[0].ProcessingStatus)
	require.NotNil(t, logs[0].ErrorMessage)
}

func TestSendTextRejectionIsNotRetryable(t *testing.T) {
	f := newSendFixture(t, "5511999998888", false)
	f.provider.err = fmt.Errorf("%w: status 400", evolution.ErrRejected)

	_, err := f.sender.SendText(context.Background(), testAccount, f.convID, "Olá")
	require.ErrorIs(t, err, ErrProviderSend)
	assert.False(t, Retryable(err))
}

func TestSendTextNotConfigured(t *testing.T) {
	f := newSendFixture(t, "5511999998888", false)
	f.provider.configured = false

	_, err := f.sender.SendText(context.Background(), testAccount, f.convID, "Olá")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Len(t, f.mem.Messages(testAccount), 1, "nothing is persisted without a provider")
	assert.Empty(t, f.provider.numbers)
}

func TestSendTextValidation(t *testing.T) {
	f := newSendFixture(t, "5511999998888", false)
	ctx := context.Background()

	_, err := f.sender.SendText(ctx, testAccount, f.convID, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = f.sender.SendText(ctx, testAccount, "conv_unknown", "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.sender.SendText(ctx, "", f.convID, "x")
	assert.ErrorIs(t, err, ErrMissingAccount)
}

func TestSendToGroupUsesStoredAddress(t *testing.T) {
	f := newSendFixture(t, "120363025246125486", true)

	_, err := f.sender.SendText(context.Background(), testAccount, f.convID, "bom dia")
	require.NoError(t, err)
	assert.Equal(t, []string{"120363025246125486@g.us"}, f.provider.numbers)
}

func TestSendMediaUsesPlaceholderContent(t *testing.T) {
	f := newSendFixture(t, "5511999998888", false)

	msg, err := f.sender.SendMedia(context.Background(), testAccount, f.convID, MediaSend{
		Type: decoder.TypeDocument,
		URL:  "https://files.example.com/contrato.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, "document", msg.Type)
	assert.Equal(t, decoder.English.Document, msg.Content)
	require.NotNil(t, msg.MediaURL)
}
