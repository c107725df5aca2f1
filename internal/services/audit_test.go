package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigicee/atendimento-ver-conversas/internal/models"
	"github.com/bigicee/atendimento-ver-conversas/internal/store"
)

type fakeArchiver struct {
	keys []string
	err  error
}

func (f *fakeArchiver) ArchiveWebhook(_ context.Context, accountID, logID string, _ []byte) error {
	f.keys = append(f.keys, accountID+"/"+logID)
	return f.err
}

func TestAuditPendingThenSuccess(t *testing.T) {
	mem := store.NewMemory()
	arch := &fakeArchiver{}
	a := NewAuditLogger(mem, arch)
	ctx := context.Background()

	entry := a.LogPending(ctx, LogContext{
		AccountID:  testAccount,
		EventType:  "messages.upsert",
		RawPayload: []byte(`{"event":"messages.upsert"}`),
		RemoteJID:  "5511999998888@s.whatsapp.net",
		PushName:   "Maria",
	})
	require.NotEmpty(t, entry.ID)

	logs := mem.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogPending, logs[0].ProcessingStatus)

	a.LogTerminal(ctx, entry, models.LogSuccess, LogOutcome{
		Phone:          "5511999998888",
		ContactID:      "contact_5511999998888",
		ConversationID: "conv_5511999998888",
	})

	logs = mem.Logs()
	require.Len(t, logs, 1)
	l := logs[0]
	assert.Equal(t, models.LogSuccess, l.ProcessingStatus)
	require.NotNil(t, l.ContactID)
	assert.Equal(t, "contact_5511999998888", *l.ContactID)
	require.NotNil(t, l.ConversationID)
	assert.Equal(t, "conv_5511999998888", *l.ConversationID)
	assert.Nil(t, l.ErrorMessage)
	assert.NotNil(t, l.ProcessedAt)
	assert.Equal(t, []string{testAccount + "/" + entry.ID}, arch.keys)

	// A terminal record never changes again.
	a.LogTerminal(ctx, entry, models.LogError, LogOutcome{Err: errors.New("late")})
	assert.Equal(t, models.LogSuccess, mem.Logs()[0].ProcessingStatus)
}

func TestAuditPostHocRecordWhenPendingFailed(t *testing.T) {
	mem := store.NewMemory()
	a := NewAuditLogger(mem, nil)
	ctx := context.Background()

	mem.FailWith = errors.New("datastore down")
	entry := a.LogPending(ctx, LogContext{AccountID: testAccount, EventType: "messages.upsert", RawPayload: []byte(`{}`)})
	assert.Empty(t, entry.ID)
	assert.Empty(t, mem.Logs())

	mem.FailWith = nil
	a.LogTerminal(ctx, entry, models.LogError, LogOutcome{Phone: "123", Err: errors.New("invalid identity")})

	logs := mem.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogError, logs[0].ProcessingStatus)
	assert.Equal(t, "messages.upsert", logs[0].EventType)
	require.NotNil(t, logs[0].ErrorMessage)
	assert.Equal(t, "invalid identity", *logs[0].ErrorMessage)
	assert.NotEmpty(t, entry.ID)
}

func TestAuditFailuresAreSwallowed(t *testing.T) {
	mem := store.NewMemory()
	mem.FailWith = errors.New("datastore down")
	a := NewAuditLogger(mem, &fakeArchiver{err: errors.New("s3 down")})

	assert.NotPanics(t, func() {
		a.Record(context.Background(), LogContext{AccountID: testAccount, EventType: "x"}, models.LogSuccess, LogOutcome{})
		a.LogTerminal(context.Background(), nil, models.LogSuccess, LogOutcome{})
	})
}
