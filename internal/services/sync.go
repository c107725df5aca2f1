package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/bigicee/atendimento-ver-conversas/internal/adapters/evolution"
	"github.com/bigicee/atendimento-ver-conversas/internal/decoder"
	"github.com/bigicee/atendimento-ver-conversas/internal/identity"
	"github.com/bigicee/atendimento-ver-conversas/internal/store"
)

// agentSelfName is the push name the provider reports for the agent's own messages.
const agentSelfName = "Você"

const groupNameTTL = 10 * time.Minute

// syncRunTimeout bounds one shared sync run, independent of its callers.
const syncRunTimeout = 10 * time.Minute

var errEmptyHistory = errors.New("chat has no messages")

// History is the read side of the WhatsApp gateway.
type History interface {
	Configured() bool
	FetchChats(ctx context.Context) ([]evolution.Chat, error)
	FetchMessages(ctx context.Context, remoteJID string) ([]evolution.MessageRecord, error)
	FetchGroupName(ctx context.Context, groupJID string) (string, error)
}

// SyncResult summarizes one reconciliation run.
type SyncResult struct {
	NewConversations     int `json:"newConversations"`
	UpdatedConversations int `json:"updatedConversations"`
	Messages             int `json:"messages"`
	Skipped              int `json:"skipped"`
}

// GroupNames resolves group subjects through the provider with a local cache.
type GroupNames struct {
	history History
	cache   *cache.Cache
}

// NewGroupNames creates a new GroupNames. history may be nil.
func NewGroupNames(history History) *GroupNames {
	return &GroupNames{history: history, cache: cache.New(groupNameTTL, 2*groupNameTTL)}
}

// Name returns the group subject, or "" when none is known.
func (g *GroupNames) Name(ctx context.Context, groupJID string) string {
	if g == nil || g.history == nil || !g.history.Configured() || groupJID == "" {
		return ""
	}
	if v, ok := g.cache.Get(groupJID); ok {
		return v.(string)
	}
	name, err := g.history.FetchGroupName(ctx, groupJID)
	if err != nil {
		log.Warn().Err(err).Str("group", groupJID).Msg("Could not fetch group metadata, using placeholder")
		return ""
	}
	if name != "" {
		g.cache.SetDefault(groupJID, name)
	}
	return name
}

// Reconciler replays provider chat history through the Engine.
type Reconciler struct {
	history History
	engine  *Engine
	store   store.Store
	decoder *decoder.Decoder
	groups  *GroupNames
	flight  singleflight.Group

	runTimeout time.Duration
}

// NewReconciler creates a new Reconciler.
func NewReconciler(history History, engine *Engine, s store.Store, dec *decoder.Decoder, groups *GroupNames) *Reconciler {
	if dec == nil {
		dec = decoder.New(decoder.English)
	}
	if groups == nil {
		groups = NewGroupNames(history)
	}
	return &Reconciler{history: history, engine: engine, store: s, decoder: dec, groups: groups, runTimeout: syncRunTimeout}
}

// Sync merges the provider's chats and messages into the account. Concurrent
// calls for the same account share one run.
func (r *Reconciler) Sync(ctx context.Context, accountID string) (SyncResult, error) {
	if strings.TrimSpace(accountID) == "" {
		return SyncResult{}, ErrMissingAccount
	}
	if r.history == nil || !r.history.Configured() {
		return SyncResult{}, ErrNotConfigured
	}
	ch := r.flight.DoChan(accountID, func() (interface{}, error) {
		// The run is shared, so a caller that goes away must not cancel it.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.runTimeout)
		defer cancel()
		return r.sync(runCtx, accountID)
	})
	select {
	case <-ctx.Done():
		return SyncResult{}, ctx.Err()
	case out := <-ch:
		if out.Shared {
			log.Debug().Str("account", accountID).Msg("Joined running sync")
		}
		res, _ := out.Val.(SyncResult)
		return res, out.Err
	}
}

func (r *Reconciler) sync(ctx context.Context, accountID string) (SyncResult, error) {
	started := time.Now()
	var res SyncResult

	chats, err := r.history.FetchChats(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch chats: %w", err)
	}
	log.Info().Str("account", accountID).Int("chats", len(chats)).Msg("Starting sync")

	for _, chat := range chats {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !chat.HasLastMessageKey() {
			res.Skipped++
			continue
		}
		added, isNew, err := r.syncChat(ctx, accountID, chat)
		if err != nil {
			switch {
			case errors.Is(err, errEmptyHistory):
			case errors.Is(err, identity.ErrInvalidIdentity):
				log.Warn().Err(err).Str("remoteJid", chat.LastMessage.Key.RemoteJID).Msg("Skipping chat with invalid identity")
			default:
				log.Error().Err(err).Str("account", accountID).Str("remoteJid", chat.LastMessage.Key.RemoteJID).Msg("Failed to sync chat")
			}
			res.Skipped++
			continue
		}
		if added == 0 && !isNew {
			continue
		}
		res.Messages += added
		if isNew {
			res.NewConversations++
		} else {
			res.UpdatedConversations++
		}
	}

	log.Info().
		Str("account", accountID).
		Int("new", res.NewConversations).
		Int("updated", res.UpdatedConversations).
		Int("messages", res.Messages).
		Int("skipped", res.Skipped).
		Dur("took", time.Since(started)).
		Msg("Sync finished")
	return res, nil
}

// syncChat ingests one chat's history oldest first. It returns the number of
// new messages and whether the conversation did not exist before.
func (r *Reconciler) syncChat(ctx context.Context, accountID string, chat evolution.Chat) (int, bool, error) {
	key := chat.LastMessage.Key
	id, err := identity.Normalize(key.RemoteJID, chat.LastMessage.AltSender())
	if err != nil {
		return 0, false, err
	}

	existed := true
	if _, err := r.store.GetConversation(ctx, accountID, identity.ConversationID(id.Phone)); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return 0, false, err
		}
		existed = false
	}

	records, err := r.history.FetchMessages(ctx, key.RemoteJID)
	if err != nil {
		return 0, false, fmt.Errorf("fetch messages: %w", err)
	}
	if len(records) == 0 {
		return 0, false, errEmptyHistory
	}

	name := r.contactName(ctx, id, key.RemoteJID, records)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].MessageTimestamp.Before(records[j].MessageTimestamp.Time)
	})

	added := 0
	for _, rec := range records {
		res, err := r.engine.Ingest(ctx, IngestRequest{
			AccountID:   accountID,
			Identity:    id,
			RemoteJID:   key.RemoteJID,
			Decoded:     r.decoder.Decode(rec.Message),
			FromMe:      rec.Key.FromMe,
			ExternalID:  rec.Key.ID,
			Timestamp:   rec.MessageTimestamp.Ptr(),
			DisplayName: name,
			RawMetadata: rec.Message,
		})
		if err != nil {
			return added, !existed && added > 0, err
		}
		if !res.Duplicate {
			added++
		}
	}
	return added, !existed, nil
}

// contactName picks the display name for a synced chat. Empty means the
// Engine's default applies.
func (r *Reconciler) contactName(ctx context.Context, id identity.Identity, remoteJID string, records []evolution.MessageRecord) string {
	if id.IsGroup {
		return r.groups.Name(ctx, remoteJID)
	}
	for _, rec := range records {
		name := strings.TrimSpace(rec.PushName)
		if !rec.Key.FromMe && name != "" && name != agentSelfName {
			return name
		}
	}
	return ""
}

// SyncScheduler runs Sync for a fixed set of accounts on a cron schedule.
type SyncScheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	accounts   []string
}

// NewSyncScheduler creates a scheduler. An empty or "off" schedule, or no
// accounts, returns nil.
func NewSyncScheduler(r *Reconciler, schedule string, accounts []string) (*SyncScheduler, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" || strings.EqualFold(schedule, "off") || len(accounts) == 0 {
		return nil, nil
	}
	s := &SyncScheduler{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		reconciler: r,
		accounts:   accounts,
	}
	if _, err := s.cron.AddFunc(schedule, s.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", schedule, err)
	}
	return s, nil
}

// RunOnce syncs every configured account.
func (s *SyncScheduler) RunOnce() {
	for _, account := range s.accounts {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		if _, err := s.reconciler.Sync(ctx, account); err != nil {
			log.Error().Err(err).Str("account", account).Msg("Scheduled sync failed")
		}
		cancel()
	}
}

// Start begins the schedule in the background.
func (s *SyncScheduler) Start() {
	log.Info().Strs("accounts", s.accounts).Int("entries", len(s.cron.Entries())).Msg("Sync scheduler started")
	s.cron.Start()
}

// Stop halts the schedule and waits for a running job up to ctx.
func (s *SyncScheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		log.Warn().Msg("Sync scheduler stop timed out")
	}
}
