package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/bigicee/atendimento-ver-conversas/internal/decoder"
	"github.com/bigicee/atendimento-ver-conversas/internal/models"
	"github.com/bigicee/atendimento-ver-conversas/internal/notify"
	"github.com/bigicee/atendimento-ver-conversas/internal/services"
	"github.com/bigicee/atendimento-ver-conversas/internal/store"
)

// API serves the inbox UI.
type API struct {
	store      store.Store
	engine     *services.Engine
	sender     *services.Sender
	reconciler *services.Reconciler
	dispatcher *notify.Dispatcher
}

// NewAPI creates a new API.
func NewAPI(s store.Store, engine *services.Engine, sender *services.Sender, reconciler *services.Reconciler, dispatcher *notify.Dispatcher) *API {
	return &API{store: s, engine: engine, sender: sender, reconciler: reconciler, dispatcher: dispatcher}
}

type sendTextRequest struct {
	Text string `json:"text" validate:"required"`
}

// messageView adds the derived display file name of media messages.
type messageView struct {
	models.Message
	FileName string `json:"fileName,omitempty"`
}

func newMessageView(m models.Message) messageView {
	v := messageView{Message: m, FileName: m.FileName}
	if m.Type != string(decoder.TypeText) {
		ref := m.ID
		if m.ExternalID != nil {
			ref = *m.ExternalID
		}
		v.FileName = decoder.FileName(decoder.MessageType(m.Type), m.FileName, m.MimeType, ref)
	}
	return v
}

func account(r *http.Request) string {
	return mux.Vars(r)["account"]
}

// ListConversations returns the account's conversations, newest activity first.
func (a *API) ListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := store.ConversationFilter{Read: q.Get("filter"), Kind: q.Get("type")}
		switch f.Read {
		case "", store.FilterAll, store.FilterUnread, store.FilterRead:
		default:
			respondWithError(w, http.StatusBadRequest, "filter must be all, unread or read")
			return
		}
		switch f.Kind {
		case "", store.FilterAll, store.FilterGroups, store.FilterIndividual:
		default:
			respondWithError(w, http.StatusBadRequest, "type must be all, groups or individual")
			return
		}
		if v := q.Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				f.Limit = n
			}
		}

		convs, err := a.store.ListConversations(r.Context(), account(r), f)
		if err != nil {
			log.Error().Err(err).Str("account", account(r)).Msg("Failed to list conversations")
			respondWithError(w, http.StatusInternalServerError, "failed to list conversations")
			return
		}
		if convs == nil {
			convs = []models.Conversation{}
		}
		respondWithJSON(w, http.StatusOK, convs)
	}
}

// ListMessages returns a conversation's messages, oldest first.
func (a *API) ListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := a.store.ListMessages(r.Context(), account(r), mux.Vars(r)["id"])
		if err != nil {
			log.Error().Err(err).Str("account", account(r)).Msg("Failed to list messages")
			respondWithError(w, http.StatusInternalServerError, "failed to list messages")
			return
		}
		views := make([]messageView, 0, len(msgs))
		for _, m := range msgs {
			views = append(views, newMessageView(m))
		}
		respondWithJSON(w, http.StatusOK, views)
	}
}

// MarkRead clears the unread count.
func (a *API) MarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := a.engine.MarkRead(r.Context(), account(r), mux.Vars(r)["id"])
		switch {
		case err == nil:
			respondWithJSON(w, http.StatusOK, map[string]bool{"success": true})
		case errors.Is(err, store.ErrNotFound):
			respondWithError(w, http.StatusNotFound, "conversation not found")
		default:
			log.Error().Err(err).Str("account", account(r)).Msg("Failed to mark conversation read")
			respondWithError(w, http.StatusInternalServerError, "failed to mark conversation read")
		}
	}
}

// SendText sends an agent text reply.
func (a *API) SendText() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendTextRequest
		if err := decodeAndValidate(r, &req); err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		msg, err := a.sender.SendText(r.Context(), account(r), mux.Vars(r)["id"], req.Text)
		a.respondSend(w, msg, err)
	}
}

// SendMedia sends an agent media reply by URL.
func (a *API) SendMedia() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req services.MediaSend
		if err := decodeAndValidate(r, &req); err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		msg, err := a.sender.SendMedia(r.Context(), account(r), mux.Vars(r)["id"], req)
		a.respondSend(w, msg, err)
	}
}

func (a *API) respondSend(w http.ResponseWriter, msg models.Message, err error) {
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusCreated, newMessageView(msg))
	case errors.Is(err, services.ErrEmptyMessage):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrNotConfigured):
		respondWithError(w, http.StatusServiceUnavailable, "provider not configured")
	case errors.Is(err, store.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, services.ErrProviderSend):
		respondWithJSON(w, http.StatusBadGateway, map[string]interface{}{
			"success":   false,
			"error":     err.Error(),
			"retryable": services.Retryable(err),
			"message":   newMessageView(msg),
		})
	default:
		respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

// Sync runs a reconciliation for the account.
func (a *API) Sync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := a.reconciler.Sync(r.Context(), account(r))
		switch {
		case err == nil:
			respondWithJSON(w, http.StatusOK, res)
		case errors.Is(err, services.ErrNotConfigured):
			respondWithError(w, http.StatusServiceUnavailable, "provider not configured")
		case errors.Is(err, context.Canceled):
			respondWithError(w, http.StatusRequestTimeout, "sync cancelled")
		default:
			log.Error().Err(err).Str("account", account(r)).Msg("Sync failed")
			respondWithJSON(w, http.StatusBadGateway, map[string]interface{}{
				"success":   false,
				"error":     err.Error(),
				"retryable": true,
				"result":    res,
			})
		}
	}
}

// WebhookLogs lists recent audit records.
func (a *API) WebhookLogs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := store.LogFilter{Status: q.Get("status")}
		if v := q.Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				f.Limit = n
			}
		}
		logs, err := a.store.ListWebhookLogs(r.Context(), account(r), f)
		if err != nil {
			log.Error().Err(err).Str("account", account(r)).Msg("Failed to list webhook logs")
			respondWithError(w, http.StatusInternalServerError, "failed to list webhook logs")
			return
		}
		if logs == nil {
			logs = []models.WebhookLog{}
		}
		respondWithJSON(w, http.StatusOK, logs)
	}
}

// ClearAccount deletes the account's contacts, conversations and messages.
func (a *API) ClearAccount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acc := account(r)
		res, err := a.store.ClearAccount(r.Context(), acc)
		if err != nil {
			log.Error().Err(err).Str("account", acc).Msg("Failed to clear account data")
			respondWithError(w, http.StatusInternalServerError, "failed to clear account data")
			return
		}
		log.Warn().Str("account", acc).Int64("contacts", res.Contacts).Int64("conversations", res.Conversations).Int64("messages", res.Messages).Msg("Account data cleared")
		a.dispatcher.Notify(r.Context(), notify.ChangeEvent{AccountID: acc, Kind: notify.KindAccountCleared, Payload: res})
		respondWithJSON(w, http.StatusOK, res)
	}
}

// ChangesStatus reports the change feed dispatcher state.
func (a *API) ChangesStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.dispatcher == nil {
			respondWithError(w, http.StatusServiceUnavailable, "change feed not initialized")
			return
		}
		respondWithJSON(w, http.StatusOK, a.dispatcher.Status())
	}
}

// ChangesRetry retries every pending change event now.
func (a *API) ChangesRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.dispatcher == nil {
			respondWithError(w, http.StatusServiceUnavailable, "change feed not initialized")
			return
		}
		n := a.dispatcher.RetryPending()
		log.Info().Int("events", n).Msg("Manual retry triggered for pending change events")
		respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true, "retried": n})
	}
}

// Health checks the datastore.
func (a *API) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.store.Ping(r.Context()); err != nil {
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
