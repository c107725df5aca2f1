package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/bigicee/atendimento-ver-conversas/internal/adapters/evolution"
	"github.com/bigicee/atendimento-ver-conversas/internal/decoder"
	"github.com/bigicee/atendimento-ver-conversas/internal/identity"
	"github.com/bigicee/atendimento-ver-conversas/internal/models"
	"github.com/bigicee/atendimento-ver-conversas/internal/services"
)

// ErrInvalidWebhookToken is recorded for deliveries with a missing or wrong token.
var ErrInvalidWebhookToken = errors.New("invalid webhook token")

// EvolutionHandler receives Evolution API webhooks.
type EvolutionHandler struct {
	engine  *services.Engine
	audit   *services.AuditLogger
	decoder *decoder.Decoder
	groups  *services.GroupNames
	token   string
}

// NewEvolutionHandler creates a new EvolutionHandler. groups may be nil.
func NewEvolutionHandler(engine *services.Engine, audit *services.AuditLogger, dec *decoder.Decoder, groups *services.GroupNames, token string) *EvolutionHandler {
	if engine == nil {
		log.Fatal().Msg("Engine cannot be nil for EvolutionHandler")
	}
	if audit == nil {
		log.Fatal().Msg("AuditLogger cannot be nil for EvolutionHandler")
	}
	if dec == nil {
		dec = decoder.New(decoder.English)
	}
	return &EvolutionHandler{engine: engine, audit: audit, decoder: dec, groups: groups, token: token}
}

// recordResult is the outcome of one message of a delivery.
type recordResult struct {
	Success        bool   `json:"success"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	PhoneNumber    string `json:"phoneNumber,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	Error          string `json:"error,omitempty"`

	status int
}

func (h *EvolutionHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got := r.Header.Get("X-Webhook-Token")
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

// Handle processes one webhook delivery.
func (h *EvolutionHandler) Handle(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		log.Error().Err(err).Msg("Failed to read request body")
		respondWithError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}

	accountID := strings.TrimSpace(mux.Vars(r)["account"])
	if accountID == "" {
		h.reject(ctx, accountID, body, services.ErrMissingAccount)
		respondWithError(w, http.StatusBadRequest, "account id is required")
		return
	}
	if !h.authorized(r) {
		log.Warn().Str("account", accountID).Str("remote", r.RemoteAddr).Msg("Webhook rejected: invalid token")
		h.reject(ctx, accountID, body, ErrInvalidWebhookToken)
		respondWithError(w, http.StatusUnauthorized, "invalid webhook token")
		return
	}

	var event evolution.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Error().Err(err).Str("account", accountID).Msg("Failed to decode webhook payload")
		h.audit.Record(ctx, services.LogContext{AccountID: accountID, EventType: "unknown", RawPayload: body},
			models.LogError, services.LogOutcome{Err: err})
		respondWithError(w, http.StatusInternalServerError, "invalid JSON payload: "+err.Error())
		return
	}

	log.Info().Str("account", accountID).Str("event", event.Event).Str("instance", event.Instance).Msg("Received Evolution event")

	if !evolution.IsMessagesUpsert(event.Event) {
		if !evolution.IsKnownEvent(event.Event) {
			log.Warn().Str("event", event.Event).Msg("Unknown Evolution event type")
		}
		h.audit.Record(ctx, services.LogContext{AccountID: accountID, EventType: event.Event, RawPayload: body},
			models.LogSuccess, services.LogOutcome{})
		respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Event ignored: " + event.Event})
		return
	}

	records, err := event.Records()
	if err != nil {
		log.Error().Err(err).Str("account", accountID).Msg("Failed to decode messages.upsert data")
		h.audit.Record(ctx, services.LogContext{AccountID: accountID, EventType: event.Event, RawPayload: body},
			models.LogError, services.LogOutcome{Err: err})
		respondWithError(w, http.StatusInternalServerError, "invalid message data: "+err.Error())
		return
	}
	if len(records) == 0 {
		h.audit.Record(ctx, services.LogContext{AccountID: accountID, EventType: event.Event, RawPayload: body},
			models.LogSuccess, services.LogOutcome{})
		respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "No messages in event"})
		return
	}

	results := make([]recordResult, 0, len(records))
	status := http.StatusOK
	for _, rec := range records {
		res := h.processRecord(ctx, accountID, event.Event, body, rec)
		if res.status > status {
			status = res.status
		}
		results = append(results, res)
	}

	if len(results) == 1 {
		respondWithJSON(w, results[0].status, results[0])
		return
	}
	respondWithJSON(w, status, map[string]interface{}{"success": status == http.StatusOK, "results": results})
}

// reject audits a delivery refused before its payload was decoded.
func (h *EvolutionHandler) reject(ctx context.Context, accountID string, body []byte, reason error) {
	eventType := "unknown"
	var event evolution.WebhookEvent
	if json.Unmarshal(body, &event) == nil && event.Event != "" {
		eventType = event.Event
	}
	h.audit.Record(ctx, services.LogContext{AccountID: accountID, EventType: eventType, RawPayload: body},
		models.LogError, services.LogOutcome{Err: reason})
}

// processRecord ingests one message and writes its audit log.
func (h *EvolutionHandler) processRecord(ctx context.Context, accountID, eventType string, body []byte, rec evolution.MessageRecord) recordResult {
	entry := h.audit.LogPending(ctx, services.LogContext{
		AccountID:  accountID,
		EventType:  eventType,
		RawPayload: body,
		RemoteJID:  rec.Key.RemoteJID,
		PushName:   rec.PushName,
		FromMe:     rec.Key.FromMe,
	})

	id, err := identity.Normalize(rec.Key.RemoteJID, rec.AltSender())
	if err != nil {
		log.Warn().Err(err).Str("remoteJid", rec.Key.RemoteJID).Msg("Skipping message with invalid identity")
		h.audit.LogTerminal(ctx, entry, models.LogError, services.LogOutcome{Err: err})
		return recordResult{Success: false, Error: err.Error(), status: http.StatusOK}
	}

	displayName := rec.PushName
	if id.IsGroup {
		displayName = h.groups.Name(ctx, rec.Key.RemoteJID)
	}

	res, err := h.engine.Ingest(ctx, services.IngestRequest{
		AccountID:   accountID,
		Identity:    id,
		RemoteJID:   rec.Key.RemoteJID,
		Decoded:     h.decoder.Decode(rec.Message),
		FromMe:      rec.Key.FromMe,
		ExternalID:  rec.Key.ID,
		Timestamp:   rec.MessageTimestamp.Ptr(),
		DisplayName: displayName,
		RawMetadata: rec.Message,
	})
	outcome := services.LogOutcome{
		Phone:          id.Phone,
		IsGroup:        id.IsGroup,
		ContactID:      res.ContactID,
		ConversationID: res.ConversationID,
	}
	if err != nil {
		outcome.Err = err
		h.audit.LogTerminal(ctx, entry, models.LogError, outcome)
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrMissingAccount) {
			status = http.StatusBadRequest
		}
		return recordResult{Success: false, Error: err.Error(), PhoneNumber: id.Phone, status: status}
	}

	h.audit.LogTerminal(ctx, entry, models.LogSuccess, outcome)
	return recordResult{
		Success:        true,
		ConversationID: res.ConversationID,
		MessageID:      res.MessageID,
		PhoneNumber:    id.Phone,
		Duplicate:      res.Duplicate,
		status:         http.StatusOK,
	}
}
