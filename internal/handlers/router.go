package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Webhook     *EvolutionHandler
	API         *API
	Pairer      Pairer
	WebhookPath string
	APIToken    string
}

// NewRouter builds the service routes.
func NewRouter(cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()
	base := alice.New(Recover, AccessLog)

	webhookPath := cfg.WebhookPath
	if webhookPath == "" {
		webhookPath = "/webhooks/evolution"
	}
	r.Handle(webhookPath+"/{account}", base.ThenFunc(cfg.Webhook.Handle)).Methods(http.MethodPost, http.MethodOptions)
	log.Info().Str("path", webhookPath+"/{account}").Msg("Registered Evolution webhook handler")

	r.Handle("/health", base.Then(cfg.API.Health())).Methods(http.MethodGet)

	protected := base.Append(CORS, RequireToken(cfg.APIToken))
	api := r.PathPrefix("/api").Subrouter()
	api.Methods(http.MethodOptions).Handler(base.Append(CORS).ThenFunc(func(w http.ResponseWriter, r *http.Request) {}))

	acc := api.PathPrefix("/accounts/{account}").Subrouter()
	acc.Handle("/conversations", protected.Then(cfg.API.ListConversations())).Methods(http.MethodGet)
	acc.Handle("/conversations/{id}/messages", protected.Then(cfg.API.ListMessages())).Methods(http.MethodGet)
	acc.Handle("/conversations/{id}/messages", protected.Then(cfg.API.SendText())).Methods(http.MethodPost)
	acc.Handle("/conversations/{id}/media", protected.Then(cfg.API.SendMedia())).Methods(http.MethodPost)
	acc.Handle("/conversations/{id}/read", protected.Then(cfg.API.MarkRead())).Methods(http.MethodPost)
	acc.Handle("/sync", protected.Then(cfg.API.Sync())).Methods(http.MethodPost)
	acc.Handle("/webhook-logs", protected.Then(cfg.API.WebhookLogs())).Methods(http.MethodGet)
	acc.Handle("/data", protected.Then(cfg.API.ClearAccount())).Methods(http.MethodDelete)

	api.Handle("/changes/status", protected.Then(cfg.API.ChangesStatus())).Methods(http.MethodGet)
	api.Handle("/changes/retry", protected.Then(cfg.API.ChangesRetry())).Methods(http.MethodPost)

	if cfg.Pairer != nil {
		r.Handle("/instance/qr.png", protected.Then(PairingQR(cfg.Pairer))).Methods(http.MethodGet)
	}
	return r
}
