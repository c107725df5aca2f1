// Package evolution is the HTTP client for the Evolution API WhatsApp gateway.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/bigicee/atendimento-ver-conversas/pkg/httputil"
)

var (
	// ErrNotConfigured is returned when base URL, API key or instance is missing.
	ErrNotConfigured = errors.New("evolution api not configured")
	// ErrTimeout marks a call that did not complete in time. It is retryable.
	ErrTimeout = errors.New("evolution api timeout")
	// ErrUnauthorized is returned when every authentication scheme was rejected.
	ErrUnauthorized = errors.New("evolution api rejected all authentication schemes")
	// ErrRejected is returned for any other non-2xx answer.
	ErrRejected = errors.New("evolution api rejected request")
)

// APIError carries the provider status and body of a rejected call.
type APIError struct {
	StatusCode int
	Body       string
	kind       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%v: status %d: %s", e.kind, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error { return e.kind }

// authScheme applies the API key to a request in one of the accepted ways.
type authScheme struct {
	name  string
	apply func(r *resty.Request, key string)
}

// authSchemes is the fallback order. The next scheme is tried only on 401/403.
var authSchemes = []authScheme{
	{name: "apikey-header", apply: func(r *resty.Request, key string) { r.SetHeader("apikey", key) }},
	{name: "bearer", apply: func(r *resty.Request, key string) { r.SetHeader("Authorization", "Bearer "+key) }},
	{name: "x-api-key", apply: func(r *resty.Request, key string) { r.SetHeader("X-API-Key", key) }},
	{name: "apikey-query", apply: func(r *resty.Request, key string) { r.SetQueryParam("apikey", key) }},
}

// Config configures the client.
type Config struct {
	BaseURL  string
	APIKey   string
	Instance string
	Timeout  time.Duration
}

// Client talks to one Evolution API instance.
type Client struct {
	httpClient *resty.Client
	baseURL    string
	apiKey     string
	instance   string
	// preferred is the index of the last auth scheme that was accepted.
	preferred atomic.Int32
}

// NewClient creates a new Evolution API client. An incomplete config still
// yields a client whose calls fail with ErrNotConfigured.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		httpClient: httputil.NewDefaultRestyClient(baseURL, cfg.Timeout),
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		instance:   cfg.Instance,
	}
	if c.Configured() {
		log.Info().Str("baseURL", baseURL).Str("instance", cfg.Instance).Msg("Evolution API client configured")
	}
	return c
}

// Configured reports whether calls can be made.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.apiKey != "" && c.instance != ""
}

// Instance returns the configured instance name.
func (c *Client) Instance() string {
	return c.instance
}

func (c *Client) instancePath(format string) string {
	return fmt.Sprintf(format, url.PathEscape(c.instance))
}

// do runs one call through the auth fallback chain and decodes a 2xx body into result.
func (c *Client) do(ctx context.Context, method, path string, body, result interface{}, query map[string]string) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	start := int(c.preferred.Load())
	var lastAuthErr *APIError
	for i := 0; i < len(authSchemes); i++ {
		idx := (start + i) % len(authSchemes)
		scheme := authSchemes[idx]

		req := c.httpClient.R().SetContext(ctx)
		if body != nil {
			req.SetBody(body)
		}
		if result != nil {
			req.SetResult(result)
		}
		for k, v := range query {
			req.SetQueryParam(k, v)
		}
		scheme.apply(req, c.apiKey)

		resp, err := req.Execute(method, path)
		if err != nil {
			if isTimeout(ctx, err) {
				log.Warn().Err(err).Str("path", path).Msg("Evolution API: request timed out")
				return fmt.Errorf("%w: %s %s: %v", ErrTimeout, method, path, err)
			}
			log.Error().Err(err).Str("path", path).Msg("Evolution API: request failed")
			return fmt.Errorf("evolution api %s %s request failed: %w", method, path, err)
		}

		status := resp.StatusCode()
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			lastAuthErr = &APIError{StatusCode: status, Body: resp.String(), kind: ErrUnauthorized}
			log.Debug().Str("path", path).Str("scheme", scheme.name).Int("statusCode", status).Msg("Evolution API: auth scheme rejected, trying next")
			continue
		}
		if resp.IsError() {
			log.Error().Str("path", path).Int("statusCode", status).Str("responseBody", resp.String()).Msg("Evolution API: call returned an error")
			if status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout {
				return fmt.Errorf("%w: %s %s: status %d", ErrTimeout, method, path, status)
			}
			return &APIError{StatusCode: status, Body: resp.String(), kind: ErrRejected}
		}

		if idx != start {
			c.preferred.Store(int32(idx))
			log.Info().Str("scheme", scheme.name).Msg("Evolution API: switched authentication scheme")
		}
		return nil
	}
	log.Error().Str("path", path).Msg("Evolution API: all authentication schemes rejected")
	return lastAuthErr
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// SendText sends a text message. number is a full address such as
// 5511999998888@s.whatsapp.net.
func (c *Client) SendText(ctx context.Context, number, text string) (SendResult, error) {
	var resp sendResponse
	err := c.do(ctx, resty.MethodPost, c.instancePath("/message/sendText/%s"),
		sendTextRequest{Number: number, Text: text}, &resp, nil)
	if err != nil {
		return SendResult{}, err
	}
	res := resp.result()
	log.Info().Str("number", number).Str("messageId", res.MessageID).Msg("Evolution API: text message sent")
	return res, nil
}

// SendMedia sends a media message by URL. mediaType is image, video, audio or document.
func (c *Client) SendMedia(ctx context.Context, number, mediaType, mediaURL, caption, fileName string) (SendResult, error) {
	var resp sendResponse
	err := c.do(ctx, resty.MethodPost, c.instancePath("/message/sendMedia/%s"),
		sendMediaRequest{Number: number, MediaType: mediaType, Media: mediaURL, Caption: caption, FileName: fileName}, &resp, nil)
	if err != nil {
		return SendResult{}, err
	}
	res := resp.result()
	log.Info().Str("number", number).Str("messageId", res.MessageID).Str("mediaType", mediaType).Msg("Evolution API: media message sent")
	return res, nil
}

// FetchChats lists the chats known to the instance.
func (c *Client) FetchChats(ctx context.Context) ([]Chat, error) {
	var chats []Chat
	if err := c.do(ctx, resty.MethodPost, c.instancePath("/chat/findChats/%s"), map[string]interface{}{}, &chats, nil); err != nil {
		return nil, err
	}
	return chats, nil
}

// FetchMessages returns the stored history of one chat.
func (c *Client) FetchMessages(ctx context.Context, remoteJID string) ([]MessageRecord, error) {
	var body findMessagesRequest
	body.Where.Key.RemoteJID = remoteJID
	var resp findMessagesResponse
	if err := c.do(ctx, resty.MethodPost, c.instancePath("/chat/findMessages/%s"), body, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// FetchGroupName returns the group subject, or "" when the provider has none.
func (c *Client) FetchGroupName(ctx context.Context, groupJID string) (string, error) {
	var info GroupInfo
	err := c.do(ctx, resty.MethodGet, c.instancePath("/group/findGroupInfos/%s"), nil, &info,
		map[string]string{"groupJid": groupJID})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(info.Subject), nil
}

// Connect asks the instance for a pairing QR code.
func (c *Client) Connect(ctx context.Context) (ConnectResponse, error) {
	var resp ConnectResponse
	if err := c.do(ctx, resty.MethodGet, c.instancePath("/instance/connect/%s"), nil, &resp, nil); err != nil {
		return ConnectResponse{}, err
	}
	return resp, nil
}
