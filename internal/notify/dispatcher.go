// Package notify fans inbox change events out to downstream consumers
// (RabbitMQ queues, forward webhooks) with bounded retries.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Change kinds published by the inbox.
const (
	KindConversationUpserted = "conversation.upserted"
	KindMessageCreated       = "message.created"
	KindConversationRead     = "conversation.read"
	KindAccountCleared       = "account.cleared"
)

// DeliveryStatus represents the status of a delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// ChangeEvent is one committed change of a conversation or message.
type ChangeEvent struct {
	ID             string      `json:"id"`
	AccountID      string      `json:"accountId"`
	Kind           string      `json:"kind"`
	ConversationID string      `json:"conversationId,omitempty"`
	MessageID      string      `json:"messageId,omitempty"`
	Payload        interface{} `json:"payload,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Sink is a delivery channel for change events.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev ChangeEvent) error
}

// DeliveryResult represents the result of one delivery attempt to one sink.
type DeliveryResult struct {
	Channel   string    `json:"channel"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Duration  int64     `json:"duration_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// pendingEvent tracks an event with at least one sink still to deliver.
type pendingEvent struct {
	Event        ChangeEvent    `json:"event"`
	AttemptCount int            `json:"attempt_count"`
	Status       DeliveryStatus `json:"status"`
	LastError    string         `json:"last_error,omitempty"`
	LastAttempt  time.Time      `json:"last_attempt"`
	failed       []Sink
	inFlight     bool
}

// Dispatcher delivers every event to all sinks in parallel.
type Dispatcher struct {
	mu            sync.RWMutex
	sinks         []Sink
	pendingEvents map[string]*pendingEvent
	maxRetries    int
	retryBackoff  time.Duration
	timeout       time.Duration
	wg            sync.WaitGroup
	delivered     uint64
	failed        uint64
}

// NewDispatcher returns a dispatcher over the given sinks. Nil sinks are ignored.
func NewDispatcher(sinks ...Sink) *Dispatcher {
	d := &Dispatcher{
		pendingEvents: make(map[string]*pendingEvent),
		maxRetries:    3,
		retryBackoff:  2 * time.Second,
		timeout:       10 * time.Second,
	}
	for _, s := range sinks {
		if s != nil {
			d.sinks = append(d.sinks, s)
		}
	}
	return d
}

// SetRetryPolicy overrides the retry limits.
func (d *Dispatcher) SetRetryPolicy(maxRetries int, backoff, timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxRetries = maxRetries
	d.retryBackoff = backoff
	d.timeout = timeout
}

// Enabled reports whether any sink is configured.
func (d *Dispatcher) Enabled() bool {
	return d != nil && len(d.sinks) > 0
}

// Notify queues the event for delivery and returns immediately.
func (d *Dispatcher) Notify(_ context.Context, ev ChangeEvent) {
	if !d.Enabled() {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	p := &pendingEvent{Event: ev, Status: DeliveryStatusPending, failed: d.sinks, inFlight: true}
	d.mu.Lock()
	d.pendingEvents[ev.ID] = p
	d.mu.Unlock()

	log.Debug().
		Str("eventID", ev.ID).
		Str("account", ev.AccountID).
		Str("kind", ev.Kind).
		Msg("Starting parallel delivery")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.processDelivery(p)
	}()
}

// processDelivery delivers p to every sink it has not reached yet.
func (d *Dispatcher) processDelivery(p *pendingEvent) {
	d.mu.RLock()
	sinks := p.failed
	timeout := d.timeout
	d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type outcome struct {
		sink   Sink
		result DeliveryResult
	}
	results := make(chan outcome, len(sinks))
	var wg sync.WaitGroup
	for _, s := range sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			results <- outcome{sink: s, result: deliver(ctx, s, p.Event)}
		}(s)
	}
	wg.Wait()
	close(results)

	var stillFailing []Sink
	var lastErr string
	for o := range results {
		if !o.result.Success {
			stillFailing = append(stillFailing, o.sink)
			lastErr = o.result.Error
		}
		log.Debug().
			Str("eventID", p.Event.ID).
			Str("channel", o.result.Channel).
			Bool("success", o.result.Success).
			Int64("durationMs", o.result.Duration).
			Str("error", o.result.Error).
			Msg("Channel delivery result")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	p.inFlight = false
	p.LastAttempt = time.Now()
	if len(stillFailing) == 0 {
		p.Status = DeliveryStatusDelivered
		delete(d.pendingEvents, p.Event.ID)
		d.delivered++
		return
	}
	p.failed = stillFailing
	p.LastError = lastErr
	p.AttemptCount++
	if p.AttemptCount >= d.maxRetries {
		p.Status = DeliveryStatusFailed
		delete(d.pendingEvents, p.Event.ID)
		d.failed++
		log.Error().
			Str("eventID", p.Event.ID).
			Str("kind", p.Event.Kind).
			Int("attemptCount", p.AttemptCount).
			Str("lastError", lastErr).
			Msg("Change event delivery failed permanently")
		return
	}
	log.Warn().
		Str("eventID", p.Event.ID).
		Int("attemptCount", p.AttemptCount).
		Int("maxRetries", d.maxRetries).
		Msg("Change event delivery partially failed, will retry")
}

func deliver(ctx context.Context, s Sink, ev ChangeEvent) (result DeliveryResult) {
	start := time.Now()
	result = DeliveryResult{Channel: s.Name(), Timestamp: start}
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("sink panicked: %v", r)
		}
		result.Duration = time.Since(start).Milliseconds()
	}()
	if err := s.Deliver(ctx, ev); err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

// Run retries partially failed events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.Enabled() {
		<-ctx.Done()
		return nil
	}
	d.mu.RLock()
	backoff := d.retryBackoff
	d.mu.RUnlock()

	ticker := time.NewTicker(backoff)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return nil
		case <-ticker.C:
			d.RetryPending()
		}
	}
}

// RetryPending starts another attempt for every event whose backoff elapsed.
func (d *Dispatcher) RetryPending() int {
	d.mu.Lock()
	var toRetry []*pendingEvent
	for _, p := range d.pendingEvents {
		if !p.inFlight && p.Status == DeliveryStatusPending && time.Since(p.LastAttempt) >= d.retryBackoff {
			p.inFlight = true
			toRetry = append(toRetry, p)
		}
	}
	d.mu.Unlock()

	for _, p := range toRetry {
		log.Info().
			Str("eventID", p.Event.ID).
			Int("attemptCount", p.AttemptCount).
			Msg("Retrying change event delivery")
		d.wg.Add(1)
		go func(p *pendingEvent) {
			defer d.wg.Done()
			d.processDelivery(p)
		}(p)
	}
	return len(toRetry)
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// PendingCount returns the number of events still awaiting delivery.
func (d *Dispatcher) PendingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pendingEvents)
}

// Status summarizes the dispatcher for the status endpoint.
type Status struct {
	Enabled        bool     `json:"enabled"`
	Sinks          []string `json:"sinks"`
	PendingEvents  int      `json:"pending_events"`
	Delivered      uint64   `json:"delivered"`
	Failed         uint64   `json:"failed"`
	MaxRetries     int      `json:"max_retries"`
	TimeoutMs      int64    `json:"timeout_ms"`
	RetryBackoffMs int64    `json:"retry_backoff_ms"`
}

func (d *Dispatcher) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return Status{
		Enabled:        len(d.sinks) > 0,
		Sinks:          names,
		PendingEvents:  len(d.pendingEvents),
		Delivered:      d.delivered,
		Failed:         d.failed,
		MaxRetries:     d.maxRetries,
		TimeoutMs:      d.timeout.Milliseconds(),
		RetryBackoffMs: d.retryBackoff.Milliseconds(),
	}
}
