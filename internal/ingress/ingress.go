// Package ingress is the Ingress (C8): it turns a raw webhook delivery or
// an internal strategy signal into a broadcast.Request, applying HMAC
// verification, payload normalization, and WebhookDelivery bookkeeping
// along the way.
package ingress

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"signalrelay/internal/broadcast"
	"signalrelay/internal/events"
	"signalrelay/pkg/config"
	"signalrelay/pkg/db"
)

// Ingestor wires webhook lookup/HMAC/normalization to the broadcast
// fan-out (C7).
type Ingestor struct {
	Queries     *db.Gateway
	Broadcaster *broadcast.Broadcaster
	Bus         *events.Bus
	Config      *config.Config
}

// NewIngestor builds an Ingestor from its collaborators.
func NewIngestor(queries *db.Gateway, b *broadcast.Broadcaster, bus *events.Bus, cfg *config.Config) *Ingestor {
	return &Ingestor{Queries: queries, Broadcaster: b, Bus: bus, Config: cfg}
}

// WebhookResult is what the HTTP handler renders back to TradingView.
// Per §4.8 step 1, the handler always answers HTTP 200 regardless of
// Success so the upstream never auto-disables the webhook on its own.
type WebhookResult struct {
	Success    bool
	Error      string
	WebhookID  string
	DeliveryID string
	Signal     db.Signal
}

// ProcessWebhook runs §4.8 variant (a) end to end for one delivery.
func (in *Ingestor) ProcessWebhook(ctx context.Context, urlPath string, rawBody []byte, headers http.Header, sourceIP string) WebhookResult {
	wh, err := in.Queries.GetWebhookByPath(ctx, urlPath)
	if err != nil || !wh.IsActive {
		return WebhookResult{Success: false, Error: "webhook not found or inactive"}
	}

	var payload map[string]any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return WebhookResult{Success: false, Error: "invalid JSON payload", WebhookID: wh.ID}
	}

	if !wh.IsPublic {
		signature := headers.Get("X-TradingView-Signature")
		if signature == "" {
			signature = headers.Get("X-Signature")
		}
		if !VerifyHMAC(payload, signature, wh.Secret, headers, in.Config.SignatureToleranceSec) {
			in.recordSecurityViolation(ctx, wh, "HMAC signature validation failed", sourceIP)
			return WebhookResult{Success: false, Error: "HMAC signature validation failed", WebhookID: wh.ID}
		}
	}

	norm, err := NormalizePayload(payload)
	if err != nil {
		return WebhookResult{Success: false, Error: err.Error(), WebhookID: wh.ID}
	}

	if wh.BotID == "" {
		// A webhook not linked to a Bot has no Subscription to attribute the
		// execution to; direct single-account routing is out of scope until
		// a webhook-owned Subscription exists to record it against.
		return WebhookResult{Success: false, Error: "webhook is not linked to a bot", WebhookID: wh.ID}
	}

	delivery := &db.WebhookDelivery{
		ID:         uuid.NewString(),
		WebhookID:  wh.ID,
		Status:     "processing",
		RawPayload: string(rawBody),
	}
	if err := in.Queries.CreateWebhookDelivery(ctx, delivery); err != nil {
		return WebhookResult{Success: false, Error: "failed to record delivery", WebhookID: wh.ID}
	}

	start := time.Now()
	result, broadcastErr := in.Broadcaster.Broadcast(ctx, broadcast.Request{
		BotID:      wh.BotID,
		Ticker:     norm.Ticker,
		Action:     norm.Action,
		SourceIP:   sourceIP,
		RawPayload: string(rawBody),
	})
	delivery.ProcessingTimeMs = time.Since(start).Milliseconds()

	if broadcastErr != nil {
		in.failDelivery(ctx, wh, delivery, broadcastErr.Error())
		return WebhookResult{Success: false, Error: broadcastErr.Error(), WebhookID: wh.ID, DeliveryID: delivery.ID}
	}

	delivery.SignalID = result.Signal.ID
	delivery.OrdersCreated = result.Signal.TotalSubscribers
	delivery.OrdersExecuted = result.Signal.SuccessfulExecutions
	delivery.OrdersFailed = result.Signal.FailedExecutions
	delivery.Status = "success"
	if err := in.Queries.UpdateWebhookDelivery(ctx, delivery); err != nil {
		return WebhookResult{Success: false, Error: fmt.Sprintf("update delivery: %v", err), WebhookID: wh.ID, DeliveryID: delivery.ID}
	}
	_ = in.Queries.UpdateWebhookOutcome(ctx, wh.ID, true)

	return WebhookResult{Success: true, WebhookID: wh.ID, DeliveryID: delivery.ID, Signal: result.Signal}
}

// recordSecurityViolation persists a category=security Notification on an
// HMAC/replay rejection, grounded on the original's
// _record_security_violation. Best-effort: attributed to the webhook's
// exchange account owner when one is configured, otherwise recorded
// unattributed so operators still see it.
func (in *Ingestor) recordSecurityViolation(ctx context.Context, wh *db.Webhook, reason, sourceIP string) {
	userID := ""
	if wh.ExchangeAccountID != "" {
		if acct, err := in.Queries.GetExchangeAccount(ctx, wh.ExchangeAccountID); err == nil {
			userID = acct.OwnerUserID
		}
	}
	notif := &db.Notification{
		ID:       uuid.NewString(),
		UserID:   userID,
		Type:     "warning",
		Category: "security",
		Title:    "Webhook signature rejected",
		Message:  fmt.Sprintf("webhook %s: %s (source %s)", wh.ID, reason, sourceIP),
	}
	err := in.Queries.WithTx(ctx, func(tx *sql.Tx) error {
		return in.Queries.CreateNotification(ctx, tx, notif)
	})
	if err != nil {
		log.Printf("ingress: failed to record security violation: %v", err)
	}
	if in.Bus != nil {
		in.Bus.Publish(events.EventNotification, *notif)
	}
}

// failDelivery applies the retrying/failed half of the WebhookDelivery
// state machine (§4.8): a delivery with attempts remaining is marked
// "retrying", otherwise "failed". No component re-processes a "retrying"
// delivery. Either way the Webhook's consecutive-error counter advances,
// which may auto-pause it.
func (in *Ingestor) failDelivery(ctx context.Context, wh *db.Webhook, delivery *db.WebhookDelivery, errMsg string) {
	delivery.ErrorMessage = errMsg
	delivery.Attempt++
	if delivery.Attempt < wh.MaxRetries {
		delivery.Status = "retrying"
	} else {
		delivery.Status = "failed"
	}
	_ = in.Queries.UpdateWebhookDelivery(ctx, delivery)
	_ = in.Queries.UpdateWebhookOutcome(ctx, wh.ID, false)
}

// InternalSignal is §4.8 variant (b): a strategy evaluator's own signal,
// routed through the identical broadcast entrypoint webhooks use.
type InternalSignal struct {
	BotID    string
	Ticker   string
	Action   string
	SourceIP string
}

// ProcessInternalSignal runs variant (b): no HMAC, no WebhookDelivery row,
// straight into the broadcast fan-out.
func (in *Ingestor) ProcessInternalSignal(ctx context.Context, sig InternalSignal) (broadcast.Result, error) {
	if in.Bus != nil {
		in.Bus.Publish(events.EventInternalSignal, sig)
	}
	return in.Broadcaster.Broadcast(ctx, broadcast.Request{
		BotID:    sig.BotID,
		Ticker:   sig.Ticker,
		Action:   sig.Action,
		SourceIP: sig.SourceIP,
	})
}
