package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	"github.com/ErlanBelekov/pro-entitlements/internal/signature"
)

// Standard Webhooks headers, as sent by Polar.
const (
	PolarIDHeader        = "Webhook-Id"
	PolarTimestampHeader = "Webhook-Timestamp"
	PolarSignatureHeader = "Webhook-Signature"
)

type Polar struct {
	cfg ProviderConfig
}

func NewPolar(cfg ProviderConfig) *Polar {
	return &Polar{cfg: cfg.withDefaults()}
}

func (p *Polar) Kind() domain.Provider { return domain.ProviderPolar }

func (p *Polar) Configured() bool { return p.cfg.Secret != "" }

func (p *Polar) Verify(d *Delivery) error {
	id := d.Header.Get(PolarIDHeader)
	ts := d.Header.Get(PolarTimestampHeader)
	sig := d.Header.Get(PolarSignatureHeader)
	if id == "" || ts == "" || sig == "" {
		return fmt.Errorf("%w: missing standard webhook headers", domain.ErrAuthenticity)
	}
	if !signature.VerifyStandardWebhook(d.Body, id, ts, sig, []byte(p.cfg.Secret)) {
		return fmt.Errorf("%w: signature mismatch", domain.ErrAuthenticity)
	}
	return p.cfg.checkFreshness(ts)
}

type polarEnvelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type polarOrder struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	CustomerID string `json:"customer_id"`
	Customer   struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"customer"`
}

// Decode uses the webhook-id header as the event id: Polar bodies carry no
// event id of their own, and the header is stable across redeliveries.
func (p *Polar) Decode(d *Delivery) (*domain.PurchaseEvent, error) {
	var env polarEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return nil, malformed("polar envelope: %v", err)
	}
	eventID := d.Header.Get(PolarIDHeader)
	if env.Type == "" || eventID == "" {
		return nil, malformed("polar envelope: type and webhook id are required")
	}

	ev := &domain.PurchaseEvent{
		Provider:        domain.ProviderPolar,
		ProviderEventID: eventID,
		EventType:       env.Type,
		OccurredAt:      env.Timestamp,
	}
	if ev.OccurredAt.IsZero() {
		if sec, err := strconv.ParseInt(d.Header.Get(PolarTimestampHeader), 10, 64); err == nil {
			ev.OccurredAt = time.Unix(sec, 0).UTC()
		} else {
			ev.OccurredAt = p.cfg.Now()
		}
	}

	switch env.Type {
	case "order.paid", "order.refunded":
	default:
		return nil, unsupported(env.Type)
	}

	var order polarOrder
	if err := json.Unmarshal(env.Data, &order); err != nil {
		return nil, malformed("polar order: %v", err)
	}
	if order.ID == "" {
		return nil, malformed("polar order: id is required")
	}
	ev.OrderID = order.ID
	ev.CustomerID = firstNonEmpty(order.CustomerID, order.Customer.ID)
	ev.Identity = domain.NormalizeIdentity(order.Customer.Email)

	if env.Type == "order.paid" {
		ev.Kind = domain.KindPaid
		return ev, nil
	}
	// order.refunded also fires for partial refunds.
	if order.Status != "refunded" {
		return nil, unsupported(env.Type + " (" + order.Status + ")")
	}
	ev.Kind = domain.KindRefunded
	return ev, nil
}
