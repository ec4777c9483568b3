package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	"github.com/ErlanBelekov/pro-entitlements/internal/signature"
)

const PaddleSignatureHeader = "Paddle-Signature"

type Paddle struct {
	cfg ProviderConfig
}

func NewPaddle(cfg ProviderConfig) *Paddle {
	return &Paddle{cfg: cfg.withDefaults()}
}

func (p *Paddle) Kind() domain.Provider { return domain.ProviderPaddle }

func (p *Paddle) Configured() bool { return p.cfg.Secret != "" }

func (p *Paddle) Verify(d *Delivery) error {
	header := d.Header.Get(PaddleSignatureHeader)
	if header == "" {
		return fmt.Errorf("%w: missing %s header", domain.ErrAuthenticity, PaddleSignatureHeader)
	}
	if !signature.VerifyTimestamped(d.Body, header, []byte(p.cfg.Secret)) {
		return fmt.Errorf("%w: signature mismatch", domain.ErrAuthenticity)
	}
	ts, _, _ := signature.ParseTimestamped(header)
	return p.cfg.checkFreshness(ts)
}

type paddleEnvelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type paddleTransaction struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	Status     string `json:"status"`
	CustomData struct {
		Email string `json:"email"`
	} `json:"custom_data"`
}

type paddleAdjustment struct {
	ID            string `json:"id"`
	Action        string `json:"action"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	CustomerID    string `json:"customer_id"`
}

// Decode handles Paddle Billing events. The buyer's email is read from the
// transaction custom_data, which checkout populates for logged-in buyers.
func (p *Paddle) Decode(d *Delivery) (*domain.PurchaseEvent, error) {
	var env paddleEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return nil, malformed("paddle envelope: %v", err)
	}
	if env.EventID == "" || env.EventType == "" {
		return nil, malformed("paddle envelope: event_id and event_type are required")
	}

	ev := &domain.PurchaseEvent{
		Provider:        domain.ProviderPaddle,
		ProviderEventID: env.EventID,
		EventType:       env.EventType,
		OccurredAt:      env.OccurredAt,
	}

	switch env.EventType {
	case "transaction.completed", "transaction.paid":
		var txn paddleTransaction
		if err := json.Unmarshal(env.Data, &txn); err != nil {
			return nil, malformed("paddle transaction: %v", err)
		}
		if txn.ID == "" {
			return nil, malformed("paddle transaction: id is required")
		}
		ev.OrderID = txn.ID
		ev.CustomerID = txn.CustomerID
		ev.Identity = domain.NormalizeIdentity(txn.CustomData.Email)
		ev.Kind = domain.KindPaid
		if env.EventType == "transaction.completed" {
			ev.Kind = domain.KindCompleted
		}

	case "adjustment.created", "adjustment.updated":
		var adj paddleAdjustment
		if err := json.Unmarshal(env.Data, &adj); err != nil {
			return nil, malformed("paddle adjustment: %v", err)
		}
		// Credits and chargebacks are not refunds, and a refund only takes
		// effect once Paddle approves it.
		if adj.Action != "refund" || adj.Status != "approved" {
			return nil, unsupported(env.EventType)
		}
		if adj.TransactionID == "" {
			return nil, malformed("paddle adjustment: transaction_id is required")
		}
		ev.OrderID = adj.TransactionID
		ev.CustomerID = adj.CustomerID
		ev.Kind = domain.KindRefunded

	default:
		return nil, unsupported(env.EventType)
	}

	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = p.cfg.Now()
	}
	return ev, nil
}
