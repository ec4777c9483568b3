package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	"github.com/ErlanBelekov/pro-entitlements/internal/signature"
)

const StripeSignatureHeader = "Stripe-Signature"

type Stripe struct {
	cfg ProviderConfig
}

func NewStripe(cfg ProviderConfig) *Stripe {
	return &Stripe{cfg: cfg.withDefaults()}
}

func (s *Stripe) Kind() domain.Provider { return domain.ProviderStripe }

func (s *Stripe) Configured() bool { return s.cfg.Secret != "" }

func (s *Stripe) Verify(d *Delivery) error {
	header := d.Header.Get(StripeSignatureHeader)
	if header == "" {
		return fmt.Errorf("%w: missing %s header", domain.ErrAuthenticity, StripeSignatureHeader)
	}
	if !signature.VerifyStripe(d.Body, header, []byte(s.cfg.Secret)) {
		return fmt.Errorf("%w: signature mismatch", domain.ErrAuthenticity)
	}
	ts, _, _ := signature.ParseStripe(header)
	return s.cfg.checkFreshness(ts)
}

// stripeID accepts an object reference that is either a bare id or an
// expanded object carrying one.
type stripeID string

func (id *stripeID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '{' {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*id = stripeID(obj.ID)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*id = stripeID(s)
	return nil
}

type stripeEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeCheckoutSession struct {
	ID              string   `json:"id"`
	PaymentStatus   string   `json:"payment_status"`
	PaymentIntent   stripeID `json:"payment_intent"`
	Customer        stripeID `json:"customer"`
	CustomerEmail   string   `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

type stripeCharge struct {
	ID             string   `json:"id"`
	Refunded       bool     `json:"refunded"`
	PaymentIntent  stripeID `json:"payment_intent"`
	Customer       stripeID `json:"customer"`
	ReceiptEmail   string   `json:"receipt_email"`
	BillingDetails struct {
		Email string `json:"email"`
	} `json:"billing_details"`
}

// Decode keys orders by payment intent so that a charge refund correlates
// with the checkout session that created the charge.
func (s *Stripe) Decode(d *Delivery) (*domain.PurchaseEvent, error) {
	var env stripeEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return nil, malformed("stripe envelope: %v", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, malformed("stripe envelope: id and type are required")
	}

	ev := &domain.PurchaseEvent{
		Provider:        domain.ProviderStripe,
		ProviderEventID: env.ID,
		EventType:       env.Type,
	}
	if env.Created > 0 {
		ev.OccurredAt = time.Unix(env.Created, 0).UTC()
	} else {
		ev.OccurredAt = s.cfg.Now()
	}

	switch env.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var cs stripeCheckoutSession
		if err := json.Unmarshal(env.Data.Object, &cs); err != nil {
			return nil, malformed("stripe checkout session: %v", err)
		}
		if cs.ID == "" {
			return nil, malformed("stripe checkout session: id is required")
		}
		if env.Type == "checkout.session.completed" {
			// Delayed payment methods complete the session unpaid and
			// follow up with async_payment_succeeded.
			if cs.PaymentStatus != "paid" {
				return nil, unsupported(env.Type + " (" + cs.PaymentStatus + ")")
			}
			ev.Kind = domain.KindCompleted
		} else {
			ev.Kind = domain.KindPaid
		}
		ev.OrderID = string(cs.PaymentIntent)
		if ev.OrderID == "" {
			ev.OrderID = cs.ID
		}
		ev.CustomerID = string(cs.Customer)
		ev.Identity = domain.NormalizeIdentity(firstNonEmpty(cs.CustomerDetails.Email, cs.CustomerEmail))

	case "charge.refunded":
		var ch stripeCharge
		if err := json.Unmarshal(env.Data.Object, &ch); err != nil {
			return nil, malformed("stripe charge: %v", err)
		}
		// Partial refunds keep the entitlement.
		if !ch.Refunded {
			return nil, unsupported(env.Type + " (partial)")
		}
		ev.Kind = domain.KindRefunded
		ev.OrderID = string(ch.PaymentIntent)
		if ev.OrderID == "" {
			ev.OrderID = ch.ID
		}
		ev.CustomerID = string(ch.Customer)
		ev.Identity = domain.NormalizeIdentity(firstNonEmpty(ch.BillingDetails.Email, ch.ReceiptEmail))

	default:
		return nil, unsupported(env.Type)
	}
	return ev, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
