// seed records sample purchases for local development.
//
// By default the events are applied straight to the Postgres ledger. With
// -post the same events are signed with PADDLE_WEBHOOK_SECRET and delivered
// to a running server, exercising the full webhook path.
//
// Run: go run ./cmd/seed [-post http://localhost:8080]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/domain"
	"github.com/ErlanBelekov/pro-entitlements/internal/infrastructure/postgres"
	"github.com/ErlanBelekov/pro-entitlements/internal/signature"
	"github.com/ErlanBelekov/pro-entitlements/internal/usecase"
	"github.com/ErlanBelekov/pro-entitlements/internal/webhook"
)

type purchase struct {
	eventID  string
	kind     domain.EventKind
	orderID  string
	customer string
	email    string
	daysAgo  int
}

var purchases = []purchase{
	// Pro buyers
	{"seed_evt_001", domain.KindCompleted, "seed_txn_001", "seed_ctm_001", "pro@test.local", 30},
	{"seed_evt_002", domain.KindPaid, "seed_txn_002", "seed_ctm_002", "paid@test.local", 7},

	// Bought, then refunded
	{"seed_evt_003", domain.KindCompleted, "seed_txn_003", "seed_ctm_003", "refunded@test.local", 14},
	{"seed_evt_004", domain.KindRefunded, "seed_txn_003", "seed_ctm_003", "", 13},

	// Guest checkout without an email, claimable through /entitlement/confirm
	{"seed_evt_005", domain.KindCompleted, "seed_txn_005", "seed_ctm_005", "", 1},
}

func main() {
	target := flag.String("post", "", "base URL of a running server; deliver events as signed webhooks")
	flag.Parse()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	var err error
	if *target != "" {
		err = deliver(ctx, *target, now)
	} else {
		err = apply(ctx, now)
	}
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("Seed complete")
	fmt.Println()
	fmt.Println("  pro@test.local       →  isPro=true")
	fmt.Println("  paid@test.local      →  isPro=true")
	fmt.Println("  refunded@test.local  →  isPro=false (refunded)")
	fmt.Println("  guest checkout       →  claim with {\"provider\":\"paddle\",\"reference\":\"seed_txn_005\"}")
	fmt.Println()
	fmt.Println("How to test:")
	fmt.Println()
	fmt.Println("  Step 1: request a login code (printed in the server log in ENV=local):")
	fmt.Println()
	fmt.Println("    curl -s -X POST http://localhost:8080/auth/code \\")
	fmt.Println("      -H 'Content-Type: application/json' -d '{\"email\":\"pro@test.local\"}'")
	fmt.Println()
	fmt.Println("  Step 2: exchange it for a session cookie:")
	fmt.Println()
	fmt.Println("    curl -s -c jar.txt -X POST http://localhost:8080/auth/verify \\")
	fmt.Println("      -H 'Content-Type: application/json' -d '{\"email\":\"pro@test.local\",\"code\":\"CODE\"}'")
	fmt.Println()
	fmt.Println("  Step 3: read the entitlement:")
	fmt.Println()
	fmt.Println("    curl -s -b jar.txt http://localhost:8080/entitlement")
}

func apply(ctx context.Context, now time.Time) error {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is not set (run: direnv allow)")
	}

	pool, err := postgres.NewPool(ctx, dbURL, postgres.DefaultPoolConfig("entitlements-seed"))
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

	repo := postgres.NewEntitlementRepository(pool)
	ledger := usecase.NewLedgerUsecase(repo, repo, usecase.DefaultStoreTimeout, slog.Default())

	var applied, skipped int
	for _, p := range purchases {
		ev := &domain.PurchaseEvent{
			Provider:        domain.ProviderPaddle,
			ProviderEventID: p.eventID,
			Identity:        p.email,
			CustomerID:      p.customer,
			OrderID:         p.orderID,
			Kind:            p.kind,
			EventType:       "seed",
			OccurredAt:      now.AddDate(0, 0, -p.daysAgo),
		}
		_, ok, err := ledger.ApplyEvent(ctx, ev)
		if err != nil {
			return fmt.Errorf("apply %s: %w", p.eventID, err)
		}
		if ok {
			applied++
		} else {
			skipped++
		}
	}
	fmt.Printf("  Events applied: %d  (skipped %d already recorded)\n\n", applied, skipped)
	return nil
}

func deliver(ctx context.Context, baseURL string, now time.Time) error {
	secret := os.Getenv("PADDLE_WEBHOOK_SECRET")
	if secret == "" {
		return fmt.Errorf("PADDLE_WEBHOOK_SECRET is not set")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	for _, p := range purchases {
		body, err := paddleBody(p, now)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/webhooks/paddle", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(webhook.PaddleSignatureHeader,
			signature.Sign(signature.SchemeTimestampedHMAC, body, []byte(secret), time.Now()))

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("deliver %s: %w", p.eventID, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("deliver %s: status %d", p.eventID, resp.StatusCode)
		}
		fmt.Printf("  delivered %s (%s)\n", p.eventID, p.kind)
	}
	fmt.Println()
	return nil
}

// paddleBody renders p in the shape Paddle Billing sends.
func paddleBody(p purchase, now time.Time) ([]byte, error) {
	occurred := now.AddDate(0, 0, -p.daysAgo)
	if p.kind == domain.KindRefunded {
		return json.Marshal(map[string]any{
			"event_id":    p.eventID,
			"event_type":  "adjustment.updated",
			"occurred_at": occurred,
			"data": map[string]any{
				"id":             "adj_" + p.eventID,
				"action":         "refund",
				"status":         "approved",
				"transaction_id": p.orderID,
				"customer_id":    p.customer,
			},
		})
	}

	eventType := "transaction.completed"
	if p.kind == domain.KindPaid {
		eventType = "transaction.paid"
	}
	return json.Marshal(map[string]any{
		"event_id":    p.eventID,
		"event_type":  eventType,
		"occurred_at": occurred,
		"data": map[string]any{
			"id":          p.orderID,
			"customer_id": p.customer,
			"status":      "completed",
			"custom_data": map[string]string{"email": p.email},
		},
	})
}
