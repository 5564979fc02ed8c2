package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/buildkart/api/internal/services"
)

func newTestTopics(t *testing.T) (*pstest.Server, *pubsub.Topic, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	orders, err := client.CreateTopic(ctx, "order-placed")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	pcash, err := client.CreateTopic(ctx, "pcash-expiring")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	t.Cleanup(func() {
		orders.Stop()
		pcash.Stop()
	})
	return srv, orders, pcash
}

func TestPubSubEventPublisherPublishesOrderPlaced(t *testing.T) {
	srv, orders, pcash := newTestTopics(t)
	publisher, err := NewPubSubEventPublisher(orders, pcash)
	if err != nil {
		t.Fatalf("NewPubSubEventPublisher: %v", err)
	}

	event := services.OrderPlacedEvent{
		OrderID:       "ord_1",
		UserID:        "user-1",
		SessionID:     "ses_1",
		Kind:          "product",
		Provider:      "cashfree",
		Amount:        1433100,
		AmountDisplay: "₹14,331.00",
		Currency:      "INR",
		PCashConsumed: 20000,
		PlacedAt:      time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
	}
	if _, err := publisher.PublishOrderPlaced(context.Background(), event); err != nil {
		t.Fatalf("PublishOrderPlaced: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload services.OrderPlacedEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != "ord_1" || payload.Amount != 1433100 || payload.PCashConsumed != 20000 {
		t.Fatalf("unexpected payload %#v", payload)
	}
	attrs := messages[0].Attributes
	if attrs["eventType"] != "order.placed" || attrs["orderId"] != "ord_1" || attrs["provider"] != "cashfree" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

func TestPubSubEventPublisherPublishesPCashExpiring(t *testing.T) {
	srv, orders, pcash := newTestTopics(t)
	publisher, err := NewPubSubEventPublisher(orders, pcash)
	if err != nil {
		t.Fatalf("NewPubSubEventPublisher: %v", err)
	}

	event := services.PCashExpiringEvent{
		UserID:         "user-9",
		CreditIDs:      []string{"cr_1", "cr_2"},
		Amount:         15000,
		EarliestExpiry: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	if _, err := publisher.PublishPCashExpiring(context.Background(), event); err != nil {
		t.Fatalf("PublishPCashExpiring: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if attrs := messages[0].Attributes; attrs["eventType"] != "pcash.expiring" || attrs["userId"] != "user-9" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
	if _, ok := messages[0].Attributes["orderId"]; ok {
		t.Fatalf("order attribute should not be present")
	}
}

func TestNewPubSubEventPublisherRequiresTopics(t *testing.T) {
	if _, err := NewPubSubEventPublisher(nil, nil); err == nil {
		t.Fatalf("expected error without topics")
	}
}
