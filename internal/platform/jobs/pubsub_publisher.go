package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/buildkart/api/internal/services"
)

const (
	eventTypeOrderPlaced   = "order.placed"
	eventTypePCashExpiring = "pcash.expiring"
)

// PubSubEventPublisher publishes checkout and loyalty events to Pub/Sub topics.
type PubSubEventPublisher struct {
	orders  *pubsub.Topic
	pcash   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubEventPublisher constructs a publisher over the order and P-Cash topics.
func NewPubSubEventPublisher(orders, pcash *pubsub.Topic) (*PubSubEventPublisher, error) {
	if orders == nil || pcash == nil {
		return nil, errors.New("pubsub event publisher: order and pcash topics are required")
	}
	return &PubSubEventPublisher{
		orders:  orders,
		pcash:   pcash,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderPlaced announces a paid order.
func (p *PubSubEventPublisher) PublishOrderPlaced(ctx context.Context, event services.OrderPlacedEvent) (string, error) {
	attrs := map[string]string{"eventType": eventTypeOrderPlaced}
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "userId", event.UserID)
	setAttr(attrs, "kind", event.Kind)
	setAttr(attrs, "provider", event.Provider)
	return p.publish(ctx, p.orders, eventTypeOrderPlaced, event, attrs)
}

// PublishPCashExpiring announces credits that will expire soon for one user.
func (p *PubSubEventPublisher) PublishPCashExpiring(ctx context.Context, event services.PCashExpiringEvent) (string, error) {
	attrs := map[string]string{"eventType": eventTypePCashExpiring}
	setAttr(attrs, "userId", event.UserID)
	return p.publish(ctx, p.pcash, eventTypePCashExpiring, event, attrs)
}

func (p *PubSubEventPublisher) publish(ctx context.Context, topic *pubsub.Topic, eventType string, payload any, attrs map[string]string) (string, error) {
	if p == nil || topic == nil {
		return "", errors.New("pubsub event publisher: not initialised")
	}
	data, err := p.marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	result := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish %s event: %w", eventType, err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

var _ services.EventPublisher = (*PubSubEventPublisher)(nil)
