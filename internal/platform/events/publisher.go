// Package events publishes checkout lifecycle events to Pub/Sub.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/threadline/checkout/internal/services"
)

// PubSubOrderPublisher publishes completed-order events to a Pub/Sub topic.
type PubSubOrderPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubOrderPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderPublisher(topic *pubsub.Topic) (*PubSubOrderPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	return &PubSubOrderPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

type orderMessage struct {
	OrderID     string    `json:"order_id"`
	CartID      string    `json:"cart_id"`
	SessionID   string    `json:"session_id"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Method      string    `json:"method"`
	JourneyID   string    `json:"journey_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// OrderCompleted enqueues a completed-order message on the configured topic.
func (p *PubSubOrderPublisher) OrderCompleted(ctx context.Context, evt services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order publisher: not initialised")
	}

	data, err := p.marshal(orderMessage{
		OrderID:     evt.OrderID,
		CartID:      evt.CartID,
		SessionID:   evt.SessionID,
		AmountMinor: evt.AmountMinor,
		Currency:    evt.Currency,
		Method:      evt.Method,
		JourneyID:   evt.JourneyID,
		CompletedAt: evt.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "orderId", evt.OrderID)
	setAttr(attrs, "cartId", evt.CartID)
	setAttr(attrs, "method", evt.Method)
	setAttr(attrs, "journeyId", evt.JourneyID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
