// Package distributed coordinates multiple rendezvous instances over Redis
// pub/sub. Presence already lives in Redis; the bus carries the signaling
// messages whose target peer is connected to another instance.
package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"deskbridge/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType discriminates bus events.
type EventType string

const (
	EventSignalRelay EventType = "signal.relay"
	EventPeerJoined  EventType = "peer.joined"
	EventPeerLeft    EventType = "peer.left"
)

const busChannel = "deskbridge:events"

// Event is one bus message. Only relay events carry a signaling message.
type Event struct {
	Type       EventType                `json:"type"`
	InstanceID string                   `json:"instance_id"`
	Timestamp  time.Time                `json:"timestamp"`
	Peer       domain.PeerID            `json:"peer,omitempty"`
	Message    *domain.SignalingMessage `json:"message,omitempty"`
}

// Bus publishes and consumes coordination events. Each rendezvous instance
// runs one bus; events published by the instance itself are skipped on
// receipt.
type Bus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger

	onSignal func(domain.SignalingMessage)
}

func NewBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *Bus {
	return &Bus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

func (b *Bus) InstanceID() string { return b.instanceID }

// OnSignal registers the handler for relayed signaling messages. Must be set
// before Listen.
func (b *Bus) OnSignal(fn func(domain.SignalingMessage)) {
	b.onSignal = fn
}

// PublishSignal relays a signaling message to whichever instance holds the
// target peer's connection.
func (b *Bus) PublishSignal(ctx context.Context, msg domain.SignalingMessage) error {
	return b.publish(ctx, Event{
		Type:    EventSignalRelay,
		Peer:    msg.To,
		Message: &msg,
	})
}

// PublishPresence announces a peer joining or leaving this instance.
func (b *Bus) PublishPresence(ctx context.Context, t EventType, peer domain.PeerID) error {
	return b.publish(ctx, Event{Type: t, Peer: peer})
}

func (b *Bus) publish(ctx context.Context, event Event) error {
	event.InstanceID = b.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal bus event: %w", err)
	}
	if err := b.client.Publish(ctx, busChannel, data).Err(); err != nil {
		return fmt.Errorf("publish bus event: %w", err)
	}
	return nil
}

// Listen consumes bus events until the context ends.
func (b *Bus) Listen(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, busChannel)
	defer pubsub.Close()

	// Fail fast if the subscription never establishes.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", busChannel, err)
	}

	b.logger.Infow("event bus listening", "channel", busChannel, "instance_id", b.instanceID)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(msg.Payload)
		}
	}
}

func (b *Bus) dispatch(payload string) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		b.logger.Warnw("malformed bus event", "error", err)
		return
	}
	if event.InstanceID == b.instanceID {
		return
	}

	switch event.Type {
	case EventSignalRelay:
		if event.Message == nil {
			b.logger.Warnw("relay event without message", "from_instance", event.InstanceID)
			return
		}
		if b.onSignal != nil {
			b.onSignal(*event.Message)
		}
	case EventPeerJoined, EventPeerLeft:
		b.logger.Debugw("peer presence event",
			"type", event.Type,
			"peer", event.Peer,
			"from_instance", event.InstanceID,
		)
	default:
		b.logger.Debugw("unknown bus event", "type", event.Type)
	}
}
