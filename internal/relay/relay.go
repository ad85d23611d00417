// Package relay mirrors ticket events between engine instances over Redis
// Pub/Sub so that a display connected to any instance sees every event.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"qms/ticket-engine/internal/models"
)

const (
	DefaultChannel = "qms:queue-updates"
	outboxSize     = 256
	maxBackoff     = 30 * time.Second
)

// Publisher is the local fan-out the relay feeds, normally a
// *broadcast.Broker[models.Event].
type Publisher interface {
	Publish(topic string, event models.Event) uint64
}

type envelope struct {
	InstanceID string       `json:"instance_id"`
	Topic      string       `json:"topic"`
	Event      models.Event `json:"event"`
}

type Relay struct {
	client     redis.UniversalClient
	local      Publisher
	channel    string
	instanceID string
	logger     *slog.Logger

	outbox    chan envelope
	ready     chan struct{}
	readyOnce sync.Once
}

func New(client redis.UniversalClient, local Publisher, channel string, logger *slog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{
		client:     client,
		local:      local,
		channel:    channel,
		instanceID: uuid.NewString(),
		logger:     logger.With("component", "relay"),
		outbox:     make(chan envelope, outboxSize),
		ready:      make(chan struct{}),
	}
}

func (r *Relay) InstanceID() string {
	return r.instanceID
}

// Ready is closed once the first Redis subscription is confirmed.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Publish delivers the event locally and queues it for other instances.
// The local sequence number is returned. Forwarding never blocks the
// caller; when the outbox is full the event stays local only.
func (r *Relay) Publish(topic string, event models.Event) uint64 {
	seq := r.local.Publish(topic, event)
	select {
	case r.outbox <- envelope{InstanceID: r.instanceID, Topic: topic, Event: event}:
	default:
		r.logger.Warn("relay outbox full, event not forwarded",
			"topic", topic,
			"type", event.Type,
			"ticket", event.Ticket.Number,
		)
	}
	return seq
}

// Run forwards queued events and consumes remote ones until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.forward(ctx) })
	g.Go(func() error { return r.subscribeWithReconnect(ctx) })
	return g.Wait()
}

func (r *Relay) forward(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-r.outbox:
			data, err := json.Marshal(env)
			if err != nil {
				r.logger.Error("failed to marshal relay event", "error", err)
				continue
			}
			if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Warn("failed to publish relay event",
					"channel", r.channel,
					"type", env.Event.Type,
					"error", err,
				)
			}
		}
	}
}

func (r *Relay) subscribeWithReconnect(ctx context.Context) error {
	backoff := time.Second
	for {
		err := r.subscribe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.logger.Warn("relay subscription disconnected, reconnecting",
			"channel", r.channel,
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (r *Relay) subscribe(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("subscribed to relay channel", "channel", r.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(msg.Payload)
		}
	}
}

func (r *Relay) deliver(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("failed to unmarshal relay event", "error", err)
		return
	}
	// Own events were already published locally.
	if env.InstanceID == r.instanceID {
		return
	}
	r.local.Publish(env.Topic, env.Event)
}
