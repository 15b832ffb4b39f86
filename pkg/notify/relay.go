package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/redis"
	"github.com/collateralvault/vaultmirror/pkg/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "vaultmirror:"
	channelSuffix  = ":events"
	channelPattern = channelPrefix + "*" + channelSuffix
	allChannelKey  = "_all"

	defaultOutbox  = 1024
	publishTimeout = 2 * time.Second
)

// envelope is the wire form of an Event on Redis.
type envelope struct {
	Origin string `json:"origin"`
	All    bool   `json:"all,omitempty"`
	Event  Event  `json:"event"`
}

// ChannelFor returns the Redis channel carrying a vault's events.
func ChannelFor(vaultKey string) string {
	if vaultKey == "" {
		vaultKey = allChannelKey
	}
	return channelPrefix + vaultKey + channelSuffix
}

// VaultFromChannel is the inverse of ChannelFor. It returns "" for foreign channels.
func VaultFromChannel(channel string) string {
	key, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok {
		return ""
	}
	key, ok = strings.CutSuffix(key, channelSuffix)
	if !ok || key == "" {
		return ""
	}
	return key
}

// RedisRelay extends a Hub across instances. Local deliveries happen
// immediately; the event is also queued for publishing so other instances
// deliver it to their own subscribers. Publishing happens on Run's goroutine
// and a full queue drops the event, so a slow Redis never stalls a
// broadcaster. Events published by this instance are ignored on receipt.
type RedisRelay struct {
	hub     *Hub
	client  *redis.Client
	logger  *zap.Logger
	origin  string
	outbox  chan outgoing
	dropped atomic.Int64
}

type outgoing struct {
	channel string
	env     envelope
}

func NewRedisRelay(hub *Hub, client *redis.Client, logger *zap.Logger) *RedisRelay {
	return newRedisRelay(hub, client, logger, defaultOutbox)
}

func newRedisRelay(hub *Hub, client *redis.Client, logger *zap.Logger, outbox int) *RedisRelay {
	return &RedisRelay{
		hub:    hub,
		client: client,
		logger: logger.With(zap.String("component", "notify_relay")),
		origin: uuid.NewString(),
		outbox: make(chan outgoing, outbox),
	}
}

func (r *RedisRelay) Broadcast(vaultKey string, ev Event) {
	r.hub.Broadcast(vaultKey, ev)
	r.enqueue(ChannelFor(vaultKey), envelope{Origin: r.origin, Event: ev})
}

func (r *RedisRelay) BroadcastAll(ev Event) {
	r.hub.BroadcastAll(ev)
	r.enqueue(ChannelFor(""), envelope{Origin: r.origin, All: true, Event: ev})
}

// Dropped is the number of events never published because the queue was full.
func (r *RedisRelay) Dropped() int64 {
	return r.dropped.Load()
}

func (r *RedisRelay) enqueue(channel string, env envelope) {
	select {
	case r.outbox <- outgoing{channel: channel, env: env}:
	default:
		r.dropped.Add(1)
		r.logger.Warn("Publish queue full, dropping event",
			zap.String("channel", channel),
			zap.String("type", string(env.Event.Type)))
	}
}

func (r *RedisRelay) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-r.outbox:
			r.publish(ctx, out.channel, out.env)
		}
	}
}

// publish is best effort; a failure only costs remote subscribers this event.
func (r *RedisRelay) publish(ctx context.Context, channel string, env envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("Failed to encode event", zap.String("channel", channel), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, channel, payload); err != nil {
		r.logger.Warn("Failed to publish event", zap.String("channel", channel), zap.Error(err))
	}
}

// Run publishes queued events and consumes remote events until ctx is done,
// resubscribing with backoff whenever the subscription drops.
func (r *RedisRelay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		r.drain(ctx)
	}()
	defer func() {
		cancel()
		<-drained
	}()

	backoff := retry.Config{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, JitterEnabled: true}
	attempt := 0

	for {
		err := r.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		delay := retry.Delay(backoff, attempt)
		r.logger.Warn("Redis subscription ended, will retry",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay))
		if err := retry.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (r *RedisRelay) consume(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, channelPattern)
	defer func() {
		if err := pubsub.Close(); err != nil {
			r.logger.Debug("Error closing Redis subscription", zap.Error(err))
		}
	}()

	receiveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, err := pubsub.Receive(receiveCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}
	r.logger.Info("Subscribed to remote events", zap.String("pattern", channelPattern))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			r.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

// dispatch delivers a remote event to local subscribers.
func (r *RedisRelay) dispatch(channel string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn("Failed to decode remote event", zap.String("channel", channel), zap.Error(err))
		return
	}
	if env.Origin == r.origin {
		return
	}
	if env.All {
		r.hub.BroadcastAll(env.Event)
		return
	}
	vaultKey := VaultFromChannel(channel)
	if vaultKey == "" {
		return
	}
	r.hub.Broadcast(vaultKey, env.Event)
}
