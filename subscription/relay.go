// Package subscription connects the hub to other instances through Redis
// pub/sub and to the task lifecycle through an Azure Storage queue.
package subscription

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-hub/domain"
)

const relayBuffer = 1024

// Deliverer hands remote events to local connections.
type Deliverer interface {
	Deliver(env domain.Envelope)
}

type relayEvent struct {
	Type    domain.EventType `json:"type"`
	Board   string           `json:"board"`
	Payload json.RawMessage  `json:"payload"`
}

type relayMessage struct {
	Instance string     `json:"instance"`
	Event    relayEvent `json:"event"`
}

// Relay mirrors durable board events between hub instances.
type Relay struct {
	rc       *redis.Client
	channel  string
	instance string
	target   Deliverer
	logger   *log.Logger
	out      chan []byte
}

// NewRelay creates a relay publishing on channel.
func NewRelay(rc *redis.Client, channel string, target Deliverer, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{
		rc:       rc,
		channel:  channel,
		instance: uuid.NewString(),
		target:   target,
		logger:   logger,
		out:      make(chan []byte, relayBuffer),
	}
}

// Instance identifies this process on the channel.
func (r *Relay) Instance() string { return r.instance }

// Publish queues env for other instances without blocking the caller.
func (r *Relay) Publish(_ context.Context, env domain.Envelope) {
	payload, err := sonic.Marshal(env.Payload)
	if err != nil {
		r.logger.WithError(err).Errorf("Unable to encode %s event for relay", env.Type)
		return
	}
	data, err := sonic.Marshal(relayMessage{
		Instance: r.instance,
		Event:    relayEvent{Type: env.Type, Board: env.BoardID, Payload: payload},
	})
	if err != nil {
		r.logger.WithError(err).Errorf("Unable to encode relay message")
		return
	}
	select {
	case r.out <- data:
	default:
		r.logger.Warnf("Relay buffer full, dropping %s event for board %s", env.Type, env.BoardID)
	}
}

// Run publishes queued events and delivers events from other instances until
// ctx is done. A closed subscription is re-established after a second.
func (r *Relay) Run(ctx context.Context) {
	go r.publishLoop(ctx)
	for {
		sub := r.rc.Subscribe(ctx, r.channel)
		ch := sub.Channel()
	receive:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break receive
				}
				r.handle(msg.Payload)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("Relay subscription closed, reconnecting")
		time.Sleep(time.Second)
	}
}

func (r *Relay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-r.out:
			if err := r.rc.Publish(ctx, r.channel, data).Err(); err != nil {
				r.logger.WithError(err).Errorf("Unable to publish board event to %s", r.channel)
			}
		}
	}
}

func (r *Relay) handle(payload string) {
	var msg relayMessage
	if err := sonic.UnmarshalString(payload, &msg); err != nil {
		r.logger.WithError(err).Error("Unable to parse relayed board event")
		return
	}
	if msg.Instance == r.instance {
		return
	}
	if msg.Event.Board == "" || msg.Event.Type == "" {
		r.logger.Warnf("Ignoring relayed event without board or type from %s", msg.Instance)
		return
	}
	r.target.Deliver(domain.Envelope{Type: msg.Event.Type, BoardID: msg.Event.Board, Payload: msg.Event.Payload})
}
