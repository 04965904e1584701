// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/syedumertariq/keystream/internal/logging"
)

// RecordKeyMetadata is the message metadata field carrying the original
// record key. Messages without it fall back to value-pattern parsing.
const RecordKeyMetadata = "record-key"

// ConsumerConfig holds bus consumption settings.
type ConsumerConfig struct {
	URL            string
	Subject        string
	StreamName     string
	DurableName    string
	QueueGroup     string
	MaxAckPending  int
	MaxDeliver     int
	AckWaitTimeout time.Duration
	CloseTimeout   time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
}

// DefaultConsumerConfig returns production defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		URL:            "nats://127.0.0.1:4222",
		Subject:        "activity.raw",
		StreamName:     "ACTIVITY",
		DurableName:    "keystream-ingest",
		QueueGroup:     "ingest",
		MaxAckPending:  2048,
		MaxDeliver:     5,
		AckWaitTimeout: 30 * time.Second,
		CloseTimeout:   30 * time.Second,
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
	}
}

// Consumer pulls raw records from a durable JetStream consumer and feeds
// them through the router. An acknowledgment is only sent after the router
// accepts the record, so a full buffer holds records un-acked on the bus
// rather than growing memory.
type Consumer struct {
	subscriber message.Subscriber
	router     *Router
	config     ConsumerConfig
}

// NewConsumer creates a durable JetStream consumer over the router.
func NewConsumer(cfg ConsumerConfig, router *Router, logger watermill.LoggerAdapter) (*Consumer, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("bus consumer disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("bus consumer reconnected")
		}),
	}

	subOpts := []natsgo.SubOpt{
		natsgo.MaxDeliver(cfg.MaxDeliver),
		natsgo.MaxAckPending(cfg.MaxAckPending),
		natsgo.AckWait(cfg.AckWaitTimeout),
		natsgo.DeliverAll(),
	}

	autoProvision := true
	if cfg.StreamName != "" {
		subOpts = append(subOpts, natsgo.BindStream(cfg.StreamName))
		autoProvision = false
	}

	wmConfig := wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: 1,
		AckWaitTimeout:   cfg.AckWaitTimeout,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    autoProvision,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    cfg.DurableName,
		},
	}

	sub, err := wmNats.NewSubscriber(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create bus subscriber: %w", err)
	}

	return &Consumer{
		subscriber: sub,
		router:     router,
		config:     cfg,
	}, nil
}

// Run consumes the subject until the context is canceled. Record-level
// failures never abort the stream; only transport-level errors return.
func (c *Consumer) Run(ctx context.Context) error {
	messages, err := c.subscriber.Subscribe(ctx, c.config.Subject)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.config.Subject, err)
	}

	logging.Info().
		Str("subject", c.config.Subject).
		Str("durable", c.config.DurableName).
		Msg("bus consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *message.Message) {
	key := msg.Metadata.Get(RecordKeyMetadata)

	// Submit blocks while the key group is full; the message stays un-acked
	// and JetStream stops delivering once MaxAckPending is reached.
	if err := c.router.Submit(ctx, key, string(msg.Payload)); err != nil {
		logging.Warn().
			Err(err).
			Str("message_uuid", msg.UUID).
			Msg("record not accepted, leaving for redelivery")
		msg.Nack()
		return
	}
	msg.Ack()
}

// Close shuts down the underlying subscriber.
func (c *Consumer) Close() error {
	return c.subscriber.Close()
}
