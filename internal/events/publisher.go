package events

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

const streamName = "FACTURADOR_EVENTS"

// Publisher wraps NATS JetStream for publishing processed-invoice events.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream context: %w", err)
	}
	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream creates the event stream if it does not exist yet.
func (p *Publisher) EnsureStream(_ context.Context) error {
	if info, err := p.js.StreamInfo(streamName); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"facturador.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

// Publish publishes with msg-id deduplication.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Dispatch drains the outbox to NATS until ctx is cancelled. Failed publishes
// are rescheduled with a fixed backoff; events are deduplicated downstream by
// msg id, so redelivery is harmless.
func Dispatch(ctx context.Context, ledger *Ledger, pub *Publisher) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := ledger.DequeueOutbox(ctx, 100)
		if err != nil {
			log.Printf("dequeue outbox: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if len(messages) == 0 {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := pub.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				log.Printf("publish outbox message %d: %v", msg.ID, err)
				_ = ledger.MarkRetry(ctx, msg.ID, 10*time.Second)
				continue
			}
			if err := ledger.MarkPublished(ctx, msg.ID); err != nil {
				log.Printf("mark outbox message %d published: %v", msg.ID, err)
			}
		}
	}
}
