// Package natsbroker is the production internal/ports.Broker adapter: it
// publishes and subscribes raw event payloads over NATS subjects using
// pkg/natsutil's typed JSON helpers, with each internal/eventbus channel
// ("logs", "phase", "status") mapped to its own subject.
package natsbroker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/nepenth/kb-pipeline/internal/ports"
	"github.com/nepenth/kb-pipeline/pkg/natsutil"
)

const subjectPrefix = "kb_pipeline.events."

func subjectFor(channel string) string { return subjectPrefix + channel }

// Broker adapts a *nats.Conn to internal/ports.Broker. Payloads are carried
// as json.RawMessage so natsutil's JSON envelope neither re-encodes nor
// mutates the already-JSON event bytes the producer/broker packages hand
// it — json.RawMessage.MarshalJSON returns its bytes unchanged.
type Broker struct {
	conn *nats.Conn
}

func New(conn *nats.Conn) *Broker {
	return &Broker{conn: conn}
}

func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := natsutil.Publish(ctx, b.conn, subjectFor(channel), json.RawMessage(payload)); err != nil {
		return fmt.Errorf("natsbroker: publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers one NATS subscription per requested channel, fanning
// every message into a single returned channel. The subscriptions are torn
// down when ctx is cancelled.
func (b *Broker) Subscribe(ctx context.Context, channels []string) (<-chan ports.BrokerMessage, error) {
	out := make(chan ports.BrokerMessage, 256)
	subs := make([]*nats.Subscription, 0, len(channels))

	for _, channel := range channels {
		channel := channel
		sub, err := natsutil.Subscribe(b.conn, subjectFor(channel), func(_ context.Context, raw json.RawMessage) {
			select {
			case out <- ports.BrokerMessage{Channel: channel, Payload: []byte(raw)}:
			default:
				// Consumer is behind; drop rather than block the NATS dispatch
				// goroutine (matches the bounded-publish-attempt guarantee
				// producer.go applies on the send side).
			}
		})
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, fmt.Errorf("natsbroker: subscribe to %s: %w", channel, err)
		}
		subs = append(subs, sub)
	}

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			s.Unsubscribe()
		}
		close(out)
	}()

	return out, nil
}
