package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// natsTransport carries mesh topics over NATS core subjects. The client
// reconnects on its own; envelopes published during a reconnect window are
// lost, matching the adapter's at-most-once contract.
type natsTransport struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

func newNATSTransport(url string) (*natsTransport, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &natsTransport{conn: conn}, nil
}

func (t *natsTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.conn.Publish(topic, payload)
}

func (t *natsTransport) Subscribe(topic string, handler func(payload []byte)) error {
	sub, err := t.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return nil
}

func (t *natsTransport) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	t.conn.Close()
	return nil
}
