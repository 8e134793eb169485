package bus

import (
	"context"

	log "github.com/go-pkgz/lgr"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// Nats is Bus on top of NATS core subjects. The connection echoes messages
// back to the publisher's own subscriptions, same as Local.
type Nats struct {
	Conn   *nats.Conn
	Prefix string // subject prefix, topics are published as Prefix.topic
}

// Publish sends data to the topic subject
func (n *Nats) Publish(_ context.Context, topic string, data []byte) error {
	if err := n.Conn.Publish(n.subject(topic), data); err != nil {
		return errors.Wrapf(err, "can't publish to %s", n.subject(topic))
	}
	return nil
}

// Subscribe on the topic subject. Flushes the connection so the subscription is
// active on the server when the call returns.
func (n *Nats) Subscribe(topic string, h Handler) (Subscription, error) {
	sub, err := n.Conn.Subscribe(n.subject(topic), func(m *nats.Msg) {
		h(m.Data)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "can't subscribe to %s", n.subject(topic))
	}
	if err = n.Conn.Flush(); err != nil {
		log.Printf("[WARN] flush after subscribe to %s failed, %v", n.subject(topic), err)
	}
	return sub, nil
}

func (n *Nats) subject(topic string) string {
	if n.Prefix == "" {
		return topic
	}
	return n.Prefix + "." + topic
}
