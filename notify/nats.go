package notify

import (
	"context"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/michaelayoade/dotmac-platform-services-sub023/codec"
)

// ErrConnRequired is returned when constructing a NATS notifier without
// a connection.
var ErrConnRequired = errors.New("nats connection required")

// NATS publishes lifecycle events to NATS Core subjects.
//
// The subject for an event is "<prefix>.<workflow_type>.<kind>", e.g.
// "workflows.provision_subscriber.step.completed", so subscribers can use
// wildcards: "workflows.*.failed" for every workflow failure, or
// "workflows.provision_subscriber.>" for everything about one type.
//
// Delivery is at-most-once (fire-and-forget); the durable record of every
// transition lives in the state store, events are advisory.
type NATS struct {
	conn    *nats.Conn
	prefix  string
	codec   codec.Codec
	onError func(error)
}

// NATSOption configures the NATS notifier.
type NATSOption func(*NATS)

// WithSubjectPrefix sets the subject prefix. Default "workflows".
func WithSubjectPrefix(prefix string) NATSOption {
	return func(n *NATS) {
		if prefix != "" {
			n.prefix = strings.TrimSuffix(prefix, ".")
		}
	}
}

// WithCodec sets the event payload codec. Default JSON.
func WithCodec(c codec.Codec) NATSOption {
	return func(n *NATS) {
		if c != nil {
			n.codec = c
		}
	}
}

// WithErrorHandler sets a callback invoked on publish errors.
func WithErrorHandler(fn func(error)) NATSOption {
	return func(n *NATS) {
		if fn != nil {
			n.onError = fn
		}
	}
}

// NewNATS creates a NATS notifier on an established connection.
func NewNATS(conn *nats.Conn, opts ...NATSOption) (*NATS, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}

	n := &NATS{
		conn:    conn,
		prefix:  "workflows",
		codec:   codec.Default(),
		onError: func(error) {},
	}

	for _, opt := range opts {
		opt(n)
	}

	return n, nil
}

// Notify publishes the event to its subject.
func (n *NATS) Notify(ctx context.Context, event Event) error {
	data, err := n.codec.Encode(event)
	if err != nil {
		return err
	}

	subject := n.prefix + "." + event.WorkflowType + "." + string(event.Kind)
	if err := n.conn.Publish(subject, data); err != nil {
		n.onError(err)
		return err
	}
	return nil
}

// Compile-time check.
var _ Notifier = (*NATS)(nil)
