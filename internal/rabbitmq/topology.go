package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DelayedExchangeType is the exchange type of rabbitmq_delayed_message_exchange.
// Messages published to it with an x-delay header are held by the broker.
const DelayedExchangeType = "x-delayed-message"

// ExchangeDeclaration describes an exchange
type ExchangeDeclaration struct {
	Name    string
	Kind    string
	Durable bool
	Args    amqp.Table
}

// QueueDeclaration describes a queue
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

// Binding binds a queue to an exchange
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology is a set of declarations applied in order: exchanges, queues, bindings
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// DelayedExchange declares name as a delayed-message exchange routing like kind
func DelayedExchange(name, kind string) ExchangeDeclaration {
	return ExchangeDeclaration{
		Name:    name,
		Kind:    DelayedExchangeType,
		Durable: true,
		Args:    amqp.Table{"x-delayed-type": kind},
	}
}

// Declarer runs declarations on a channel
type Declarer interface {
	Declare(ctx context.Context, fn func(*amqp.Channel) error) error
}

// DeclareTopology declares every exchange, queue and binding of t
func DeclareTopology(ctx context.Context, d Declarer, t Topology) error {
	return d.Declare(ctx, func(ch *amqp.Channel) error {
		return t.apply(ch)
	})
}

// TopologyChannel is the subset of *amqp.Channel used for declarations
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

func (t Topology) apply(ch TopologyChannel) error {
	for _, ex := range t.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Kind, ex.Durable, false, false, false, ex.Args); err != nil {
			return &TopologyError{Component: "exchange", Name: ex.Name, Err: err}
		}
	}
	for _, q := range t.Queues {
		if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Args); err != nil {
			return &TopologyError{Component: "queue", Name: q.Name, Err: err}
		}
	}
	for _, b := range t.Bindings {
		if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return &TopologyError{Component: "binding", Name: b.Queue + "->" + b.Exchange, Err: err}
		}
	}
	return nil
}
