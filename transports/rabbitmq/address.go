package rabbitmq

import (
	"net/url"
	"strings"

	"github.com/glimte/mmate-bus/contracts"
)

// Scheme is the URI scheme of RabbitMQ destinations:
//
//	rabbitmq://exchange/orders?routingKey=order.created
//	rabbitmq://queue/billing
const Scheme = "rabbitmq"

const (
	kindExchange = "exchange"
	kindQueue    = "queue"
)

// ExchangeURI addresses an exchange. An empty routing key is filled per
// message from its topic or type.
func ExchangeURI(exchange, routingKey string) *url.URL {
	u := &url.URL{Scheme: Scheme, Host: kindExchange, Path: "/" + exchange}
	if routingKey != "" {
		u.RawQuery = url.Values{"routingKey": {routingKey}}.Encode()
	}
	return u
}

// QueueURI addresses a queue through the default exchange
func QueueURI(queue string) *url.URL {
	return &url.URL{Scheme: Scheme, Host: kindQueue, Path: "/" + queue}
}

type address struct {
	exchange   string
	routingKey string
}

func parseAddress(u *url.URL) (address, error) {
	if u == nil || u.Scheme != Scheme {
		return address{}, &contracts.AddressingError{Mode: "destination", Address: uriString(u), Reason: "not a rabbitmq:// address"}
	}

	name := strings.Trim(u.Path, "/")
	switch u.Host {
	case kindExchange:
		if name == "" {
			return address{}, &contracts.AddressingError{Mode: "destination", Address: u.String(), Reason: "exchange name is empty"}
		}
		return address{exchange: name, routingKey: u.Query().Get("routingKey")}, nil
	case kindQueue:
		if name == "" {
			return address{}, &contracts.AddressingError{Mode: "destination", Address: u.String(), Reason: "queue name is empty"}
		}
		return address{routingKey: name}, nil
	default:
		return address{}, &contracts.AddressingError{Mode: "destination", Address: u.String(), Reason: "expected rabbitmq://exchange/<name> or rabbitmq://queue/<name>"}
	}
}

// key picks the routing key for env: the address's own, then the topic, then the message type
func (a address) key(env *contracts.Envelope) string {
	switch {
	case a.routingKey != "":
		return a.routingKey
	case env.TopicName != "":
		return env.TopicName
	default:
		return env.MessageType
	}
}

func uriString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}
