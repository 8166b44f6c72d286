package messaging

import (
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/glimte/mmate-bus/contracts"
)

// Router resolves the senders an envelope should go to.
// Local destinations always resolve to the bus's own queues.
type Router struct {
	byType        map[string][]Sender
	byEndpoint    map[string]Sender
	byDestination map[string]Sender
	byScheme      map[string]Sender
	topics        Sender
	local         *LocalQueues
	mu            sync.RWMutex
	logger        *slog.Logger
}

// NewRouter creates a router that resolves local:// addresses to queues
func NewRouter(local *LocalQueues, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		byType:        make(map[string][]Sender),
		byEndpoint:    make(map[string]Sender),
		byDestination: make(map[string]Sender),
		byScheme:      make(map[string]Sender),
		local:         local,
		logger:        logger,
	}
}

// RouteType subscribes sender to messages of the named type. Publishing fans out to every subscriber.
func (r *Router) RouteType(messageType string, sender Sender) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byType[messageType] = append(r.byType[messageType], sender)
	r.addSenderLocked(sender)
	r.logger.Info("added message route",
		"messageType", messageType,
		"destination", sender.Destination().String(),
	)
	return r
}

// RouteTypeLocally subscribes the named local queue to messages of the named type
func (r *Router) RouteTypeLocally(messageType, queue string) *Router {
	return r.RouteType(messageType, r.local.Sender(queue))
}

// RouteEndpoint registers sender under an endpoint name
func (r *Router) RouteEndpoint(name string, sender Sender) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byEndpoint[strings.ToLower(name)] = sender
	r.addSenderLocked(sender)
	return r
}

// AddSender makes sender reachable by its destination URI
func (r *Router) AddSender(sender Sender) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.addSenderLocked(sender)
	return r
}

// RouteScheme makes sender the fallback for every destination with the given scheme
func (r *Router) RouteScheme(scheme string, sender Sender) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byScheme[strings.ToLower(scheme)] = sender
	return r
}

// UseTopicSender sets the sender used for topic addressed envelopes
func (r *Router) UseTopicSender(sender Sender) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.topics = sender
	return r
}

func (r *Router) addSenderLocked(sender Sender) {
	if uri := sender.Destination(); uri != nil {
		r.byDestination[uri.String()] = sender
	}
}

// ForType returns every sender subscribed to messageType
func (r *Router) ForType(messageType string) []Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()

	senders := r.byType[messageType]
	out := make([]Sender, len(senders))
	copy(out, senders)
	return out
}

// ForEndpoint returns the sender registered under name
func (r *Router) ForEndpoint(name string) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sender, ok := r.byEndpoint[strings.ToLower(name)]
	if !ok {
		return nil, &contracts.AddressingError{Mode: "endpoint", Address: name, Reason: "unknown endpoint"}
	}
	return sender, nil
}

// ForDestination returns the sender for an explicit destination
func (r *Router) ForDestination(destination *url.URL) (Sender, error) {
	if err := contracts.ValidateDestination(destination); err != nil {
		return nil, err
	}
	if contracts.IsLocal(destination) {
		return r.local.Sender(contracts.LocalQueueName(destination)), nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if sender, ok := r.byDestination[destination.String()]; ok {
		return sender, nil
	}
	if sender, ok := r.byScheme[strings.ToLower(destination.Scheme)]; ok {
		return sender, nil
	}
	return nil, &contracts.AddressingError{Mode: "destination", Address: destination.String(), Reason: "no sender for destination"}
}

// ForTopic returns the topic sender
func (r *Router) ForTopic(topic string) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.topics == nil {
		return nil, contracts.Unsupported("send to topic "+topic, "no topic sender is configured")
	}
	return r.topics, nil
}

// Resolve returns the senders for env based on how it is addressed.
// Destination wins over endpoint, endpoint over topic, topic over message type.
func (r *Router) Resolve(env *contracts.Envelope) ([]Sender, error) {
	switch {
	case env.Destination != nil:
		sender, err := r.ForDestination(env.Destination)
		if err != nil {
			return nil, err
		}
		return []Sender{sender}, nil
	case env.EndpointName != "":
		sender, err := r.ForEndpoint(env.EndpointName)
		if err != nil {
			return nil, err
		}
		return []Sender{sender}, nil
	case env.TopicName != "":
		sender, err := r.ForTopic(env.TopicName)
		if err != nil {
			return nil, err
		}
		return []Sender{sender}, nil
	default:
		return r.ForType(env.MessageType), nil
	}
}
