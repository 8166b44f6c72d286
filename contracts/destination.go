package contracts

import (
	"net/url"
	"strings"
)

// LocalScheme is the URI scheme of in-process queues
const LocalScheme = "local"

// DefaultLocalQueue is the queue used by Enqueue when no queue is named
const DefaultLocalQueue = "default"

// LocalQueueURI returns the address of a named local queue
func LocalQueueURI(queue string) *url.URL {
	return &url.URL{Scheme: LocalScheme, Host: strings.ToLower(queue)}
}

// IsLocal reports whether the destination is an in-process queue
func IsLocal(destination *url.URL) bool {
	return destination != nil && destination.Scheme == LocalScheme
}

// LocalQueueName returns the queue name of a local destination
func LocalQueueName(destination *url.URL) string {
	if !IsLocal(destination) {
		return ""
	}
	return destination.Host
}

// ParseDestination parses and validates a destination address
func ParseDestination(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &AddressingError{Mode: "destination", Reason: "destination is empty"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &AddressingError{Mode: "destination", Address: raw, Reason: err.Error()}
	}
	if err := ValidateDestination(u); err != nil {
		return nil, err
	}
	return u, nil
}

// MustParseDestination is ParseDestination for static addresses; it panics on error
func MustParseDestination(raw string) *url.URL {
	u, err := ParseDestination(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// ValidateDestination rejects missing or malformed addresses
func ValidateDestination(destination *url.URL) error {
	if destination == nil {
		return &AddressingError{Mode: "destination", Reason: "destination is required"}
	}
	if destination.Scheme == "" {
		return &AddressingError{Mode: "destination", Address: destination.String(), Reason: "destination has no scheme"}
	}
	if destination.Host == "" && destination.Opaque == "" && strings.Trim(destination.Path, "/") == "" {
		return &AddressingError{Mode: "destination", Address: destination.String(), Reason: "destination has no address"}
	}
	return nil
}
