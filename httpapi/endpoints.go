package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
)

// HeaderCorrelationID carries the caller's correlation ID into the published envelope
const HeaderCorrelationID = "X-Correlation-ID"

type dispatchFunc func(ctx context.Context, d messaging.Delivery) error

// PublishMessage registers a POST endpoint at path that decodes a JSON T and
// publishes it. Accepted messages are answered with 202.
func PublishMessage[T any](mux *http.ServeMux, opts *Options, path string, publisher messaging.MessagePublisher, customize ...func(*Endpoint)) *Endpoint {
	return forward[T](mux, opts, http.MethodPost, path, "Publish", publisher.Publish, customize)
}

// SendMessage is PublishMessage with send semantics
func SendMessage[T any](mux *http.ServeMux, opts *Options, path string, publisher messaging.MessagePublisher, customize ...func(*Endpoint)) *Endpoint {
	return forward[T](mux, opts, http.MethodPost, path, "Send", publisher.Send, customize)
}

func forward[T any](mux *http.ServeMux, opts *Options, method, path, verb string, dispatch dispatchFunc, customize []func(*Endpoint)) *Endpoint {
	msgType := reflect.TypeOf((*T)(nil)).Elem()
	endpoint := &Endpoint{
		Method:      method,
		Path:        path,
		MessageType: msgType,
		DisplayName: fmt.Sprintf("%s %s to the bus", verb, msgType),
	}
	if opts != nil {
		for _, policy := range opts.Policies {
			policy.Apply(endpoint)
		}
	}
	for _, c := range customize {
		c(endpoint)
	}

	logger := opts.logger()
	handle := endpoint.wrap(func(w http.ResponseWriter, r *http.Request, msg any) {
		ctx := r.Context()
		if id := r.Header.Get(HeaderCorrelationID); id != "" {
			ctx = contracts.WithCorrelationID(ctx, id)
		}

		if err := dispatch(ctx, messaging.NewDelivery(msg)); err != nil {
			logger.Error("failed to forward message",
				"path", r.URL.Path,
				"messageType", msgType.String(),
				"error", err,
			)
			writeProblem(w, dispatchProblem(r, err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	maxBytes := opts.maxBodyBytes()
	mux.HandleFunc(method+" "+path, func(w http.ResponseWriter, r *http.Request) {
		msg, err := decode[T](w, r, maxBytes)
		if err != nil {
			writeProblem(w, malformedProblem(r, err))
			return
		}
		handle(w, r, msg)
	})

	logger.Info("registered message endpoint",
		"method", method,
		"path", path,
		"messageType", msgType.String(),
	)
	return endpoint
}

func decode[T any](w http.ResponseWriter, r *http.Request, maxBytes int64) (T, error) {
	var msg T
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	defer body.Close()

	if err := json.NewDecoder(body).Decode(&msg); err != nil {
		if errors.Is(err, io.EOF) {
			return msg, errors.New("request body is empty")
		}
		return msg, fmt.Errorf("invalid JSON body: %w", err)
	}
	return msg, nil
}
