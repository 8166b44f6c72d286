package validation

import (
	"fmt"
	"net/http"
)

// ProblemDetails is an RFC 9457 problem document carrying validation failures
type ProblemDetails struct {
	Type     string              `json:"type"`
	Title    string              `json:"title"`
	Status   int                 `json:"status"`
	Detail   string              `json:"detail,omitempty"`
	Instance string              `json:"instance,omitempty"`
	Errors   map[string][]string `json:"errors,omitempty"`
	Failures []*Failure          `json:"failures,omitempty"`
}

// ProblemDetailSource turns the failures for msg into a problem payload
type ProblemDetailSource[T any] interface {
	Create(msg T, failures []*Failure) *ProblemDetails
}

// ProblemDetailSourceFunc adapts a function to ProblemDetailSource
type ProblemDetailSourceFunc[T any] func(msg T, failures []*Failure) *ProblemDetails

// Create implements ProblemDetailSource
func (f ProblemDetailSourceFunc[T]) Create(msg T, failures []*Failure) *ProblemDetails {
	return f(msg, failures)
}

const (
	problemType  = "https://tools.ietf.org/html/rfc9110#section-15.5.1"
	problemTitle = "Validation failed"
	messageKey   = "message"
)

// DefaultProblemDetailSource groups failure messages by field
type DefaultProblemDetailSource[T any] struct{}

// Create implements ProblemDetailSource
func (DefaultProblemDetailSource[T]) Create(msg T, failures []*Failure) *ProblemDetails {
	errs := make(map[string][]string, len(failures))
	for _, f := range failures {
		key := f.Field
		if key == "" {
			key = messageKey
		}
		errs[key] = append(errs[key], f.Message)
	}

	return &ProblemDetails{
		Type:     problemType,
		Title:    problemTitle,
		Status:   http.StatusBadRequest,
		Detail:   fmt.Sprintf("%d validation failure(s) for %T", len(failures), msg),
		Errors:   errs,
		Failures: failures,
	}
}
