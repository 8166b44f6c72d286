package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/validation"
)

// ContentTypeProblem is the media type of problem responses
const ContentTypeProblem = "application/problem+json"

func writeProblem(w http.ResponseWriter, problem *validation.ProblemDetails) {
	if problem.Status == 0 {
		problem.Status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", ContentTypeProblem)
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

func malformedProblem(r *http.Request, err error) *validation.ProblemDetails {
	return &validation.ProblemDetails{
		Type:     "https://tools.ietf.org/html/rfc9110#section-15.5.1",
		Title:    "Malformed request body",
		Status:   http.StatusBadRequest,
		Detail:   err.Error(),
		Instance: r.URL.Path,
	}
}

func internalProblem(r *http.Request, err error) *validation.ProblemDetails {
	return &validation.ProblemDetails{
		Type:     "https://tools.ietf.org/html/rfc9110#section-15.6.1",
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   err.Error(),
		Instance: r.URL.Path,
	}
}

// dispatchProblem maps a bus error to a response
func dispatchProblem(r *http.Request, err error) *validation.ProblemDetails {
	if rejected, ok := validation.AsRejected(err); ok && rejected.Problem != nil {
		rejected.Problem.Instance = r.URL.Path
		return rejected.Problem
	}

	status := http.StatusInternalServerError
	switch {
	case contracts.IsAddressingError(err), errors.Is(err, messaging.ErrNoSubscribers):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, contracts.ErrUnsupportedOperation):
		status = http.StatusNotImplemented
	case errors.Is(err, messaging.ErrBusClosed), errors.Is(err, contracts.ErrCancelled):
		status = http.StatusServiceUnavailable
	case errors.Is(err, contracts.ErrTimedOut):
		status = http.StatusGatewayTimeout
	}

	return &validation.ProblemDetails{
		Type:     fmt.Sprintf("https://httpstatuses.io/%d", status),
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   err.Error(),
		Instance: r.URL.Path,
	}
}
