package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/glimte/mmate-bus/validation"
)

// ValidationMiddleware runs the validators registered for the message. A rejection
// is written as problem details and the request stops there.
func ValidationMiddleware(registry *validation.Registry, logger *slog.Logger) Middleware {
	return func(next MessageHandlerFunc) MessageHandlerFunc {
		return func(w http.ResponseWriter, r *http.Request, msg any) {
			result, err := registry.Validate(r.Context(), msg)
			if err != nil {
				logger.Error("validator failed",
					"path", r.URL.Path,
					"error", err,
				)
				writeProblem(w, internalProblem(r, err))
				return
			}
			if !result.Continue() {
				result.Problem.Instance = r.URL.Path
				logger.Debug("request rejected by validation",
					"path", r.URL.Path,
					"failures", len(result.Problem.Failures),
				)
				writeProblem(w, result.Problem)
				return
			}
			next(w, r, msg)
		}
	}
}

// Validate decodes a JSON body into T and validates it with registry before
// calling next. Invalid bodies and rejections are answered with problem details.
func Validate[T any](registry *validation.Registry, next func(w http.ResponseWriter, r *http.Request, msg T)) http.Handler {
	mw := ValidationMiddleware(registry, slog.Default())
	handle := mw(func(w http.ResponseWriter, r *http.Request, msg any) {
		next(w, r, msg.(T))
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg, err := decode[T](w, r, DefaultMaxBodyBytes)
		if err != nil {
			writeProblem(w, malformedProblem(r, err))
			return
		}
		handle(w, r, msg)
	})
}
