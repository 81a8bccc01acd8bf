package appinsights

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kon-rad/appinsights/contracts"
)

// MiddlewareOptions customizes request capture. Every field is optional.
type MiddlewareOptions struct {
	// IsSuccess classifies a response status from the server's point of
	// view. Defaults to DefaultIsSuccess.
	IsSuccess func(status int) bool
	// Filter skips capture entirely for requests it returns true for.
	Filter func(r *http.Request) bool
	// UserGetter extracts user context from the request, typically after
	// authentication middleware has run.
	UserGetter func(r *http.Request) *contracts.User
}

// DefaultIsSuccess treats anything below 400 as success, plus the client
// errors a server handles deliberately (unauthorized, forbidden, not found,
// method not allowed).
func DefaultIsSuccess(status int) bool {
	if status < 400 {
		return true
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusMethodNotAllowed:
		return true
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Middleware captures request telemetry for every handled request: name,
// URL, method, status, duration, and success classification. A panic in
// the handler is recorded as an exception plus a failed request, then
// re-raised for the host's own recovery layer.
func Middleware(client *Client, opts *MiddlewareOptions) func(http.Handler) http.Handler {
	if opts == nil {
		opts = &MiddlewareOptions{}
	}
	isSuccess := opts.IsSuccess
	if isSuccess == nil {
		isSuccess = DefaultIsSuccess
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Filter != nil && opts.Filter(r) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			telemetryID := uuid.NewString()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			track := func(status int) {
				var tags []contracts.TagSource
				tags = append(tags, contracts.Operation{
					ID:   telemetryID,
					Name: r.Method + " " + r.URL.Path,
				})
				if opts.UserGetter != nil {
					if user := opts.UserGetter(r); user != nil {
						tags = append(tags, *user)
					}
				}
				client.TrackRequest(Request{
					ID:           telemetryID,
					Name:         r.URL.Path,
					URL:          r.URL.String(),
					Method:       r.Method,
					StartTime:    start,
					Duration:     time.Since(start),
					ResponseCode: fmt.Sprintf("%d", status),
					Success:      isSuccess(status),
				}, tags...)
			}

			defer func() {
				if rec := recover(); rec != nil {
					err, ok := rec.(error)
					if !ok {
						err = fmt.Errorf("panic: %v", rec)
					}
					client.TrackException(err, map[string]string{
						"request_id": telemetryID,
					}, nil)
					client.TrackRequest(Request{
						ID:           telemetryID,
						Name:         r.URL.Path,
						URL:          r.URL.String(),
						Method:       r.Method,
						StartTime:    start,
						Duration:     time.Since(start),
						ResponseCode: "500",
						Success:      false,
					})
					panic(rec)
				}
			}()

			next.ServeHTTP(recorder, r)
			track(recorder.status)
		})
	}
}
