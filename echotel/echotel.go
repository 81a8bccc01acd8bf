// Package echotel adapts request telemetry capture to the echo framework's
// own middleware extension point.
package echotel

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kon-rad/appinsights"
)

// Options customizes capture; every field is optional.
type Options struct {
	// IsSuccess defaults to appinsights.DefaultIsSuccess.
	IsSuccess func(status int) bool
	// Filter skips capture for requests it returns true for.
	Filter func(c echo.Context) bool
}

// Middleware returns an echo middleware that records one request telemetry
// item per handled request. Handler errors are recorded as exceptions
// (echo.HTTPError keeps its status; other errors count as 500) and then
// returned unchanged for echo's error handler.
func Middleware(client *appinsights.Client, opts *Options) echo.MiddlewareFunc {
	if opts == nil {
		opts = &Options{}
	}
	isSuccess := opts.IsSuccess
	if isSuccess == nil {
		isSuccess = appinsights.DefaultIsSuccess
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if opts.Filter != nil && opts.Filter(c) {
				return next(c)
			}

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				var httpErr *echo.HTTPError
				if errors.As(err, &httpErr) {
					status = httpErr.Code
				} else {
					status = 500
					client.TrackException(err, map[string]string{
						"route": c.Path(),
					}, nil)
				}
			}

			req := c.Request()
			name := c.Path()
			if name == "" {
				name = req.URL.Path
			}
			client.TrackRequest(appinsights.Request{
				Name:         name,
				URL:          req.URL.String(),
				Method:       req.Method,
				StartTime:    start,
				Duration:     time.Since(start),
				ResponseCode: strconv.Itoa(status),
				Success:      isSuccess(status),
			})

			return err
		}
	}
}
