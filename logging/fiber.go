package logging

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const HeaderRequestID = "X-Request-ID"

type fiberOptions struct {
	userID func(c *fiber.Ctx) int64
}

type FiberOption func(*fiberOptions)

// WithUserID makes the completion log carry the caller's user id as
// resolved by fn after the handler chain ran. 0 means anonymous.
func WithUserID(fn func(c *fiber.Ctx) int64) FiberOption {
	return func(o *fiberOptions) { o.userID = fn }
}

// FiberMiddleware tags every request with a request id, puts a child logger
// into the request's user context and logs the completed request.
func FiberMiddleware(logger zerolog.Logger, opts ...FiberOption) fiber.Handler {
	var o fiberOptions
	for _, opt := range opts {
		opt(&o)
	}
	return func(c *fiber.Ctx) error {
		start := time.Now()

		reqID := c.Get(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}

		child := logger.With().
			Str(FieldRequestID, reqID).
			Str(FieldMethod, c.Method()).
			Str(FieldPath, c.Path()).
			Str(FieldClientIP, c.IP()).
			Logger()

		c.Set(HeaderRequestID, reqID)
		c.SetUserContext(WithLogger(c.UserContext(), child))

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		evt := child.Info().
			Int(FieldStatus, status).
			Float64(FieldLatency, float64(time.Since(start).Milliseconds()))
		if o.userID != nil {
			if userID := o.userID(c); userID != 0 {
				evt = evt.Int64(FieldUserID, userID)
			}
		}
		evt.Msg("request completed")
		return err
	}
}
