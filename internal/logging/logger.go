package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

type Environment struct {
	Service string
	Version string
	Commit  string
	Network string
}

type ctxKey struct{}

type RequestFields struct {
	mu     sync.Mutex
	fields map[string]any
}

func NewJSONLogger() *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(h)
}

// Middleware emits one structured line per request and seeds the context so
// handlers can attach fields with AddField. Panics are logged with their
// stack and re-raised after the line is written.
func Middleware(logger *slog.Logger, env Environment) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			reqID := req.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = randomRequestID()
			}
			fields := &RequestFields{fields: map[string]any{}}
			ctx := context.WithValue(req.Context(), ctxKey{}, fields)
			c.SetRequest(req.WithContext(ctx))

			panicVal := any(nil)
			var handlerErr error
			func() {
				defer func() {
					if recovered := recover(); recovered != nil {
						panicVal = recovered
						AddField(ctx, "panic", true)
						AddField(ctx, "stack", string(debug.Stack()))
						handlerErr = echo.NewHTTPError(http.StatusInternalServerError)
					}
				}()
				handlerErr = next(c)
			}()
			if handlerErr != nil {
				c.Error(handlerErr)
			}

			event := map[string]any{
				"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
				"service":     env.Service,
				"version":     env.Version,
				"commit":      env.Commit,
				"network":     env.Network,
				"request_id":  reqID,
				"method":      req.Method,
				"path":        req.URL.Path,
				"remote_addr": c.RealIP(),
				"user_agent":  req.UserAgent(),
				"status_code": c.Response().Status,
				"duration_ms": time.Since(start).Milliseconds(),
			}
			if c.Response().Status >= 500 {
				event["outcome"] = "error"
			} else {
				event["outcome"] = "success"
			}
			for k, v := range snapshotFields(fields) {
				event[k] = v
			}
			logger.Info("http_request", slog.Any("event", event))

			if panicVal != nil {
				panic(panicVal)
			}
			return nil
		}
	}
}

// AddField records a key on the in-flight request's log line.
func AddField(ctx context.Context, key string, value any) {
	fields, ok := ctx.Value(ctxKey{}).(*RequestFields)
	if !ok || fields == nil {
		return
	}
	fields.mu.Lock()
	defer fields.mu.Unlock()
	fields.fields[key] = value
}

func snapshotFields(fields *RequestFields) map[string]any {
	if fields == nil {
		return nil
	}
	fields.mu.Lock()
	defer fields.mu.Unlock()
	out := make(map[string]any, len(fields.fields))
	for k, v := range fields.fields {
		out[k] = v
	}
	return out
}

func randomRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "req_unknown"
	}
	return "req_" + hex.EncodeToString(buf)
}
