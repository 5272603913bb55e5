// Package logger provides structured logging for the multichain-aa-go tools.
// It builds zap loggers and wraps HTTP traffic, both served (the local wallet
// JSON-RPC endpoint) and sent (wallet, bundler and paymaster requests).
package logger

import (
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var quietPathRegex = regexp.MustCompile(`(v1\/health|v1\/ready|metrics)$`)

// LoggerConfig holds the configuration for logger creation.
type LoggerConfig struct {
	// Debug enables debug-level logging when true, otherwise uses info level
	Debug bool
}

// NewLogger creates a new structured logger with the specified configuration.
// The logger is configured for production use with JSON encoding and ISO8601 timestamps.
//
// Parameters:
//   - cfg: The logger configuration
//   - options: Additional zap options to apply to the logger
//
// Returns:
//   - *zap.Logger: A configured zap logger instance
//   - error: An error if the logger cannot be created
func NewLogger(cfg *LoggerConfig, options ...zap.Option) (*zap.Logger, error) {
	mergedOptions := append([]zap.Option{zap.WithCaller(true)}, options...)

	c := zap.NewProductionConfig()
	c.EncoderConfig = zap.NewProductionEncoderConfig()
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg != nil && cfg.Debug {
		c.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		c.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return c.Build(mergedOptions...)
}

// HttpLoggerMiddleware logs every request served by next with its method, path and duration.
// Health, ready and metrics endpoints are not logged.
func HttpLoggerMiddleware(next http.Handler, l *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		if !quietPathRegex.MatchString(r.URL.Path) {
			l.Sugar().Infow("http_request",
				zap.String("system", "http"),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("duration", time.Since(start)),
			)
		}
	})
}

// httpLoggerTransport is the client-side twin of HttpLoggerMiddleware.
type httpLoggerTransport struct {
	next   http.RoundTripper
	logger *zap.Logger
}

// NewHttpLoggerTransport wraps next so that every outgoing request is logged at debug level.
// A nil next falls back to http.DefaultTransport.
func NewHttpLoggerTransport(next http.RoundTripper, l *zap.Logger) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &httpLoggerTransport{next: next, logger: l}
}

func (t *httpLoggerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	res, err := t.next.RoundTrip(r)

	fields := []zap.Field{
		zap.String("system", "http-client"),
		zap.String("method", r.Method),
		zap.String("host", r.URL.Host),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		t.logger.Debug("outgoing_http_request_failed", append(fields, zap.Error(err))...)
		return nil, err
	}
	t.logger.Debug("outgoing_http_request", append(fields, zap.Int("status", res.StatusCode))...)
	return res, nil
}
