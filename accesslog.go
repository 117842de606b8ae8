package netguard

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes one structured record per proxied request. It
// uses slog.LogAttrs to keep allocations down on the hot path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	// Timestamp when the request was received.
	Timestamp time.Time

	// Method is the HTTP method (GET, POST, CONNECT, etc.).
	Method string

	// Domain is the normalized target domain.
	Domain string

	// Path is the request URL path. Empty for opaque tunnels.
	Path string

	// Protocol is "http", "https", or "tunnel".
	Protocol string

	// StatusCode is the upstream response status code. Zero if blocked
	// or errored.
	StatusCode int

	// Duration is the time to process the request.
	Duration time.Duration

	// BytesWritten is the response body size.
	BytesWritten int64

	// ClientAddr is the client's remote address.
	ClientAddr string

	// Blocked is true if the request matched the block set.
	Blocked bool

	// BlockReason is why the request was blocked (if Blocked is true).
	BlockReason string

	// Error is a description of any error that occurred.
	Error string

	// UserAgent is the client's User-Agent header.
	UserAgent string
}

// NewAccessLogger creates an AccessLogger writing to the given
// slog.Logger. For machine consumption, pass a logger configured with
// slog.NewJSONHandler.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 12)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("method", e.Method),
		slog.String("domain", e.Domain),
		slog.String("path", e.Path),
		slog.String("protocol", e.Protocol),
		slog.String("client", e.ClientAddr),
	)

	if e.Blocked {
		attrs = append(attrs,
			slog.Bool("blocked", true),
			slog.String("block_reason", e.BlockReason),
		)
	} else {
		attrs = append(attrs,
			slog.Int("status", e.StatusCode),
			slog.Int64("bytes", e.BytesWritten),
		)
	}

	attrs = append(attrs, slog.Duration("duration", e.Duration))

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
