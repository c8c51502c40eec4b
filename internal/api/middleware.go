package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/clearance/internal/domain"
	"github.com/opensource-finance/clearance/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const (
	TenantIDKey  contextKey = "tenantID"
	TraceIDKey   contextKey = "traceID"
	RequestIDKey contextKey = "requestID"

	TenantIDHeader  = "X-Tenant-ID"
	RequestIDHeader = "X-Request-ID"
	TraceIDHeader   = "X-Trace-ID"
)

var tracer = otel.Tracer("clearance-api")

// TenantMiddleware requires a valid X-Tenant-ID and stores it in the
// request context.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantIDHeader)
		if tenantID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "X-Tenant-ID header is required"})
			return
		}
		if !domain.ValidTenantID(tenantID) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("X-Tenant-ID must be 1-%d letters, digits, '-' or '_'", domain.MaxTenantIDLength),
			})
			return
		}

		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("tenant.id", tenantID))
		if entry, ok := r.Context().Value(logEntryKey).(*logEntry); ok {
			entry.tenantID = tenantID
		}
		ctx := context.WithValue(r.Context(), TenantIDKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TracingMiddleware continues an incoming W3C trace, or starts one, and
// echoes the request and trace IDs as response headers.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		traceID := requestID
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			traceID = sc.TraceID().String()
		}

		ctx = context.WithValue(ctx, RequestIDKey, requestID)
		ctx = context.WithValue(ctx, TraceIDKey, traceID)
		w.Header().Set(RequestIDHeader, requestID)
		w.Header().Set(TraceIDHeader, traceID)

		rw := wrapResponseWriter(w)
		next.ServeHTTP(rw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rw.statusCode))
		if rw.statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
		}
	})
}

// logEntry collects values set by middleware running inside the logger.
type logEntry struct {
	tenantID string
}

const logEntryKey contextKey = "logEntry"

// LoggingMiddleware logs one line per request; 4xx at warn, 5xx at error.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrapResponseWriter(w)
		entry := &logEntry{}

		next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), logEntryKey, entry)))

		level := slog.LevelInfo
		switch {
		case rw.statusCode >= http.StatusInternalServerError:
			level = slog.LevelError
		case rw.statusCode >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"bytes", rw.written,
			"duration_ms", time.Since(start).Milliseconds(),
			"tenant_id", entry.tenantID,
			"request_id", valueOf(r.Context(), RequestIDKey),
			"trace_id", GetTraceID(r.Context()),
		)
	})
}

// RateLimitMiddleware bounds requests per tenant with a fixed window counter
// kept in the cache. It must run after TenantMiddleware. Cache failures let
// the request through.
func RateLimitMiddleware(c domain.Cache, cfg domain.RateLimitConfig, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if c == nil || !cfg.Enabled || cfg.Requests <= 0 || cfg.Window <= 0 {
			return next
		}
		retryAfter := strconv.Itoa(int((cfg.Window + time.Second - 1) / time.Second))
		limit := strconv.Itoa(cfg.Requests)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := GetTenantID(r.Context())
			bucket := time.Now().UnixNano() / int64(cfg.Window)
			key := "ratelimit:" + strconv.FormatInt(bucket, 10)

			count, err := c.IncrementCounter(r.Context(), tenantID, key, cfg.Window)
			if err != nil {
				slog.Warn("rate limit counter unavailable", "tenant_id", tenantID, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(max(int64(cfg.Requests)-count, 0), 10))
			if count > int64(cfg.Requests) {
				m.IncrementRejected("rate_limit")
				w.Header().Set("Retry-After", retryAfter)
				writeJSON(w, http.StatusTooManyRequests, map[string]string{
					"error": "rate limit exceeded",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware reflects the caller's origin. Credentials are only allowed
// for a concrete origin.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Add("Vary", "Origin")
		if origin := r.Header.Get("Origin"); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
		} else {
			h.Set("Access-Control-Allow-Origin", "*")
		}
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Tenant-ID, X-Request-ID, X-Trace-ID, Authorization, traceparent, tracestate")
		h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Trace-ID, X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After")
		h.Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecoverMiddleware turns a panic into a 500 and logs the stack.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				slog.Error("panic recovered",
					"error", err,
					"path", r.URL.Path,
					"request_id", w.Header().Get(RequestIDHeader),
					"stack", string(debug.Stack()),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter records the status and body size.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	written     int64
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func valueOf(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// GetTenantID extracts tenant ID from context.
func GetTenantID(ctx context.Context) string {
	return valueOf(ctx, TenantIDKey)
}

// GetTraceID extracts trace ID from context.
func GetTraceID(ctx context.Context) string {
	return valueOf(ctx, TraceIDKey)
}
