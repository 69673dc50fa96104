package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/product-catalog-service/internal/correlation"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
)

// Headers read or set by the API.
const (
	HeaderRequestID   = "requestId"
	HeaderXRequestID  = "X-Request-Id"
	HeaderAmznTraceID = "X-Amzn-Trace-Id"
	HeaderTraceParent = "traceparent"
	HeaderTraceID     = "X-Trace-Id"
	HeaderActorEmail  = "X-Actor-Email"
	HeaderEventID     = "X-Event-Id"
)

type statusRecorder struct {
	h  http.ResponseWriter
	st int
	n  int
}

func (w *statusRecorder) Header() http.Header { return w.h.Header() }
func (w *statusRecorder) WriteHeader(code int) {
	w.st = code
	w.h.WriteHeader(code)
}
func (w *statusRecorder) Write(b []byte) (int, error) {
	n, err := w.h.Write(b)
	w.n += n
	return n, err
}

// WithCorrelation puts the request and trace ids on the request context and
// echoes them as response headers. Missing ids are generated.
func WithCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = r.Header.Get(HeaderXRequestID)
		}
		if reqID == "" {
			reqID = uuid.NewString()
		}
		traceID := traceIDFrom(r.Header)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set(HeaderXRequestID, reqID)
		w.Header().Set(HeaderTraceID, traceID)
		ctx := correlation.WithIDs(r.Context(), correlation.IDs{RequestID: reqID, TraceID: traceID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// traceIDFrom reads the Root of an X-Amzn-Trace-Id header or the trace id
// of a W3C traceparent header.
func traceIDFrom(h http.Header) string {
	if v := h.Get(HeaderAmznTraceID); v != "" {
		for _, part := range strings.Split(v, ";") {
			if k, val, ok := strings.Cut(strings.TrimSpace(part), "="); ok && k == "Root" && val != "" {
				return val
			}
		}
	}
	if v := h.Get(HeaderTraceParent); v != "" {
		parts := strings.Split(v, "-")
		if len(parts) == 4 && len(parts[1]) == 32 {
			return parts[1]
		}
	}
	return ""
}

func WithLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{h: w, st: 200}
		next.ServeHTTP(sr, r)
		lat := time.Since(start)
		obs.With(r.Context()).Info("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.st,
			"bytes", sr.n,
			"latency_ms", float64(lat.Microseconds())/1000.0,
		)
	})
}

// BodyLimit limits request bodies to maxBytes.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireJSON rejects requests whose Content-Type is not application/json.
func RequireJSON(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			WriteJSONError(r.Context(), w, http.StatusUnsupportedMediaType, "expected application/json", "")
			return
		}
		next(w, r)
	}
}
