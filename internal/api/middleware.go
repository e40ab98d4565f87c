package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/yairfalse/perfwatch/pkg/monitoring"
)

const (
	// SessionHeader carries the caller's session id
	SessionHeader = "X-Session-ID"
	// SessionCookie is consulted when the header is absent
	SessionCookie = "session_id"
)

// RequestRecorder receives one call per completed request
type RequestRecorder interface {
	RecordRequest(req monitoring.RequestMeta, resp monitoring.ResponseMeta, durationMs float64)
}

// statusRecorder captures the status code written by the wrapped handler
type statusRecorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		r.hijacked = true
	}
	return conn, rw, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RecordRequests reports every completed request to rec. The path is the
// matched route template so ids in URLs do not explode cardinality.
// Hijacked connections are not recorded; their lifetime is tracked as a
// connection instead.
func RecordRequests(rec RequestRecorder) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(sr, r)

			if sr.hijacked {
				return
			}
			status := sr.status
			if status == 0 {
				status = http.StatusOK
			}
			rec.RecordRequest(
				monitoring.RequestMeta{
					Path:      routePath(r),
					Method:    r.Method,
					SessionID: sessionID(r),
				},
				monitoring.ResponseMeta{StatusCode: status},
				float64(time.Since(start).Microseconds())/1000,
			)
		})
	}
}

func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func sessionID(r *http.Request) string {
	if id := r.Header.Get(SessionHeader); id != "" {
		return id
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// recoverPanics turns handler panics into 500 responses
func recoverPanics(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("Handler panic",
						zap.Any("panic", p),
						zap.String("path", r.URL.Path),
						zap.String("method", r.Method))
					http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
