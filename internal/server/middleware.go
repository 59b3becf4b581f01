package server

import (
	"bufio"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"dockyard/internal/reqid"
)

const maxRequestIDLength = 128

// withRequestID honours an incoming X-Request-Id or generates one, echoes it
// on the response and stores it in the request context.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := strings.TrimSpace(req.Header.Get(reqid.Header))
		if id == "" || len(id) > maxRequestIDLength {
			id = reqid.New()
		}
		w.Header().Set(reqid.Header, id)
		next.ServeHTTP(w, req.WithContext(reqid.WithRequestID(req.Context(), id)))
	})
}

// requireAPIKey guards a handler with a bearer token. An empty key leaves
// the handler open.
func requireAPIKey(apiKey string, next http.HandlerFunc) http.HandlerFunc {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return next
	}
	return func(w http.ResponseWriter, req *http.Request) {
		header := strings.TrimSpace(req.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="dockyard"`)
			writeAPIError(w, http.StatusUnauthorized, "unauthorized", "bearer token is required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
			writeAPIError(w, http.StatusForbidden, "forbidden", "invalid bearer token")
			return
		}
		next(w, req)
	}
}

func withRequestLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			started := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, req)
			logger.Info("http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", recorder.status,
				"duration_ms", time.Since(started).Milliseconds(),
				"request_id", reqid.FromContext(req.Context()),
			)
		})
	}
}

// statusRecorder captures the response status while keeping streaming and
// upgrade support of the wrapped writer.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
