package httptransport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// RequestLogger logs one line per request. Probe and scrape endpoints are
// demoted to debug so steady-state logs stay readable.
func RequestLogger(next http.Handler) http.Handler {
	log := zap.S().Named("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()

		reqID := middleware.GetReqID(r.Context())

		next.ServeHTTP(sw, r)

		logf := log.Infof
		switch {
		case sw.status >= http.StatusInternalServerError:
			logf = log.Errorf
		case sw.status >= http.StatusBadRequest:
			logf = log.Warnf
		case r.URL.Path == "/healthz" || r.URL.Path == "/metrics":
			logf = log.Debugf
		}
		logf("req_id=%s method=%s path=%s status=%d bytes=%d duration_ms=%d",
			reqID,
			r.Method,
			r.URL.Path,
			sw.status,
			sw.bytes,
			time.Since(start).Milliseconds(),
		)
	})
}
