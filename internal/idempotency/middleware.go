package idempotency

import (
	"bytes"
	"context"
	"net/http"
)

// CredentialFunc extracts the caller's credential from a request.
type CredentialFunc func(r *http.Request) string

// Middleware puts the gate in front of next. The key is read from
// header; next's response is buffered so it can be stored and
// replayed byte for byte.
func (g *Gate) Middleware(header string, credential CredentialFunc) func(http.Handler) http.Handler {
	if header == "" {
		header = "X-Idempotency-Key"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(header)
			if key == "" || safeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			resp, _, err := g.Do(r.Context(), credential(r), key, r.Method, func(ctx context.Context) Response {
				rec := newRecorder()
				next.ServeHTTP(rec, r.WithContext(ctx))
				return rec.response()
			})
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"error":"idempotency store unavailable","code":"idempotency_unavailable"}`))
				return
			}
			writeResponse(w, resp)
		})
	}
}

func writeResponse(w http.ResponseWriter, resp Response) {
	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	w.WriteHeader(resp.Code)
	_, _ = w.Write(resp.Body)
}

// recorder is a minimal buffering ResponseWriter.
type recorder struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: http.Header{}}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.body.Write(p)
}

func (r *recorder) response() Response {
	code := r.code
	if code == 0 {
		code = http.StatusOK
	}
	return Response{Code: code, Header: r.header.Clone(), Body: bytes.Clone(r.body.Bytes())}
}
