package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	requestIDHeader = "X-Request-Id"
	maxRequestIDLen = 128
)

type ctxKeyRequestID struct{}

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID{}).(string)
	return v
}

// RequestIDMiddleware propagates a caller-supplied request id or mints a
// time-ordered one, and echoes it back in the response.
func RequestIDMiddleware(headerName string) func(next http.Handler) http.Handler {
	if strings.TrimSpace(headerName) == "" {
		headerName = requestIDHeader
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rid, ok := acceptRequestID(r.Header.Get(headerName))
			if !ok {
				rid = newRequestID()
			}
			w.Header().Set(headerName, rid)
			ctx := context.WithValue(r.Context(), ctxKeyRequestID{}, rid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// acceptRequestID keeps inbound ids that are safe to log verbatim.
func acceptRequestID(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" || len(v) > maxRequestIDLen {
		return "", false
	}
	for _, c := range v {
		if c < 0x21 || c > 0x7e {
			return "", false
		}
	}
	return v, true
}

func newRequestID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
