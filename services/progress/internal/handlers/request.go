package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/example/reading-sync/internal/platform/api"
	"github.com/example/reading-sync/internal/platform/auth"
	"github.com/example/reading-sync/internal/platform/httpserver"
)

const maxRequestBodyBytes = 64 << 10

// decodeJSON reads up to maxRequestBodyBytes from r.Body and decodes JSON into dst.
// On failure it writes a 400 response and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, rid string, dst *T) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(dst); err != nil {
		api.BadRequest(w, "INVALID_JSON", "Invalid JSON", rid, nil)
		return false
	}
	return true
}

// caller extracts the request id, authenticated user and book identifier
// every progress route needs. It writes the error response itself.
func caller(w http.ResponseWriter, r *http.Request, needBook bool) (rid, uid, book string, ok bool) {
	rid = httpserver.RequestIDFromContext(r.Context())
	uid, ok = auth.UserIDFromContext(r.Context())
	if !ok || strings.TrimSpace(uid) == "" {
		api.Unauthorized(w, "AUTH_MISSING", "Missing auth", rid)
		return rid, "", "", false
	}
	if !needBook {
		return rid, uid, "", true
	}
	book, err := url.PathUnescape(chi.URLParam(r, "book_identifier"))
	if err != nil || strings.TrimSpace(book) == "" {
		api.BadRequest(w, "INVALID_BOOK", "Invalid book identifier", rid, nil)
		return rid, uid, "", false
	}
	return rid, uid, book, true
}
