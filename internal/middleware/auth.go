package middleware

import (
	"net/http"
	"strings"

	"github.com/dukerupert/famtask/internal/identity"
)

// TokenVerifier turns a bearer token into a member id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// RequireAuth validates the bearer token and puts the caller's member id on
// the request context. Requests without a valid token get a JSON 401.
func RequireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w)
				return
			}
			memberID, err := verifier.Verify(token)
			if err != nil {
				unauthorized(w)
				return
			}
			ctx := identity.WithCaller(r.Context(), memberID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AsMember serves every request as memberID. The device runs it in place
// of RequireAuth since it belongs to a single member.
func AsMember(memberID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(identity.WithCaller(r.Context(), memberID)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="famtask"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"authentication required"}`))
}
