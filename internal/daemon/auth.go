package daemon

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"sieve/internal/logging"
)

// requireToken guards the status API with a bearer token. An empty
// configured token leaves the route open, which is only sensible on a
// loopback bind.
func (s *apiServer) requireToken(token string, next http.HandlerFunc) http.HandlerFunc {
	if token == "" {
		return next
	}
	want := []byte(token)
	return func(w http.ResponseWriter, r *http.Request) {
		got, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			s.log().Debug("rejected api request",
				logging.String("path", r.URL.Path),
				logging.String("remote", r.RemoteAddr),
				logging.Bool("token_present", ok),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="sieve"`)
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, value, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}
