package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/howard-nolan/llmgateway/internal/apierror"
	"github.com/howard-nolan/llmgateway/internal/store"
)

type ctxKey int

const authKey ctxKey = iota

// authInfo travels with authenticated requests.
type authInfo struct {
	User      *store.User
	Key       *store.APIKey
	RequestID string
	ClientIP  string
}

func authFrom(ctx context.Context) *authInfo {
	info, _ := ctx.Value(authKey).(*authInfo)
	return info
}

// authenticate resolves the API key, enforces its constraints, and stamps the
// request id.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := bearerToken(r)
		if secret == "" {
			s.writeError(w, apierror.New(apierror.Unauthorized, "missing API key"))
			return
		}

		key, err := s.store.LookupAPIKey(r.Context(), store.HashAPIKey(secret))
		if err != nil {
			s.writeError(w, apierror.New(apierror.Unauthorized, "invalid API key"))
			return
		}
		if !key.Enabled {
			s.writeError(w, apierror.New(apierror.Unauthorized, "API key disabled"))
			return
		}
		if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
			s.writeError(w, apierror.New(apierror.Unauthorized, "API key expired"))
			return
		}

		ip := clientIP(r)
		if !ipAllowed(key.IPWhitelist, ip) {
			s.writeError(w, apierror.New(apierror.Forbidden, "request IP not allowed for this key"))
			return
		}

		user, err := s.store.GetUser(r.Context(), key.UserID)
		if err != nil {
			s.writeError(w, apierror.New(apierror.Unauthorized, "unknown user"))
			return
		}
		if !user.Enabled {
			s.writeError(w, apierror.New(apierror.Forbidden, "user disabled"))
			return
		}

		reqID := r.Header.Get("x-request-id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("x-request-id", reqID)

		info := &authInfo{User: user, Key: key, RequestID: reqID, ClientIP: ip}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authKey, info)))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	// Anthropic-shape clients send x-api-key instead.
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// clientIP prefers proxy headers over the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("x-forwarded-for"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("x-real-ip"); real != "" {
		return strings.TrimSpace(real)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipAllowed matches the whitelist entries as exact IPs or CIDR blocks. An
// empty whitelist allows everything.
func ipAllowed(whitelist []string, ip string) bool {
	if len(whitelist) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	for _, entry := range whitelist {
		if strings.Contains(entry, "/") {
			_, block, err := net.ParseCIDR(entry)
			if err == nil && parsed != nil && block.Contains(parsed) {
				return true
			}
			continue
		}
		if entry == ip {
			return true
		}
	}
	return false
}

// maxMultiplierHeader parses the optional per-request multiplier ceiling.
func maxMultiplierHeader(r *http.Request) (*float64, error) {
	raw := r.Header.Get("x-max-multiplier")
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return nil, apierror.New(apierror.InvalidRequest, "invalid x-max-multiplier: %q", raw)
	}
	return &v, nil
}
