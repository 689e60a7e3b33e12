package main

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type ctxKey int

const userCtxKey ctxKey = iota

// UserFromContext returns the user attached by Authenticate or
// OptionalAuthenticate.
func UserFromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userCtxKey).(*User)
	return u, ok && u != nil
}

func withUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey, u)
}

var errNoBearer = errors.New("missing bearer token")

func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", errNoBearer
	}
	tok := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if tok == "" {
		return "", errNoBearer
	}
	return tok, nil
}

// resolveUser turns the bearer token into a user with a single store read.
func (a *App) resolveUser(r *http.Request) (*User, error) {
	tok, err := bearerToken(r)
	if err != nil {
		return nil, err
	}
	claims, err := a.Tokens.VerifyAccessToken(tok)
	if err != nil {
		return nil, err
	}
	u, err := a.DB.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errors.New("token subject no longer exists")
		}
		return nil, err
	}
	return u, nil
}

// Authenticate requires a valid access token for an existing user.
func (a *App) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := a.resolveUser(r)
		if err != nil {
			a.Log.DebugContext(r.Context(), "authentication failed", "path", r.URL.Path, "cause", err)
			writeUnauthenticated(w)
			return
		}
		tagUser(w, u)
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), u)))
	})
}

// OptionalAuthenticate attaches the user when the token resolves and
// otherwise continues anonymously.
func (a *App) OptionalAuthenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := a.resolveUser(r)
		if err != nil {
			if !errors.Is(err, errNoBearer) {
				a.Log.DebugContext(r.Context(), "optional authentication ignored", "path", r.URL.Path, "cause", err)
			}
			next.ServeHTTP(w, r)
			return
		}
		tagUser(w, u)
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), u)))
	})
}

// tagUser records the caller on the logging wrapper, if there is one.
func tagUser(w http.ResponseWriter, u *User) {
	if rw, ok := w.(*responseWriter); ok {
		rw.userID = u.ID
	}
}

// CORS middleware handles CORS headers
func (a *App) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Origin")
		if origin := r.Header.Get("Origin"); origin != "" {
			switch {
			case a.allowsOrigin(origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			case a.allowsOrigin("*"):
				// a wildcard never carries credentials
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *App) allowsOrigin(origin string) bool {
	for _, o := range a.Config.CORSOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// IPThrottle is a token bucket per client address.
type IPThrottle struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	perMin   int
}

func NewIPThrottle(perMinute int) *IPThrottle {
	return &IPThrottle{limiters: make(map[string]*rate.Limiter), perMin: perMinute}
}

func (t *IPThrottle) getLimiter(ip string) *rate.Limiter {
	t.mu.RLock()
	limiter, exists := t.limiters[ip]
	t.mu.RUnlock()

	if !exists {
		t.mu.Lock()
		// Double-check after acquiring write lock
		limiter, exists = t.limiters[ip]
		if !exists {
			limiter = rate.NewLimiter(rate.Limit(t.perMin)/60, t.perMin)
			t.limiters[ip] = limiter
		}
		t.mu.Unlock()
	}

	return limiter
}

// clientIP is the peer address, or the first X-Forwarded-For hop when the
// deployment sits behind a trusted proxy.
func (a *App) clientIP(r *http.Request) string {
	if a.Config.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Throttle enforces the per-IP limit on credential endpoints.
func (a *App) Throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.throttle == nil || a.throttle.perMin <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !a.throttle.getLimiter(a.clientIP(r)).Allow() {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Too many requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AILimit applies the sliding-window limiter keyed by user. It must run
// after Authenticate. Limiter errors let the request through.
func (a *App) AILimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFromContext(r.Context())
		if !ok || a.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, retry, err := a.Limiter.Allow(r.Context(), "ai:"+u.ID)
		if err != nil {
			a.Log.WarnContext(r.Context(), "rate limiter unavailable, allowing request", "err", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			secs := int(math.Ceil(retry.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "AI explanation limit reached, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Logging middleware logs requests
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		}
		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", wrapped.statusCode),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote", a.clientIP(r)),
		}
		if wrapped.userID != "" {
			attrs = append(attrs, slog.String("user_id", wrapped.userID))
		}
		a.Log.LogAttrs(r.Context(), level, "request", attrs...)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	userID     string
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}
