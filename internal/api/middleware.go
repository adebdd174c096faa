package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// authMiddleware enforces the static API token when one is configured.
// With no token configured the surface is open, for local development.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.API.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get(s.cfg.API.TokenHeader)
		if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.API.Token)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := s.getRateLimiter(clientIP(r))
		if !limiter.Allow() {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) getRateLimiter(ip string) *rate.Limiter {
	s.rateLimitMu.Lock()
	defer s.rateLimitMu.Unlock()

	if entry, ok := s.rateLimiters[ip]; ok {
		entry.lastSeen = time.Now()
		return entry.limiter
	}

	perMinute := 60
	if s.cfg.API.RateLimitPerMinute > 0 {
		perMinute = s.cfg.API.RateLimitPerMinute
	}
	limiter := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	s.rateLimiters[ip] = &rateLimiterEntry{limiter: limiter, lastSeen: time.Now()}

	if len(s.rateLimiters) > 1000 {
		cutoff := time.Now().Add(-5 * time.Minute)
		for key, entry := range s.rateLimiters {
			if entry.lastSeen.Before(cutoff) {
				delete(s.rateLimiters, key)
			}
		}
	}
	return limiter
}
