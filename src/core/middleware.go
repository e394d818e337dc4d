package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

// limiterIdleTimeout is how long a client's bucket survives without requests
const limiterIdleTimeout = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter keeps one token bucket per client IP. The bucket refills at
// requestsPerMinute/60 per second and holds up to requestsPerMinute tokens.
type IPRateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	rate    rate.Limit
	burst   int
	now     func() time.Time
}

// NewIPRateLimiter creates a limiter allowing requestsPerMinute per IP
func NewIPRateLimiter(requestsPerMinute int) *IPRateLimiter {
	return &IPRateLimiter{
		clients: make(map[string]*clientLimiter),
		rate:    rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   requestsPerMinute,
		now:     time.Now,
	}
}

// GetLimiter returns the bucket for ip, creating it on first use
func (ipl *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	ipl.mu.Lock()
	defer ipl.mu.Unlock()

	c, ok := ipl.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(ipl.rate, ipl.burst)}
		ipl.clients[ip] = c
	}
	c.lastSeen = ipl.now()
	return c.limiter
}

// Prune drops buckets idle for longer than idle and returns how many it
// removed
func (ipl *IPRateLimiter) Prune(idle time.Duration) int {
	ipl.mu.Lock()
	defer ipl.mu.Unlock()

	cutoff := ipl.now().Add(-idle)
	removed := 0
	for ip, c := range ipl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(ipl.clients, ip)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients
func (ipl *IPRateLimiter) Len() int {
	ipl.mu.Lock()
	defer ipl.mu.Unlock()
	return len(ipl.clients)
}

// RateLimitMiddleware rejects requests over the per-IP budget with 429
func RateLimitMiddleware(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := limiter.GetLimiter(getClientIP(r))

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.burst))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(l.Tokens())))

			if !l.Allow() {
				if limiter.rate > 0 {
					retry := int(math.Ceil(1 / float64(limiter.rate)))
					w.Header().Set("Retry-After", strconv.Itoa(retry))
				}
				writeErrorResponse(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then
// the socket peer
func getClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// BodySizeLimitMiddleware caps request bodies on methods that carry one
func BodySizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DecodeJSONBody decodes r into dst. On failure it has already written a
// 413 or 400 envelope and the handler should just return.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil {
		writeDecodeError(w, err)
	}
	return err
}

// DecodeOptionalJSONBody is DecodeJSONBody for endpoints whose body may be
// absent; an empty body leaves dst untouched.
func DecodeOptionalJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		writeDecodeError(w, err)
	}
	return err
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeErrorResponse(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
			"request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
		return
	}
	writeErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body: "+err.Error())
}

type requestIDKey struct{}

const requestIDHeader = "X-Request-ID"

// RequestIDMiddleware tags every request with an id, reusing the caller's
// X-Request-ID when present
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// GetRequestID returns the id set by RequestIDMiddleware, or ""
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// MetricsMiddleware counts and times requests per route template. It must
// run inside the router so the matched route is known.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := routeTemplate(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}
