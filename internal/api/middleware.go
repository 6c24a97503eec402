package api

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/org/healthpassport/pkg/models"
)

// requestIDMiddleware attaches a UUID request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := withRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

const (
	headerIdentity  = "X-HP-Identity"
	headerSignature = "X-HP-Signature"
)

// requestChallenge is what callers sign: method, path, and body digest,
// bound together so a captured signature cannot be replayed against a
// different operation.
func requestChallenge(method, path string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return fmt.Appendf(nil, "hp-request-v1|%s|%s|%s", method, path, hex.EncodeToString(sum[:]))
}

// identityMiddleware authenticates the caller: the X-HP-Identity header
// carries a hex ed25519 public key and X-HP-Signature a signature over
// the request challenge made with the matching private key. The verified
// identity is attached to the request context.
func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := r.Header.Get(headerIdentity)
		if identity == "" {
			writeError(w, http.StatusUnauthorized, "missing "+headerIdentity+" header")
			return
		}
		pub, err := hex.DecodeString(identity)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			writeError(w, http.StatusUnauthorized, "malformed caller identity")
			return
		}
		sig, err := base64.StdEncoding.DecodeString(r.Header.Get(headerSignature))
		if err != nil || len(sig) == 0 {
			writeError(w, http.StatusUnauthorized, "missing or malformed request signature")
			return
		}

		// The body must be buffered for the signature digest, so bound it
		// first. The blob limit is the largest body any signed route takes.
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.BlobMaxBytes)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds size limit")
				return
			}
			writeError(w, http.StatusBadRequest, "reading request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if !ed25519.Verify(ed25519.PublicKey(pub), requestChallenge(r.Method, r.URL.Path, body), sig) {
			writeError(w, http.StatusForbidden, "request signature invalid")
			return
		}

		ctx := withCallerIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// auditMiddleware records every request + response code to the audit log.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

func auditMiddleware(auditor AuditLogger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rr, r)

			entry := &models.AuditEntry{
				RequestID:      requestIDFromCtx(r.Context()),
				CallerIdentity: r.Header.Get(headerIdentity),
				Operation:      r.Method,
				Path:           r.URL.Path,
				Status:         http.StatusText(rr.statusCode),
				ResponseCode:   rr.statusCode,
				ResponseTimeMs: time.Since(start).Milliseconds(),
				ClientIP:       clientIP(r, trustProxy),
			}
			auditor.LogRequest(r.Context(), entry)
		})
	}
}

// rateLimiter is a simple per-IP token bucket rate limiter. The bucket
// map is pruned of idle entries once it reaches maxBuckets, so it stays
// bounded by the number of recently active clients.
type rateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	rate       int // requests per second
	burst      int
	trustProxy bool
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

const (
	maxBuckets = 10000
	bucketIdle = 10 * time.Minute
)

func newRateLimiter(rps, burst int, trustProxy bool) *rateLimiter {
	return &rateLimiter{
		buckets:    make(map[string]*bucket),
		rate:       rps,
		burst:      burst,
		trustProxy: trustProxy,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= maxBuckets {
			rl.prune(now)
		}
		b = &bucket{tokens: float64(rl.burst), lastCheck: now}
		rl.buckets[ip] = b
	}
	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * float64(rl.rate)
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastCheck = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// prune drops buckets idle long enough to have refilled to a full burst.
// Caller holds rl.mu.
func (rl *rateLimiter) prune(now time.Time) {
	for ip, b := range rl.buckets {
		if now.Sub(b.lastCheck) > bucketIdle {
			delete(rl.buckets, ip)
		}
	}
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, rl.trustProxy)
		if !rl.allow(ip) {
			log.Warn().Str("ip", ip).Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the caller address. X-Forwarded-For is honored only
// when the server sits behind a trusted proxy; a direct caller could
// otherwise mint fresh rate-limit buckets per request.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			// First entry is the client; the rest are proxy hops.
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				fwd = fwd[:i]
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
