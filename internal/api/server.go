package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/healthpassport/internal/audit"
	"github.com/org/healthpassport/internal/catalog"
	"github.com/org/healthpassport/internal/registry"
	"github.com/org/healthpassport/internal/storage"
	"github.com/org/healthpassport/pkg/models"
)

// Config holds server configuration.
type Config struct {
	ListenAddr    string
	TLSCertFile   string
	TLSKeyFile    string
	DBUrl         string
	MigrationsDir string
	BlobBackend   string
	BlobMaxBytes  int64
	// TrustProxy honors X-Forwarded-For for client addressing. Enable
	// only when the node sits behind a proxy that sets the header.
	TrustProxy bool
}

// AuditLogger is the interface the server needs from an audit logger.
type AuditLogger interface {
	LogRequest(ctx context.Context, entry *models.AuditEntry)
	Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// BlobStore is the blob surface the server exposes over HTTP.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Server is the passport node API server. It never sees record
// plaintext: payloads arrive as ciphertext blobs and leave the same way.
type Server struct {
	store    storage.StorageBackend
	registry *registry.Registry
	catalog  *catalog.Engine
	blobs    BlobStore
	auditor  AuditLogger
	cfg      Config
	httpSrv  *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(store storage.StorageBackend, blobs BlobStore, cfg Config) *Server {
	if cfg.BlobMaxBytes <= 0 {
		cfg.BlobMaxBytes = 16 << 20
	}
	return &Server{
		store:    store,
		registry: registry.New(store),
		catalog:  catalog.NewEngine(store),
		blobs:    blobs,
		auditor:  audit.NewLogger(store),
		cfg:      cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(100, 200, s.cfg.TrustProxy).middleware)
	r.Use(auditMiddleware(s.auditor, s.cfg.TrustProxy))

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())

	// Public routes
	r.Group(func(r chi.Router) {
		r.Get("/v1/sys/health", s.HealthHandler)
		// Consulted by key-holding services when verifying grantee proofs.
		r.Get("/v1/grantcheck", s.GrantCheckHandler)
	})

	// Signed routes: every request carries the caller's identity key and
	// a signature over the request.
	r.Group(func(r chi.Router) {
		r.Use(s.identityMiddleware)

		r.Get("/v1/sys/audit-log", s.AuditLogHandler)

		// Passport registry
		r.Post("/v1/passport", s.PassportCreateHandler)
		r.Get("/v1/passport/lookup", s.PassportLookupHandler)
		r.Get("/v1/passport/{id}", s.PassportGetHandler)
		r.Put("/v1/passport/{id}/analytics", s.AnalyticsOptInHandler)

		// Entry catalog
		r.Get("/v1/passport/{id}/entry", s.EntryListTypesHandler)
		r.Get("/v1/passport/{id}/entry/{type}", s.EntryGetHandler)
		r.Get("/v1/passport/{id}/entry/{type}/exists", s.EntryHasHandler)
		r.Post("/v1/passport/{id}/entry/{type}", s.EntryWriteHandler)
		r.Post("/v1/passport/{id}/entry/{type}/descriptor", s.EntrySetDescriptorHandler)

		// Grants
		r.Get("/v1/passport/{id}/grant", s.GrantListHandler)
		r.Post("/v1/passport/{id}/grant", s.GrantCreateHandler)
		r.Delete("/v1/passport/{id}/grant/{type}/{grantee}", s.GrantRevokeHandler)

		// Blobs (opaque ciphertext)
		r.Post("/v1/blob", s.BlobPutHandler)
		r.Get("/v1/blob/{ref}", s.BlobGetHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		tlsCfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.httpSrv.TLSConfig = tlsCfg
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
