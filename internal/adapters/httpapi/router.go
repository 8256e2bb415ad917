package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stoik/content-inspection/internal/application"
	"github.com/stoik/content-inspection/internal/domain"
)

const (
	DefaultRequestTimeout = 60 * time.Second
	// multipart framing allowance on top of the artifact size limit
	multipartOverhead = 1 << 20
)

// Options controls the HTTP surface
type Options struct {
	MaxUploadSize  int64
	RateLimit      int // scan requests per IP per minute, 0 disables
	RequestTimeout time.Duration
	AllowedOrigins []string
	// Ready reports backend readiness for /readyz; nil means always ready
	Ready func(ctx context.Context) error
}

// Server wires the application services to HTTP handlers
type Server struct {
	inspections *application.InspectionService
	principals  *application.PrincipalService
	tokens      *TokenVerifier
	webhooks    *WebhookVerifier
	opts        Options
	now         func() time.Time
}

// NewServer creates the HTTP layer. webhooks may be nil, in which case the
// identity webhook answers 503.
func NewServer(
	inspections *application.InspectionService,
	principals *application.PrincipalService,
	tokens *TokenVerifier,
	webhooks *WebhookVerifier,
	opts Options,
) (*Server, error) {
	if inspections == nil || principals == nil {
		return nil, errors.New("inspection and principal services are required")
	}
	if tokens == nil {
		return nil, errors.New("token verifier is required")
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = domain.DefaultMaxArtifactSize
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &Server{
		inspections: inspections,
		principals:  principals,
		tokens:      tokens,
		webhooks:    webhooks,
		opts:        opts,
		now:         time.Now,
	}, nil
}

// Routes constructs the chi router containing all endpoints
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         int((10 * time.Minute).Seconds()),
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/webhooks/identity", s.handleIdentityWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))
		r.Use(s.authenticate)

		r.Group(func(r chi.Router) {
			if s.opts.RateLimit > 0 {
				r.Use(httprate.LimitByIP(s.opts.RateLimit, time.Minute))
			}
			r.Post("/scans/file", s.handleScanFile)
			r.Post("/scans/network", s.handleScanNetwork)
		})

		r.Get("/records", s.handleListRecords)
		r.Get("/records/{id}", s.handleGetRecord)
		r.Get("/records/{id}/verify", s.handleVerifyRecord)
		r.Get("/me", s.handleMe)
		r.Get("/admin/records", s.handleListAllRecords)
		r.Put("/admin/principals/{externalID}/status", s.handleSetPrincipalStatus)
	})

	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, errors.New("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
