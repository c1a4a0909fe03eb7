package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/kernel"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/security"
)

// Server is the HTTP gateway over a booted kernel: one listener for
// the tenant-facing API and one for metrics and probes. The gateway
// owns no state of its own; every handler delegates to a kernel
// subsystem and maps its errors onto HTTP statuses.
type Server struct {
	kernel *kernel.Kernel
	logger zerolog.Logger
	router chi.Router

	http    *http.Server
	metrics *http.Server
}

// New builds the gateway over the kernel and registers it as the "api"
// component. Start brings the listeners up; Router serves the same
// handler tree for in-process tests.
func New(k *kernel.Kernel) *Server {
	s := &Server{
		kernel: k,
		logger: log.WithComponent("api"),
	}
	s.router = s.routes()
	metrics.RegisterComponent("api", true, "")
	return s
}

// Router returns the full handler tree, middleware included.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.accessLog)
	r.Use(s.measure)
	r.Use(s.recoverer)

	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Get("/livez", metrics.LivenessHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/services", s.handleDeploy)
		r.Get("/services", s.handleList)
		r.Route("/services/{tenant}/{service}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Put("/", s.handleReplace)
			r.Delete("/", s.handleKill)
			r.Post("/call", s.handleCall)
			r.Post("/swap", s.handleSwap)
		})

		r.Get("/events", s.handleEvents)
		r.Get("/events/watch", s.handleWatch)

		r.Post("/capabilities", s.handleGrant)
		r.Get("/capabilities", s.handleCapabilities)
		r.Post("/capabilities/verify", s.handleVerify)
		r.Delete("/capabilities/{hash}", s.handleRevoke)

		r.Route("/tenants/{tenant}/secrets", func(r chi.Router) {
			r.Get("/", s.handleSecretList)
			r.Put("/{name}", s.handleSecretPut)
			r.Get("/{name}", s.handleSecretGet)
			r.Delete("/{name}", s.handleSecretDelete)
		})

		r.Post("/recovery/verify", s.handleRecoveryVerify)
	})
	return r
}

// Start listens on the configured addresses and blocks until Shutdown.
// The metrics listener runs alongside; its failure is logged, not
// fatal, so a port clash on the ops port cannot take the API down.
func (s *Server) Start() error {
	cfg := s.kernel.Config().API

	tlsConf, err := s.tlsConfig()
	if err != nil {
		return err
	}

	s.metrics = &http.Server{
		Addr:              cfg.MetricsListen,
		Handler:           metricsRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.Info().Str("addr", cfg.MetricsListen).Msg("Metrics listener up")
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics listener failed")
		}
	}()

	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.router,
		TLSConfig:         tlsConf,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info().
		Str("addr", cfg.Listen).
		Bool("tls", tlsConf != nil).
		Msg("API listener up")

	if tlsConf != nil {
		err = s.http.ListenAndServeTLS("", "")
	} else {
		err = s.http.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	cfg := s.kernel.Config().API
	switch {
	case cfg.SelfSigned:
		conf, err := security.SelfSignedTLS()
		if err != nil {
			return nil, fmt.Errorf("self-signed tls: %w", err)
		}
		s.logger.Warn().Msg("Serving with an ephemeral self-signed certificate")
		return conf, nil
	case cfg.TLSCert != "":
		conf, err := security.ServerTLS(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load tls keypair: %w", err)
		}
		return conf, nil
	default:
		return nil, nil
	}
}

// Shutdown stops accepting new requests and drains in-flight ones
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	metrics.UpdateComponent("api", false, "stopped")
	var firstErr error
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if s.metrics != nil {
		if err := s.metrics.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func metricsRoutes() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Get("/livez", metrics.LivenessHandler())
	return r
}
