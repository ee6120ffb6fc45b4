package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/charterlabs/eventcore/pkg/config"
	"github.com/charterlabs/eventcore/pkg/consumer"
	"github.com/charterlabs/eventcore/pkg/logger"
)

const opsShutdownTimeout = 5 * time.Second

type pinger func(context.Context) error

type ServiceParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	Consumer *consumer.Consumer
	Registry *prometheus.Registry
	Pingers  map[string]pinger
}

// Service runs the consumer loop next to a small ops HTTP surface exposing
// readiness and metrics.
type Service struct {
	cfg      *config.Config
	logg     *logger.Logger
	consumer *consumer.Consumer
	registry *prometheus.Registry
	pingers  map[string]pinger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Consumer == nil {
		return nil, errors.New("consumer is required")
	}
	if params.Registry == nil {
		return nil, errors.New("metrics registry is required")
	}
	return &Service{
		cfg:      params.Config,
		logg:     params.Logger,
		consumer: params.Consumer,
		registry: params.Registry,
		pingers:  params.Pingers,
	}, nil
}

// ensureReadiness pings every dependency and reports all failures at once,
// so a bad deploy surfaces the full picture instead of one dependency per
// restart.
func (s *Service) ensureReadiness(ctx context.Context) error {
	var errs []error
	for name, ping := range s.pingers {
		if err := pingDependency(ctx, s.logg, name, ping); err != nil {
			errs = append(errs, err)
		}
	}
	return multierr.Combine(errs...)
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn pinger) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run drives the consumer loop and the ops server until ctx is canceled or
// either of them fails.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.consumer.Run(groupCtx)
	})
	group.Go(func() error {
		return s.runOpsServer(groupCtx)
	})
	return group.Wait()
}

func (s *Service) runOpsServer(ctx context.Context) error {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", s.handleHealthz)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    s.cfg.Ops.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	s.logg.Info(s.logg.WithField(ctx, "addr", s.cfg.Ops.ListenAddr), "ops server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	for name, ping := range s.pingers {
		if err := ping(ctx); err != nil {
			s.logg.Error(ctx, fmt.Sprintf("%s health check failed", name), err)
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "%s unavailable\n", name)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}
