package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"botfleet/pkg/broadcast"
	"botfleet/pkg/config"
	"botfleet/pkg/dispatch"
	"botfleet/pkg/imagestore"
	"botfleet/pkg/requestid"
)

const (
	defaultHost       = "0.0.0.0"
	defaultPort       = 8000
	maxWebhookBody    = 1 << 20
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Dispatcher routes one webhook request.
type Dispatcher interface {
	Dispatch(ctx context.Context, path string, body []byte, signature string) (dispatch.Outcome, error)
}

// Broadcaster runs and reports tenant broadcasts.
type Broadcaster interface {
	Run(ctx context.Context, tenantID string, opts broadcast.Options) (broadcast.Result, error)
	Status(ctx context.Context, tenantID string) (broadcast.Status, error)
}

// CheckFunc reports whether one dependency is usable.
type CheckFunc func(ctx context.Context) error

// Options wires a Service.
type Options struct {
	Config      config.GatewayConfig
	Dispatcher  Dispatcher
	Broadcaster Broadcaster
	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
	// ImageDir, when set, is served under /images/.
	ImageDir string
	Logger   *slog.Logger
}

// Service is the HTTP boundary: platform webhooks, the broadcast trigger API,
// health probes, metrics and locally hosted images.
type Service struct {
	cfg         config.GatewayConfig
	dispatcher  Dispatcher
	broadcaster Broadcaster
	gatherer    prometheus.Gatherer
	imageDir    string
	log         *slog.Logger

	mu        sync.RWMutex
	startedAt time.Time
	checks    map[string]CheckFunc
}

type statusResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks,omitempty"`
}

func NewService(opts Options) (*Service, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if opts.Broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &Service{
		cfg:         opts.Config,
		dispatcher:  opts.Dispatcher,
		broadcaster: opts.Broadcaster,
		gatherer:    gatherer,
		imageDir:    opts.ImageDir,
		log:         log.With("component", "gateway.service"),
		startedAt:   time.Now().UTC(),
		checks:      make(map[string]CheckFunc),
	}, nil
}

// RegisterCheck adds a readiness dependency.
func (s *Service) RegisterCheck(name string, check CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Handler builds the router.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.imageDir != "" {
		r.Handle(imagestore.RoutePrefix+"*", http.StripPrefix(imagestore.RoutePrefix, http.FileServer(http.Dir(s.imageDir))))
	}

	r.Route("/broadcast", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/run", s.handleBroadcastRun)
		r.Post("/daily-weather", s.handleBroadcastRun)
		r.Post("/test", s.handleBroadcastTest)
		r.Get("/status/{tenantID}", s.handleBroadcastStatus)
	})

	// Every other POST is a candidate tenant webhook; the dispatcher owns
	// the path table.
	r.Post("/*", s.handleWebhook)
	return r
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Service) Run(ctx context.Context) error {
	host := strings.TrimSpace(s.cfg.Host)
	if host == "" {
		host = defaultHost
	}
	port := s.cfg.Port
	if port <= 0 {
		port = defaultPort
	}
	addr := host + ":" + strconv.Itoa(port)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Gateway listening", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("start gateway server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown gateway server: %w", err)
	}
	s.log.Info("Gateway stopped")
	return nil
}

func (s *Service) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := requestid.Sanitize(r.Header.Get(requestid.Header))
		w.Header().Set(requestid.Header, id)
		next.ServeHTTP(w, r.WithContext(requestid.With(r.Context(), id)))
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.currentStatus("ok", nil))
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	checks := make(map[string]CheckFunc, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	s.mu.RUnlock()

	results := make(map[string]string, len(checks))
	healthy := true
	for name, check := range checks {
		if err := check(r.Context()); err != nil {
			results[name] = "down: " + err.Error()
			healthy = false
			continue
		}
		results[name] = "up"
	}

	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, s.currentStatus("not_ready", results))
		return
	}
	writeJSON(w, http.StatusOK, s.currentStatus("ready", results))
}

func (s *Service) currentStatus(status string, checks map[string]string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return statusResponse{
		Status:        status,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Checks:        checks,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().With("component", "gateway.service").Error("Failed to write response", "error", err)
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	writeJSON(w, status, errorResponse{Error: code, Detail: detail, RequestID: requestid.From(r.Context())})
}
