package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/pvcast/pkg/engine"
	"github.com/raterudder/pvcast/pkg/log"
	"github.com/raterudder/pvcast/pkg/metrics"
	"github.com/raterudder/pvcast/pkg/types"
)

// Forecaster is the engine as seen by the HTTP API.
type Forecaster interface {
	FetchAndMerge(ctx context.Context, force bool) (engine.Outcome, error)
	QueryRange(start, end time.Time, site string, undampened bool) ([]types.Interval, error)
	Peak(start, end time.Time, site string, band types.Band) (types.Interval, bool, error)
	PowerAt(t time.Time, site string, band types.Band) (float64, error)
	EnergyBetween(start, end time.Time, site string, band types.Band, undampened bool) (float64, bool, error)
	Day(offset int, site string, band types.Band) (engine.DayForecast, error)
	Dampening() types.Dampening
	SetDampening(ctx context.Context, factors []float64, site string) error
	HardLimit() []float64
	SetHardLimit(ctx context.Context, values []float64) error
	Usage() []engine.UsageStatus
	ResetUsage(ctx context.Context, apiKey string) error
	LastUpdated() time.Time
	Sites() []types.Site
	Location() *time.Location
	Tick(ctx context.Context)
}

var _ Forecaster = (*engine.Engine)(nil)

// tokenVerifier validates an ID token and returns its email.
type tokenVerifier func(ctx context.Context, rawIDToken string) (string, error)

// Server is the JSON HTTP API over the forecast engine.
type Server struct {
	engine  Forecaster
	metrics *metrics.Recorder
	now     func() time.Time

	listenAddr   string
	tickInterval time.Duration
	httpServer   *http.Server

	updateEmails  []string
	oidcVerifiers map[string]tokenVerifier
	bypassAuth    bool
	serverName    string
}

// New returns a server without authentication, listening on listenAddr.
func New(e Forecaster, m *metrics.Recorder, listenAddr string) *Server {
	return &Server{
		engine:       e,
		metrics:      m,
		now:          time.Now,
		listenAddr:   listenAddr,
		tickInterval: time.Minute,
		bypassAuth:   true,
		serverName:   "pvcast",
	}
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(e Forecaster, m *metrics.Recorder) *Server {
	srv := New(e, m, "")
	if revision := os.Getenv("K_REVISION"); revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcAudience := lflag.String("oidc-audience", "", "Audience of Google ID tokens allowed to call mutating endpoints")
	updateEmails := lflag.String("update-emails", "", "comma-delimited list of token email addresses allowed to call mutating endpoints")
	tickInterval := lflag.Duration("tick-interval", srv.tickInterval, "How often to check for the local day changing")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.tickInterval = *tickInterval
		for _, email := range strings.Split(*updateEmails, ",") {
			if email = strings.TrimSpace(email); email != "" {
				srv.updateEmails = append(srv.updateEmails, email)
			}
		}
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifiers = map[string]tokenVerifier{
				"google": verifiedEmail(provider.Verifier(&oidc.Config{ClientID: *oidcAudience})),
			}
			if len(srv.updateEmails) == 0 {
				log.Ctx(context.Background()).Error("update-emails is required with oidc-audience")
				os.Exit(1)
			}
		}
		srv.bypassAuth = len(srv.oidcVerifiers) == 0
		if srv.bypassAuth {
			log.Ctx(context.Background()).Warn("oidc-audience not set, mutating endpoints are unauthenticated")
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/update", s.handleUpdate)
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/forecast", s.handleForecast)
	apiMux.HandleFunc("GET /api/peak", s.handlePeak)
	apiMux.HandleFunc("GET /api/power", s.handlePower)
	apiMux.HandleFunc("GET /api/energy", s.handleEnergy)
	apiMux.HandleFunc("GET /api/day", s.handleDay)
	apiMux.HandleFunc("GET /api/dampening", s.handleGetDampening)
	apiMux.HandleFunc("POST /api/dampening", s.handleSetDampening)
	apiMux.HandleFunc("GET /api/hardlimit", s.handleGetHardLimit)
	apiMux.HandleFunc("POST /api/hardlimit", s.handleSetHardLimit)
	apiMux.HandleFunc("GET /api/usage", s.handleUsage)
	apiMux.HandleFunc("POST /api/usage/reset", s.handleResetUsage)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.engine.Tick(ctx)
		case <-ctx.Done():
			// Context canceled, shut down gracefully
			log.Ctx(ctx).InfoContext(ctx, "shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-errChan:
			return fmt.Errorf("server error: %w", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
