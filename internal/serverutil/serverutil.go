package serverutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/andrej220/goldenimage/pkg/lg"
)

// PortEnv overrides the configured port when set.
const PortEnv = "PROVISIONERPORT"

// MaxBodyBytes caps request bodies; checkpoints are small.
const MaxBodyBytes = 4 << 20

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig provides default server configuration values. The
// write timeout covers a whole synchronous invocation.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            "8082",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    5 * time.Minute,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

func (c ServerConfig) addr() string {
	port := os.Getenv(PortEnv)
	if port == "" {
		port = c.Port
	}
	if port == "" {
		port = DefaultServerConfig().Port
	}
	return net.JoinHostPort("", port)
}

// RunServer serves handler until ctx is cancelled or an interrupt signal
// (SIGINT, SIGTERM) arrives, then shuts down gracefully.
func RunServer(ctx context.Context, handler http.Handler, config ServerConfig, logger lg.Logger) error {
	if logger == nil {
		logger = lg.Discard
	}
	server := &http.Server{
		Addr:         config.addr(),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("Server starting", lg.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			logger.Error("Server error", lg.Err(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("Server stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", lg.Err(err))
		return err
	}
	logger.Info("Server stopped gracefully")
	return nil
}

type ctxKey struct{}

// RequestFrom returns the request decoded by ValidationHandler.
func RequestFrom[T any](ctx context.Context) (T, bool) {
	req, ok := ctx.Value(ctxKey{}).(T)
	return req, ok
}

var validate = validator.New()

// ValidationHandler is a middleware that decodes and validates incoming
// JSON requests.
type ValidationHandler[T any] struct {
	next http.Handler
}

// NewValidationHandler creates a new validation handler for the given request type.
func NewValidationHandler[T any](next http.Handler) http.Handler {
	return &ValidationHandler[T]{next: next}
}

func (h *ValidationHandler[T]) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.Header().Set("Allow", http.MethodPost)
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var request T
	decoder := json.NewDecoder(http.MaxBytesReader(rw, r.Body, MaxBodyBytes))
	if err := decoder.Decode(&request); err != nil {
		http.Error(rw, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if err := validateRequest(request); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := context.WithValue(r.Context(), ctxKey{}, request)
	h.next.ServeHTTP(rw, r.WithContext(ctx))
}

// validateRequest applies the struct's validate tags; non-struct payloads
// pass through.
func validateRequest[T any](req T) error {
	err := validate.Struct(req)
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return nil
	}
	return err
}

// WriteJSON writes v with the given status code.
func WriteJSON(rw http.ResponseWriter, status int, v any) error {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	return json.NewEncoder(rw).Encode(v)
}
