package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fujionclinical/smartlaunch/applaunch/session"
	"github.com/fujionclinical/smartlaunch/applaunch/smartonfhir"
	"github.com/fujionclinical/smartlaunch/healthcheck"
	"github.com/fujionclinical/smartlaunch/relay"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Start runs the HTTP server until ctx is cancelled or an interrupt signal is
// received, then shuts it down gracefully.
func Start(ctx context.Context, config Config) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	zerolog.SetGlobalLevel(config.LogLevel)

	// Set up dependencies
	httpHandler := http.NewServeMux()
	sessions := session.NewStore(config.SessionLifetime)
	defer sessions.Close()
	frames := relay.NewRegistry()

	// Register services
	services := []Service{healthcheck.New(sessions)}
	if config.SmartOnFHIR.Enabled {
		services = append(services, smartonfhir.New(config.SmartOnFHIR, sessions, frames, config.Public.ParseURL(), config.StrictMode))
	}
	for _, service := range services {
		service.RegisterHandlers(httpHandler)
	}

	// Start HTTP server
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	httpServer := &http.Server{Addr: config.Public.Address, Handler: httpHandler}
	serverError := make(chan error, 1)
	go func() {
		serverError <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverError:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}

type Service interface {
	RegisterHandlers(mux *http.ServeMux)
}
