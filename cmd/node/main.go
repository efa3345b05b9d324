// Command node is the reference worker the supervisor runs in each node
// directory. It serves the health endpoint the monitor probes and a small
// info endpoint, and shuts down cleanly on SIGTERM.
//
// Configuration comes from the process environment, then from .env in the
// working directory (which the supervisor writes per node):
//   - PORT: listen port (required)
//   - NODE_HOST: listen host (default "127.0.0.1")
//   - NODE_NAME: reported name (default: working directory name)
//
// Example, as a fleet launch command:
//
//	fleet config set launch_command /usr/local/bin/node
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/dreamware/fleet/internal/logging"
)

// settings is what a node needs to run.
type settings struct {
	Name string
	Host string
	Port int
}

// Info is the body served on /info.
type Info struct {
	Name    string `json:"name"`
	Dir     string `json:"dir"`
	Started string `json:"started"`
	Port    int    `json:"port"`
	PID     int    `json:"pid"`
}

func main() {
	log, err := logging.New(getenv("NODE_LOG_LEVEL", "info"), true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	s, err := loadSettings(".env")
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, s, log); err != nil {
		log.Fatal("node failed", zap.Error(err))
	}
}

// loadSettings merges envFile into the environment (existing variables
// win) and reads the node settings.
func loadSettings(envFile string) (settings, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return settings{}, fmt.Errorf("reading %s: %w", envFile, err)
	}
	raw := os.Getenv("PORT")
	if raw == "" {
		return settings{}, errors.New("PORT is not set")
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return settings{}, fmt.Errorf("invalid PORT %q", raw)
	}
	wd, _ := os.Getwd()
	return settings{
		Name: getenv("NODE_NAME", filepath.Base(wd)),
		Host: getenv("NODE_HOST", "127.0.0.1"),
		Port: port,
	}, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func routes(s settings, started time.Time) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/info", func(w http.ResponseWriter, _ *http.Request) {
		wd, _ := os.Getwd()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Info{
			Name:    s.Name,
			Dir:     wd,
			Started: started.Format(time.RFC3339),
			Port:    s.Port,
			PID:     os.Getpid(),
		})
	})
	return r
}

// run serves until ctx is canceled, then drains in-flight requests.
func run(ctx context.Context, s settings, log *zap.Logger) error {
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           routes(s, time.Now()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("node listening", zap.String("name", s.Name), zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("node stopped", zap.String("name", s.Name))
	return nil
}
