package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/vedranjukic/apex/internal/config"
	"github.com/vedranjukic/apex/internal/database"
	"github.com/vedranjukic/apex/internal/events"
	"github.com/vedranjukic/apex/internal/gateway"
	"github.com/vedranjukic/apex/internal/handler"
	"github.com/vedranjukic/apex/internal/logger"
	"github.com/vedranjukic/apex/internal/project"
	"github.com/vedranjukic/apex/internal/provider"
	dockerprovider "github.com/vedranjukic/apex/internal/provider/docker"
	"github.com/vedranjukic/apex/internal/provider/mock"
	"github.com/vedranjukic/apex/internal/provider/remote"
	"github.com/vedranjukic/apex/internal/sandbox"
	"github.com/vedranjukic/apex/internal/session"
	"github.com/vedranjukic/apex/internal/settings"
	"github.com/vedranjukic/apex/internal/store"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg, err := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logg.Close()

	db, err := database.New(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	if err := db.Seed(); err != nil {
		log.Fatalf("Failed to seed database: %v", err)
	}

	s := store.New(db.DB)
	broker := events.NewBroker()

	// Build the sandbox manager from configuration. A missing or broken
	// provider config leaves the holder empty; project and prompt operations
	// then report the manager unavailable instead of failing at boot.
	holder := sandbox.NewHolder(nil)
	buildManager := func(cfg *config.Config) (*sandbox.Manager, error) {
		p, err := buildProvider(cfg)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, nil
		}
		return sandbox.NewManager(p, logg), nil
	}

	projects := project.NewService(s, holder, broker, cfg.SandboxSnapshot, logg)
	projects.SetAgentAPIKey(cfg.AgentAPIKey)
	settingsSvc := settings.NewService(s, cfg, holder, projects, buildManager, logg)

	// Stored settings override the environment, then the first manager is
	// built from the merged configuration.
	ctx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	if err := settingsSvc.Apply(ctx); err != nil {
		logg.Warn("failed to apply stored settings", "error", err)
	}
	cancelBoot()
	if manager, err := buildManager(cfg); err != nil {
		logg.Warn("sandbox provider unavailable", "provider", cfg.SandboxProvider, "error", err)
	} else if manager != nil {
		holder.Replace(manager)
		logg.Info("sandbox provider initialized", "provider", cfg.SandboxProvider)
	}

	orc := session.New(s, holder, session.Options{
		InitialTimeout:  cfg.InitialTimeout,
		ActivityTimeout: cfg.ActivityTimeout,
	}, logg)

	hub := gateway.NewHub(logg)
	hubCtx, cancelHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	gw := gateway.New(s, projects, orc, holder, broker, hub, logg)
	h := handler.New(s, cfg, projects, orc, settingsSvc, logg)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h.Register(r)
	r.Get("/ws", gw.ServeWS)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logg.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("shutting down")

	// Stop accepting events, end in-flight prompt turns, then drop the
	// bridge connections before the HTTP listener closes.
	cancelHub()
	gw.Close()
	orc.Close()
	if manager := holder.Manager(); manager != nil {
		manager.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	logg.Info("server stopped")
}

// buildProvider selects the sandbox provider from configuration. A nil
// provider (no error) means the configuration is incomplete and the control
// plane runs without sandbox access until settings supply it.
func buildProvider(cfg *config.Config) (provider.Provider, error) {
	switch cfg.SandboxProvider {
	case "remote":
		if cfg.ProviderBaseURL == "" {
			return nil, nil
		}
		opts := remote.Options{BaseURL: cfg.ProviderBaseURL}
		if cfg.ProviderAPISecret != "" {
			opts.ClientID = cfg.ProviderAPIKey
			opts.ClientSecret = cfg.ProviderAPISecret
		} else {
			opts.APIKey = cfg.ProviderAPIKey
		}
		return remote.New(opts)
	case "docker":
		return dockerprovider.New(context.Background())
	case "mock":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unknown sandbox provider %q", cfg.SandboxProvider)
	}
}
