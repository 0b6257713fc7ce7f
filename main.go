package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"drawings-core/config"
	"drawings-core/core"
	"drawings-core/handlers/api/drawings"
	"drawings-core/handlers/commands"
	"drawings-core/handlers/websocket"
	authmw "drawings-core/middleware"
	"drawings-core/stores"
	"drawings-core/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type sourceEntry struct {
	ID          string `json:"id"`
	Users       int    `json:"users"`
	Drawings    int    `json:"drawings"`
	LastUpdated *int64 `json:"lastUpdated,omitempty"`
}

type activeSources interface {
	GetActiveSources() map[string]int
}

func allowOrigin(allowed []string) func(r *http.Request, origin string) bool {
	return func(r *http.Request, origin string) bool {
		if origin == "" {
			return false
		}
		for _, o := range allowed {
			if o == origin {
				return true
			}
		}

		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}

		switch parsed.Scheme {
		case "http", "https":
			switch parsed.Hostname() {
			case "localhost", "127.0.0.1", "::1":
				return true
			}
		case "tauri":
			return parsed.Hostname() == "localhost"
		}

		return false
	}
}

// handleSources merges the sources with connected clients and the sources
// the store has drawings for. Busiest first.
func handleSources(registry core.SourceRegistry, hub activeSources, log logrus.FieldLogger) http.HandlerFunc {
	log = telemetry.OrDiscard(log)
	return func(w http.ResponseWriter, r *http.Request) {
		entries := make(map[string]*sourceEntry)
		for id, count := range hub.GetActiveSources() {
			entries[id] = &sourceEntry{ID: id, Users: count}
		}

		stored, err := registry.ListSources(r.Context())
		if err != nil {
			log.WithError(err).Warn("failed to list sources from store")
		}
		for _, src := range stored {
			entry, ok := entries[src.ID]
			if !ok {
				entry = &sourceEntry{ID: src.ID}
				entries[src.ID] = entry
			}
			entry.Drawings = src.Drawings
			if src.LastUpdated > 0 {
				lastUpdated := src.LastUpdated
				entry.LastUpdated = &lastUpdated
			}
		}

		list := make([]sourceEntry, 0, len(entries))
		for _, entry := range entries {
			list = append(list, *entry)
		}

		sort.Slice(list, func(i, j int) bool {
			if list[i].Users == list[j].Users {
				li, lj := int64(0), int64(0)
				if list[i].LastUpdated != nil {
					li = *list[i].LastUpdated
				}
				if list[j].LastUpdated != nil {
					lj = *list[j].LastUpdated
				}
				if li == lj {
					return list[i].ID < list[j].ID
				}
				return li > lj
			}
			return list[i].Users > list[j].Users
		})

		render.JSON(w, r, list)
	}
}

func setupRouter(cfg config.Config, store core.Store, dispatcher *commands.Dispatcher, hub *websocket.Hub, log logrus.FieldLogger) *chi.Mux {
	log = telemetry.OrDiscard(log)
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowOriginFunc:  allowOrigin(cfg.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	requireToken := func(r chi.Router) {
		if cfg.Auth.JWTSecret != "" {
			r.Use(authmw.RequireToken([]byte(cfg.Auth.JWTSecret)))
		}
	}
	if cfg.Auth.JWTSecret == "" {
		log.Warn("JWT secret is not set, command routes are not authenticated")
	}

	r.Get("/healthz", commands.HandleHealth(dispatcher))

	r.Route("/api/sources", func(r chi.Router) {
		r.Get("/", handleSources(store, hub, log))
		r.Group(func(r chi.Router) {
			requireToken(r)
			drawings.Register(r, dispatcher, store, log)
		})
	})

	r.Route("/invoke", func(r chi.Router) {
		requireToken(r)
		r.Mount("/", commands.Routes(dispatcher))
	})

	r.Handle("/socket.io/", hub.Handler())
	return r
}

func waitForShutdown(srv *http.Server, hub *websocket.Hub, closers ...io.Closer) {
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-signalC

	logrus.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	hub.Close()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	}
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	logLevel := flag.String("loglevel", "", "Override the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", "", "Override the server listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(logger.GetLevel())
	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)

	store, err := stores.GetStore(context.Background(), cfg.Storage, logger)
	if err != nil {
		logCloser.Close()
		os.Exit(1)
	}

	dispatcher := commands.NewDispatcher(store, logger)
	hub := websocket.NewHub(dispatcher, cfg.AllowedOrigins, []byte(cfg.Auth.JWTSecret), logger)

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: setupRouter(cfg, store, dispatcher, hub, logger),
	}

	logger.WithField("addr", cfg.Listen).Info("starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithField("event", "start server").Fatal(err)
		}
	}()

	logger.Debug("Server is running in the background")
	waitForShutdown(srv, hub, store, logCloser)
}
