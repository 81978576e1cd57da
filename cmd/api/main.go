package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosspost-labs/crosspost/backend/internal/config"
	"github.com/crosspost-labs/crosspost/backend/internal/handlers"
	"github.com/crosspost-labs/crosspost/backend/internal/platforms"
	"github.com/crosspost-labs/crosspost/backend/internal/publisher"
	"github.com/crosspost-labs/crosspost/backend/internal/scheduler"
	"github.com/crosspost-labs/crosspost/backend/internal/store"
	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
	_ "modernc.org/sqlite"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := config.Load()

	// Root context for the scheduler and graceful shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Run migrations on startup
	if err := migrateUp(db, cfg.DatabaseDriver); err != nil {
		log.Fatalf("Database migration failed: %v", err)
	}
	log.Println("Database is up-to-date")

	st := store.New(db)
	registry := platforms.NewRegistry(st, platforms.Options{
		MediaRoot:    cfg.MediaStoragePath,
		MediaBaseURL: cfg.PublicMediaBaseURL,
	})

	// The handler is built first so its websocket hub can serve as the
	// publisher's event sink.
	h := handlers.New(st, registry, nil, cfg.MediaStoragePath)
	pub := publisher.New(st, registry, h.Events(), cfg.MaxRetries)
	h.SetPublisher(pub)

	sched := scheduler.New(st, pub, scheduler.Options{
		PollInterval: cfg.PollInterval,
		StuckAfter:   cfg.StuckAfter,
		ClaimLimit:   cfg.ClaimLimit,
	})
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(rootCtx)
	}()

	r := mux.NewRouter()
	r.HandleFunc("/health", h.Health).Methods("GET")

	// Post endpoints
	r.HandleFunc("/api/posts", h.CreatePost).Methods("POST")
	r.HandleFunc("/api/posts", h.ListPosts).Methods("GET")
	r.HandleFunc("/api/posts/{id}", h.GetPost).Methods("GET")
	r.HandleFunc("/api/posts/{id}", h.UpdatePost).Methods("PUT")
	r.HandleFunc("/api/posts/{id}", h.DeletePost).Methods("DELETE")
	r.HandleFunc("/api/posts/{id}/publish", h.PublishNow).Methods("POST")
	r.HandleFunc("/api/posts/{id}/attempts", h.ListAttempts).Methods("GET")

	// Platform metadata and credentials
	r.HandleFunc("/api/platforms", h.ListPlatforms).Methods("GET")
	r.HandleFunc("/api/platforms/{platform}/credentials", h.PutCredentials).Methods("PUT")
	r.HandleFunc("/api/platforms/{platform}/credentials", h.DeleteCredentials).Methods("DELETE")

	// Media library
	r.HandleFunc("/api/media", h.UploadMedia).Methods("POST")
	r.HandleFunc("/api/media", h.ListMedia).Methods("GET")

	// Stored media files; Graph API platforms fetch them from here
	r.PathPrefix("/media/").Handler(
		http.StripPrefix("/media/", http.FileServer(http.Dir(cfg.MediaStoragePath))))

	// Realtime post status events
	r.HandleFunc("/ws", h.RealtimeWS)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: c.Handler(r),
	}

	go func() {
		log.Printf("Server starting on port %s (db=%s)", cfg.Port, cfg.DatabaseDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-rootCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Let an in-flight publish pass finish, bounded by the shutdown window.
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		log.Println("Scheduler did not stop in time")
	}
}

func migrateUp(db *sql.DB, driverName string) error {
	var driver migratedb.Driver
	var err error
	switch driverName {
	case "postgres":
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	case "sqlite":
		driver, err = sqlite.WithInstance(db, &sqlite.Config{})
	default:
		return fmt.Errorf("unsupported database driver %q", driverName)
	}
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://db/migrations", driverName, driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}
