package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"llmtune/internal/api"
	"llmtune/internal/database"
	"llmtune/internal/launcher"
	"llmtune/internal/messaging"
	"llmtune/internal/runner"
	"llmtune/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Config struct {
	Root          string `env:"ROOT" envDefault:"./llmtune-local"`
	Port          int    `env:"PORT" envDefault:"3001"`
	TrainerBinary string `env:"TRAINER_BINARY" envDefault:""`
	DryRun        bool   `env:"DRY_RUN" envDefault:"false"`
}

const (
	datasetBucket = "datasets"
	adapterBucket = "adapters"
)

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "llmtune.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

// createQueue re-publishes tasks that were queued when the process last
// stopped so they are not lost across restarts.
func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	var trainTasks []database.TrainTask
	if err := db.Where("status = ?", database.JobQueued).Find(&trainTasks).Error; err != nil {
		log.Fatalf("Failed to fetch tasks from database: %v", err)
	}

	var exportTasks []database.ExportTask
	if err := db.Where("status = ?", database.JobQueued).Find(&exportTasks).Error; err != nil {
		log.Fatalf("Failed to fetch tasks from database: %v", err)
	}

	queue := messaging.NewInMemoryQueue()

	for _, task := range trainTasks {
		payload := messaging.TrainTaskPayload{ExperimentId: task.ExperimentId}

		var link database.SweepExperiment
		if err := db.First(&link, "experiment_id = ?", task.ExperimentId).Error; err == nil {
			payload.SweepId = uuid.NullUUID{UUID: link.SweepId, Valid: true}
		}

		if err := queue.PublishTrainTask(context.Background(), payload); err != nil {
			log.Fatalf("Failed to publish train task: %v", err)
		}
	}

	for _, task := range exportTasks {
		if err := queue.PublishExportTask(context.Background(), messaging.ExportTaskPayload{
			ExportTaskId: task.Id,
			ExperimentId: task.ExperimentId,
		}); err != nil {
			log.Fatalf("Failed to publish export task: %v", err)
		}
	}

	return queue
}

func createServer(db *gorm.DB, queue messaging.Publisher, port int, runBase string) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandler := api.NewBackendService(db, queue, runBase)

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port, "dry_run", cfg.DryRun)

	db := createDatabase(cfg.Root)

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create storage client: %v", err)
	}

	queue := createQueue(db)

	trainer := &launcher.Launcher{Binary: cfg.TrainerBinary, DryRun: cfg.DryRun}

	worker := runner.NewTaskProcessor(
		db, store, queue, queue, trainer,
		filepath.Join(cfg.Root, "staging"), datasetBucket, adapterBucket,
	)

	server := createServer(db, queue, cfg.Port, filepath.Join(cfg.Root, "runs"))

	slog.Info("starting worker")
	go worker.Start()

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	slog.Info("server listening", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	worker.Stop()
	slog.Info("server stopped")
}
