package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"llmtune/cmd"
	"llmtune/internal/config"
	"llmtune/internal/database"
	"llmtune/internal/launcher"
	"llmtune/internal/messaging"
	"llmtune/internal/runner"
	"llmtune/internal/trainconfig"
)

func main() {
	log.Println("Starting Worker Process...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := cmd.CreateObjectStore(cfg)
	if err != nil {
		log.Fatalf("Worker: Failed to create storage client: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	reciever, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to start RabbitMQ consumer: %v", err)
	}
	defer reciever.Close()

	trainer := &launcher.Launcher{Binary: cfg.TrainerBinary}
	if _, err := trainer.Preflight(trainconfig.JobConfig{}); err != nil {
		log.Fatalf("Worker: trainer binary unavailable: %v", err)
	}

	processor := runner.NewTaskProcessor(
		db, store, publisher, reciever, trainer,
		filepath.Join(cfg.DataDir, "staging"), cfg.DatasetBucket, cfg.AdapterBucket,
	)

	go processor.Start()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, waiting for workers to finish...")
	processor.Stop()

	log.Println("Worker process stopped.")
}
