package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/microlearn/internal/clock"
	"github.com/example/microlearn/internal/config"
	"github.com/example/microlearn/internal/database"
	"github.com/example/microlearn/internal/excel"
	"github.com/example/microlearn/internal/logger"
	"github.com/example/microlearn/internal/review"
	"github.com/example/microlearn/internal/scheduler"
	"github.com/example/microlearn/internal/server"
)

func main() {
	importPath := flag.String("import", "", "import cards from an .xlsx or .csv file and exit")
	importOwner := flag.Int64("import-owner", 0, "user id that owns decks created by -import")
	sheet := flag.String("sheet", "Sheet1", "sheet name for -import")
	flag.Parse()

	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// Connect to the database
	db, err := database.Connect(database.Options{Type: cfg.DBType, Path: cfg.DBPath, URL: cfg.DatabaseURL})
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	defer db.Close()

	cardRepo := database.NewCardRepository(db)
	deckRepo := database.NewDeckRepository(db)

	if *importPath != "" {
		importConfig := excel.DefaultImportConfig()
		importConfig.FilePath = *importPath
		importConfig.SheetName = *sheet
		importConfig.OwnerUserID = *importOwner

		result, err := excel.NewImporter(cardRepo, deckRepo).Import(context.Background(), importConfig)
		if err != nil {
			log.Fatal("Import failed", "file", *importPath, "error", err)
		}
		log.Info("Import finished",
			"processed", result.TotalProcessed,
			"created", result.Created,
			"updated", result.Updated,
			"decks_created", result.DecksCreated,
			"skipped", result.Skipped,
		)
		for _, msg := range result.Errors {
			log.Warn("Import row rejected", "detail", msg)
		}
		return
	}

	reviewService := review.NewService(cardRepo, database.NewSRSRepository(db), clock.Real{}, log)
	handler := server.NewHandler(database.NewProgressRepository(db), reviewService, log)
	router := server.NewRouter(handler, server.NewJWTAuth(cfg.JWTSecret), log)

	// Periodic due-card statistics
	jobs := scheduler.New(log)
	err = jobs.Every(cfg.StatsInterval, "due-stats", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		reviewService.LogDueStats(ctx)
	})
	if err != nil {
		log.Fatal("Failed to schedule statistics job", "error", err)
	}
	jobs.Start()
	defer jobs.Stop()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Port, "db_type", cfg.DBType)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	log.Info("Shutting down server", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	log.Info("Server stopped")
}
