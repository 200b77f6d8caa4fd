package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/donorchat/internal/api"
	"github.com/npezzotti/donorchat/internal/blob"
	"github.com/npezzotti/donorchat/internal/chat"
	"github.com/npezzotti/donorchat/internal/config"
	"github.com/npezzotti/donorchat/internal/database"
	"github.com/npezzotti/donorchat/internal/server"
	"github.com/npezzotti/donorchat/internal/stats"
	"github.com/spf13/pflag"
)

func main() {
	logger := log.New(os.Stderr, "[donorchat] ", log.LstdFlags)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		logger.Fatal("config: ", err)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("store open: ", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Println("store close:", err)
		}
	}()

	var blobs blob.Store
	if cfg.BlobDir != "" {
		fileStore, err := blob.NewFileStore(cfg.BlobDir, cfg.BlobBaseURL)
		if err != nil {
			logger.Fatal("blob store: ", err)
		}
		blobs = fileStore
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux, logger)

	engine := chat.NewEngine(store, blobs, logger, statsUpdater, chat.Options{
		TypingTimeout: cfg.TypingTimeout,
		PageSize:      cfg.MessagePageSize,
	})

	chatServer, err := server.NewChatServer(logger, engine, statsUpdater)
	if err != nil {
		logger.Fatal("new chat server: ", err)
	}

	srv := api.NewDonorChatApp(mux, logger, engine, chatServer, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}

// openStore opens the configured document store with every call bounded
// by the store timeout.
func openStore(cfg *config.Config, logger *log.Logger) (database.Store, error) {
	var store database.Store
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pg, err := database.NewPostgresStore(cfg.Store.DatabaseDSN, logger)
		if err != nil {
			return nil, err
		}
		store = pg
	default:
		store = database.NewMemoryStore()
	}

	return database.WithTimeout(store, cfg.Store.Timeout), nil
}
