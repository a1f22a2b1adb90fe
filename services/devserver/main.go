// Devserver is a local counseling backend: login, FAQ, reviews, records,
// file hosting and the chat socket with a seat queue.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mitalk/internal/config"
	"github.com/mitalk/internal/devserver"
	"github.com/mitalk/internal/fileserver"
	"github.com/mitalk/internal/logger"
)

func main() {
	logger.SetPrefix("devserver")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	if err := os.MkdirAll(cfg.Dev.UploadDir, 0o755); err != nil {
		logger.Errorf("create upload dir: %v", err)
		os.Exit(1)
	}

	dir := devserver.NewDirectory(cfg.Dev.Accounts, cfg.Dev.AccessTTL, 0)
	hub := devserver.NewHub(cfg.Dev.Seats, cfg.Dev.QueueLimit, dir)
	files := fileserver.New(cfg.Dev.UploadDir, cfg.Upload.MaxSize, cfg.BaseURL)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	srv := &http.Server{
		Addr:              cfg.Dev.Addr,
		Handler:           devserver.NewServer(hub, dir, files, cfg.Socket).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("devserver listening on %s (%d seats, queue %d, %d accounts)",
			cfg.Dev.Addr, cfg.Dev.Seats, cfg.Dev.QueueLimit, len(cfg.Dev.Accounts))
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
}
