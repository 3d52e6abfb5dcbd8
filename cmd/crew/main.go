package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/crew/internal/backend"
)

// pm tracks every agent subprocess so a shutdown can take them down.
var pm = backend.NewProcessManager()

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Restore default handling so a second Ctrl+C forces exit.
			stop()
			log.Println("Shutdown signal received, cleaning up...")
			if err := pm.KillAll(); err != nil {
				log.Printf("Error killing subprocesses: %v", err)
			}
		case <-done:
		}
	}()

	err := rootCmd.ExecuteContext(ctx)
	close(done)
	if err != nil {
		os.Exit(1)
	}
}
