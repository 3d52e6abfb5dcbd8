package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/crew/internal/knowledge"
	"github.com/aristath/crew/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and the live event stream",
	Long: `Serve runs, memory and knowledge over HTTP, with lifecycle events
streamed on /api/events. With --crew, POST /api/runs starts runs of that
crew and their events are streamed too.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		hub := server.NewHub()
		defer hub.Close()

		opts := server.Options{Hub: hub, Context: ctx}
		if crewName != "" {
			a, err := openApp(ctx, crewName, hub)
			if err != nil {
				return err
			}
			defer a.Close()
			opts.Runs = a.stores.Checkpoints
			opts.Memory = a.stores.Memory
			opts.Knowledge = a.stores.Knowledge
			opts.Retriever = retrieverOptions(a.cfg.Knowledge.ResultsLimit, a.cfg.Knowledge.ScoreThreshold)
			opts.Runner = a.runner
		} else {
			cfg, stores, err := openStores(ctx)
			if err != nil {
				return err
			}
			defer stores.Close()
			opts.Runs = stores.Checkpoints
			opts.Memory = stores.Memory
			opts.Knowledge = stores.Knowledge
			opts.Retriever = retrieverOptions(cfg.Knowledge.ResultsLimit, cfg.Knowledge.ScoreThreshold)
		}

		srv := server.New(opts)
		httpServer := &http.Server{Addr: serveAddr, Handler: srv}

		errCh := make(chan error, 1)
		go func() {
			log.Printf("Serving on %s", serveAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down server: %v", err)
		}
		srv.Wait()
		return nil
	},
}

func retrieverOptions(limit int, threshold float64) knowledge.RetrieverOptions {
	return knowledge.RetrieverOptions{ResultsLimit: limit, ScoreThreshold: threshold}
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
}
