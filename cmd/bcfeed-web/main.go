package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bcfeed"
	"bcfeed/internal/storage"
)

func main() {
	var configPath, addr, dbPath string

	root := &cobra.Command{
		Use:   "bcfeed-web",
		Short: "Serve the bcfeed dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := storage.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if dbPath != "" {
				cfg.Database.Path = dbPath
			}
			return run(cfg)
		},
	}
	root.Flags().StringVar(&configPath, "config", defaultConfigPath(), "path to yaml config file")
	root.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	root.Flags().StringVar(&dbPath, "db", "", "path to sqlite database (overrides config)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bcfeed-web: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	dir, err := storage.DefaultDataDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "config.yaml")
}

func run(cfg *storage.Config) error {
	engine, err := bcfeed.NewEngine(bcfeed.EngineConfig{
		DataDir:          cfg.DataDir,
		DBPath:           cfg.Database.Path,
		MaxResults:       cfg.Sync.MaxResults,
		FetchTimeout:     time.Duration(cfg.Sync.FetchTimeoutSeconds) * time.Second,
		EmbedTimeout:     time.Duration(cfg.Embed.TimeoutSeconds) * time.Second,
		EmbedMaxInFlight: int64(cfg.Embed.MaxInFlight),
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	mux := newRouter(engine, cfg)

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     logging(recovery(cors(mux))),
		ReadTimeout: 15 * time.Second,
		// No write timeout: the populate stream stays open for the whole run.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("bcfeed-web: listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("bcfeed-web: %v", err)
		}
	}()

	<-done
	log.Println("bcfeed-web: shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Println("bcfeed-web: stopped")
	return nil
}
