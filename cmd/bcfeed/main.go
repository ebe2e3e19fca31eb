package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"bcfeed"
	"bcfeed/internal/storage"
)

var (
	configPath string
	cfg        *storage.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bcfeed",
		Short: "Local Bandcamp release feed - ingest notification mail into a browsable cache",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default: ~/.bcfeed/config.yaml)")

	rootCmd.AddCommand(populateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(initConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	if configPath == "" {
		dir, err := storage.DefaultDataDir()
		if err != nil {
			return err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}
	var err error
	cfg, err = storage.LoadConfig(configPath)
	return err
}

func newEngine() (*bcfeed.Engine, error) {
	return bcfeed.NewEngine(bcfeed.EngineConfig{
		DataDir:          cfg.DataDir,
		DBPath:           cfg.Database.Path,
		MaxResults:       cfg.Sync.MaxResults,
		FetchTimeout:     time.Duration(cfg.Sync.FetchTimeoutSeconds) * time.Second,
		EmbedTimeout:     time.Duration(cfg.Embed.TimeoutSeconds) * time.Second,
		EmbedMaxInFlight: int64(cfg.Embed.MaxInFlight),
	})
}

func parseDayArg(raw, name string) (time.Time, error) {
	d, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q: want YYYY-MM-DD", name, raw)
	}
	return d, nil
}

func populateCmd() *cobra.Command {
	var startStr, endStr string
	var maxResults int
	cmd := &cobra.Command{
		Use:   "populate",
		Short: "Fetch release notifications for a day range into the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseDayArg(startStr, "start")
			if err != nil {
				return err
			}
			end, err := parseDayArg(endStr, "end")
			if err != nil {
				return err
			}

			engine, err := newEngine()
			if err != nil {
				return fmt.Errorf("failed to open engine: %w", err)
			}
			defer engine.Close()

			run, err := engine.PopulateRange(context.Background(), start, end, maxResults)
			if err != nil {
				return err
			}
			for line := range run.Progress {
				fmt.Println(line)
			}
			result, err := run.Wait()
			if err != nil {
				return err
			}
			fmt.Printf("Days scraped: %d, skipped: %d, releases stored: %d\n",
				result.DaysScraped, result.DaysSkipped, result.ReleasesStored)
			return nil
		},
	}
	cmd.Flags().StringVar(&startStr, "start", "", "first day to scrape (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endStr, "end", "", "last day to scrape (YYYY-MM-DD)")
	cmd.Flags().IntVar(&maxResults, "max-results", 0, "stop after storing this many releases (default: config)")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func statusCmd() *cobra.Command {
	var startStr, endStr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show which days in a range have been scraped",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseDayArg(startStr, "start")
			if err != nil {
				return err
			}
			end, err := parseDayArg(endStr, "end")
			if err != nil {
				return err
			}

			engine, err := newEngine()
			if err != nil {
				return fmt.Errorf("failed to open engine: %w", err)
			}
			defer engine.Close()

			status, err := engine.ScrapeStatus(start, end)
			if err != nil {
				return err
			}
			fmt.Printf("Scraped (%d): %s\n", len(status.Scraped), strings.Join(status.Scraped, ", "))
			fmt.Printf("Not scraped (%d): %s\n", len(status.NotScraped), strings.Join(status.NotScraped, ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&startStr, "start", "", "first day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endStr, "end", "", "last day (YYYY-MM-DD)")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func resetCmd() *cobra.Command {
	var clearCache, clearViewed, clearStarred bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear selected local stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !clearCache && !clearViewed && !clearStarred {
				return fmt.Errorf("nothing selected: pass --cache, --viewed, and/or --starred")
			}

			engine, err := newEngine()
			if err != nil {
				return fmt.Errorf("failed to open engine: %w", err)
			}
			defer engine.Close()

			cleared, err := engine.ResetCaches(clearCache, clearViewed, clearStarred)
			if err != nil {
				return err
			}
			fmt.Printf("Cleared: %s\n", strings.Join(cleared, ", "))
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearCache, "cache", false, "clear the release store, scrape ledger, and embed cache")
	cmd.Flags().BoolVar(&clearViewed, "viewed", false, "clear viewed flags")
	cmd.Flags().BoolVar(&clearStarred, "starred", false, "clear starred flags")
	return cmd
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Create a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config file already exists: %s", configPath)
			}
			if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}

			data, err := yaml.Marshal(storage.DefaultConfig())
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			if err := os.WriteFile(configPath, data, 0o644); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Printf("Created default config at %s\n", configPath)
			return nil
		},
	}
}
