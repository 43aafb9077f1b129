// File: cmd/predictctl/main.go
//
// predictctl operates directly on the asset store directory and never needs
// the daemon running. The token subcommand mints operator JWTs for the HTTP
// API from the shared secret in the config file.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"price-direction-ml/internal/config"
	"price-direction-ml/internal/infra/api"
	"price-direction-ml/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "predictctl",
	Short: "Inspect and maintain the price direction model store",
	Long:  `predictctl reads the same config file as the daemon and works on the storage directory it points at: storage stats, trained model listings, record inspection and history cleanup.`,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate storage statistics",
	RunE:  runStats,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List trained models across all assets",
	RunE:  runModels,
}

var recordCmd = &cobra.Command{
	Use:   "record [asset]",
	Short: "Show one asset record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecord,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Trim training and prediction history older than --max-age",
	RunE:  runCleanup,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an operator JWT for the HTTP API",
	RunE:  runToken,
}

var (
	cfgPath    string
	maxAge     time.Duration
	recordJSON bool
	tokenSub   string
	tokenTTL   time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to config yaml")

	cleanupCmd.Flags().DurationVar(&maxAge, "max-age", 720*time.Hour, "drop history entries older than this")
	recordCmd.Flags().BoolVar(&recordJSON, "json", false, "dump the record as JSON (weight values omitted)")
	tokenCmd.Flags().StringVar(&tokenSub, "subject", "ops", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(statsCmd, modelsCmd, recordCmd, cleanupCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withStore opens the asset store for the configured directory, runs fn, and
// flushes on the way out. The flush loop is never started; every write a
// command makes goes straight to disk.
func withStore(fn func(*storage.AssetStore) error) error {
	cfg, err := config.LoadFromFile(cfgPath)
	if err != nil {
		return err
	}
	quiet := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	st, err := storage.NewAssetStore(storage.Config{
		Dir:      cfg.Storage.Dir,
		CacheTTL: cfg.Storage.CacheTTL,
	}, &quiet)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = st.Shutdown(ctx)
	}()
	return fn(st)
}

func runStats(cmd *cobra.Command, args []string) error {
	return withStore(func(st *storage.AssetStore) error {
		stats, err := st.StorageStats()
		if err != nil {
			return err
		}
		fmt.Printf("Assets:          %d\n", stats.Assets)
		fmt.Printf("Size:            %.1f KiB\n", float64(stats.TotalSizeBytes)/1024)
		fmt.Printf("Trained models:  %d\n", stats.TrainedModels)
		fmt.Printf("Sessions:        %d\n", stats.TotalSessions)
		fmt.Printf("Predictions:     %d\n", stats.TotalPredictions)
		if stats.UnreadableFiles > 0 {
			fmt.Printf("Unreadable:      %d\n", stats.UnreadableFiles)
		}
		return nil
	})
}

func runModels(cmd *cobra.Command, args []string) error {
	return withStore(func(st *storage.AssetStore) error {
		infos, err := st.TrainedModels()
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("No trained models found")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ASSET\tMODEL\tSAVED\tTENSORS\tFEATURES\tARCH")
		for _, m := range infos {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				m.Asset, m.Model, m.SavedAt.Format(time.RFC3339), m.Tensors, m.Features, m.Architecture)
		}
		return w.Flush()
	})
}

func runRecord(cmd *cobra.Command, args []string) error {
	return withStore(func(st *storage.AssetStore) error {
		rec, err := st.Snapshot(args[0])
		if err != nil {
			return err
		}
		if recordJSON {
			for _, art := range rec.Models {
				if art.Weights == nil {
					continue
				}
				for i := range art.Weights.Tensors {
					art.Weights.Tensors[i].Values = nil
				}
			}
			out, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		fmt.Printf("Asset:        %s\n", rec.AssetID)
		fmt.Printf("Schema:       v%d\n", rec.SchemaVersion)
		fmt.Printf("Last updated: %s\n", rec.LastUpdated.Format(time.RFC3339))
		fmt.Printf("Models:       %d trained, %d tensors\n", rec.Metadata.TrainedModels, rec.Metadata.TotalWeightTensors)
		for kind, art := range rec.Models {
			if art.Weights == nil {
				fmt.Printf("  %-8s untrained\n", kind)
				continue
			}
			fmt.Printf("  %-8s %d tensors, saved %s\n", kind, art.Weights.Count, art.Weights.SavedAt.Format(time.RFC3339))
		}
		fmt.Printf("Sessions:     %d", rec.Training.TotalSessions)
		if last := rec.Training.LastSession; last != nil {
			fmt.Printf(" (last: %s acc=%.3f loss=%.4f)", last.Model, last.Accuracy, last.FinalLoss)
		}
		fmt.Println()
		fmt.Printf("Predictions:  %d", rec.Predictions.TotalCount)
		if last := rec.Predictions.Last; last != nil {
			fmt.Printf(" (last: %s %s conf=%.2f at %s)", last.Model, last.Direction, last.Confidence, last.At.Format(time.RFC3339))
		}
		fmt.Println()
		if rec.Features != nil {
			fmt.Printf("Features:     %d cached, extracted %s\n", len(rec.Features.Vector), rec.Features.ExtractedAt.Format(time.RFC3339))
		}
		return nil
	})
}

func runCleanup(cmd *cobra.Command, args []string) error {
	return withStore(func(st *storage.AssetStore) error {
		stats, err := st.Cleanup(maxAge)
		if err != nil {
			return err
		}
		fmt.Printf("Scanned:             %d\n", stats.AssetsScanned)
		fmt.Printf("Changed:             %d\n", stats.AssetsChanged)
		fmt.Printf("Sessions removed:    %d\n", stats.SessionsRemoved)
		fmt.Printf("Predictions removed: %d\n", stats.PredictionsRemoved)
		if stats.UnreadableFiles > 0 {
			fmt.Printf("Unreadable:          %d\n", stats.UnreadableFiles)
		}
		return nil
	})
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(cfgPath)
	if err != nil {
		return err
	}
	if cfg.API.JWTSecret == "" {
		return fmt.Errorf("api.jwt_secret is not set in %s", cfgPath)
	}
	token, err := api.NewAuthManager(cfg.API.JWTSecret, tokenTTL).Mint(tokenSub)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
