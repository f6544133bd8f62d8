package cli

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/dbkit/health"
	"github.com/vietddude/dbkit/postgres"
)

var checkWrite bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run one database health probe and print the result",
	Run:   runHealth,
}

func init() {
	healthCmd.Flags().BoolVar(&checkWrite, "write", false, "include the reversible write probe")
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx := context.Background()
	db, err := postgres.Open(ctx, cfg.Postgres())
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	prober := health.NewProber(db, health.WithTimeout(cfg.Health.Timeout.Std()))

	result := prober.Probe(ctx, checkWrite || cfg.Health.CheckWrite)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)

	if !result.Healthy {
		os.Exit(1)
	}
}
