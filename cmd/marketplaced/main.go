// Command marketplaced runs the two-party job marketplace coordinator.
package main

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

type config struct {
	Port          string
	StoreDriver   string
	PGDSN         string
	APIKey        string
	RedisAddr     string
	RedisChannel  string
	SweepInterval time.Duration
	QuoteTTL      time.Duration
	TrackerBase   string
	TrackerToken  string
	LedgerBase    string
	MetricsPath   string
}

func loadConfig() config {
	port := os.Getenv("MARKET_PORT")
	if port == "" {
		port = "3003"
	}

	storeDriver := os.Getenv("MARKET_STORE_DRIVER")
	if storeDriver == "" {
		storeDriver = "memory"
	}

	sweepInterval := 30 * time.Second
	if raw := os.Getenv("MARKET_SWEEP_INTERVAL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			sweepInterval = time.Duration(v) * time.Second
		}
	}

	ttlHours := 1
	if raw := os.Getenv("MARKET_QUOTE_TTL_HOURS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			ttlHours = v
		}
	}

	return config{
		Port:          port,
		StoreDriver:   storeDriver,
		PGDSN:         os.Getenv("MARKET_PG_DSN"),
		APIKey:        os.Getenv("MARKET_API_KEY"),
		RedisAddr:     os.Getenv("MARKET_REDIS_ADDR"),
		RedisChannel:  envDefault("MARKET_REDIS_CHANNEL", "marketplace:events"),
		SweepInterval: sweepInterval,
		QuoteTTL:      time.Duration(ttlHours) * time.Hour,
		TrackerBase:   os.Getenv("MARKET_TRACKER_BASE"),
		TrackerToken:  os.Getenv("MARKET_TRACKER_TOKEN"),
		LedgerBase:    os.Getenv("MARKET_LEDGER_BASE"),
		MetricsPath:   envDefault("MARKET_METRICS_PATH", "/metrics"),
	}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "marketplaced",
		Short:         "Two-party job marketplace coordinator",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.AddCommand(
		newServeCmd(),
		newMCPCmd(),
		newDemoCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("marketplaced: %v", err)
	}
}
