package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/tokenvault/server/internal/config"
	"github.com/tokenvault/server/internal/dbpool"
	"github.com/tokenvault/server/internal/storage"
)

// ledger-audit walks every account in the postgres ledger and reports any
// whose stored balance differs from the sum of its transactions.
func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	dsn := flag.String("dsn", "", "postgres connection string (overrides storage.postgres_url)")
	pageSize := flag.Int("page", 500, "accounts fetched per page")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	connStr := cfg.Storage.PostgresURL
	if *dsn != "" {
		connStr = *dsn
	}
	if connStr == "" {
		log.Fatal("No postgres connection string: set -dsn or storage.postgres_url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	pool, err := dbpool.NewSharedPool(ctx, connStr, cfg.Storage.PostgresPool)
	if err != nil {
		log.Fatal("Failed to connect:", err)
	}
	defer pool.Close()

	store, err := storage.NewPostgresStoreWithDB(pool.DB(), storage.WithQueryTimeout(cfg.Storage.QueryTimeout.Duration))
	if err != nil {
		log.Fatal("Failed to open ledger:", err)
	}
	fmt.Println("✓ Connected to ledger")

	var checked, mismatched int
	after := ""
	for {
		ids, err := store.ListAccountIDs(ctx, after, *pageSize)
		if err != nil {
			log.Fatal("Failed to list accounts:", err)
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			result, err := store.AuditAccount(ctx, id)
			if err != nil {
				log.Fatalf("Failed to audit %s: %v", id, err)
			}
			checked++
			if !result.Consistent {
				mismatched++
				fmt.Printf("✗ %s balance=%d sum=%d transactions=%d\n", id, result.Balance, result.Sum, result.Transactions)
			}
		}
		after = ids[len(ids)-1]
	}

	fmt.Printf("\nAudited %d accounts, %d mismatched\n", checked, mismatched)
	if mismatched > 0 {
		os.Exit(1)
	}
}
