package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/integration"
)

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	orgs, err := parseOrgs(getenv("SEED_ORGS", "1"))
	if err != nil {
		log.Fatalf("parse SEED_ORGS: %v", err)
	}

	ledger, err := app.OpenLedger(ctx, cfg, app.LedgerDeps{Logger: app.NewLogger(cfg)})
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer ledger.Close()

	if applied, err := ledger.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	} else if len(applied) > 0 {
		fmt.Printf("→ Applied %d migration(s)\n", len(applied))
	}

	for _, org := range orgs {
		fmt.Printf("→ Seeding chart of accounts for organization %d...\n", org)
		chart, err := ledger.Service.SeedChart(ctx, org, 0)
		if err != nil {
			log.Fatalf("seed chart: %v", err)
		}
		mapped, err := integration.SeedMappings(ctx, ledger.Service, org, 0)
		if err != nil {
			log.Fatalf("seed mappings: %v", err)
		}
		fmt.Printf("  %d accounts, %d mappings\n", len(chart), mapped)
	}
	fmt.Println("✓ Seed complete")
}

func parseOrgs(raw string) ([]int64, error) {
	var orgs []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid organization id %q", part)
		}
		orgs = append(orgs, id)
	}
	return orgs, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
