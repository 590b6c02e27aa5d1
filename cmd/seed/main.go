package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	env := getEnv("GRIDEX_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: GRIDEX_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "gridex_market")
	user := getEnv("POSTGRES_USER", "gridex")
	password := getEnv("POSTGRES_PASSWORD", "gridex")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := ensureSchema(ctx, pool); err != nil {
		log.Fatalf("create schema: %v", err)
	}
	fmt.Println("✓ Schema ready")

	if err := seedAccounts(ctx, pool); err != nil {
		log.Fatalf("seed accounts: %v", err)
	}
	fmt.Println("✓ Accounts seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, pool); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nDemo Accounts:")
	for _, a := range demoAccounts {
		fmt.Printf("  %s (%s): wallet %s, %s units available\n", a.gridID, a.id, a.wallet, a.available)
	}
	if env == "dev" {
		fmt.Println("\nDev-chain signing keys (DEV ONLY, pass via CHAIN_PRIVATE_KEYS):")
		for _, a := range demoAccounts {
			fmt.Printf("  %s: %s\n", a.gridID, a.privateKey)
		}
	}
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id uuid PRIMARY KEY,
			grid_id text NOT NULL UNIQUE,
			transformer_id text NOT NULL,
			wallet_address text NOT NULL UNIQUE,
			energy_available numeric(20,6) NOT NULL DEFAULT 0,
			energy_reserved numeric(20,6) NOT NULL DEFAULT 0,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now(),
			CHECK (energy_available >= 0),
			CHECK (energy_reserved >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS offers (
			id uuid PRIMARY KEY,
			creator_id uuid NOT NULL REFERENCES accounts(id),
			transformer_id text NOT NULL,
			units numeric(20,6) NOT NULL,
			remaining_units numeric(20,6) NOT NULL,
			price_per_unit numeric(20,6) NOT NULL,
			counter_price numeric(20,6),
			counter_by uuid,
			status text NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now(),
			completed_at timestamptz,
			CHECK (remaining_units >= 0),
			CHECK (units > 0)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_transformer_status ON offers (transformer_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_creator ON offers (creator_id)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_created_at ON offers (created_at DESC, id DESC)`,
		`CREATE TABLE IF NOT EXISTS fills (
			id uuid PRIMARY KEY,
			offer_id uuid NOT NULL REFERENCES offers(id),
			buyer_id uuid NOT NULL REFERENCES accounts(id),
			units numeric(20,6) NOT NULL,
			cost numeric(20,6) NOT NULL,
			nonce uuid NOT NULL,
			receipt text NOT NULL DEFAULT '',
			settled_at timestamptz NOT NULL DEFAULT now(),
			UNIQUE (offer_id, nonce)
		)`,
		`CREATE TABLE IF NOT EXISTS settlement_attempts (
			id uuid PRIMARY KEY,
			offer_id uuid NOT NULL REFERENCES offers(id),
			buyer_id uuid NOT NULL REFERENCES accounts(id),
			units numeric(20,6) NOT NULL,
			cost numeric(20,6) NOT NULL,
			nonce uuid NOT NULL UNIQUE,
			tx_hash text NOT NULL DEFAULT '',
			status text NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_status ON settlement_attempts (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			event_id text PRIMARY KEY,
			processed_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id bigserial PRIMARY KEY,
			actor_id uuid NOT NULL,
			actor_type text NOT NULL,
			action text NOT NULL,
			entity_type text NOT NULL,
			entity_id uuid,
			created_at timestamptz NOT NULL DEFAULT now(),
			metadata jsonb
		)`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
