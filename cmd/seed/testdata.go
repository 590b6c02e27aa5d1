package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// demoAccounts map onto the first deterministic accounts of a ganache-style
// dev chain started with the default mnemonic. The keys are public knowledge
// and must never be used outside dev and test environments.
var demoAccounts = []struct {
	id         uuid.UUID
	gridID     string
	wallet     string
	privateKey string
	available  string
}{
	{
		id:         uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		gridID:     "household-solar-01",
		wallet:     "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1",
		privateKey: "0x4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d",
		available:  "120",
	},
	{
		id:         uuid.MustParse("00000000-0000-0000-0000-000000000002"),
		gridID:     "household-consumer-02",
		wallet:     "0xFFcf8FDEE72ac11b5c542428B35EEF5769C409f0",
		privateKey: "0x6cbed15c793ce57650b9877cf6fa156fbef513c4e6134f022a85b1ffdd59b2a1",
		available:  "0",
	},
	{
		id:         uuid.MustParse("00000000-0000-0000-0000-000000000003"),
		gridID:     "household-solar-03",
		wallet:     "0x22d491Bde2303f2f43325b2108D26f1eAbA1e32b",
		privateKey: "0x6370fd033278c143179d81c5526140625662b8daa446c22ee2d73db3707e620c",
		available:  "80",
	},
}

func seedAccounts(ctx context.Context, pool *pgxpool.Pool) error {
	for _, a := range demoAccounts {
		_, err := pool.Exec(ctx, `
			INSERT INTO accounts (id, grid_id, transformer_id, wallet_address, energy_available, energy_reserved)
			VALUES ($1, $2, 'tx-12', $3, $4, 0)
			ON CONFLICT (id) DO UPDATE SET wallet_address = $3
		`, a.id, a.gridID, a.wallet, a.available)
		if err != nil {
			return err
		}
	}
	return nil
}

// seedTestData adds a couple of open offers so a fresh dev environment has
// something to trade against.
func seedTestData(ctx context.Context, pool *pgxpool.Pool) error {
	offers := []struct {
		id        uuid.UUID
		creatorID uuid.UUID
		units     string
		price     string
	}{
		{
			id:        uuid.MustParse("00000000-0000-0000-0000-000000000101"),
			creatorID: demoAccounts[0].id,
			units:     "25",
			price:     "0.04",
		},
		{
			id:        uuid.MustParse("00000000-0000-0000-0000-000000000102"),
			creatorID: demoAccounts[2].id,
			units:     "10",
			price:     "0.05",
		},
	}

	for _, o := range offers {
		tag, err := pool.Exec(ctx, `
			INSERT INTO offers (id, creator_id, transformer_id, units, remaining_units, price_per_unit, status)
			VALUES ($1, $2, 'tx-12', $3, $3, $4, 'open')
			ON CONFLICT (id) DO NOTHING
		`, o.id, o.creatorID, o.units, o.price)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		_, err = pool.Exec(ctx, `
			UPDATE accounts
			SET energy_available = energy_available - $1, energy_reserved = energy_reserved + $1
			WHERE id = $2 AND energy_available >= $1
		`, o.units, o.creatorID)
		if err != nil {
			return err
		}
	}
	return nil
}
