package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *PostgresRepository {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	repo, err := NewPostgresRepository(ctx, PostgresConfig{URL: dsn})
	require.NoError(t, err)
	t.Cleanup(repo.Close)

	require.NoError(t, repo.EnsureSchema(ctx))
	_, err = repo.pool.Exec(ctx, `TRUNCATE scrape_results CASCADE`)
	require.NoError(t, err)
	return repo
}

func TestPostgresRepositorySaveLoad(t *testing.T) {
	ctx := context.Background()
	repo := setupTestDB(t)

	require.NoError(t, repo.Save(ctx, sampleResult("https://www.olx.pt/a", "10 €", "Grátis")))
	require.NoError(t, repo.Save(ctx, sampleResult("https://www.olx.pt/empty")))

	results, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "https://www.olx.pt/a", results[0].SourceURL)
	require.Len(t, results[0].Data, 2)
	assert.Equal(t, "+351912345678", results[0].Data[0].Phone)
	assert.Equal(t, "Grátis", results[0].Data[1].Price)
	assert.Equal(t, "N/A", results[0].Data[1].Phone)

	assert.Empty(t, results[1].Data)
}

func TestPostgresConfigDSN(t *testing.T) {
	cfg := PostgresConfig{Host: "localhost", Port: 5432, User: "olx", Password: "pw", Database: "scraper"}
	assert.Equal(t, "postgres://olx:pw@localhost:5432/scraper?sslmode=disable", cfg.DSN())

	cfg.URL = "postgres://other/db"
	assert.Equal(t, "postgres://other/db", cfg.DSN())
}
