package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maltedev/olx-scraper/internal/models"
)

type PostgresConfig struct {
	// URL takes precedence over the individual connection fields.
	URL         string
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	MaxConns    int32
	MinConns    int32
	MaxConnLife time.Duration
	MaxConnIdle time.Duration
}

func (c PostgresConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

const schema = `
CREATE TABLE IF NOT EXISTS scrape_results (
	id         BIGSERIAL PRIMARY KEY,
	source_url TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS scrape_listings (
	result_id    BIGINT NOT NULL REFERENCES scrape_results(id) ON DELETE CASCADE,
	position     INT NOT NULL,
	link         TEXT NOT NULL,
	name         TEXT NOT NULL,
	price        TEXT NOT NULL DEFAULT '',
	price_value  NUMERIC,
	seller_name  TEXT NOT NULL DEFAULT '',
	seller_phone TEXT NOT NULL DEFAULT 'N/A',
	PRIMARY KEY (result_id, position)
);`

type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects a pool and pings the database.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLife > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLife
	}
	if cfg.MaxConnIdle > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdle
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// EnsureSchema creates the result tables when missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save stores the result and its listings in one transaction.
func (r *PostgresRepository) Save(ctx context.Context, result *models.ScrapeResult) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx,
			`INSERT INTO scrape_results (source_url) VALUES ($1) RETURNING id`,
			result.SourceURL,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to insert result: %w", err)
		}

		if len(result.Data) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for i, d := range result.Data {
			var priceValue *float64
			if v, ok := models.ParsePrice(d.Price); ok {
				priceValue = &v
			}
			row := d.Row()
			batch.Queue(`INSERT INTO scrape_listings
				(result_id, position, link, name, price, price_value, seller_name, seller_phone)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				id, i, row["link"], row["name"], row["price"], priceValue, row["seller_name"], row["seller_phone"])
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert listings: %w", err)
		}
		return nil
	})
}

// Load returns every stored result with its listings, oldest first.
func (r *PostgresRepository) Load(ctx context.Context) ([]models.ScrapeResult, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT r.id, r.source_url, l.link, l.name, l.price, l.seller_name, l.seller_phone
		FROM scrape_results r
		LEFT JOIN scrape_listings l ON l.result_id = r.id
		ORDER BY r.id, l.position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var (
		results []models.ScrapeResult
		lastID  int64 = -1
	)
	for rows.Next() {
		var (
			id                               int64
			sourceURL                        string
			link, name, price, seller, phone *string
		)
		if err := rows.Scan(&id, &sourceURL, &link, &name, &price, &seller, &phone); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if id != lastID {
			results = append(results, models.ScrapeResult{SourceURL: sourceURL, Data: []models.ListingDetail{}})
			lastID = id
		}
		if link == nil {
			continue
		}
		cur := &results[len(results)-1]
		cur.Data = append(cur.Data, models.DetailFromRow(map[string]string{
			"link":         *link,
			"name":         deref(name),
			"price":        deref(price),
			"seller_name":  deref(seller),
			"seller_phone": deref(phone),
		}))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}
	return results, nil
}

func (r *PostgresRepository) ExportSpreadsheet(ctx context.Context, path string) error {
	results, err := r.Load(ctx)
	if err != nil {
		return err
	}
	return WriteSpreadsheetFile(path, results)
}

func (r *PostgresRepository) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
