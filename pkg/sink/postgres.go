package sink

import (
	"context"
	"fmt"

	"github.com/Sternrassler/catalog-ingest/pkg/record"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTable is the table PostgresSink writes to when none is given.
const DefaultTable = "catalog_records"

// PostgresSink inserts records with ON CONFLICT DO NOTHING on the record key.
type PostgresSink struct {
	pool  *pgxpool.Pool
	table string
}

// OpenPostgres connects a pool to dsn.
func OpenPostgres(ctx context.Context, dsn, table string, maxConns int) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", ErrUnwritable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrUnwritable, err)
	}
	return NewPostgresSink(pool, table), nil
}

// NewPostgresSink wraps an existing pool.
func NewPostgresSink(pool *pgxpool.Pool, table string) *PostgresSink {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresSink{pool: pool, table: pgx.Identifier{table}.Sanitize()}
}

// EnsureSchema creates the record table if it does not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		record_key           TEXT PRIMARY KEY,
		product_id           BIGINT NOT NULL,
		offer_uuid           TEXT,
		name                 TEXT NOT NULL,
		slugged_name         TEXT,
		status               TEXT,
		brand                TEXT,
		category_id          BIGINT,
		category_name        TEXT,
		old_price            DOUBLE PRECISION,
		retail_price         DOUBLE PRECISION,
		discount_amount      DOUBLE PRECISION,
		discount_percentage  DOUBLE PRECISION,
		installment_enabled  BOOLEAN,
		max_installment_months INT,
		seller_ext_id        TEXT,
		seller_name          TEXT,
		seller_vat_payer     BOOLEAN,
		seller_rating        DOUBLE PRECISION,
		seller_role          TEXT,
		image_big            TEXT,
		image_medium         TEXT,
		image_small          TEXT,
		rating_value         DOUBLE PRECISION,
		rating_count         INT,
		product_labels       TEXT,
		min_qty              INT,
		preorder_available   BOOLEAN,
		qty                  INT,
		discount_start_date  TEXT,
		discount_end_date    TEXT,
		scraped_at           TIMESTAMPTZ NOT NULL,
		source_page          INT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Append inserts the records in one batch and returns the number of new rows.
func (s *PostgresSink) Append(ctx context.Context, records []record.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	b := &pgx.Batch{}
	for _, r := range records {
		b.Queue(
			`INSERT INTO `+s.table+`
			(record_key, product_id, offer_uuid, name, slugged_name, status, brand,
			 category_id, category_name, old_price, retail_price, discount_amount, discount_percentage,
			 installment_enabled, max_installment_months,
			 seller_ext_id, seller_name, seller_vat_payer, seller_rating, seller_role,
			 image_big, image_medium, image_small, rating_value, rating_count,
			 product_labels, min_qty, preorder_available, qty,
			 discount_start_date, discount_end_date, scraped_at, source_page)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			        $21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33)
			ON CONFLICT (record_key) DO NOTHING`,
			r.Key(), r.ProductID, r.OfferUUID, r.Name, r.SluggedName, r.Status, r.Brand,
			r.CategoryID, r.CategoryName, r.OldPrice, r.RetailPrice, r.DiscountAmount, r.DiscountPercentage,
			r.InstallmentEnabled, r.MaxInstallmentMonths,
			r.SellerExtID, r.SellerName, r.SellerVATPayer, r.SellerRating, r.SellerRole,
			r.ImageBig, r.ImageMedium, r.ImageSmall, r.RatingValue, r.RatingCount,
			r.Labels, r.MinQty, r.PreorderAvailable, r.Qty,
			r.DiscountStart, r.DiscountEnd, r.ScrapedAt, r.SourcePage,
		)
	}

	// Run the batch in a transaction so a failure leaves no partial page behind
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, b)
	written := 0
	for range records {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, fmt.Errorf("insert: %w", err)
		}
		written += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	observe(written, len(records))
	return written, nil
}

// Close closes the pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
