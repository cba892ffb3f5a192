package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Benrotm/real-estate-mls-sub003/models"
)

// PostgresStore holds the canonical listing data. Rows are keyed by
// source URL; re-imports update in place.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS listings (
		source_url TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		title TEXT,
		price DOUBLE PRECISION,
		currency TEXT,
		description TEXT,
		location_city TEXT,
		location_area TEXT,
		rooms INTEGER,
		phone TEXT,
		lat DOUBLE PRECISION,
		lng DOUBLE PRECISION,
		field_errors JSONB,
		raw_data JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_listings_source ON listings(source_id);
	CREATE INDEX IF NOT EXISTS idx_listings_missing_coords
		ON listings(source_id) WHERE lat IS NULL AND location_city IS NOT NULL;
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// UpsertListing inserts or refreshes a listing. Absent optional fields
// never overwrite previously imported values.
func (s *PostgresStore) UpsertListing(ctx context.Context, l *models.ListingRecord) error {
	var lat, lng *float64
	if l.Coordinates != nil {
		lat, lng = &l.Coordinates.Lat, &l.Coordinates.Lng
	}

	query := `
		INSERT INTO listings (
			source_url, source_id, title, price, currency, description,
			location_city, location_area, rooms, phone, lat, lng,
			field_errors, raw_data, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		ON CONFLICT (source_url) DO UPDATE SET
			title = EXCLUDED.title,
			price = COALESCE(EXCLUDED.price, listings.price),
			currency = COALESCE(NULLIF(EXCLUDED.currency, ''), listings.currency),
			description = COALESCE(NULLIF(EXCLUDED.description, ''), listings.description),
			location_city = COALESCE(NULLIF(EXCLUDED.location_city, ''), listings.location_city),
			location_area = COALESCE(NULLIF(EXCLUDED.location_area, ''), listings.location_area),
			rooms = COALESCE(EXCLUDED.rooms, listings.rooms),
			phone = COALESCE(NULLIF(EXCLUDED.phone, ''), listings.phone),
			lat = COALESCE(EXCLUDED.lat, listings.lat),
			lng = COALESCE(EXCLUDED.lng, listings.lng),
			field_errors = EXCLUDED.field_errors,
			raw_data = EXCLUDED.raw_data,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		l.SourceURL, l.SourceID, l.Title, l.Price, l.Currency, l.Description,
		l.LocationCity, l.LocationArea, l.Rooms, l.Phone, lat, lng,
		l.FieldErrors, l.Raw,
	)
	return err
}

func (s *PostgresStore) GetListingBySourceURL(ctx context.Context, sourceURL string) (*models.ListingRecord, error) {
	query := `
		SELECT source_url, source_id, title, price, currency, description,
			location_city, location_area, rooms, phone, lat, lng,
			field_errors, raw_data, created_at, updated_at
		FROM listings WHERE source_url = $1`

	var l models.ListingRecord
	var title, currency, description, city, area, phone *string
	var lat, lng *float64
	err := s.pool.QueryRow(ctx, query, sourceURL).Scan(
		&l.SourceURL, &l.SourceID, &title, &l.Price, &currency, &description,
		&city, &area, &l.Rooms, &phone, &lat, &lng,
		&l.FieldErrors, &l.Raw, &l.CreatedAt, &l.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	l.Title = deref(title)
	l.Currency = deref(currency)
	l.Description = deref(description)
	l.LocationCity = deref(city)
	l.LocationArea = deref(area)
	l.Phone = deref(phone)
	if lat != nil && lng != nil {
		l.Coordinates = &models.Coordinates{Lat: *lat, Lng: *lng}
	}
	return &l, nil
}

// GetListingsMissingCoordinates feeds the geocode backfill worker.
func (s *PostgresStore) GetListingsMissingCoordinates(ctx context.Context, limit int) ([]models.ListingRecord, error) {
	query := `
		SELECT source_url, source_id, location_city, location_area
		FROM listings
		WHERE lat IS NULL AND location_city IS NOT NULL AND location_city != ''
		ORDER BY updated_at
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []models.ListingRecord
	for rows.Next() {
		var l models.ListingRecord
		var city, area *string
		if err := rows.Scan(&l.SourceURL, &l.SourceID, &city, &area); err != nil {
			return nil, err
		}
		l.LocationCity = deref(city)
		l.LocationArea = deref(area)
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) UpdateListingCoordinates(ctx context.Context, sourceURL string, coords *models.Coordinates) error {
	query := `UPDATE listings SET lat = $2, lng = $3, updated_at = NOW() WHERE source_url = $1`
	_, err := s.pool.Exec(ctx, query, sourceURL, coords.Lat, coords.Lng)
	return err
}

func (s *PostgresStore) CountListings(ctx context.Context, sourceID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM listings WHERE source_id = $1`, sourceID).Scan(&count)
	return count, err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
