package models

import (
	"encoding/json"
	"time"
)

// Canonical field names a selector map may target.
const (
	FieldTitle        = "title"
	FieldPrice        = "price"
	FieldCurrency     = "currency"
	FieldDescription  = "description"
	FieldLocationCity = "location_city"
	FieldLocationArea = "location_area"
	FieldRooms        = "rooms"
	FieldPhone        = "phone"
)

// Coordinates is a resolved lat/lng pair.
type Coordinates struct {
	Lat float64 `json:"lat" db:"lat"`
	Lng float64 `json:"lng" db:"lng"`
}

// ListingRecord is the canonical output of an extraction, keyed by SourceURL.
// Fields that failed to extract are nil/empty with the reason kept in
// FieldErrors; a partially extracted listing is still importable.
type ListingRecord struct {
	SourceURL    string            `json:"source_url" db:"source_url"`
	SourceID     string            `json:"source_id" db:"source_id"`
	Title        string            `json:"title" db:"title"`
	Price        *float64          `json:"price" db:"price"`
	Currency     string            `json:"currency" db:"currency"`
	Description  string            `json:"description" db:"description"`
	LocationCity string            `json:"location_city" db:"location_city"`
	LocationArea string            `json:"location_area" db:"location_area"`
	Rooms        *int              `json:"rooms" db:"rooms"`
	Phone        string            `json:"phone" db:"phone"`
	Coordinates  *Coordinates      `json:"coordinates" db:"-"`
	FieldErrors  map[string]string `json:"field_errors" db:"field_errors"`
	Raw          json.RawMessage   `json:"raw" db:"raw"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}
