package models

import "time"

// SignificantPlace represents a deduplicated location a user returns to
type SignificantPlace struct {
	ID        int64  `json:"id" db:"id"`
	Username  string `json:"username" db:"username"`
	PreviewID string `json:"previewId,omitempty" db:"preview_id"`

	Name string `json:"name" db:"name"`
	Type string `json:"type" db:"type"`

	// Address fields, filled in from reverse geocoding results
	Address     string `json:"address,omitempty" db:"address"`
	City        string `json:"city,omitempty" db:"city"`
	CountryCode string `json:"countryCode,omitempty" db:"country_code"`

	Latitude  float64 `json:"latitude" db:"latitude"`
	Longitude float64 `json:"longitude" db:"longitude"`

	// Polygon is a GeoJSON Polygon geometry; when set it takes precedence over centroid matching
	Polygon string `json:"polygon,omitempty" db:"polygon"`

	Timezone  string    `json:"timezone,omitempty" db:"timezone"`
	Geocoded  bool      `json:"geocoded" db:"geocoded"`
	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Place types
const (
	PlaceTypeUnknown = "UNKNOWN"
	PlaceTypeHome    = "HOME"
	PlaceTypeWork    = "WORK"
)

// PlaceOverride is a user rule applied when a place is created at exactly this coordinate
type PlaceOverride struct {
	ID        int64   `json:"id" db:"id"`
	Username  string  `json:"username" db:"username"`
	Latitude  float64 `json:"latitude" db:"latitude"`
	Longitude float64 `json:"longitude" db:"longitude"`
	Name      string  `json:"name,omitempty" db:"name"`
	Type      string  `json:"type,omitempty" db:"type"`
	Timezone  string  `json:"timezone,omitempty" db:"timezone"`
	Polygon   string  `json:"polygon,omitempty" db:"polygon"`
}

// PlaceUpdate carries the editable fields of a place; nil fields are left unchanged
type PlaceUpdate struct {
	Name        *string `json:"name"`
	Type        *string `json:"type"`
	Timezone    *string `json:"timezone"`
	Polygon     *string `json:"polygon"`
	Address     *string `json:"address"`
	City        *string `json:"city"`
	CountryCode *string `json:"countryCode"`
	Version     int64   `json:"version" binding:"required"`
}
