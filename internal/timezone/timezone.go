// Package timezone resolves IANA timezone names from coordinates
package timezone

import (
	"fmt"
	"sync"

	"github.com/ringsaturn/tzf"
)

// Lookup resolves the timezone at a coordinate; an empty string means unknown
type Lookup interface {
	Timezone(lat, lon float64) string
}

// Finder answers lookups from the embedded tzf dataset
type Finder struct {
	finder tzf.F
}

var (
	defaultOnce   sync.Once
	defaultFinder *Finder
	defaultErr    error
)

// Default returns the process-wide finder; loading the dataset happens once
func Default() (*Finder, error) {
	defaultOnce.Do(func() {
		f, err := tzf.NewDefaultFinder()
		if err != nil {
			defaultErr = fmt.Errorf("failed to load timezone data: %w", err)
			return
		}
		defaultFinder = &Finder{finder: f}
	})
	return defaultFinder, defaultErr
}

// Timezone returns the IANA name at (lat, lon)
func (f *Finder) Timezone(lat, lon float64) string {
	return f.finder.GetTimezoneName(lon, lat)
}

// Fixed always answers with the same zone
type Fixed string

// Timezone returns the fixed name
func (z Fixed) Timezone(float64, float64) string {
	return string(z)
}
