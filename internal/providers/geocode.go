package providers

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kelvins/geocoder"
)

var geocoderMu sync.Mutex

// Coordinates is a latitude/longitude pair.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// ResolveCoordinates looks up city/country with the Google geocoding API.
// The geocoder package keeps its key in a package variable, so lookups are
// serialised.
func ResolveCoordinates(apiKey, city, country string) (Coordinates, error) {
	if apiKey == "" {
		return Coordinates{}, errors.New("geocoder api key is not configured")
	}
	if city == "" {
		return Coordinates{}, errors.New("city is required for geocoding")
	}

	geocoderMu.Lock()
	defer geocoderMu.Unlock()

	geocoder.ApiKey = apiKey
	loc, err := geocoder.Geocoding(geocoder.Address{City: city, Country: country})
	if err != nil {
		return Coordinates{}, fmt.Errorf("geocode %s, %s: %w", city, country, err)
	}
	return Coordinates{Latitude: loc.Latitude, Longitude: loc.Longitude}, nil
}
