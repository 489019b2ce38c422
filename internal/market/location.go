package market

import (
	"context"
	"strings"

	"github.com/spigell/service-exchange/internal/geo"
)

// Location is a place given either by coordinates or by an address to geocode.
type Location struct {
	Lat     *float64
	Lon     *float64
	Address string
}

// Resolve returns the coordinates of the location. Explicit coordinates win over
// the address. A nil geocoder or a failed lookup is reported as bad input.
func (l Location) Resolve(ctx context.Context, geocoder geo.Geocoder) (*geo.Point, error) {
	if p := geo.NewPoint(l.Lat, l.Lon); p != nil {
		if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
			return nil, Errorf(KindBadInput, "coordinates out of range")
		}
		return p, nil
	}

	address := strings.TrimSpace(l.Address)
	if address == "" {
		return nil, Errorf(KindBadInput, "location required for physical services")
	}
	if geocoder == nil {
		return nil, Errorf(KindBadInput, "could not geocode address")
	}

	p, err := geocoder.Geocode(ctx, address)
	if err != nil || p == nil {
		return nil, &Error{Kind: KindBadInput, Message: "could not geocode address", Err: err}
	}
	return p, nil
}
