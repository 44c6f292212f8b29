package spatial

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// Resolve looks up a place name and returns its coordinate. A lookup
// failure surfaces as a validation grade error to the caller before any
// route submission is attempted.
func Resolve(ctx context.Context, placeName string) (Point, error) {
	if len(placeName) == 0 {
		return Point{}, fmt.Errorf("%w: empty place name", ErrInvalid)
	}

	u := fmt.Sprintf(
		"https://nominatim.openstreetmap.org/search?q=%s&format=json&limit=1",
		url.QueryEscape(placeName),
	)

	resp, err := LocationGet(ctx, u)
	if err != nil {
		return Point{}, fmt.Errorf("geocoding failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return Point{}, fmt.Errorf("geocoding API returned %d", resp.StatusCode)
	}

	var results []struct {
		DisplayName string `json:"display_name"`
		Lat         string `json:"lat"`
		Lon         string `json:"lon"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return Point{}, fmt.Errorf("decode failed: %v", err)
	}

	if len(results) == 0 {
		return Point{}, fmt.Errorf("%w: no match for %q", ErrInvalid, placeName)
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return Point{}, fmt.Errorf("bad latitude %q", results[0].Lat)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return Point{}, fmt.Errorf("bad longitude %q", results[0].Lon)
	}

	return Point{Lat: lat, Lon: lon}, nil
}
