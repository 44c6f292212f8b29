package spatial

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const osrmBaseURL = "https://router.project-osrm.org"

// ComputeRoute asks the routing engine for a driving route through the
// given waypoints and returns its geometry. The result is treated as an
// opaque coordinate sequence; turn-by-turn detail is not requested.
func ComputeRoute(ctx context.Context, waypoints []Point) (Path, error) {
	if len(waypoints) < 2 {
		return nil, fmt.Errorf("need at least source and destination")
	}

	var coords []string
	for _, p := range waypoints {
		// OSRM wants lon,lat order
		coords = append(coords, fmt.Sprintf("%f,%f", p.Lon, p.Lat))
	}

	url := fmt.Sprintf("%s/route/v1/driving/%s?overview=full&geometries=geojson",
		osrmBaseURL, strings.Join(coords, ";"))

	resp, err := OSRMGet(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("routing failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("routing API returned %d", resp.StatusCode)
	}

	var data struct {
		Code   string `json:"code"`
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode failed: %v", err)
	}

	if data.Code != "Ok" || len(data.Routes) == 0 {
		return nil, fmt.Errorf("no route found")
	}

	var path Path
	for _, c := range data.Routes[0].Geometry.Coordinates {
		if len(c) < 2 {
			continue
		}
		// GeoJSON coordinates are [lon, lat]
		path = append(path, Point{Lat: c[1], Lon: c[0]})
	}

	if len(path) == 0 {
		return nil, fmt.Errorf("route has no geometry")
	}

	return path, nil
}
