package client

import (
	"context"
	"fmt"

	"via.live/spatial"
)

// Plan geocodes the named source and destination, asks the routing engine
// for a path through them (and any via points), and returns a route ready
// to Submit. A failed lookup surfaces here, before anything is sent.
func (c *Client) Plan(ctx context.Context, source, destination string, via ...spatial.Point) (*spatial.Route, error) {
	src, err := spatial.Resolve(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("resolving source: %w", err)
	}

	dst, err := spatial.Resolve(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("resolving destination: %w", err)
	}

	waypoints := append(append([]spatial.Point{src}, via...), dst)
	path, err := spatial.ComputeRoute(ctx, waypoints)
	if err != nil {
		return nil, err
	}

	return &spatial.Route{
		UserID:      c.UserID,
		Source:      src,
		Destination: dst,
		Path:        path,
	}, nil
}
