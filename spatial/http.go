package spatial

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"
)

// ExternalClient wraps http.Client with per-API rate limiting and logging.
// OSRM and Nominatim are shared public instances with strict usage policies,
// so all calls out of this package go through here.
type ExternalClient struct {
	client *http.Client

	mu          sync.Mutex
	lastCall    map[string]time.Time
	minInterval time.Duration
}

// External is the client for all outbound API calls
var External = &ExternalClient{
	client: &http.Client{
		Timeout: 30 * time.Second,
	},
	lastCall:    make(map[string]time.Time),
	minInterval: time.Second,
}

// Get executes a rate limited GET against the named API
func (c *ExternalClient) Get(ctx context.Context, apiName, url string) (*http.Response, error) {
	c.mu.Lock()
	if last, ok := c.lastCall[apiName]; ok {
		if elapsed := time.Since(last); elapsed < c.minInterval {
			wait := c.minInterval - elapsed
			c.mu.Unlock()
			time.Sleep(wait)
			c.mu.Lock()
		}
	}
	c.lastCall[apiName] = time.Now()
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Via/1.0")

	start := time.Now()
	resp, err := c.client.Do(req)
	log.Printf("[http] %s GET %s (%dms)", apiName, truncateURL(url), time.Since(start).Milliseconds())
	return resp, err
}

// OSRMGet makes an OSRM routing API call
func OSRMGet(ctx context.Context, url string) (*http.Response, error) {
	return External.Get(ctx, "osrm", url)
}

// LocationGet makes a geocoding API call
func LocationGet(ctx context.Context, url string) (*http.Response, error) {
	return External.Get(ctx, "location", url)
}

func truncateURL(url string) string {
	if len(url) > 80 {
		return url[:77] + "..."
	}
	return url
}
