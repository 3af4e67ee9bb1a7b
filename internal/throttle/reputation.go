package throttle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/maypok86/otter"
)

const reputationCacheEntries = 500_000

// ReputationChecker answers whether an IP is acceptable to serve.
type ReputationChecker interface {
	Check(ctx context.Context, ip string) (allowed bool, err error)
}

// AllowAll is the checker used when no reputation service is configured.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string) (bool, error) { return true, nil }

// HTTPReputation queries an external reputation service.
type HTTPReputation struct {
	endpoint string
	client   *http.Client
}

func NewHTTPReputation(endpoint string, timeout time.Duration) *HTTPReputation {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPReputation{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (r *HTTPReputation) Check(ctx context.Context, ip string) (bool, error) {
	u := r.endpoint + "?ip=" + url.QueryEscape(ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("throttle: build reputation request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("throttle: reputation lookup %s: %w", ip, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return false, fmt.Errorf("throttle: read reputation response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("throttle: reputation service returned %d", resp.StatusCode)
	}

	var body struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return false, fmt.Errorf("throttle: decode reputation response: %w", err)
	}
	return body.Allowed, nil
}

// ReputationCache memoizes checker verdicts for the life of the process.
// Entries never expire; IP reputation churns slower than this node restarts.
type ReputationCache struct {
	cache   otter.Cache[string, bool]
	checker ReputationChecker
}

func NewReputationCache(checker ReputationChecker) *ReputationCache {
	cache, err := otter.MustBuilder[string, bool](reputationCacheEntries).
		Cost(func(_ string, _ bool) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("throttle: failed to create reputation cache: " + err.Error())
	}
	return &ReputationCache{cache: cache, checker: checker}
}

// Allowed returns the cached verdict for ip, querying the checker on a miss.
// Lookup errors are returned without caching so the next call retries.
func (c *ReputationCache) Allowed(ctx context.Context, ip string) (bool, error) {
	if verdict, ok := c.cache.Get(ip); ok {
		return verdict, nil
	}
	verdict, err := c.checker.Check(ctx, ip)
	if err != nil {
		return false, err
	}
	c.cache.Set(ip, verdict)
	return verdict, nil
}

// Size returns the number of cached verdicts.
func (c *ReputationCache) Size() int {
	return c.cache.Size()
}

// Close releases the underlying cache.
func (c *ReputationCache) Close() {
	c.cache.Close()
}
