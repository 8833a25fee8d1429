package wxwork

import (
	"context"
	"sync"
	"time"
)

// expirySkew renews a token slightly before the API expires it.
const expirySkew = 2 * time.Minute

type fetchFunc func(ctx context.Context) (token string, ttl time.Duration, err error)

// tokenCache holds one access token. Concurrent callers wait for a single
// fetch.
type tokenCache struct {
	fetch fetchFunc
	now   func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newTokenCache(fetch fetchFunc) *tokenCache {
	return &tokenCache{fetch: fetch, now: time.Now}
}

func (c *tokenCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.expires) {
		return c.token, nil
	}
	tok, ttl, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	if ttl > 2*expirySkew {
		ttl -= expirySkew
	}
	c.token, c.expires = tok, c.now().Add(ttl)
	return tok, nil
}

// Invalidate drops the token if it is still old. A token fetched after old
// was handed out is kept.
func (c *tokenCache) Invalidate(old string) {
	c.mu.Lock()
	if c.token == old {
		c.token = ""
		c.expires = time.Time{}
	}
	c.mu.Unlock()
}
