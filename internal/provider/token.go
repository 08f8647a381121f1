package provider

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// fetchTokenFunc performs one call to the provider's token endpoint and
// returns the bearer token with its lifetime.
type fetchTokenFunc func(ctx context.Context) (token string, ttl time.Duration, err error)

// tokenSource caches a short-lived OAuth token and refreshes it proactively
// before expiry. Concurrent callers that all find the cache stale share a
// single in-flight refresh via singleflight; the provider's token endpoint
// sees one call, not N.
type tokenSource struct {
	fetch  fetchTokenFunc
	margin time.Duration
	now    func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newTokenSource(fetch fetchTokenFunc, margin time.Duration) *tokenSource {
	return &tokenSource{
		fetch:  fetch,
		margin: margin,
		now:    time.Now,
	}
}

func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.token != "" && t.now().Add(t.margin).Before(t.expires) {
		token := t.token
		t.mu.Unlock()
		return token, nil
	}
	t.mu.Unlock()

	v, err, _ := t.group.Do("token", func() (any, error) {
		// Re-check under the group: a caller queued behind the winning
		// refresh should reuse its result, not fetch again.
		t.mu.Lock()
		if t.token != "" && t.now().Add(t.margin).Before(t.expires) {
			token := t.token
			t.mu.Unlock()
			return token, nil
		}
		t.mu.Unlock()

		token, ttl, err := t.fetch(ctx)
		if err != nil {
			return "", err
		}

		t.mu.Lock()
		t.token = token
		t.expires = t.now().Add(ttl)
		t.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token. Called after a 401-class response so
// the next Token call fetches a fresh one.
func (t *tokenSource) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expires = time.Time{}
	t.mu.Unlock()
}
