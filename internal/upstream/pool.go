package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Dialer creates a ready client for a directory.
type Dialer func(ctx context.Context, directory string) (Client, error)

// Pool caches one Client per project directory. Concurrent first requests
// for the same directory share a single dial.
type Pool struct {
	dial Dialer

	mu      sync.RWMutex
	clients map[string]Client
	group   singleflight.Group
}

// NewPool creates a pool using dial for cache misses.
func NewPool(dial Dialer) *Pool {
	return &Pool{
		dial:    dial,
		clients: make(map[string]Client),
	}
}

// GetClient returns the client for directory, dialing it on first use.
func (p *Pool) GetClient(ctx context.Context, directory string) (Client, error) {
	p.mu.RLock()
	c, ok := p.clients[directory]
	p.mu.RUnlock()
	if ok {
		return c, nil
	}

	v, err, _ := p.group.Do(directory, func() (any, error) {
		p.mu.RLock()
		c, ok := p.clients[directory]
		p.mu.RUnlock()
		if ok {
			return c, nil
		}

		c, err := p.dial(ctx, directory)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.clients[directory] = c
		p.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Client), nil
}

// Forget drops the cached client so the next request dials again.
func (p *Pool) Forget(directory string) {
	p.mu.Lock()
	delete(p.clients, directory)
	p.mu.Unlock()
}

// SDKDialer dials SDK clients against baseURL. Each new client is pinged
// with a short exponential backoff before it is handed out.
func SDKDialer(baseURL string, headers map[string]string) Dialer {
	return func(ctx context.Context, directory string) (Client, error) {
		c := NewSDKClient(baseURL, directory, headers)

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		b.MaxElapsedTime = 5 * time.Second
		err := backoff.Retry(func() error {
			err := c.Ping(ctx)
			if err != nil && ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(b, ctx))
		if err != nil {
			log.Warn().Err(err).Str("url", baseURL).Str("directory", directory).Msg("agent server not reachable")
			return nil, err
		}
		return c, nil
	}
}
