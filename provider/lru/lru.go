// Package lru is a bounded in-process provider on hashicorp/golang-lru.
// Least recently used entries are evicted once Size is reached.
package lru

import (
	"context"
	"errors"
	"time"

	glru "github.com/hashicorp/golang-lru/v2"

	pr "github.com/unkn0wn-root/cachekv/provider"
)

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	Size int // max entries; required
	// OnEvict observes capacity evictions and explicit deletes.
	OnEvict func(key string)
}

type item struct {
	value     []byte
	expiresAt time.Time // zero => no expiry
}

type Provider struct {
	c   *glru.Cache[string, item]
	now func() time.Time
}

func New(cfg Config) (*Provider, error) {
	if cfg.Size <= 0 {
		return nil, errors.New("lru: size must be positive")
	}
	var (
		c   *glru.Cache[string, item]
		err error
	)
	if cfg.OnEvict != nil {
		c, err = glru.NewWithEvict(cfg.Size, func(k string, _ item) { cfg.OnEvict(k) })
	} else {
		c, err = glru.New[string, item](cfg.Size)
	}
	if err != nil {
		return nil, err
	}
	return &Provider{c: c, now: time.Now}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	it, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !it.expiresAt.IsZero() && !p.now().Before(it.expiresAt) {
		p.c.Remove(key)
		return nil, false, nil
	}
	return it.value, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	it := item{value: value}
	if ttl > 0 {
		it.expiresAt = p.now().Add(ttl)
	}
	p.c.Add(key, it)
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Remove(key)
	return nil
}

func (p *Provider) Close(context.Context) error {
	p.c.Purge()
	return nil
}

// Len reports the number of entries, expired ones included until touched.
func (p *Provider) Len() int { return p.c.Len() }
