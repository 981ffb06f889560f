// Package redis is a shared provider on go-redis. Entries outlive the process;
// they stay safe because every record carries the generation it was written
// under and is rejected once that generation moves.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pr "github.com/unkn0wn-root/cachekv/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

type Redis struct {
	rdb         goredis.UniversalClient
	prefix      string
	defaultTTL  time.Duration
	maxRecord   int
	unlink      bool
	closeClient bool
}

var _ pr.Provider = (*Redis)(nil)

type Config struct {
	Client goredis.UniversalClient

	// Prefix is prepended to every record key so several deployments can
	// share one redis, e.g. "svc-a:" gives "svc-a:entry:<db><key>".
	Prefix string

	// DefaultTTL applies when the cache asks for no expiry. Stale records are
	// never served, but without a TTL they are only reclaimed on the next
	// read. 0 keeps them until deleted.
	DefaultTTL time.Duration

	// MaxRecordBytes makes Set refuse larger records with ok=false; the key
	// then stays unknown and reads go to the store. 0 => unlimited.
	MaxRecordBytes int

	// Unlink frees deleted records in the background (UNLINK instead of DEL).
	Unlink bool

	CloseClient bool // set true only if this provider exclusively owns the client
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{
		rdb:         cfg.Client,
		prefix:      cfg.Prefix,
		defaultTTL:  cfg.DefaultTTL,
		maxRecord:   cfg.MaxRecordBytes,
		unlink:      cfg.Unlink,
		closeClient: cfg.CloseClient,
	}, nil
}

func (p *Redis) key(k string) string { return p.prefix + k }

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := p.rdb.Get(ctx, p.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set ignores cost; redis is bounded by its own maxmemory policy.
func (p *Redis) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if p.maxRecord > 0 && len(value) > p.maxRecord {
		return false, nil
	}
	if ttl <= 0 {
		ttl = p.defaultTTL
	}
	if err := p.rdb.SetArgs(ctx, p.key(key), value, goredis.SetArgs{TTL: ttl}).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Redis) Del(ctx context.Context, key string) error {
	if p.unlink {
		return p.rdb.Unlink(ctx, p.key(key)).Err()
	}
	return p.rdb.Del(ctx, p.key(key)).Err()
}

// Close releases the underlying redis client only when this provider owns it.
// Safe to call multiple times.
func (p *Redis) Close(context.Context) error {
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
