// Package rediscache provides a read-through Redis cache in front of the
// service catalog.
package rediscache

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/servicebook/internal/domain/catalog"
)

const (
	keyPrefix  = "servicebook:catalog:"
	listKey    = keyPrefix + "list"
	serviceKey = keyPrefix + "service:"
)

// Client is the subset of redis.Cmdable used by the cache.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

var _ catalog.Repository = (*Catalog)(nil)

// Catalog caches catalog reads. Redis failures fall through to the backing
// repository; the cache never fails a read the repository could serve.
type Catalog struct {
	next catalog.Repository
	rdb  Client
	ttl  time.Duration
	lg   *zap.Logger
}

// NewCatalog wraps next with a cache whose entries expire after ttl.
func NewCatalog(next catalog.Repository, rdb Client, ttl time.Duration, lg *zap.Logger) *Catalog {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Catalog{next: next, rdb: rdb, ttl: ttl, lg: lg}
}

// NewClient opens a go-redis client for the given URL, e.g.
// redis://:password@localhost:6379/0.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return rdb, nil
}

// List returns active services, from cache when possible.
func (c *Catalog) List(ctx context.Context) ([]catalog.Service, error) {
	if raw, ok := c.get(ctx, listKey); ok {
		services, err := decodeServices(raw)
		if err == nil {
			return services, nil
		}
		c.lg.Warn("Dropping corrupt cache entry", zap.String("key", listKey), zap.Error(err))
	}

	services, err := c.next.List(ctx)
	if err != nil {
		return nil, err
	}
	c.set(ctx, listKey, encodeServices(services))
	return services, nil
}

// GetByID returns a service, from cache when possible. Misses are not cached.
func (c *Catalog) GetByID(ctx context.Context, id string) (*catalog.Service, error) {
	key := serviceKey + id
	if raw, ok := c.get(ctx, key); ok {
		var svc catalog.Service
		err := decodeService(jx.DecodeBytes(raw), &svc)
		if err == nil {
			return &svc, nil
		}
		c.lg.Warn("Dropping corrupt cache entry", zap.String("key", key), zap.Error(err))
	}

	svc, err := c.next.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	e := &jx.Encoder{}
	encodeService(e, *svc)
	c.set(ctx, key, e.Bytes())
	return svc, nil
}

// Invalidate drops cached entries for the given service ids and the list.
func (c *Catalog) Invalidate(ctx context.Context, ids ...string) error {
	keys := []string{listKey}
	for _, id := range ids {
		keys = append(keys, serviceKey+id)
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "invalidate catalog cache")
	}
	return nil
}

func (c *Catalog) get(ctx context.Context, key string) ([]byte, bool) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false
	case err != nil:
		c.lg.Warn("Catalog cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return raw, true
}

func (c *Catalog) set(ctx context.Context, key string, raw []byte) {
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.lg.Warn("Catalog cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func encodeServices(services []catalog.Service) []byte {
	e := &jx.Encoder{}
	e.ArrStart()
	for _, svc := range services {
		encodeService(e, svc)
	}
	e.ArrEnd()
	return e.Bytes()
}

func decodeServices(raw []byte) ([]catalog.Service, error) {
	services := []catalog.Service{}
	err := jx.DecodeBytes(raw).Arr(func(d *jx.Decoder) error {
		var svc catalog.Service
		if err := decodeService(d, &svc); err != nil {
			return err
		}
		services = append(services, svc)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode services")
	}
	return services, nil
}

func encodeService(e *jx.Encoder, svc catalog.Service) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(svc.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(svc.Name) })
		e.Field("category_id", func(e *jx.Encoder) { e.Str(svc.CategoryID) })
		e.Field("base_price", func(e *jx.Encoder) { e.Str(svc.BasePrice.String()) })
		e.Field("active", func(e *jx.Encoder) { e.Bool(svc.Active) })
		e.Field("description", func(e *jx.Encoder) { e.Str(svc.Description) })
	})
}

func decodeService(d *jx.Decoder, svc *catalog.Service) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			svc.ID, err = d.Str()
		case "name":
			svc.Name, err = d.Str()
		case "category_id":
			svc.CategoryID, err = d.Str()
		case "base_price":
			var s string
			if s, err = d.Str(); err == nil {
				svc.BasePrice, err = decimal.NewFromString(s)
			}
		case "active":
			svc.Active, err = d.Bool()
		case "description":
			svc.Description, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
}
