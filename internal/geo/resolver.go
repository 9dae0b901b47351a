package geo

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/NodePath81/fbspeed/internal/metrics"
	"github.com/NodePath81/fbspeed/internal/util"
)

const (
	selfKey = "self"

	// How long an all-sources-failed answer suppresses new lookups.
	unknownTTL = time.Minute
)

// Resolver identifies the local client. It never fails: when every source
// is down it answers with the last known identity or Unknown().
type Resolver struct {
	cache   *Cache
	sources []Source
	timeout time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  util.Logger
}

func NewResolver(cache *Cache, sources []Source, timeout time.Duration, m *metrics.Metrics, logger util.Logger) *Resolver {
	return &Resolver{
		cache:   cache,
		sources: sources,
		timeout: timeout,
		metrics: m,
		logger:  logger,
	}
}

func (r *Resolver) Resolve(ctx context.Context) Info {
	if info, ok := r.cache.Get(selfKey); ok {
		r.metrics.GeoLookup(metrics.GeoHit)
		return info
	}
	v, _, _ := r.group.Do(selfKey, func() (any, error) {
		return r.refresh(ctx), nil
	})
	return v.(Info)
}

func (r *Resolver) refresh(ctx context.Context) Info {
	// Another caller may have filled the cache while we waited on the group.
	if info, ok := r.cache.Get(selfKey); ok {
		r.metrics.GeoLookup(metrics.GeoHit)
		return info
	}
	for _, src := range r.sources {
		if ctx.Err() != nil {
			break
		}
		info, err := r.try(ctx, src)
		if err != nil {
			r.logger.Debug("geo source failed", "source", src.Name(), "error", err)
			r.metrics.GeoSourceError(src.Name())
			continue
		}
		r.cache.Set(selfKey, info)
		r.metrics.GeoLookup(metrics.GeoMiss)
		r.logger.Debug("geo resolved", "source", src.Name(), "ip", info.IP, "isp", info.ISP)
		return info
	}

	if prev, state := r.cache.Lookup(selfKey); state != Miss {
		r.metrics.GeoLookup(metrics.GeoStale)
		r.logger.Warn("geo sources unavailable, using stale identity", "ip", prev.IP)
		return prev
	}
	r.metrics.GeoLookup(metrics.GeoUnknown)
	r.metrics.Fallback(metrics.FallbackGeo)
	r.logger.Warn("geo sources unavailable, identity unknown")
	unknown := Unknown()
	if ctx.Err() == nil {
		r.cache.SetFor(selfKey, unknown, unknownTTL)
	}
	return unknown
}

func (r *Resolver) try(ctx context.Context, src Source) (Info, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return src.Lookup(ctx)
}
