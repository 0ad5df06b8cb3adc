package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/option-booking/internal/config"
	"github.com/iliyamo/option-booking/internal/model"
)

// OptionCache keeps the public view of each option (the option plus its
// booked and waitlisted counts) in Redis.  Entries are keyed by option id
// only, so every write path can drop them: ledger events through
// Evicting, admin edits through EvictAfterWrite.  A nil client disables
// the cache entirely.
type OptionCache struct {
	cfg config.CacheConfig
	rdb *redis.Client
}

func NewOptionCache(cfg config.CacheConfig, rdb *redis.Client) *OptionCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	return &OptionCache{cfg: cfg, rdb: rdb}
}

func (oc *OptionCache) enabled() bool { return oc.cfg.Enabled && oc.rdb != nil }

// Key is the Redis key holding the cached view of option id.
func (oc *OptionCache) Key(id uint64) string {
	return fmt.Sprintf("%s:option:%d", oc.cfg.Prefix, id)
}

// Evict drops the cached view of option id.
func (oc *OptionCache) Evict(ctx context.Context, id uint64) error {
	if !oc.enabled() {
		return nil
	}
	return oc.rdb.Del(ctx, oc.Key(id)).Err()
}

type cachedView struct {
	ContentType string `json:"ct"`
	Body        []byte `json:"b"`
}

// bodyTap copies what the handler writes, up to limit bytes.  overflow is
// set once the body outgrows the limit; such a response is not cached.
type bodyTap struct {
	http.ResponseWriter
	buf      bytes.Buffer
	limit    int
	overflow bool
}

func (t *bodyTap) Write(b []byte) (int, error) {
	if !t.overflow {
		if t.limit > 0 && t.buf.Len()+len(b) > t.limit {
			t.overflow = true
			t.buf.Reset()
		} else {
			t.buf.Write(b)
		}
	}
	return t.ResponseWriter.Write(b)
}

func optionParam(c echo.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}

// Serve caches 200 responses of GET /v1/options/:id.  Hits are marked
// with X-Cache: HIT; Redis errors fall through to the handler.
func (oc *OptionCache) Serve() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !oc.enabled() || c.Request().Method != http.MethodGet {
				return next(c)
			}
			id, ok := optionParam(c)
			if !ok {
				return next(c)
			}
			ctx := c.Request().Context()
			key := oc.Key(id)

			if bs, err := oc.rdb.Get(ctx, key).Bytes(); err == nil {
				var v cachedView
				if json.Unmarshal(bs, &v) == nil {
					c.Response().Header().Set("X-Cache", "HIT")
					return c.Blob(http.StatusOK, v.ContentType, v.Body)
				}
			}

			tap := &bodyTap{ResponseWriter: c.Response().Writer, limit: oc.cfg.MaxBodyBytes}
			c.Response().Writer = tap
			c.Response().Header().Set("X-Cache", "MISS")
			if err := next(c); err != nil {
				return err
			}
			if c.Response().Status != http.StatusOK || tap.overflow {
				return nil
			}
			payload, err := json.Marshal(cachedView{
				ContentType: c.Response().Header().Get(echo.HeaderContentType),
				Body:        tap.buf.Bytes(),
			})
			if err != nil {
				return nil
			}
			if err := oc.rdb.Set(context.Background(), key, payload, oc.cfg.TTL).Err(); err != nil {
				c.Logger().Warnf("[cache] store %s: %v", key, err)
			}
			return nil
		}
	}
}

// EvictAfterWrite drops the cached view of the :id option once an admin
// mutation on it succeeds.
func (oc *OptionCache) EvictAfterWrite() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err != nil || c.Response().Status >= http.StatusBadRequest {
				return err
			}
			if id, ok := optionParam(c); ok {
				if err := oc.Evict(c.Request().Context(), id); err != nil {
					c.Logger().Warnf("[cache] evict option %d: %v", id, err)
				}
			}
			return nil
		}
	}
}

// EventPublisher is the ledger's post-commit event sink.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.AnswerEvent) error
}

// Evicting wraps next so that every committed answer transition first
// drops the cached view of its option.  next may be nil.
func (oc *OptionCache) Evicting(next EventPublisher) EventPublisher {
	return &evictingSink{cache: oc, next: next}
}

type evictingSink struct {
	cache *OptionCache
	next  EventPublisher
}

func (s *evictingSink) Publish(ctx context.Context, ev model.AnswerEvent) error {
	if err := s.cache.Evict(ctx, ev.OptionID); err != nil {
		log.Warnf("[cache] evict option %d after %s: %v", ev.OptionID, ev.Type, err)
	}
	if s.next == nil {
		return nil
	}
	return s.next.Publish(ctx, ev)
}
