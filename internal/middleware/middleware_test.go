package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/option-booking/internal/config"
	"github.com/iliyamo/option-booking/internal/model"
	"github.com/iliyamo/option-booking/internal/utils"
)

func serve(t *testing.T, e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuthAndRole(t *testing.T) {
	const secret = "s3cret"
	e := echo.New()
	e.GET("/admin", func(c echo.Context) error {
		a := Actor(c)
		if a.UserID != 7 || !a.Privileged {
			t.Errorf("Actor = %+v, want user 7 privileged", a)
		}
		return c.NoContent(http.StatusNoContent)
	}, JWTAuth(secret), RequireRole(model.RoleAdmin))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	if rec := serve(t, e, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	customer, _ := utils.NewAccessToken(secret, 8, model.RoleCustomer, 5)
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+customer.Token)
	if rec := serve(t, e, req); rec.Code != http.StatusForbidden {
		t.Fatalf("customer: status = %d, want 403", rec.Code)
	}

	admin, _ := utils.NewAccessToken(secret, 7, model.RoleAdmin, 5)
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+admin.Token)
	if rec := serve(t, e, req); rec.Code != http.StatusNoContent {
		t.Fatalf("admin: status = %d, want 204", rec.Code)
	}
}

func TestOptionCacheKeys(t *testing.T) {
	oc := NewOptionCache(config.CacheConfig{Prefix: "optcache"}, nil)
	if got := oc.Key(42); got != "optcache:option:42" {
		t.Fatalf("Key(42) = %q", got)
	}
	if oc.Key(1) == oc.Key(2) {
		t.Fatalf("different options share a cache key")
	}
	if err := oc.Evict(context.Background(), 42); err != nil {
		t.Fatalf("Evict without redis: %v", err)
	}
}

type recordingSink struct{ events []model.AnswerEvent }

func (r *recordingSink) Publish(_ context.Context, ev model.AnswerEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func TestEvictingSinkForwardsEvents(t *testing.T) {
	oc := NewOptionCache(config.CacheConfig{Enabled: true}, nil)
	next := &recordingSink{}
	ev := model.AnswerEvent{Type: model.EventBooked, OptionID: 3, UserID: 9}
	if err := oc.Evicting(next).Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(next.events) != 1 || next.events[0].OptionID != 3 {
		t.Fatalf("forwarded = %+v, want the booked event", next.events)
	}
	if err := oc.Evicting(nil).Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish without next: %v", err)
	}
}

func TestBodyTapStopsAtLimit(t *testing.T) {
	rec := httptest.NewRecorder()
	tap := &bodyTap{ResponseWriter: rec, limit: 8}
	_, _ = tap.Write([]byte("{\"a\":"))
	if tap.overflow {
		t.Fatalf("overflow before the limit")
	}
	_, _ = tap.Write([]byte("12345}"))
	if !tap.overflow || tap.buf.Len() != 0 {
		t.Fatalf("overflow = %v, buffered %d bytes", tap.overflow, tap.buf.Len())
	}
	if rec.Body.String() != "{\"a\":12345}" {
		t.Fatalf("client body = %q", rec.Body.String())
	}
}

func TestRateKeyStrategies(t *testing.T) {
	e := echo.New()
	ctx := func(uid uint64) echo.Context {
		req := httptest.NewRequest(http.MethodPost, "/v1/options/5/book", nil)
		req.RemoteAddr = "192.0.2.1:4000"
		c := e.NewContext(req, httptest.NewRecorder())
		c.SetPath("/v1/options/:id/book")
		c.SetParamNames("id")
		c.SetParamValues("5")
		if uid != 0 {
			c.Set(userIDKey, uid)
		}
		return c
	}
	cases := []struct {
		strategy string
		uid      uint64
		want     string
	}{
		{"user_option", 9, "rl:user:9:option:5"},
		{"user", 9, "rl:user:9"},
		{"ip", 9, "rl:ip:192.0.2.1"},
		{"", 0, "rl:ip:192.0.2.1:user:anon"},
	}
	for _, tc := range cases {
		cfg := config.RateLimitConfig{Prefix: "rl", KeyStrategy: tc.strategy}
		if got := rateKey(cfg, ctx(tc.uid)); got != tc.want {
			t.Errorf("rateKey(%q) = %q, want %q", tc.strategy, got, tc.want)
		}
	}
}

func TestParseDecision(t *testing.T) {
	d, err := parseDecision([]interface{}{int64(0), int64(0), int64(1500)})
	if err != nil {
		t.Fatalf("parseDecision: %v", err)
	}
	if d.Allowed || d.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("decision = %+v, want refused with 1.5s retry", d)
	}
	if d, _ := parseDecision([]interface{}{int64(1), int64(4), int64(0)}); !d.Allowed || d.Remaining != 4 {
		t.Fatalf("decision = %+v, want allowed with 4 left", d)
	}
	if _, err := parseDecision([]interface{}{"1"}); err == nil {
		t.Fatalf("short result accepted")
	}
}

func TestDisabledMiddlewarePassThrough(t *testing.T) {
	e := echo.New()
	cache := NewOptionCache(config.CacheConfig{Enabled: true}, nil)
	e.GET("/v1/options/:id", func(c echo.Context) error { return c.String(http.StatusOK, "ok") },
		cache.Serve(),
		NewTokenBucket(config.RateLimitConfig{Enabled: true}, nil))
	e.PATCH("/v1/options/:id", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) },
		cache.EvictAfterWrite())
	rec := serve(t, e, httptest.NewRequest(http.MethodGet, "/v1/options/1", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("response = %d %q, want 200 ok", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Cache") != "" {
		t.Fatalf("cache header set without redis")
	}
	if rec := serve(t, e, httptest.NewRequest(http.MethodPatch, "/v1/options/1", nil)); rec.Code != http.StatusNoContent {
		t.Fatalf("patch = %d, want 204", rec.Code)
	}
}
