package main // Entry point of the HTTP API

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/iliyamo/option-booking/internal/app"
	"github.com/iliyamo/option-booking/internal/config"
	"github.com/iliyamo/option-booking/internal/database"
	"github.com/iliyamo/option-booking/internal/handler"
	"github.com/iliyamo/option-booking/internal/middleware"
	"github.com/iliyamo/option-booking/internal/queue"
	"github.com/iliyamo/option-booking/internal/revalidation"
	"github.com/iliyamo/option-booking/internal/router"
)

func main() {
	_ = godotenv.Load() // .env is optional
	cfg := config.Load()
	log.SetLevel(cfg.Level())

	db, dialect, err := database.Open(cfg.DB.Options())
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := database.Migrate(ctx, db, dialect); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	redisCfg, err := config.LoadRedisConfig()
	if err != nil {
		log.Fatalf("redis config: %v", err)
	}
	rdb := config.NewRedisClient(redisCfg)
	if rdb == nil {
		log.Warnf("redis unavailable at %s: caching, rate limiting and debounce disabled", redisCfg.Address())
	} else {
		defer rdb.Close()
	}

	publisher := queue.NewPublisher(cfg.RabbitURL)
	defer publisher.Close()

	workerCfg, err := config.LoadWorkerConfig()
	if err != nil {
		log.Fatalf("worker config: %v", err)
	}
	cache := middleware.NewOptionCache(config.LoadCacheConfig(), rdb)
	svc := app.New(db, dialect, cache.Evicting(publisher), revalidation.NewRedisDebouncer(rdb), app.Options{
		ConditionTimeout:  cfg.ConditionTimeout,
		WaitlistFactor:    cfg.WaitlistFactor,
		RevalidationDelay: workerCfg.RevalidationDelay,
	})

	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(cfg.Level())
	e.Use(echomw.Recover())
	e.Use(echomw.Logger())
	e.Use(middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))

	router.RegisterRoutes(e, db, rdb)
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, svc.Users, svc.Tokens), cfg.JWTSecret)
	router.RegisterBooking(e, handler.NewBookingHandler(svc.Coordinator, svc.Options, svc.Answers), cfg.JWTSecret,
		rdb, cache, config.LoadBookingRateLimitConfig())
	router.RegisterAdmin(e, &handler.AdminHandler{
		Admin:     svc.Admin,
		Coord:     svc.Coordinator,
		Options:   svc.Options,
		Answers:   svc.Answers,
		Scheduler: svc.Scheduler,
		Tasks:     svc.Tasks,
		Audit:     svc.Audit,
		Settings:  svc.Settings,
	}, cfg.JWTSecret, cache)

	addr := ":" + cfg.Port
	log.Infof("listening on %s (env=%s, store=%s)", addr, cfg.Env, dialect)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}
