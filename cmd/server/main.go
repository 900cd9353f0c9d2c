package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"studypulse/server/internal/attendance"
	"studypulse/server/internal/config"
	"studypulse/server/internal/homework"
	internalhttp "studypulse/server/internal/http"
	"studypulse/server/internal/identity"
	"studypulse/server/internal/jobs"
	"studypulse/server/internal/notify"
	"studypulse/server/internal/poll"
	"studypulse/server/internal/store"
	"studypulse/server/internal/tenant"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var docs store.Store
	if cfg.DatabaseURL != "" {
		pool, err := store.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connection failed: %v", err)
		}
		defer pool.Close()

		var redisClient *redis.Client
		if cfg.RedisAddr != "" {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
			})
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := redisClient.Ping(pingCtx).Err(); err != nil {
				cancel()
				log.Fatalf("redis ping failed: %v", err)
			}
			cancel()
			defer func() {
				if err := redisClient.Close(); err != nil {
					log.Printf("redis close error: %v", err)
				}
			}()
		}

		pg, err := store.NewPostgres(ctx, pool, redisClient, cfg.SubscribeBufferSize)
		if err != nil {
			log.Fatalf("store init failed: %v", err)
		}
		docs = pg
	} else {
		log.Printf("DATABASE_URL not set, using in-memory store")
		mem := store.NewMemory()
		mem.SubscribeBuffer = cfg.SubscribeBufferSize
		docs = mem
	}

	tenants := tenant.NewService(docs)
	directory := identity.NewService(docs, cfg.LoginDomainSuffix)
	attendanceSvc := attendance.NewService(docs, cfg.AttendanceEditDays)
	polls := poll.NewService(docs)
	homeworks := homework.NewService(docs, directory, notify.Console{}, cfg.NotifyTimeout)

	server := internalhttp.NewServer(cfg, docs, tenants, directory, attendanceSvc, polls, homeworks)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	jobs.StartAttendanceLockJob(ctx, cfg, attendanceSvc)

	go func() {
		log.Printf("studypulse http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
