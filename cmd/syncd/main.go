package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/madfam-io/sim4d-sub005/internal/clock"
	"github.com/madfam-io/sim4d-sub005/internal/collab"
	"github.com/madfam-io/sim4d-sub005/internal/config"
	"github.com/madfam-io/sim4d-sub005/internal/docstore"
	"github.com/madfam-io/sim4d-sub005/internal/hub"
	"github.com/madfam-io/sim4d-sub005/internal/lock"
	"github.com/madfam-io/sim4d-sub005/internal/presence"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	clk := clock.Real()

	var lockManager lock.Manager
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for the advisory lock table")
		redisLocks, err := lock.NewRedisManager(cfg.RedisURL, cfg.LockTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisLocks.Close()
		lockManager = redisLocks
	} else {
		log.Printf("Using in-process advisory locks")
		memLocks := lock.NewMemoryManager(lock.WithClock(clk), lock.WithTTL(cfg.LockTTL))
		memLocks.StartSweeper(cfg.LockSweepInterval)
		defer memLocks.Stop()
		lockManager = memLocks
	}

	tracker := presence.NewTracker(presence.WithTTL(cfg.PresenceTTL), presence.WithClock(clk))
	tracker.StartSweeper(presence.DefaultSweepInterval)
	defer tracker.Stop()

	store := docstore.NewStore(docstore.WithMaxDocuments(cfg.MaxDocuments))

	service := collab.NewService(collab.Config{
		TokenSecret: []byte(cfg.TokenSecret),
		TokenMaxAge: cfg.TokenMaxAge,
		SubmitRate:  rate.Limit(cfg.SubmitRatePerSec),
		SubmitBurst: cfg.SubmitBurst,
	}, store, lockManager, tracker, hub.New(), clk)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"documents": store.Len(),
		})
	})
	mux.Handle("/v1/", collab.NewHTTPServer(service).Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("syncd listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
