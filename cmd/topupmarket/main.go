package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"topup-market/internal/config"
	"topup-market/internal/handlers"
	"topup-market/internal/httpserver"
	"topup-market/internal/logging"
	"topup-market/internal/ratelimit"
)

func main() {
	logging.Logg = logging.NewLogger("debug", "text")
	if logging.Logg == nil {
		fmt.Println("Failed to initialize logger")
		os.Exit(1)
	}

	var cfg config.Config
	err := cfg.ParseFlags()
	if err != nil {
		logging.Logg.Error("Server configuration error", "error", err)
		os.Exit(1)
	}

	server, err := handlers.NewServer(cfg)
	if err != nil {
		logging.Logg.Error("Server creation error", "error", err)
		os.Exit(1)
	}

	var counters ratelimit.CounterStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logging.Logg.Error("Failed to connect to redis", "address", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		logging.Logg.Info("Rate limiter uses redis", "address", cfg.RedisAddr)
		counters = ratelimit.NewRedisStore(rdb)
	} else {
		logging.Logg.Info("Rate limiter uses process memory")
		counters = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.New(counters)

	serv, err := httpserver.New(cfg, server, limiter)
	if err != nil {
		logging.Logg.Error("Router creation error", "error", err)
		os.Exit(1)
	}
	serv.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	if err := serv.Shutdown(context.Background()); err != nil {
		os.Exit(1)
	}
}
