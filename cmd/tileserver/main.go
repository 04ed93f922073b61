// Command tileserver serves built archives and feature properties over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"parceltiles/internal/blobstore"
	"parceltiles/internal/build"
	"parceltiles/internal/config"
	"parceltiles/internal/logger"
	"parceltiles/internal/propstore"
	"parceltiles/internal/tileserver"
)

func main() {
	configPath := flag.String("config", "", "Path to the JSON config file")
	addr := flag.String("addr", "", "Listen address (empty keeps the config value)")
	remote := flag.Bool("remote", false, "Serve from the publish backend instead of the local data directory")
	flag.Parse()

	log := logger.Setup()

	cfg, err := config.Load(*configPath, ".env")
	if err != nil {
		log.Error("config_error", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store blobstore.Store = blobstore.NewLocal(cfg.DataDir())
	if *remote {
		store, err = blobstore.New(ctx, cfg.Publish)
		if err != nil || store == nil {
			log.Error("store_error", "backend", cfg.Publish.Backend, "error", err)
			os.Exit(1)
		}
	}

	opts := tileserver.Options{Store: store, Logger: log}

	if cfg.Server.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Server.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// the in-process tier still works without redis
			log.Warn("redis_unavailable", "addr", cfg.Server.RedisAddr, "error", err)
		} else {
			opts.Cache = tileserver.NewTileCache(tileserver.CacheOptions{
				Size:     cfg.Server.CacheSize,
				Redis:    rdb,
				RedisTTL: cfg.Server.RedisTTL,
				Logger:   log,
			})
		}
	}

	dbPath := filepath.Join(cfg.DataDir(), build.PropertiesDir, build.PropertiesDB)
	if _, err := os.Stat(dbPath); err == nil {
		db, err := propstore.Open(dbPath)
		if err != nil {
			log.Error("properties_db_error", "path", dbPath, "error", err)
			os.Exit(1)
		}
		defer db.Close()
		opts.Properties = db
	} else if !errors.Is(err, fs.ErrNotExist) {
		log.Warn("properties_db_stat", "path", dbPath, "error", err)
	}

	srv, err := tileserver.New(ctx, cfg.Server, opts)
	if err != nil {
		log.Error("tileserver_error", "error", err)
		os.Exit(1)
	}
	defer srv.Stop()

	if err := srv.Start(ctx); err != nil {
		log.Error("tileserver_stopped", "error", err)
		os.Exit(1)
	}
	log.Info("tileserver_shutdown")
}
