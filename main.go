package main

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"studysync/internal/api"
	"studysync/internal/authclient"
	"studysync/internal/cache"
	"studysync/internal/config"
	"studysync/internal/storage"
	"studysync/internal/sync"
)

func main() {
	cfgPath := os.Getenv("STUDYSYNC_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := storage.Open(cfg.BasicConfig.DatabasePath, cfg.BasicConfig.FallbackPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()
	log.Printf("storage engine: %s", store.Engine())

	cacheClient, err := cache.New(cfg)
	if err != nil {
		log.Printf("redis unavailable, caching disabled: %v", err)
		cacheClient = nil
	}
	defer cacheClient.Close()

	ctx := context.Background()
	deviceID, err := ensureDeviceID(ctx, store)
	if err != nil {
		log.Fatalf("device id: %v", err)
	}

	authClient := authclient.New(cfg.Remote.BaseURL, store, cfg.RetryDelay())
	if err := authClient.LoadSession(ctx); err != nil {
		log.Printf("restore session: %v", err)
	}

	engine := sync.NewEngine(store, authClient, deviceID,
		cfg.SyncWSURL(), cfg.Remote.BaseURL, cfg.DebounceWindow(), cfg.SyncInterval())
	engine.Start(ctx)
	defer engine.Stop()

	retentionCtx, retentionCancel := context.WithCancel(ctx)
	defer retentionCancel()
	go retentionLoop(retentionCtx, store, cfg.BasicConfig.RetentionDays, cfg.RetentionInterval())

	handlers := api.NewHandler(store, authClient, engine, cacheClient)
	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = "127.0.0.1:8095"
	}
	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}

// ensureDeviceID loads the persisted device identity, minting one on
// first run. The id is stable across restarts so the server can tell
// devices apart.
func ensureDeviceID(ctx context.Context, store storage.Store) (string, error) {
	id, err := store.GetMeta(ctx, storage.MetaDeviceID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	id = uuid.NewString()
	if err := store.SetMeta(ctx, storage.MetaDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// retentionLoop sweeps out stale conversations on a fixed interval.
// Pinned and "important"-tagged conversations are never removed.
func retentionLoop(ctx context.Context, store storage.Store, daysToKeep int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.CleanupOldData(ctx, daysToKeep)
			if err != nil {
				log.Printf("retention sweep: %v", err)
				continue
			}
			if removed > 0 {
				log.Printf("retention sweep removed %d conversation(s)", removed)
			}
		}
	}
}
