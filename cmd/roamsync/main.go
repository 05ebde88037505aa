package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/roamhq/roamsync/internal/engine"
	"github.com/roamhq/roamsync/internal/feed"
	"github.com/roamhq/roamsync/internal/gateway"
	"github.com/roamhq/roamsync/internal/httpapi"
	"github.com/roamhq/roamsync/internal/identity"
	"github.com/roamhq/roamsync/internal/store"
)

func main() {
	addr := os.Getenv("ROAMSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	backend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	st := store.New(store.Options{
		Backend:     backend,
		WatchBuffer: intEnv("ROAMSYNC_WATCH_BUFFER", 0),
	})
	defer st.Close()

	stateFile := strings.TrimSpace(os.Getenv("ROAMSYNC_STATE_FILE"))
	if stateFile != "" && boolEnv("ROAMSYNC_WATCH_STATE_FILE", false) {
		watcher, err := store.WatchStateFile(st, stateFile)
		if err != nil {
			log.Fatalf("failed to watch state file: %v", err)
		}
		defer watcher.Close()
	}

	client := gateway.NewHTTPDiscordClient(gateway.DiscordClientOptions{
		BaseURL:  os.Getenv("ROAMSYNC_DISCORD_API_URL"),
		BotToken: os.Getenv("ROAMSYNC_DISCORD_TOKEN"),
	})
	gw, err := gateway.New(client, gateway.Config{
		ChannelID: strings.TrimSpace(os.Getenv("ROAMSYNC_CHANNEL_ID")),
		GuildID:   strings.TrimSpace(os.Getenv("ROAMSYNC_GUILD_ID")),
		AckEmoji:  strings.TrimSpace(os.Getenv("ROAMSYNC_ACK_EMOJI")),
	})
	if err != nil {
		log.Fatalf("gateway configuration invalid: %v", err)
	}

	resolver, closeResolver, err := buildResolverFromEnv(st)
	if err != nil {
		log.Fatalf("failed to initialize identity cache: %v", err)
	}
	defer closeResolver()

	eng, err := engine.New(engine.Options{
		Store:          st,
		Gateway:        gw,
		Resolver:       resolver,
		FlagClearDelay: durationEnv("ROAMSYNC_FLAG_CLEAR_DELAY", time.Second),
		SweepInterval:  durationEnv("ROAMSYNC_SWEEP_INTERVAL", 10*time.Minute),
	})
	if err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}
	defer eng.Close()

	if feedURL := strings.TrimSpace(os.Getenv("ROAMSYNC_FEED_URL")); feedURL != "" {
		eventFeed, err := feed.New(feed.Options{
			URL:        feedURL,
			ChannelID:  gw.ChannelID(),
			SelfUserID: strings.TrimSpace(os.Getenv("ROAMSYNC_BOT_USER_ID")),
			AckEmoji:   gw.AckEmoji(),
			Handler:    eng,
		})
		if err != nil {
			log.Fatalf("failed to start event feed: %v", err)
		}
		defer eventFeed.Close()
	} else {
		log.Printf("ROAMSYNC_FEED_URL not set, reaction events disabled; sweeper remains active")
	}

	server := httpapi.NewServer(st, eng, httpapi.ServerConfig{
		APIToken:     os.Getenv("ROAMSYNC_API_TOKEN"),
		MaxBodyBytes: int64Env("ROAMSYNC_MAX_BODY_BYTES", 0),
	})

	log.Printf("roamsync listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStateBackendFromEnv() (store.StateBackend, error) {
	dsn := strings.TrimSpace(os.Getenv("ROAMSYNC_STATE_BACKEND_DSN"))
	if dsn != "" {
		return store.NewPostgresStateBackend(dsn)
	}
	stateFile := strings.TrimSpace(os.Getenv("ROAMSYNC_STATE_FILE"))
	if stateFile != "" {
		return store.NewJSONFileStateBackend(stateFile), nil
	}
	return nil, nil
}

func buildResolverFromEnv(st *store.Store) (identity.Resolver, func(), error) {
	directory := engine.NewStoreDirectory(st)
	ttl := durationEnv("ROAMSYNC_IDENTITY_TTL", 5*time.Minute)
	if redisURL := strings.TrimSpace(os.Getenv("ROAMSYNC_REDIS_URL")); redisURL != "" {
		cache, err := identity.NewRedisCache(redisURL, directory, ttl)
		if err != nil {
			return nil, nil, err
		}
		return cache, func() { _ = cache.Close() }, nil
	}
	cache := identity.NewCache(directory, identity.CacheOptions{
		TTL:           ttl,
		SweepInterval: durationEnv("ROAMSYNC_IDENTITY_SWEEP_INTERVAL", 0),
	})
	return cache, cache.Close, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
