package main

import (
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	chatsync "github.com/anytongue/chatsync"
)

// session bundles everything a command needs to talk to the backend.
type session struct {
	cfg       *Config
	log       *zap.Logger
	transport *chatsync.HTTPTransport
	engine    *chatsync.Engine
	cache     chatsync.MessageCache
	registry  *prometheus.Registry
}

// openSession loads the runtime config and builds an engine around it.
func openSession() (*session, error) {
	cfg, err := loadRuntimeConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no session token. Run 'anytongue init <token>' first")
	}
	log, err := newLogger()
	if err != nil {
		return nil, err
	}

	var topts []chatsync.TransportOption
	topts = append(topts, chatsync.WithTransportLogger(log))
	if cfg.Server.BaseURL != "" {
		topts = append(topts, chatsync.WithBaseURL(cfg.Server.BaseURL))
	}
	transport := chatsync.NewHTTPTransport(cfg.Auth.Token, topts...)

	cacheDir := cfg.Sync.CacheDir
	if cacheDir == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		cacheDir = filepath.Join(dir, "cache")
	}
	var cache chatsync.MessageCache
	pc, err := chatsync.OpenPebbleCache(cacheDir, log)
	if err != nil {
		log.Warn("cache_unavailable", zap.String("path", cacheDir), zap.Error(err))
		cache = chatsync.NewMemoryCache()
	} else {
		cache = pc
	}

	registry := prometheus.NewRegistry()
	metrics := chatsync.NewMetrics(registry)

	channels := chatsync.WSChannelFactory(chatsync.ChannelConfig{
		URL:                  transport.RealtimeURL(),
		Token:                cfg.Auth.Token,
		MaxReconnectAttempts: cfg.Sync.MaxReconnectAttempts,
		Logger:               log.Named("realtime"),
	})
	engine := chatsync.NewEngine(transport, channels, chatsync.EngineConfig{
		ViewerID:             cfg.Auth.UserID,
		ViewerDisplayName:    cfg.Auth.Username,
		Language:             cfg.Auth.Language,
		PageSize:             cfg.Sync.PageSize,
		PollInterval:         cfg.pollInterval(),
		MaxReconnectAttempts: cfg.Sync.MaxReconnectAttempts,
	},
		chatsync.WithLogger(log),
		chatsync.WithMetrics(metrics),
		chatsync.WithCache(cache),
	)

	return &session{
		cfg:       cfg,
		log:       log,
		transport: transport,
		engine:    engine,
		cache:     cache,
		registry:  registry,
	}, nil
}

// Close stops the engine and releases the cache.
func (s *session) Close() {
	if err := s.engine.Stop(); err != nil {
		s.log.Warn("engine_stop_failed", zap.Error(err))
	}
	if err := s.cache.Close(); err != nil {
		s.log.Warn("cache_close_failed", zap.Error(err))
	}
	_ = s.log.Sync()
}

// formatEntry renders one log entry as a single terminal line.
func formatEntry(e chatsync.Entry) string {
	name := e.SenderDisplayName
	if e.IsOwn {
		name = "you"
	}
	if name == "" {
		name = e.SenderID
	}
	line := fmt.Sprintf("[%s] %s: %s", e.CreatedAt.Local().Format("Jan 02 15:04"), name, e.Display.Text)
	if e.Display.IsTranslated {
		line += fmt.Sprintf("  (original: %s)", e.Display.OriginalText)
	}
	switch e.DeliveryState {
	case chatsync.DeliveryPending:
		line += "  (sending)"
	case chatsync.DeliveryFailed:
		line += "  (failed)"
	}
	return line
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		if len(key) <= 4 {
			return "****"
		}
		return key[:2] + "..." + key[len(key)-2:]
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
