package engine

import (
	"charge-status-backend/config"
	"charge-status-backend/internal/live"
	"charge-status-backend/internal/model"
	"charge-status-backend/internal/poll"
	"charge-status-backend/internal/ratelimit"
	"charge-status-backend/internal/reconnect"
)

// WebsocketChannels builds live channels over the websocket transport,
// each with its own bounded-backoff manager. One channel per selection:
// channels are not reused across stations.
func WebsocketChannels(liveCfg config.LiveUpdatesConfig, rc config.ReconnectConfig) ChannelFactory {
	backoff := reconnect.Config{
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.Multiplier,
		MaxAttempts:  rc.MaxAttempts,
	}
	return func(stationID string, onSnapshot func(model.StationSnapshot), onState func(live.State)) Channel {
		subscriber := live.NewWebsocketSubscriber(liveCfg.URL)
		return live.NewChannel(stationID, subscriber, reconnect.New(backoff), onSnapshot, onState)
	}
}

// FromConfig assembles a complete engine from the application config: the
// given cache (typically the store), an HTTP poller against the upstream
// provider, and websocket live channels.
func FromConfig(cfg *config.Config, cache CacheStore, observer func(Status)) *Engine {
	engineCfg := Config{
		FreshTTL:               cfg.Freshness.TTL,
		FallbackWindow:         cfg.Freshness.FallbackWindow,
		RepollInterval:         cfg.Freshness.RepollInterval,
		DefaultCooldownSeconds: cfg.Freshness.DefaultCooldownSeconds,
	}
	return New(
		engineCfg,
		cache,
		poll.NewClient(cfg.Upstream),
		WebsocketChannels(cfg.LiveUpdates, cfg.Reconnect),
		ratelimit.New(),
		observer,
	)
}
