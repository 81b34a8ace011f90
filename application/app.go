// Package application assembles the client state layer: token store,
// request pipeline, session manager, caches and the notification feed.
package application

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"socialclient/application/engagement"
	"socialclient/application/notifications"
	"socialclient/application/session"
	"socialclient/application/socialgraph"
	"socialclient/domain"
	"socialclient/infrastructure/config"
	"socialclient/infrastructure/persistence"
	"socialclient/infrastructure/realtime"
	"socialclient/infrastructure/transport"
)

// App bundles the fully wired components. Construction is explicit: the
// dependency graph is small enough to read top to bottom.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Store      persistence.TokenStore
	Pipeline   *transport.Pipeline
	Session    *session.Manager
	Graph      *socialgraph.Cache
	Engagement *engagement.Cache
	Feed       *notifications.Feed

	channel   *realtime.Channel
	overrides *config.Watcher
}

// New wires the components together. The pipeline and session manager have a
// mutual dependency (401 retries need a refresher, refreshing needs the
// pipeline); it is broken with SetRefresher after both exist.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	store, err := persistence.NewBadgerStore(persistence.Options{Path: cfg.StoragePath}, logger)
	if err != nil {
		return nil, err
	}

	pipeline, err := transport.NewPipeline(cfg.APIBaseURL, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	sess := session.NewManager(pipeline, store, cfg.RefreshInterval, logger)
	pipeline.SetRefresher(sess)

	channel := realtime.NewChannel(cfg.RealtimeURL, cfg.ReconnectInterval, store, logger)

	app := &App{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Pipeline:   pipeline,
		Session:    sess,
		Graph:      socialgraph.NewCache(pipeline, sess, logger),
		Engagement: engagement.NewCache(pipeline, sess, logger),
		Feed:       notifications.NewFeed(pipeline, channel, cfg.PageSize, logger),
		channel:    channel,
	}

	// Per-user caches do not survive the session.
	sess.OnStateChange(func(s session.State) {
		if s == session.StateAnonymous {
			app.Graph.Reset()
			app.Feed.Stop()
		}
	})

	if cfg.OverridesPath != "" {
		watcher, werr := config.NewWatcher(cfg.OverridesPath, logger)
		if werr != nil {
			logger.Warn("Configuration overrides unavailable", zap.Error(werr))
		} else {
			app.overrides = watcher
			app.applyOverrides(watcher.Current())
			watcher.OnChange(app.applyOverrides)
		}
	}

	return app, nil
}

// applyOverrides maps the hot-reloadable tunables onto the live components.
// Zero values mean "not overridden" and leave the current setting alone.
func (a *App) applyOverrides(o config.Overrides) {
	if o.PageSize > 0 {
		a.Feed.SetPageSize(o.PageSize)
	}
	if o.RefreshIntervalSeconds > 0 {
		a.Session.SetRefreshInterval(time.Duration(o.RefreshIntervalSeconds) * time.Second)
	}
	if o.ReconnectIntervalSeconds > 0 {
		a.channel.SetReconnectInterval(time.Duration(o.ReconnectIntervalSeconds) * time.Second)
	}
	if o.RealtimeEnabled != nil {
		if !*o.RealtimeEnabled {
			a.Feed.Stop()
		} else if user := a.Session.CurrentUser(); user != nil {
			if err := a.Feed.SetRecipient(context.Background(), userRecipient(user.ID)); err != nil {
				a.Logger.Debug("Notification subscription not restarted", zap.Error(err))
			}
		}
	}
}

// realtimeDisabled reports whether the overrides currently switch the push
// channel off.
func (a *App) realtimeDisabled() bool {
	if a.overrides == nil {
		return false
	}
	o := a.overrides.Current()
	return o.RealtimeEnabled != nil && !*o.RealtimeEnabled
}

// Start hydrates the session from local storage and starts the proactive
// refresh loop. When a user is restored, the notification subscription and
// the follow set are primed in the background; both are best-effort.
func (a *App) Start(ctx context.Context) {
	a.Session.Hydrate(ctx)
	go a.Session.Run(ctx)

	if user := a.Session.CurrentUser(); user != nil {
		if a.realtimeDisabled() {
			a.Logger.Info("Realtime channel disabled by configuration overrides")
		} else if err := a.Feed.SetRecipient(ctx, userRecipient(user.ID)); err != nil {
			a.Logger.Debug("Notification subscription not started", zap.Error(err))
		}
		go func() {
			if err := a.Graph.Seed(ctx); err != nil {
				a.Logger.Debug("Follow set not seeded", zap.Error(err))
			}
		}()
	}
}

// Close releases everything Start acquired.
func (a *App) Close() error {
	a.Feed.Stop()
	if a.overrides != nil {
		a.overrides.Close()
	}
	return a.Store.Close()
}

func userRecipient(id int64) domain.FlexID {
	return domain.FlexID(strconv.FormatInt(id, 10))
}
