// Package service is the long-lived background process. It owns the tab
// metadata cache and wires the tracker, the hibernation engine and the
// message router to the browser's lifecycle events and to periodic tasks.
package service

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"github.com/hpungsan/weaver/internal/browser"
	"github.com/hpungsan/weaver/internal/cache"
	"github.com/hpungsan/weaver/internal/config"
	"github.com/hpungsan/weaver/internal/hibernation"
	"github.com/hpungsan/weaver/internal/kv"
	"github.com/hpungsan/weaver/internal/router"
	"github.com/hpungsan/weaver/internal/tracker"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// flushTimeout bounds the final flush on shutdown.
const flushTimeout = 5 * time.Second

// Stats are cumulative counters since start.
type Stats struct {
	Events         int64
	Cycles         int64
	AutoHibernated int64
	CycleFailures  int64
	Purged         int64
	InitAttempts   int64
	Checkpoints    int64
}

// Service is constructed once per process.
type Service struct {
	cfg       *config.Config
	store     *kv.Store
	browser   browser.Browser
	events    <-chan browser.Event
	now       func() time.Time
	log       zerolog.Logger
	cache     *cache.Cache
	protected *cache.Protected
	tracker   *tracker.Tracker
	engine    *hibernation.Engine
	handlers  *router.Handlers
	router    *router.Router

	ready          atomic.Bool
	eventCount     atomic.Int64
	cycles         atomic.Int64
	autoHibernated atomic.Int64
	cycleFailures  atomic.Int64
	purged         atomic.Int64
	initAttempts   atomic.Int64
	checkpoints    atomic.Int64
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now for every component.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the base logger. Components log with a "component" field.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithEvents sets the lifecycle event stream consumed by Run.
func WithEvents(ch <-chan browser.Event) Option {
	return func(s *Service) { s.events = ch }
}

// New builds the service and its components. Nothing is loaded until Init.
func New(store *kv.Store, b browser.Browser, cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := &Service{
		cfg:     cfg,
		store:   store,
		browser: b,
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.cache = cache.New(store,
		cache.WithClock(s.now),
		cache.WithLogger(s.component("cache")),
		cache.WithPersistWindow(cfg.PersistWindow.Std()),
	)
	s.protected = cache.NewProtected(store)
	s.tracker = tracker.New(s.cache,
		tracker.WithClock(s.now),
		tracker.WithLogger(s.component("tracker")),
	)
	s.engine = hibernation.New(s.cache, s.protected, b, store,
		hibernation.WithClock(s.now),
		hibernation.WithLogger(s.component("hibernation")),
		hibernation.WithBulkDelay(cfg.BulkDelay.Std()),
		hibernation.WithActivity(s.tracker),
	)
	s.handlers = router.NewHandlers(router.Deps{
		Cache:     s.cache,
		Protected: s.protected,
		Engine:    s.engine,
		Tracker:   s.tracker,
		Settings:  store,
		Browser:   b,
		Logger:    s.component("router"),
	})
	s.router = router.New(s.handlers)
	return s
}

func (s *Service) component(name string) zerolog.Logger {
	return s.log.With().Str("component", name).Logger()
}

// Cache returns the metadata cache.
func (s *Service) Cache() *cache.Cache { return s.cache }

// Tracker returns the session tracker.
func (s *Service) Tracker() *tracker.Tracker { return s.tracker }

// Engine returns the hibernation engine.
func (s *Service) Engine() *hibernation.Engine { return s.engine }

// Handlers returns the typed operations.
func (s *Service) Handlers() *router.Handlers { return s.handlers }

// Router returns the message router.
func (s *Service) Router() *router.Router { return s.router }

// Ready reports whether Init has completed.
func (s *Service) Ready() bool { return s.ready.Load() }

// Stats returns cumulative counters.
func (s *Service) Stats() Stats {
	return Stats{
		Events:         s.eventCount.Load(),
		Cycles:         s.cycles.Load(),
		AutoHibernated: s.autoHibernated.Load(),
		CycleFailures:  s.cycleFailures.Load(),
		Purged:         s.purged.Load(),
		InitAttempts:   s.initAttempts.Load(),
		Checkpoints:    s.checkpoints.Load(),
	}
}

// Init loads persisted state, retrying with a fixed delay while the store is
// unavailable, then syncs with the live tabs and purges stale records. A
// failing tab query does not fail Init: the extension may not be connected
// yet and its first snapshot performs the same sync.
func (s *Service) Init(ctx context.Context) error {
	delay := s.cfg.InitRetryDelay.Std()
	maxAttempts := s.cfg.InitMaxAttempts

	for attempt := 1; ; attempt++ {
		s.initAttempts.Add(1)
		err := s.load(ctx)
		if err == nil {
			break
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			s.log.Error().Err(err).Int("attempt", attempt).Msg("initialization failed, giving up")
			return err
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("initialization failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	tabs, err := s.browser.Query(ctx, browser.Query{})
	if err != nil {
		s.log.Info().Err(err).Msg("live tabs unavailable at startup, waiting for snapshot")
	} else {
		s.syncTabs(tabs, tracker.NoWindow, false)
		s.purge(ctx, tabs)
	}

	s.ready.Store(true)
	s.log.Info().Int("records", s.cache.Len()).Msg("service initialized")
	return nil
}

func (s *Service) load(ctx context.Context) error {
	if err := s.cache.Load(ctx); err != nil {
		return err
	}
	if err := s.protected.Load(ctx); err != nil {
		return err
	}
	_, err := s.store.LoadSettings(ctx)
	return err
}

// Run initializes the service, then consumes events and runs the periodic
// tasks until ctx is cancelled. Pending metadata is flushed before returning.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Init(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.events != nil {
		g.Go(func() error { return s.eventLoop(gctx) })
	}
	g.Go(func() error {
		return every(gctx, s.cfg.HibernationCheckInterval.Std(), s.runCycle)
	})
	g.Go(func() error {
		return every(gctx, s.cfg.CheckpointInterval.Std(), s.checkpoint)
	})
	g.Go(func() error {
		return every(gctx, s.cfg.PurgeInterval.Std(), s.runPurge)
	})

	err := g.Wait()
	if stopErr := s.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	if stderrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop closes open sessions into the totals and flushes pending metadata.
func (s *Service) Stop() error {
	s.tracker.Checkpoint()
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := s.cache.Close(ctx); err != nil {
		s.log.Error().Err(err).Msg("final flush failed")
		return err
	}
	s.log.Info().Msg("service stopped")
	return nil
}

// every runs fn each interval until ctx is done. A run finishes before the
// next tick is considered, so the same task never overlaps itself.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (s *Service) runCycle(ctx context.Context) {
	res, err := s.engine.Cycle(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("hibernation cycle failed")
		return
	}
	if res.Skipped {
		return
	}
	s.cycles.Add(1)
	s.autoHibernated.Add(int64(res.Hibernated))
	s.cycleFailures.Add(int64(res.Failed))
}

func (s *Service) checkpoint(context.Context) {
	s.tracker.Checkpoint()
	s.checkpoints.Add(1)
}

func (s *Service) runPurge(ctx context.Context) {
	tabs, err := s.browser.Query(ctx, browser.Query{})
	if err != nil {
		// Without the live list nothing can be told apart from a closed tab.
		s.log.Warn().Err(err).Msg("skipping purge, live tabs unavailable")
		return
	}
	s.purge(ctx, tabs)
}

// purge drops stale records and the protection of the tabs they belonged to.
func (s *Service) purge(ctx context.Context, live []browser.Tab) int {
	urls := make([]string, 0, len(live))
	for _, t := range live {
		urls = append(urls, t.URL)
	}
	removed := s.cache.PurgeStaleIDs(s.cfg.Retention.Std(), urls)
	s.purged.Add(int64(len(removed)))

	if n, err := s.protected.RemoveAll(ctx, removed); err != nil {
		s.log.Warn().Err(err).Ints("tab_ids", removed).Msg("unprotect purged tabs failed")
	} else if n > 0 {
		s.log.Info().Int("unprotected", n).Msg("dropped protection of purged tabs")
	}
	return len(removed)
}

// Purge removes stale records using the live tab list.
func (s *Service) Purge(ctx context.Context) (int, error) {
	tabs, err := s.browser.Query(ctx, browser.Query{})
	if err != nil {
		return 0, err
	}
	return s.purge(ctx, tabs), nil
}
