package service

import (
	"context"
	"time"

	"github.com/hpungsan/weaver/internal/browser"
	"github.com/hpungsan/weaver/internal/hibernation"
	"github.com/hpungsan/weaver/internal/tab"
	"github.com/hpungsan/weaver/internal/tracker"
)

// formCheckTimeout bounds the fire-and-forget form check after a page load.
const formCheckTimeout = 2 * time.Second

func (s *Service) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			s.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent applies one lifecycle event. Events are applied in delivery
// order; failures are logged and never stop the loop.
func (s *Service) HandleEvent(ctx context.Context, ev browser.Event) {
	s.eventCount.Add(1)
	log := s.log.With().Str("event", string(ev.Kind)).Logger()

	switch ev.Kind {
	case browser.EventSnapshot:
		s.syncTabs(ev.Tabs, ev.WindowID, true)
		log.Info().Int("tabs", len(ev.Tabs)).Msg("synced snapshot")

	case browser.EventCreated:
		if ev.Tab == nil {
			log.Warn().Msg("created event without tab")
			return
		}
		s.cache.Upsert(ev.Tab.ID, hibernation.LivePatch(*ev.Tab))

	case browser.EventUpdated:
		s.onUpdated(ctx, ev)

	case browser.EventRemoved:
		s.onRemoved(ev.WindowID, ev.TabID)

	case browser.EventActivated:
		// Activating a discarded tab makes the browser reload it.
		s.engine.MarkRestored(ev.TabID)
		s.tracker.OnActivated(ev.WindowID, ev.TabID)

	case browser.EventFocusChanged:
		s.tracker.OnWindowFocus(ev.WindowID)

	case browser.EventTeardown:
		s.tracker.Checkpoint()
		if err := s.cache.Flush(ctx); err != nil {
			log.Error().Err(err).Msg("flush on teardown failed")
		}

	default:
		log.Debug().Msg("ignoring event")
	}
}

func (s *Service) onUpdated(ctx context.Context, ev browser.Event) {
	id := ev.TabID
	if id == 0 && ev.Tab != nil {
		id = ev.Tab.ID
	}
	if id == 0 {
		return
	}

	if ev.Tab != nil {
		s.cache.Upsert(id, hibernation.LivePatch(*ev.Tab))
	} else if ev.Change != nil {
		s.cache.Upsert(id, changePatch(*ev.Change))
	}

	if ev.Change == nil {
		return
	}
	if ev.Change.Discarded != nil && !*ev.Change.Discarded {
		s.engine.MarkRestored(id)
	}
	if ev.Change.Status == browser.StatusComplete {
		go s.requestFormCheck(ctx, id)
	}
}

func (s *Service) requestFormCheck(ctx context.Context, id int) {
	ctx, cancel := context.WithTimeout(ctx, formCheckTimeout)
	defer cancel()
	if err := s.browser.RequestFormCheck(ctx, id); err != nil {
		s.log.Debug().Err(err).Int("tab_id", id).Msg("form check not delivered")
	}
}

// onRemoved keeps the record with closedAt set so usage history survives
// until the retention purge. Tabs closed by hard hibernation keep their
// hibernated record for restore.
func (s *Service) onRemoved(windowID, tabID int) {
	s.tracker.OnRemoved(windowID, tabID)

	rec, ok := s.cache.Lookup(tabID)
	if !ok {
		return
	}
	if rec.Hibernated && rec.HibernationMode == tab.ModeClose {
		return
	}
	now := s.now().UnixMilli()
	s.cache.Upsert(tabID, tab.Patch{
		ClosedAt:          tab.Ptr(now),
		Active:            tab.Ptr(false),
		ClearSessionStart: true,
	})
}

// syncTabs mirrors the live tab list into the cache. With full set, records
// of open tabs missing from the list are marked closed.
func (s *Service) syncTabs(tabs []browser.Tab, focusedWindow int, full bool) {
	live := make(map[int]struct{}, len(tabs))
	for _, t := range tabs {
		live[t.ID] = struct{}{}
		s.cache.Upsert(t.ID, hibernation.LivePatch(t))
		if t.Active {
			s.tracker.SetActive(t.WindowID, t.ID)
		}
	}

	if full {
		for _, rec := range s.cache.Records() {
			if _, ok := live[rec.TabID]; ok {
				continue
			}
			if rec.Closed() || (rec.Hibernated && rec.HibernationMode == tab.ModeClose) {
				continue
			}
			s.onRemoved(rec.WindowID, rec.TabID)
		}
	}

	if focusedWindow != tracker.NoWindow && focusedWindow != 0 {
		s.tracker.OnWindowFocus(focusedWindow)
	}
}

// changePatch maps a partial update without the full tab.
func changePatch(c browser.ChangeInfo) tab.Patch {
	return tab.Patch{
		URL:        c.URL,
		Title:      c.Title,
		FavIconURL: c.FavIconURL,
		Pinned:     c.Pinned,
		Audible:    c.Audible,
		Muted:      c.Muted,
	}
}
