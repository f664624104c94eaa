package hibernation

import (
	"context"
	"fmt"
	"sort"

	"github.com/hpungsan/weaver/internal/browser"
	"github.com/hpungsan/weaver/internal/errors"
	"github.com/hpungsan/weaver/internal/policy"
	"github.com/hpungsan/weaver/internal/tab"
	"golang.org/x/time/rate"
)

// BulkOptions narrows a hibernate-all run.
type BulkOptions struct {
	// WindowID limits the run to one window. Nil means every window.
	WindowID *int
	// Mode is the mechanism to use. Empty means discard.
	Mode tab.Mode
}

// ItemError is the failure of one item in a bulk run.
type ItemError struct {
	TabID int    `json:"tabId"`
	Error string `json:"error"`
}

// BulkResult aggregates a bulk run. A failed item never stops the run.
type BulkResult struct {
	Attempted int         `json:"attempted"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
	Errors    []ItemError `json:"errors,omitempty"`
}

// Message is a one-line summary for the UI.
func (r BulkResult) Message(verb string) string {
	if r.Attempted == 0 {
		return fmt.Sprintf("No tabs to %s", verb)
	}
	if r.Failed == 0 {
		return fmt.Sprintf("%s %d tab(s)", pastTense(verb), r.Succeeded)
	}
	return fmt.Sprintf("%s %d of %d tab(s), %d failed", pastTense(verb), r.Succeeded, r.Attempted, r.Failed)
}

func pastTense(verb string) string {
	switch verb {
	case "hibernate":
		return "Hibernated"
	case "restore":
		return "Restored"
	}
	return verb
}

func (r *BulkResult) record(tabID int, err error) {
	r.Attempted++
	if err != nil {
		r.Failed++
		r.Errors = append(r.Errors, ItemError{TabID: tabID, Error: err.Error()})
		return
	}
	r.Succeeded++
}

func (e *Engine) limiter() *rate.Limiter {
	if e.bulkDelay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(e.bulkDelay), 1)
}

// HibernateAll hibernates every live tab that passes the bulk rules: not
// active, not hibernated, not excluded as pinned, audible or with unsaved
// data, not protected and not whitelisted. The enabled flag and the
// inactivity threshold do not apply. Items run sequentially, paced by the
// bulk delay. Cancelling ctx stops the run and returns what was done so far.
func (e *Engine) HibernateAll(ctx context.Context, opts BulkOptions) (BulkResult, error) {
	mode := opts.Mode
	if mode == "" {
		mode = tab.ModeDiscard
	}
	if !mode.Valid() {
		return BulkResult{}, errors.NewInvalidRequest("unknown hibernation mode: " + string(mode))
	}

	settings, err := e.store.LoadSettings(ctx)
	if err != nil {
		return BulkResult{}, err
	}
	rules, err := policy.Compile(settings.Hibernation)
	if err != nil {
		return BulkResult{}, errors.NewInvalidRequest(err.Error())
	}

	live, err := e.browser.Query(ctx, browser.Query{WindowID: opts.WindowID})
	if err != nil {
		return BulkResult{}, errors.NewHostUnavailable("query", err)
	}

	var res BulkResult
	var targets []int
	for _, t := range live {
		rec := e.cache.Upsert(t.ID, LivePatch(t))
		c := e.candidate(rec)
		c.Active = c.Active || t.Active
		if rules.Bulk(c) != policy.Eligible {
			res.Skipped++
			continue
		}
		targets = append(targets, t.ID)
	}

	lim := e.limiter()
	for _, id := range targets {
		if err := lim.Wait(ctx); err != nil {
			return res, err
		}
		_, err := e.transition(ctx, id, mode, func(cur tab.Record) policy.Reason {
			return rules.Bulk(e.candidate(cur))
		})
		if errors.Is(err, errors.ErrPolicyViolation) {
			res.Skipped++
			continue
		}
		res.record(id, err)
	}

	e.log.Info().
		Int("attempted", res.Attempted).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Msg("hibernate all")
	return res, nil
}

// RestoreAll restores every tab hibernated by this system: soft-hibernated
// records and entries of the hard-hibernation list. Items run sequentially,
// paced by the bulk delay.
func (e *Engine) RestoreAll(ctx context.Context) (BulkResult, error) {
	seen := make(map[int]bool)
	var targets []int
	for _, rec := range e.cache.Records() {
		if rec.Hibernated {
			seen[rec.TabID] = true
			targets = append(targets, rec.TabID)
		}
	}

	list, err := e.HibernatedTabs(ctx)
	if err != nil {
		return BulkResult{}, err
	}
	for _, h := range list {
		if !seen[h.ID] {
			seen[h.ID] = true
			targets = append(targets, h.ID)
		}
	}
	sort.Ints(targets)

	var res BulkResult
	lim := e.limiter()
	for _, id := range targets {
		if err := lim.Wait(ctx); err != nil {
			return res, err
		}
		_, err := e.Restore(ctx, id)
		res.record(id, err)
	}

	e.log.Info().
		Int("attempted", res.Attempted).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Msg("restore all")
	return res, nil
}

// LivePatch mirrors the browser's live view of a tab into a record patch.
// A live tab is by definition not closed.
func LivePatch(t browser.Tab) tab.Patch {
	p := tab.Patch{
		URL:           tab.Ptr(t.URL),
		Title:         tab.Ptr(t.Title),
		WindowID:      tab.Ptr(t.WindowID),
		Index:         tab.Ptr(t.Index),
		Active:        tab.Ptr(t.Active),
		Pinned:        tab.Ptr(t.Pinned),
		Audible:       tab.Ptr(t.Audible),
		Muted:         tab.Ptr(t.Muted),
		ClearClosedAt: true,
	}
	if t.FavIconURL != "" {
		p.FavIconURL = tab.Ptr(t.FavIconURL)
	}
	return p
}
