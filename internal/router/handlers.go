package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hpungsan/weaver/internal/browser"
	"github.com/hpungsan/weaver/internal/cache"
	"github.com/hpungsan/weaver/internal/errors"
	"github.com/hpungsan/weaver/internal/hibernation"
	"github.com/hpungsan/weaver/internal/tab"
	"github.com/hpungsan/weaver/internal/tracker"
	"github.com/rs/zerolog"
)

// SettingsStore reads and writes hibernation settings. kv.Store satisfies it.
type SettingsStore interface {
	LoadSettings(ctx context.Context) (tab.Settings, error)
	SaveSettings(ctx context.Context, s tab.Settings) error
}

// Deps are the collaborators the handlers operate on.
type Deps struct {
	Cache     *cache.Cache
	Protected *cache.Protected
	Engine    *hibernation.Engine
	Tracker   *tracker.Tracker
	Settings  SettingsStore
	Browser   browser.Browser
	Logger    zerolog.Logger
}

// Handlers holds the typed operations shared by the message router, the MCP
// tools and the HTTP API.
type Handlers struct {
	cache     *cache.Cache
	protected *cache.Protected
	engine    *hibernation.Engine
	tracker   *tracker.Tracker
	settings  SettingsStore
	browser   browser.Browser
	log       zerolog.Logger
}

// NewHandlers creates the operations over d.
func NewHandlers(d Deps) *Handlers {
	return &Handlers{
		cache:     d.Cache,
		protected: d.Protected,
		engine:    d.Engine,
		tracker:   d.Tracker,
		settings:  d.Settings,
		browser:   d.Browser,
		log:       d.Logger,
	}
}

// TabData returns one record, or the whole mapping when tabID is nil.
func (h *Handlers) TabData(tabID *int) (any, error) {
	if tabID == nil {
		return h.cache.Snapshot(), nil
	}
	rec, ok := h.cache.Lookup(*tabID)
	if !ok {
		return nil, errors.NewNotFound(*tabID)
	}
	return rec, nil
}

// Records returns every record sorted by tab id.
func (h *Handlers) Records() []tab.Record {
	return h.cache.Records()
}

// HibernateTab hibernates one tab. Only protection blocks a manual request.
func (h *Handlers) HibernateTab(ctx context.Context, tabID int, mode tab.Mode) (tab.Record, error) {
	if tabID <= 0 {
		return tab.Record{}, errors.NewInvalidRequest("tabId is required")
	}
	return h.engine.Hibernate(ctx, tabID, mode)
}

// RestoreTab restores one tab. Restoring an active tab is a no-op.
func (h *Handlers) RestoreTab(ctx context.Context, tabID int) (tab.Record, error) {
	if tabID <= 0 {
		return tab.Record{}, errors.NewInvalidRequest("tabId is required")
	}
	return h.engine.Restore(ctx, tabID)
}

// UpdateActivity records activity on a tab at ts (Unix ms). Zero means now.
func (h *Handlers) UpdateActivity(tabID int, ts int64) error {
	if tabID <= 0 {
		return errors.NewInvalidRequest("tabId is required")
	}
	at := time.Time{}
	if ts > 0 {
		at = time.UnixMilli(ts)
	}
	h.tracker.Touch(tabID, at)
	return nil
}

// Metrics returns the aggregate snapshot of the current cache.
func (h *Handlers) Metrics() tab.Metrics {
	return h.cache.Metrics()
}

// SetUnsavedData records the content script's form state for its tab.
func (h *Handlers) SetUnsavedData(tabID int, has bool) error {
	if tabID <= 0 {
		return errors.NewInvalidRequest("sender tab is required")
	}
	h.cache.Update(tabID, func(r tab.Record) tab.Patch {
		if r.Closed() {
			return tab.Patch{}
		}
		return tab.Patch{HasUnsavedData: tab.Ptr(has)}
	})
	return nil
}

// Groups returns the tracked open tabs grouped by registrable domain.
func (h *Handlers) Groups() []tab.Group {
	return tab.GroupByDomain(h.cache.Records())
}

// HibernateAll runs the bulk hibernate.
func (h *Handlers) HibernateAll(ctx context.Context, opts hibernation.BulkOptions) (hibernation.BulkResult, error) {
	return h.engine.HibernateAll(ctx, opts)
}

// RestoreAll runs the bulk restore.
func (h *Handlers) RestoreAll(ctx context.Context) (hibernation.BulkResult, error) {
	return h.engine.RestoreAll(ctx)
}

// Settings returns the persisted settings, or the defaults.
func (h *Handlers) Settings(ctx context.Context) (tab.Settings, error) {
	return h.settings.LoadSettings(ctx)
}

// SaveSettings validates and persists s. Sections left empty keep their
// stored value.
func (h *Handlers) SaveSettings(ctx context.Context, s tab.Settings) (tab.Settings, error) {
	if err := s.Validate(); err != nil {
		return tab.Settings{}, err
	}
	cur, err := h.settings.LoadSettings(ctx)
	if err != nil {
		return tab.Settings{}, err
	}
	if len(s.UI) == 0 {
		s.UI = cur.UI
	}
	if len(s.Sync) == 0 {
		s.Sync = cur.Sync
	}
	if len(s.Analytics) == 0 {
		s.Analytics = cur.Analytics
	}
	if err := h.settings.SaveSettings(ctx, s); err != nil {
		return tab.Settings{}, err
	}
	h.log.Info().
		Bool("enabled", s.Hibernation.Enabled).
		Int("threshold_minutes", s.Hibernation.TimeThresholdMinutes).
		Msg("settings saved")
	return s, nil
}

// HibernatedTabs returns the hard-hibernation list.
func (h *Handlers) HibernatedTabs(ctx context.Context) ([]tab.HibernatedTab, error) {
	return h.engine.HibernatedTabs(ctx)
}

// SwitchToTab focuses a tab and its window.
func (h *Handlers) SwitchToTab(ctx context.Context, tabID int) error {
	if tabID <= 0 {
		return errors.NewInvalidRequest("tabId is required")
	}
	if err := h.browser.Focus(ctx, tabID); err != nil {
		if _, ok := errors.As(err); ok {
			return err
		}
		return errors.NewHostUnavailable("focus", err)
	}
	return nil
}

// Protect exempts a tab from hibernation.
func (h *Handlers) Protect(ctx context.Context, tabID int) error {
	if tabID <= 0 {
		return errors.NewInvalidRequest("tabId is required")
	}
	return h.protected.Add(ctx, tabID)
}

// Unprotect removes a tab's exemption.
func (h *Handlers) Unprotect(ctx context.Context, tabID int) error {
	if tabID <= 0 {
		return errors.NewInvalidRequest("tabId is required")
	}
	return h.protected.Remove(ctx, tabID)
}

// ProtectedTabs returns the protected tab ids, sorted.
func (h *Handlers) ProtectedTabs() []int {
	return h.protected.IDs()
}

// HibernateCurrent hibernates the active tab of the focused window. Browsers
// may refuse to discard the active tab; ModeClose always works.
func (h *Handlers) HibernateCurrent(ctx context.Context, mode tab.Mode) (tab.Record, error) {
	q := browser.Query{Active: tab.Ptr(true)}
	if w := h.tracker.FocusedWindow(); w != tracker.NoWindow {
		q.WindowID = tab.Ptr(w)
	}
	live, err := h.browser.Query(ctx, q)
	if err != nil {
		return tab.Record{}, errors.NewHostUnavailable("query", err)
	}
	if len(live) == 0 {
		return tab.Record{}, errors.NewInvalidRequest("no active tab")
	}
	t := live[0]
	h.cache.Upsert(t.ID, hibernation.LivePatch(t))
	return h.engine.Hibernate(ctx, t.ID, mode)
}

// RunCheck runs one automatic hibernation cycle now.
func (h *Handlers) RunCheck(ctx context.Context) (hibernation.CycleResult, error) {
	return h.engine.Cycle(ctx)
}

// Message handlers.

type okResponse struct {
	Success bool `json:"success"`
}

var okResp = okResponse{Success: true}

type tabResponse struct {
	Success bool     `json:"success"`
	TabID   int      `json:"tabId"`
	Mode    tab.Mode `json:"mode,omitempty"`
}

type bulkResponse struct {
	Success bool `json:"success"`
	hibernation.BulkResult
	Message string `json:"message"`
}

type tabIDInput struct {
	TabID int `json:"tabId"`
}

func (h *Handlers) handleGetTabData(_ context.Context, req Request) (any, error) {
	in, err := decode[struct {
		TabID *int `json:"tabId"`
	}](req)
	if err != nil {
		return nil, err
	}
	return h.TabData(in.TabID)
}

func (h *Handlers) handleHibernateTab(ctx context.Context, req Request) (any, error) {
	in, err := decode[struct {
		TabID int      `json:"tabId"`
		Mode  tab.Mode `json:"mode"`
	}](req)
	if err != nil {
		return nil, err
	}
	rec, err := h.HibernateTab(ctx, in.TabID, in.Mode)
	if err != nil {
		return nil, err
	}
	return tabResponse{Success: true, TabID: rec.TabID, Mode: rec.HibernationMode}, nil
}

func (h *Handlers) handleRestoreTab(ctx context.Context, req Request) (any, error) {
	in, err := decode[tabIDInput](req)
	if err != nil {
		return nil, err
	}
	rec, err := h.RestoreTab(ctx, in.TabID)
	if err != nil {
		return nil, err
	}
	return tabResponse{Success: true, TabID: rec.TabID}, nil
}

func (h *Handlers) handleUpdateActivity(_ context.Context, req Request) (any, error) {
	in, err := decode[struct {
		TabID     int   `json:"tabId"`
		Timestamp int64 `json:"timestamp"`
	}](req)
	if err != nil {
		return nil, err
	}
	if err := h.UpdateActivity(in.TabID, in.Timestamp); err != nil {
		return nil, err
	}
	return okResp, nil
}

func (h *Handlers) handleGetMetrics(context.Context, Request) (any, error) {
	return h.Metrics(), nil
}

func (h *Handlers) handleFormData(_ context.Context, req Request) (any, error) {
	in, err := decode[struct {
		HasUnsavedData bool `json:"hasUnsavedData"`
	}](req)
	if err != nil {
		return nil, err
	}
	if err := h.SetUnsavedData(senderTab(req), in.HasUnsavedData); err != nil {
		return nil, err
	}
	return okResp, nil
}

func (h *Handlers) handlePageActivity(_ context.Context, req Request) (any, error) {
	in, err := decode[struct {
		Timestamp int64 `json:"timestamp"`
	}](req)
	if err != nil {
		return nil, err
	}
	id := senderTab(req)
	if id <= 0 {
		return nil, errors.NewInvalidRequest("sender tab is required")
	}
	if err := h.UpdateActivity(id, in.Timestamp); err != nil {
		return nil, err
	}
	return okResp, nil
}

func (h *Handlers) handleGetTabGroups(context.Context, Request) (any, error) {
	return h.Groups(), nil
}

func (h *Handlers) handleHibernateAll(ctx context.Context, req Request) (any, error) {
	in, err := decode[struct {
		WindowID *int     `json:"windowId"`
		Mode     tab.Mode `json:"mode"`
	}](req)
	if err != nil {
		return nil, err
	}
	res, err := h.HibernateAll(ctx, hibernation.BulkOptions{WindowID: in.WindowID, Mode: in.Mode})
	if err != nil {
		return nil, err
	}
	return bulkResponse{Success: true, BulkResult: res, Message: res.Message("hibernate")}, nil
}

func (h *Handlers) handleRestoreAll(ctx context.Context, _ Request) (any, error) {
	res, err := h.RestoreAll(ctx)
	if err != nil {
		return nil, err
	}
	return bulkResponse{Success: true, BulkResult: res, Message: res.Message("restore")}, nil
}

func (h *Handlers) handleGetSettings(ctx context.Context, _ Request) (any, error) {
	return h.Settings(ctx)
}

func (h *Handlers) handleSaveSettings(ctx context.Context, req Request) (any, error) {
	in, err := decode[struct {
		Settings json.RawMessage `json:"settings"`
	}](req)
	if err != nil {
		return nil, err
	}
	if len(in.Settings) == 0 || string(in.Settings) == "null" {
		return nil, errors.NewInvalidRequest("settings is required")
	}
	s, err := tab.DecodeSettings(in.Settings)
	if err != nil {
		return nil, errors.NewInvalidRequest("invalid settings: " + err.Error())
	}
	if _, err := h.SaveSettings(ctx, s); err != nil {
		return nil, err
	}
	return okResp, nil
}

func (h *Handlers) handleGetHibernated(ctx context.Context, _ Request) (any, error) {
	list, err := h.HibernatedTabs(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []tab.HibernatedTab{}
	}
	return list, nil
}

func (h *Handlers) handleSwitchToTab(ctx context.Context, req Request) (any, error) {
	in, err := decode[tabIDInput](req)
	if err != nil {
		return nil, err
	}
	if err := h.SwitchToTab(ctx, in.TabID); err != nil {
		return nil, err
	}
	return okResp, nil
}

func (h *Handlers) handleProtect(ctx context.Context, req Request) (any, error) {
	in, err := decode[tabIDInput](req)
	if err != nil {
		return nil, err
	}
	if err := h.Protect(ctx, in.TabID); err != nil {
		return nil, err
	}
	return okResp, nil
}

func (h *Handlers) handleUnprotect(ctx context.Context, req Request) (any, error) {
	in, err := decode[tabIDInput](req)
	if err != nil {
		return nil, err
	}
	if err := h.Unprotect(ctx, in.TabID); err != nil {
		return nil, err
	}
	return okResp, nil
}

func (h *Handlers) handleGetProtected(context.Context, Request) (any, error) {
	return h.ProtectedTabs(), nil
}

func (h *Handlers) handleHibernateCurrent(ctx context.Context, req Request) (any, error) {
	in, err := decode[struct {
		Mode tab.Mode `json:"mode"`
	}](req)
	if err != nil {
		return nil, err
	}
	rec, err := h.HibernateCurrent(ctx, in.Mode)
	if err != nil {
		return nil, err
	}
	return tabResponse{Success: true, TabID: rec.TabID, Mode: rec.HibernationMode}, nil
}

func (h *Handlers) handleRunCheck(ctx context.Context, _ Request) (any, error) {
	return h.RunCheck(ctx)
}

func senderTab(req Request) int {
	if req.Sender.Tab == nil {
		return 0
	}
	return req.Sender.Tab.ID
}
