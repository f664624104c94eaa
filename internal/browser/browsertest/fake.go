// Package browsertest provides an in-memory browser.Browser for tests.
package browsertest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hpungsan/weaver/internal/browser"
)

// Operation names used for failure injection and the call log.
const (
	OpQuery     = "query"
	OpDiscard   = "discard"
	OpReload    = "reload"
	OpCreate    = "create"
	OpRemove    = "remove"
	OpFocus     = "focus"
	OpFormCheck = "checkForm"
)

// Call is one recorded invocation.
type Call struct {
	Op    string
	TabID int
}

// Fake keeps a tab list in memory. Failures can be injected per operation,
// either for every call or for specific tab ids.
type Fake struct {
	mu        sync.Mutex
	tabs      map[int]browser.Tab
	nextID    int
	calls     []Call
	fail      map[string]error
	failTab   map[string]map[int]error
	windowFoc int
}

// New returns a Fake holding tabs.
func New(tabs ...browser.Tab) *Fake {
	f := &Fake{
		tabs:      make(map[int]browser.Tab),
		nextID:    1000,
		fail:      make(map[string]error),
		failTab:   make(map[string]map[int]error),
		windowFoc: browser.WindowNone,
	}
	for _, t := range tabs {
		f.tabs[t.ID] = t
	}
	return f
}

// Add inserts or replaces a tab.
func (f *Fake) Add(t browser.Tab) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tabs[t.ID] = t
}

// Tab returns the tab with id.
func (f *Fake) Tab(id int) (browser.Tab, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tabs[id]
	return t, ok
}

// Fail makes every call of op return err. A nil err clears it.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

// FailTab makes op on tabID return err. A nil err clears it.
func (f *Fake) FailTab(op string, tabID int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failTab[op], tabID)
		return
	}
	if f.failTab[op] == nil {
		f.failTab[op] = make(map[int]error)
	}
	f.failTab[op][tabID] = err
}

// Calls returns the recorded calls in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor returns the tab ids passed to op, in order.
func (f *Fake) CallsFor(op string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int
	for _, c := range f.calls {
		if c.Op == op {
			ids = append(ids, c.TabID)
		}
	}
	return ids
}

// FocusedWindow returns the window focused by the last Focus call.
func (f *Fake) FocusedWindow() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.windowFoc
}

func (f *Fake) Query(ctx context.Context, q browser.Query) ([]browser.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(ctx, OpQuery, 0); err != nil {
		return nil, err
	}
	out := make([]browser.Tab, 0, len(f.tabs))
	for _, t := range f.tabs {
		if q.Matches(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WindowID != out[j].WindowID {
			return out[i].WindowID < out[j].WindowID
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (f *Fake) Discard(ctx context.Context, tabID int) (browser.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(ctx, OpDiscard, tabID); err != nil {
		return browser.Tab{}, err
	}
	t, ok := f.tabs[tabID]
	if !ok {
		return browser.Tab{}, fmt.Errorf("no tab with id: %d", tabID)
	}
	if t.Active {
		return browser.Tab{}, fmt.Errorf("cannot discard the active tab %d", tabID)
	}
	t.Discarded = true
	f.tabs[tabID] = t
	return t, nil
}

func (f *Fake) Reload(ctx context.Context, tabID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(ctx, OpReload, tabID); err != nil {
		return err
	}
	t, ok := f.tabs[tabID]
	if !ok {
		return fmt.Errorf("no tab with id: %d", tabID)
	}
	t.Discarded = false
	f.tabs[tabID] = t
	return nil
}

func (f *Fake) Create(ctx context.Context, props browser.CreateProps) (browser.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(ctx, OpCreate, 0); err != nil {
		return browser.Tab{}, err
	}
	f.nextID++
	t := browser.Tab{ID: f.nextID, URL: props.URL, Active: props.Active, WindowID: 1}
	if props.WindowID != nil {
		t.WindowID = *props.WindowID
	}
	for _, other := range f.tabs {
		if other.WindowID == t.WindowID && other.Index >= t.Index {
			t.Index = other.Index + 1
		}
	}
	f.tabs[t.ID] = t
	return t, nil
}

func (f *Fake) Remove(ctx context.Context, tabIDs ...int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range tabIDs {
		if err := f.check(ctx, OpRemove, id); err != nil {
			return err
		}
		if _, ok := f.tabs[id]; !ok {
			return fmt.Errorf("no tab with id: %d", id)
		}
		delete(f.tabs, id)
	}
	return nil
}

func (f *Fake) Focus(ctx context.Context, tabID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(ctx, OpFocus, tabID); err != nil {
		return err
	}
	t, ok := f.tabs[tabID]
	if !ok {
		return fmt.Errorf("no tab with id: %d", tabID)
	}
	for id, other := range f.tabs {
		if other.WindowID == t.WindowID && other.Active {
			other.Active = false
			f.tabs[id] = other
		}
	}
	t.Active = true
	t.Discarded = false
	f.tabs[tabID] = t
	f.windowFoc = t.WindowID
	return nil
}

func (f *Fake) RequestFormCheck(ctx context.Context, tabID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.check(ctx, OpFormCheck, tabID)
}

// check records the call and returns any injected failure. Caller holds f.mu.
func (f *Fake) check(ctx context.Context, op string, tabID int) error {
	f.calls = append(f.calls, Call{Op: op, TabID: tabID})
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := f.fail[op]; ok {
		return err
	}
	if err, ok := f.failTab[op][tabID]; ok {
		return err
	}
	return nil
}

var _ browser.Browser = (*Fake)(nil)
